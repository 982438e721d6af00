package payload_test

import (
	"bytes"
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/listener"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/payload"
)

type execCall struct {
	sql  string
	args []any
}

type fakeRow struct {
	data []byte
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.data
	return nil
}

type fakeDB struct {
	calls []execCall
	row   fakeRow
	tag   string
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.calls = append(db.calls, execCall{sql: sql, args: args})
	return pgconn.NewCommandTag(db.tag), nil
}

func (db *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.calls = append(db.calls, execCall{sql: sql, args: args})
	return db.row
}

func TestPostgresStoreStatements(t *testing.T) {
	db := &fakeDB{tag: "DELETE 4"}
	store, err := payload.NewPostgresStore(db, "", "")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := store.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}
	create := db.calls[0].sql
	for _, fragment := range []string{
		`CREATE TABLE IF NOT EXISTS "public"."backplane_payloads"`,
		"id BIGSERIAL PRIMARY KEY",
		"payload BYTEA NOT NULL",
		"created_at TIMESTAMPTZ NOT NULL DEFAULT now()",
		`CREATE INDEX IF NOT EXISTS "backplane_payloads_created_at_idx"`,
	} {
		if !strings.Contains(create, fragment) {
			t.Errorf("create statement %q lacks %q", create, fragment)
		}
	}

	if err := store.InsertAndNotify(ctx, "bp_group_a", []byte("x")); err != nil {
		t.Fatal(err)
	}
	insert := db.calls[1]
	if !strings.Contains(insert.sql, "pg_notify($2, 'id:' || id::text)") || insert.args[1] != "bp_group_a" {
		t.Errorf("unexpected insert %+v", insert)
	}

	deleted, err := store.DeleteOlderThan(ctx, 1500*time.Millisecond)
	if err != nil || deleted != 4 {
		t.Errorf("DeleteOlderThan = %d, %v", deleted, err)
	}
	if db.calls[2].args[0] != int64(1500) {
		t.Errorf("expected age in milliseconds, got %v", db.calls[2].args)
	}

	db.row = fakeRow{data: []byte("frame")}
	if data, err := store.Load(ctx, "7"); err != nil || string(data) != "frame" {
		t.Errorf("Load = %q, %v", data, err)
	}
	db.row = fakeRow{err: pgx.ErrNoRows}
	if _, err := store.Load(ctx, "8"); !errors.Is(err, errors.NotFound) {
		t.Errorf("expected not found, got %v", err)
	}
	if _, err := store.Load(ctx, "x"); !errors.Is(err, errors.NotValid) {
		t.Errorf("expected not valid, got %v", err)
	}
}

func TestPoolNotifier(t *testing.T) {
	db := &fakeDB{}
	if err := payload.NewPoolNotifier(db).Notify(context.Background(), "c", "p"); err != nil {
		t.Fatal(err)
	}
	if db.calls[0].sql != "SELECT pg_notify($1, $2)" || db.calls[0].args[0] != "c" || db.calls[0].args[1] != "p" {
		t.Errorf("unexpected notify %+v", db.calls[0])
	}
}

// Runs against a real server when BACKPLANE_TEST_DSN is set.
func TestPostgresStoreLive(t *testing.T) {
	dsn := os.Getenv("BACKPLANE_TEST_DSN")
	if dsn == "" {
		t.Skip("BACKPLANE_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	store, err := payload.NewPostgresStore(pool, "public", "backplane_payloads_test")
	if err != nil {
		t.Fatal(err)
	}
	if err := store.EnsureTable(ctx); err != nil {
		t.Fatal(err)
	}

	dial, err := listener.NewPgxDialer(dsn)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := dial(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close(ctx) }()
	if err := conn.Exec(ctx, `LISTEN "payload_live_test"`); err != nil {
		t.Fatal(err)
	}

	s, err := payload.NewAuto(payload.NewPoolNotifier(pool), store, payload.DefaultThreshold)
	if err != nil {
		t.Fatal(err)
	}
	for _, size := range []int{payload.DefaultThreshold - 1, payload.DefaultThreshold, 100000} {
		data := randomBytes(size)
		if err := s.Publish(ctx, "payload_live_test", data); err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			t.Fatal(err)
		}
		got, err := s.Resolve(ctx, n.Payload)
		if err != nil || !bytes.Equal(got, data) {
			t.Errorf("size %d: round trip mismatch (%v)", size, err)
		}
	}
	if _, err := store.DeleteOlderThan(ctx, 0); err != nil {
		t.Errorf("DeleteOlderThan: %v", err)
	}
}
