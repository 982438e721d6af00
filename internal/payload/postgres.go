package payload

import (
	"context"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/errors"
)

const (
	DefaultSchema = "public"
	DefaultTable  = "backplane_payloads"
)

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PoolNotifier notifies through pg_notify.
type PoolNotifier struct {
	db DB
}

func NewPoolNotifier(db DB) *PoolNotifier {
	return &PoolNotifier{db: db}
}

func (n *PoolNotifier) Notify(ctx context.Context, channel, payload string) error {
	_, err := n.db.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	return errors.Annotatef(err, "notifying %s", channel)
}

// PostgresStore keeps frames in a side table of the same database that
// carries the notifications.
type PostgresStore struct {
	db     DB
	schema string
	table  string
	// sanitized qualified name
	qualified string
}

func NewPostgresStore(db DB, schema, table string) (*PostgresStore, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	if table == "" {
		table = DefaultTable
	}
	if len(table) > 63 || len(schema) > 63 {
		return nil, errors.NotValidf("payload table %s.%s", schema, table)
	}
	return &PostgresStore{
		db:        db,
		schema:    schema,
		table:     table,
		qualified: pgx.Identifier{schema, table}.Sanitize(),
	}, nil
}

func (s *PostgresStore) Tag() string {
	return "id:"
}

// EnsureTable creates the schema, table and index when missing.
func (s *PostgresStore) EnsureTable(ctx context.Context) error {
	index := pgx.Identifier{truncateIdentifier(s.table + "_created_at_idx")}.Sanitize()
	sql := "CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{s.schema}.Sanitize() + ";" +
		"CREATE TABLE IF NOT EXISTS " + s.qualified + " (" +
		"id BIGSERIAL PRIMARY KEY, " +
		"payload BYTEA NOT NULL, " +
		"created_at TIMESTAMPTZ NOT NULL DEFAULT now());" +
		"CREATE INDEX IF NOT EXISTS " + index + " ON " + s.qualified + " (created_at)"
	_, err := s.db.Exec(ctx, sql)
	return errors.Annotatef(err, "creating payload table %s", s.qualified)
}

func (s *PostgresStore) InsertAndNotify(ctx context.Context, channel string, data []byte) error {
	sql := "WITH inserted AS (INSERT INTO " + s.qualified + " (payload) VALUES ($1) RETURNING id) " +
		"SELECT pg_notify($2, '" + s.Tag() + "' || id::text) FROM inserted"
	_, err := s.db.Exec(ctx, sql, data, channel)
	return errors.Annotatef(err, "storing payload for %s", channel)
}

func (s *PostgresStore) Load(ctx context.Context, ref string) ([]byte, error) {
	id, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return nil, errors.NotValidf("payload reference %q", ref)
	}
	var data []byte
	err = s.db.QueryRow(ctx, "SELECT payload FROM "+s.qualified+" WHERE id = $1", id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.NotFoundf("payload %d", id)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "loading payload %d", id)
	}
	return data, nil
}

func (s *PostgresStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	tag, err := s.db.Exec(ctx,
		"DELETE FROM "+s.qualified+" WHERE created_at < now() - ($1::bigint * interval '1 millisecond')",
		age.Milliseconds())
	if err != nil {
		return 0, errors.Annotatef(err, "deleting payloads older than %s", age)
	}
	return tag.RowsAffected(), nil
}

func truncateIdentifier(name string) string {
	if len(name) > 63 {
		return name[:63]
	}
	return name
}
