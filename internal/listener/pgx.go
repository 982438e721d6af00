package listener

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"github.com/juju/errors"
)

type pgxConn struct {
	conn *pgx.Conn
}

func (c *pgxConn) Exec(ctx context.Context, sql string) error {
	_, err := c.conn.Exec(ctx, sql)
	return err
}

func (c *pgxConn) WaitForNotification(ctx context.Context) (*Notification, error) {
	n, err := c.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, err
	}
	return &Notification{Channel: n.Channel, Payload: n.Payload, PID: n.PID}, nil
}

func (c *pgxConn) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}

// NewPgxDialer returns a Dialer opening single pgx connections to connString.
// Cancelling a wait only sets a read deadline, so the pump can be woken
// without losing the connection.
func NewPgxDialer(connString string) (Dialer, error) {
	cfg, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, errors.NotValidf("listen connection string: %v", err)
	}
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}
	return func(ctx context.Context) (Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, errors.Trace(err)
		}
		return &pgxConn{conn: conn}, nil
	}, nil
}
