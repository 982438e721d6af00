// Package database opens the Postgres pool, the dedicated listen connection
// and the optional Mongo payload collection.
package database

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/errors"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	c "github.com/life-stream-dev/life-stream-go-backplane/internal/config"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/listener"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/payload"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/utils"
)

const connectTimeout = 15 * time.Second

// PoolCloseCallback closes the Postgres pool on shutdown.
type PoolCloseCallback struct {
	pool *pgxpool.Pool
}

func NewPoolCloseCallback(pool *pgxpool.Pool) *PoolCloseCallback {
	return &PoolCloseCallback{pool: pool}
}

func (pc *PoolCloseCallback) Invoke(context.Context) error {
	logger.InfoF("Closing database pool")
	pc.pool.Close()
	return nil
}

// MongoCloseCallback disconnects the Mongo client on shutdown.
type MongoCloseCallback struct {
	client  *mongo.Client
	timeout time.Duration
}

func NewMongoCloseCallback(client *mongo.Client, timeout time.Duration) *MongoCloseCallback {
	return &MongoCloseCallback{client: client, timeout: timeout}
}

func (mc *MongoCloseCallback) Invoke(ctx context.Context) error {
	logger.InfoF("Closing mongo connection")
	ctx, cancel := context.WithTimeout(ctx, mc.timeout)
	defer cancel()
	return mc.client.Disconnect(ctx)
}

// PoolConfig translates the database section into a pgxpool configuration.
func PoolConfig(config c.DatabaseConfig, appName string) (*pgxpool.Config, error) {
	poolConfig, err := pgxpool.ParseConfig(config.DSN)
	if err != nil {
		return nil, errors.NotValidf("database dsn: %v", err)
	}
	if config.MinPoolSize > 0 {
		poolConfig.MinConns = config.MinPoolSize
	}
	if config.MaxPoolSize > 0 {
		poolConfig.MaxConns = config.MaxPoolSize
	}
	if d := utils.ParseStringTime(config.ConnectIdleTimeout); d > 0 {
		poolConfig.MaxConnIdleTime = d
	}
	if d := utils.ParseStringTime(config.HealthCheckPeriod); d > 0 {
		poolConfig.HealthCheckPeriod = d
	}
	if d := utils.ParseStringTime(config.ConnectTimeout); d > 0 {
		poolConfig.ConnConfig.ConnectTimeout = d
	}
	if appName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = appName
	}
	poolConfig.AfterConnect = func(_ context.Context, conn *pgx.Conn) error {
		logger.DebugF("Database connection created: pid %d", conn.PgConn().PID())
		return nil
	}
	poolConfig.BeforeClose = func(conn *pgx.Conn) {
		logger.DebugF("Database connection closed: pid %d", conn.PgConn().PID())
	}
	return poolConfig, nil
}

// ConnectPostgres opens and pings the pool used for NOTIFY and the payload
// table.
func ConnectPostgres(ctx context.Context, config *c.Config) (*pgxpool.Pool, error) {
	logger.DebugF("Connecting to database...")
	poolConfig, err := PoolConfig(config.Database, config.AppName)
	if err != nil {
		return nil, errors.Trace(err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errors.Annotate(err, "error occurred while connecting to database")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Annotate(err, "error occurred while pinging database")
	}
	logger.InfoF("Connected to database %s", poolConfig.ConnConfig.Database)
	return pool, nil
}

// ListenDialer dials the dedicated connection carrying LISTEN.
func ListenDialer(config c.DatabaseConfig) (listener.Dialer, error) {
	return listener.NewPgxDialer(config.ListenerDSN())
}

// CreatePayloadTable creates the payload side table when missing.
func CreatePayloadTable(ctx context.Context, pool *pgxpool.Pool, table c.TableConfig) (*payload.PostgresStore, error) {
	store, err := payload.NewPostgresStore(pool, table.SchemaName, table.TableName)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := store.EnsureTable(ctx); err != nil {
		return nil, errors.Annotate(err, "error occurred while creating payload table")
	}
	return store, nil
}

// ConnectMongo opens the client holding payloads when the mongo store is
// selected.
func ConnectMongo(ctx context.Context, config *c.Config) (*mongo.Client, *mongo.Collection, error) {
	logger.DebugF("Connecting to mongo...")
	mc := config.Mongo
	clientOptions := options.Client().ApplyURI(mc.URI).SetAppName(config.AppName)
	clientOptions.SetMinPoolSize(mc.MinPoolSize)
	clientOptions.SetMaxPoolSize(mc.MaxPoolSize)
	clientOptions.SetConnectTimeout(utils.ParseStringTime(mc.ConnectTimeout))
	clientOptions.SetSocketTimeout(utils.ParseStringTime(mc.SocketTimeout))
	clientOptions.SetHeartbeatInterval(utils.ParseStringTime(mc.Heartbeat))
	if mc.UseTLS {
		clientOptions.SetTLSConfig(&tls.Config{})
	}
	clientOptions.SetPoolMonitor(&event.PoolMonitor{
		Event: func(evt *event.PoolEvent) {
			switch evt.Type {
			case event.ConnectionCreated:
				logger.DebugF("Mongo connection created: %s #%d", evt.Address, evt.ConnectionID)
			case event.ConnectionClosed:
				logger.DebugF("Mongo connection closed: %s #%d (%s)", evt.Address, evt.ConnectionID, evt.Reason)
			}
		},
	})

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, nil, errors.Annotate(err, "error occurred while connecting to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, errors.Annotate(err, "error occurred while pinging mongo")
	}
	return client, client.Database(mc.Database).Collection(mc.Collection), nil
}
