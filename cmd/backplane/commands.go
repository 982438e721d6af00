package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/life-stream-dev/life-stream-go-backplane/internal/backplane"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/channel"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/codec"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/config"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/database"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/event"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/logger"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/payload"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/server"
	"github.com/life-stream-dev/life-stream-go-backplane/internal/utils"
)

func loadConfig(path string) (config.Config, *event.Cleaner, error) {
	cfg, err := config.ReadConfig(path)
	if err != nil {
		return cfg, nil, errors.Annotate(err, "error occurred while reading config")
	}
	loggerCallback := logger.Init(cfg.Log.Directory, cfg.DebugMode)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(loggerCallback)
	return cfg, cleaner, nil
}

func connectPool(ctx context.Context, cfg *config.Config, cleaner *event.Cleaner) (*pgxpool.Pool, error) {
	pool, err := database.ConnectPostgres(ctx, cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	cleaner.Add(database.NewPoolCloseCallback(pool))
	return pool, nil
}

// payloadStore opens the configured side store. Inline strategies need none.
func payloadStore(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, notifier payload.Notifier, cleaner *event.Cleaner) (payload.Store, payload.Expirer, error) {
	if cfg.Backplane.PayloadStrategy == "inline" {
		return nil, nil, nil
	}
	if cfg.Backplane.PayloadStore == "mongo" {
		client, coll, err := database.ConnectMongo(ctx, cfg)
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		cleaner.Add(database.NewMongoCloseCallback(client, utils.ParseStringTime(cfg.Mongo.OperationTimeout)))
		store := payload.NewMongoStore(coll, notifier)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, nil, errors.Annotate(err, "error occurred while creating mongo indexes")
		}
		return store, store, nil
	}
	store, err := database.CreatePayloadTable(ctx, pool, cfg.Backplane.Table)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return store, store, nil
}

func strategy(cfg *config.Config, notifier payload.Notifier, store payload.Store) (payload.Strategy, error) {
	switch cfg.Backplane.PayloadStrategy {
	case "inline":
		return payload.NewInline(notifier), nil
	case "table":
		return payload.NewTable(store), nil
	}
	return payload.NewAuto(notifier, store, cfg.Backplane.AutoThreshold)
}

func serve(ctx context.Context, configPath string) error {
	cfg, cleaner, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	finish(cleaner, run(ctx, &cfg, cleaner))
	return nil
}

// finish runs the cleanup and exits. A signal may have started the cleanup
// already, in which case this waits for it.
func finish(cleaner *event.Cleaner, err error) {
	if err != nil {
		logger.ErrorF("Command failed, details: %v", err)
		cleaner.Shutdown(1)
	}
	cleaner.Shutdown(0)
}

func run(ctx context.Context, cfg *config.Config, cleaner *event.Cleaner) error {
	pool, err := connectPool(ctx, cfg, cleaner)
	if err != nil {
		return err
	}
	notifier := payload.NewPoolNotifier(pool)
	store, expirer, err := payloadStore(ctx, cfg, pool, notifier, cleaner)
	if err != nil {
		return err
	}
	strat, err := strategy(cfg, notifier, store)
	if err != nil {
		return errors.Trace(err)
	}

	mode, err := channel.ParseMode(cfg.Backplane.ChannelNameNormalization)
	if err != nil {
		return errors.Trace(err)
	}
	namer, err := channel.NewNamer(cfg.Backplane.Prefix, mode)
	if err != nil {
		return errors.Trace(err)
	}
	dial, err := database.ListenDialer(cfg.Database)
	if err != nil {
		return errors.Trace(err)
	}

	var coord *backplane.Coordinator
	collector := metrics.NewCollector(func() metrics.State { return coord.Stats() })
	codecs := codec.DefaultRegistry()
	coord, err = backplane.New(backplane.Config{
		Namer:            namer,
		Dial:             dial,
		Payload:          strat,
		Codecs:           codecs,
		Clock:            clock.WallClock,
		Metrics:          collector,
		AckThreshold:     cfg.Backplane.AckTimeoutDuration(),
		AckSweepInterval: cfg.Backplane.AckSweepIntervalDuration(),
		OnInitialized: func() {
			logger.InfoF("Backplane initialized with prefix %s", namer.Prefix())
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	cleaner.Add(event.CallableFunc(func(ctx context.Context) error {
		logger.InfoF("Closing backplane")
		return coord.Close(ctx)
	}))

	if expirer != nil && cfg.Backplane.Table.AutomaticCleanup {
		sweeper, err := payload.NewSweeper(payload.SweeperConfig{
			Store:    expirer,
			Clock:    clock.WallClock,
			TTL:      cfg.Backplane.Table.CleanupTTLDuration(),
			Interval: cfg.Backplane.Table.CleanupIntervalDuration(),
			OnSweep:  collector.Swept,
		})
		if err != nil {
			return errors.Trace(err)
		}
		cleaner.Add(event.CallableFunc(func(context.Context) error {
			return sweeper.Close()
		}))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collector, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv, err := server.NewServer(server.Config{
		Coordinator: coord,
		Codecs:      codecs,
		Gatherer:    registry,
		MetricsPath: cfg.Server.MetricsPath,
	})
	if err != nil {
		return errors.Trace(err)
	}

	serverCtx, cancel := context.WithCancel(ctx)
	cleaner.Add(event.CallableFunc(func(context.Context) error {
		cancel()
		return nil
	}))
	return srv.ListenAndServe(serverCtx, cfg.Server.Listen)
}

func initTable(ctx context.Context, configPath string) error {
	cfg, cleaner, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	finish(cleaner, createTable(ctx, &cfg, cleaner))
	return nil
}

func createTable(ctx context.Context, cfg *config.Config, cleaner *event.Cleaner) error {
	pool, err := connectPool(ctx, cfg, cleaner)
	if err != nil {
		return err
	}
	if _, err := database.CreatePayloadTable(ctx, pool, cfg.Backplane.Table); err != nil {
		return err
	}
	fmt.Printf("payload table %s.%s ready\n", cfg.Backplane.Table.SchemaName, cfg.Backplane.Table.TableName)
	return nil
}

func sweep(ctx context.Context, configPath string) error {
	cfg, cleaner, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	finish(cleaner, sweepOnce(ctx, &cfg, cleaner))
	return nil
}

func sweepOnce(ctx context.Context, cfg *config.Config, cleaner *event.Cleaner) error {
	pool, err := connectPool(ctx, cfg, cleaner)
	if err != nil {
		return err
	}
	notifier := payload.NewPoolNotifier(pool)
	_, expirer, err := payloadStore(ctx, cfg, pool, notifier, cleaner)
	if err != nil {
		return err
	}
	if expirer == nil {
		fmt.Println("inline payload strategy keeps no payloads")
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	deleted, err := expirer.DeleteOlderThan(ctx, cfg.Backplane.Table.CleanupTTLDuration())
	if err != nil {
		return errors.Annotate(err, "error occurred while sweeping payloads")
	}
	fmt.Printf("deleted %d expired payloads\n", deleted)
	return nil
}
