package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite"

	"github.com/petrijr/fluxgraph"
	"github.com/petrijr/fluxgraph/internal/cache"
	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/internal/limits"
	"github.com/petrijr/fluxgraph/internal/scheduler"
)

// runtime holds everything built from a Config plus the cleanups to run on
// exit, in reverse order.
type runtime struct {
	engine    *fluxgraph.Engine
	scheduler *scheduler.Scheduler
	closers   []func(context.Context) error
}

func (rt *runtime) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func openRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (rt *runtime, err error) {
	rt = &runtime{}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	ecfg := fluxgraph.Config{
		Logger:            logger,
		Observer:          fluxgraph.NewLoggingObserver(logger),
		IdempotencyWindow: cfg.Engine.IdempotencyWindow,
		CascadeTerminate:  cfg.Engine.CascadeTerminate,
		Limits: limits.Config{
			MaxConcurrentExecutions: cfg.Engine.Limits.MaxConcurrentExecutions,
			MaxStateBytes:           cfg.Engine.Limits.MaxStateBytes,
			MaxNodeTime:             cfg.Engine.Limits.MaxNodeTime,
		},
	}
	if cfg.Engine.CacheSize > 0 {
		ecfg.Cache = cache.New(cfg.Engine.CacheSize, cfg.Engine.CacheTTL)
	}
	if cfg.Engine.Debugger {
		ecfg.Debugger = fluxgraph.NewDebugger()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rt.closers = append(rt.closers, func(context.Context) error { return client.Close() })
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		ecfg = fluxgraph.WithRedisGuard(ecfg, client, cfg.Redis.Prefix)
		logger.Info("idempotency keys stored in redis", "addr", cfg.Redis.Addr)
	}

	var eng *fluxgraph.Engine
	switch cfg.Database.Driver {
	case config.DriverMemory:
		eng = fluxgraph.NewInMemoryEngine(ecfg)
	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
		if eng, err = fluxgraph.NewSQLiteEngine(db, ecfg); err != nil {
			return nil, err
		}
	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		if eng, err = fluxgraph.NewPostgresEngine(db, ecfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if cfg.Mongo.URI != "" {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return nil, fmt.Errorf("mongo: %w", err)
		}
		rt.closers = append(rt.closers, client.Disconnect)
		// The log store has to be attached to the persistence the engine
		// was built with, so rebuild the engine around it.
		ecfg.Persistence = eng.Persistence()
		if ecfg, err = fluxgraph.WithMongoLogs(ctx, ecfg, client, cfg.Mongo.Database); err != nil {
			return nil, err
		}
		eng = fluxgraph.NewEngine(ecfg)
		logger.Info("execution log stored in mongo", "database", cfg.Mongo.Database)
	}

	rt.engine = eng
	rt.scheduler = scheduler.New(eng.Persistence().Schedules, eng, logger)

	if len(cfg.Workflows) > 0 {
		defs, err := fluxgraph.RegisterFiles(ctx, eng, cfg.Workflows...)
		if err != nil {
			return nil, err
		}
		logger.Info("workflows loaded", "count", len(defs))
	}
	return rt, nil
}
