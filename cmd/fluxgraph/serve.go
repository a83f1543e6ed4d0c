package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/petrijr/fluxgraph/internal/config"
	"github.com/petrijr/fluxgraph/pkg/httpapi"
	"github.com/petrijr/fluxgraph/pkg/worker"
)

func serveCmd(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := configFlag(fs)
	addr := fs.String("addr", "", "Listen address (overrides server.addr)")
	noWorker := fs.Bool("no-worker", false, "Serve the API only")
	_ = fs.Parse(args)

	cfg, logger, err := loadConfig(*cfgPath, func(c *config.Config) {
		if *addr != "" {
			c.Server.Addr = *addr
		}
		if *noWorker {
			c.Worker.Enabled = false
		}
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: httpapi.New(rt.engine, httpapi.Options{
			Scheduler:    rt.scheduler,
			WebhookRate:  rate.Limit(cfg.Server.WebhookRate),
			WebhookBurst: cfg.Server.WebhookBurst,
			Logger:       logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http api listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if cfg.Worker.Enabled {
		w := worker.New(rt.engine, worker.Config{
			PollInterval:   cfg.Worker.PollInterval,
			Concurrency:    cfg.Worker.Concurrency,
			BatchSize:      cfg.Worker.BatchSize,
			LeaseTTL:       cfg.Worker.LeaseTTL,
			Scheduler:      rt.scheduler,
			RecoverOrphans: cfg.Worker.RecoverOrphans,
			Logger:         logger,
		})
		g.Go(func() error {
			logger.Info("worker started", "worker_id", w.ID(), "concurrency", cfg.Worker.Concurrency)
			return w.Run(gctx)
		})
	}

	err = g.Wait()
	logger.Info("stopped")
	return err
}
