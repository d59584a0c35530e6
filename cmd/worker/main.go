package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/worknow/newsletter/internal/bootstrap"
	"github.com/worknow/newsletter/internal/config"
	"github.com/worknow/newsletter/internal/pkg/logger"
	"github.com/worknow/newsletter/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "config/config.yaml", "path to config file")
	once := flag.Bool("once", false, "run one cleanup and one check-and-send cycle, then exit")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*cfgPath)
	if err != nil {
		logger.Error("failed to load config", "component", "worker", "error", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	logger.SetRedactPII(!cfg.Logging.KeepPII)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Open(ctx, cfg)
	if err != nil {
		logger.Error("failed to open backends", "component", "worker", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	cleanup := worker.NewDataCleanupWorker(app.Issuer, cfg.Verification.CleanupInterval(), cfg.Verification.Retention())

	var scheduler *worker.DigestScheduler
	if app.Digest != nil {
		scheduler = worker.NewDigestScheduler(app.Digest, cfg.Digest.Interval())
	} else {
		logger.Info("digest disabled, only cleanup will run", "component", "worker")
	}

	if *once {
		n := cleanup.Cleanup(ctx)
		logger.Info("cleanup done", "component", "worker", "deleted", n)
		if scheduler != nil {
			scheduler.RunOnce(ctx)
			st := scheduler.Stats()
			logger.Info("check-and-send done", "component", "worker",
				"notified", st.Notified, "skipped", st.CyclesSkipped, "errors", st.Errors)
			if st.Errors > 0 {
				os.Exit(1)
			}
		}
		return
	}

	go cleanup.Start(ctx)
	if scheduler != nil {
		if err := scheduler.Start(); err != nil {
			logger.Error("failed to start digest scheduler", "component", "worker", "error", err)
			os.Exit(1)
		}
	}

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fields := []interface{}{"component", "worker"}
				if app.OutboxDepth != nil {
					if n, err := app.OutboxDepth(ctx); err == nil {
						fields = append(fields, "outbox_depth", n)
					}
				}
				if scheduler != nil {
					st := scheduler.Stats()
					fields = append(fields, "cycles", st.CyclesRun, "notified", st.Notified, "errors", st.Errors)
				}
				logger.Info("worker heartbeat", fields...)
			}
		}
	}()

	logger.Info("worker running", "component", "worker")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker", "component", "worker")
	cancel()
	if scheduler != nil {
		scheduler.Stop()
	}
	logger.Info("worker stopped", "component", "worker")
}
