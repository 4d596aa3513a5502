package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/unclebandit/cartrecovery-backend/internal/app"
	"github.com/unclebandit/cartrecovery-backend/internal/config"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get().WithError(err).Fatal("load config")
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	log := logger.WithModule("worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	if err := run(ctx, a); err != nil {
		log.WithError(err).Error("worker stopped with error")
	}
}

// run consumes abandoned-cart signals and sweeps due campaigns until ctx ends.
func run(ctx context.Context, a *app.App) error {
	if err := a.Queue.Subscribe(queue.TopicCartAbandoned, service.CartSignalHandler(a.Campaigns)); err != nil {
		return err
	}
	logger.WithModule("worker").WithField("topic", queue.TopicCartAbandoned).Info("consuming cart signals")

	service.NewScheduler(a.Campaigns, a.Config.SweepInterval).Start(ctx)
	return nil
}
