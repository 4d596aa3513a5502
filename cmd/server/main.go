// cmd/server/main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/unclebandit/cartrecovery-backend/docs"

	"github.com/unclebandit/cartrecovery-backend/internal/app"
	"github.com/unclebandit/cartrecovery-backend/internal/config"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/queue"
	"github.com/unclebandit/cartrecovery-backend/internal/service"
)

// @title           Cart Recovery API
// @version         1.0
// @description     Recovery campaigns over email, SMS and WhatsApp with live notifications.
// @host            localhost:8080
// @BasePath        /
func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Get().WithError(err).Fatal("load config")
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile})
	log := logger.WithModule("server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer a.Close()

	go a.Hub.Run(ctx, cfg.SessionIdleTTL/2)

	// in single-process mode cart signals arrive on the in-process queue
	if err := a.Queue.Subscribe(queue.TopicCartAbandoned, service.CartSignalHandler(a.Campaigns)); err != nil {
		log.WithError(err).Fatal("subscribe cart signals")
	}
	if cfg.SchedulerEnabled {
		go service.NewScheduler(a.Campaigns, cfg.SweepInterval).Start(ctx)
	}

	srv, err := app.NewServer(cfg.Address, a.Router("/swagger/doc.json"))
	if err != nil {
		log.WithError(err).Fatal("listen")
	}
	if err := srv.Serve(ctx); err != nil {
		log.WithError(err).Error("server stopped with error")
	}
}
