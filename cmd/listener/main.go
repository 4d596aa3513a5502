package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/cartrecovery-backend/internal/logger"
	"github.com/unclebandit/cartrecovery-backend/internal/subscriber"
)

// listener follows a scope's notifications from the command line, over the websocket
// while it is reachable and by polling the REST inbox while it is not.
func main() {
	baseURL := flag.String("url", "http://localhost:8080", "API base URL")
	scope := flag.String("scope", "", "scope (store id) to follow")
	every := flag.Duration("report", 10*time.Second, "how often to print the inbox summary")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger.Init(logger.Options{Level: *level})
	log := logger.WithModule("listener")
	if *scope == "" {
		log.Fatal("-scope is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := subscriber.NewClient(*scope,
		subscriber.WSDialer{BaseURL: *baseURL},
		subscriber.HTTPPoller{BaseURL: *baseURL},
		subscriber.Options{},
	)
	client.OnTransition = func(from, to subscriber.ConnState) {
		log.WithFields(logrus.Fields{"from": from, "to": to}).Info("connection state")
	}

	go func() {
		ticker := time.NewTicker(*every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithFields(logrus.Fields{
					"items":   len(client.View.Items()),
					"unread":  client.View.Unread(),
					"state":   client.State(),
					"session": client.SessionID(),
				}).Info("inbox")
			}
		}
	}()

	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("listener stopped")
	}
}
