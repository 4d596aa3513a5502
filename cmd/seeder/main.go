// cmd/seeder/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/unclebandit/cartrecovery-backend/internal/config"
	"github.com/unclebandit/cartrecovery-backend/internal/db"
	"github.com/unclebandit/cartrecovery-backend/internal/logger"
)

func main() {
	dir := flag.String("dir", "seed", "directory holding the seed files")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Get().WithError(err).Fatal("load config")
	}
	logger.Init(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log := logger.WithModule("seeder")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	conn, err := db.Open(ctx, cfg.DatabaseURL())
	if err != nil {
		log.WithError(err).Fatal("connect")
	}
	defer conn.Close()

	if err := db.Migrate(ctx, conn); err != nil {
		log.WithError(err).Fatal("apply schema")
	}

	seedFiles := []string{
		"carts.sql",
	}

	for _, file := range seedFiles {
		path := fmt.Sprintf("%s/%s", *dir, file)
		content, err := os.ReadFile(path)
		if err != nil {
			log.WithError(err).Fatalf("failed to read %s", path)
		}
		if _, err := conn.ExecContext(ctx, string(content)); err != nil {
			log.WithError(err).Fatalf("failed to execute %s", path)
		}
		log.WithField("file", path).Info("seeded")
	}

	log.Info("database seeding completed")
}
