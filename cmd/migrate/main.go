package main

import (
	"context"
	"os/signal"
	"syscall"

	"dropvault/internal/config"
	"dropvault/internal/database"
	"dropvault/internal/logging"
	"dropvault/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("load config")
	}
	log := logging.New(cfg.LogLevel, logging.FormatFor(cfg.Env, cfg.LogFormat))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("connect database")
	}
	defer db.Close()

	if err := migrations.Apply(ctx, db, log); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	log.Info("migrations applied")
}
