package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/seantiz/fireforget/internal/api"
	"github.com/seantiz/fireforget/internal/background"
	"github.com/seantiz/fireforget/internal/config"
	"github.com/seantiz/fireforget/internal/engine"
	"github.com/seantiz/fireforget/internal/handler"
	"github.com/seantiz/fireforget/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("fireforget: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"completion_timeout", cfg.CompletionTimeout.String(),
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	clock := clockwork.NewRealClock()

	// Task work is cancelled by Close during shutdown, not by the signal.
	tracker := background.New(context.Background(), background.Config{
		CompletionTimeout: cfg.CompletionTimeout,
		Clock:             clock,
	}, logger.With("component", "background"))
	producer, consumer := background.Register(tracker)
	defer consumer.Close()

	reg := handler.NewRegistry()
	handler.RegisterBuiltins(reg, clock)

	eng := engine.NewEngine(db, reg, producer, logger.With("component", "engine"))
	srv := api.NewServer(cfg.ListenAddr, db, eng, tracker, logger,
		api.WithShutdownTimeout(cfg.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
