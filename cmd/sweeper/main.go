package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"reading-request-bank/internal/config"
	"reading-request-bank/internal/lease"
	"reading-request-bank/internal/store"
	"reading-request-bank/internal/sweep"
	"reading-request-bank/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	// The sweeper releases through the manager so reclaims share the exact
	// conflict semantics of a voluntary release. Payment is never consulted
	// on release, so no authorizer is wired here.
	manager := lease.NewManager(st, nil, cfg.LeaseDuration)
	sweeper := sweep.New(st, manager, cfg.SweepInterval, cfg.SweepBatchSize)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("sweeper started interval=%s batch=%d", cfg.SweepInterval, cfg.SweepBatchSize)
	if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
		log.Printf("sweeper stopped: %v", err)
	}
}
