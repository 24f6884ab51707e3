package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"

	"reading-request-bank/internal/api"
	"reading-request-bank/internal/broadcast"
	"reading-request-bank/internal/config"
	"reading-request-bank/internal/lease"
	"reading-request-bank/internal/payment"
	"reading-request-bank/internal/query"
	"reading-request-bank/internal/ratelimit"
	"reading-request-bank/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
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

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	broadcaster := broadcast.NewRedis(redisClient)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.ClaimRateCapacity, cfg.ClaimRateRefill, time.Hour)

	var authorizer lease.PaymentAuthorizer = payment.AllowAll{}
	if cfg.PaymentURL != "" {
		authorizer = payment.NewClient(cfg.PaymentURL, cfg.PaymentTimeout)
	}

	manager := lease.NewManager(st, authorizer, cfg.LeaseDuration)
	facade := query.NewFacade(st)

	relay := broadcast.NewRelay(st, broadcaster, cfg.EventChannel, cfg.OutboxPoll)
	go func() {
		if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("outbox relay stopped: %v", err)
		}
	}()

	server := api.New(cfg, st, manager, facade, broadcaster, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s lease=%s channel=%s", cfg.HTTPPort, cfg.LeaseDuration, cfg.EventChannel)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
