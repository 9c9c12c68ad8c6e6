package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"guild-sync/internal/bus"
	"guild-sync/internal/config"
	"guild-sync/internal/gateway"
	"guild-sync/internal/guardian"
	"guild-sync/internal/jobstore"
	"guild-sync/internal/quota"
	"guild-sync/internal/scheduler"
	"guild-sync/internal/store"
	"guild-sync/internal/telemetry"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	eventBus := bus.New(rdb)
	jobs := jobstore.New(rdb, cfg.VisibilityTimeout)
	tracker := quota.NewTracker(rdb)

	client := gateway.NewRESTClient(cfg.GatewayBaseURL, cfg.GatewayToken)
	executor := gateway.NewExecutor(client)
	keeper := guardian.New(rdb, client, eventBus, cfg.ZoneLimit.MaxRetries, cfg.ZoneLimit.BackoffDelay)

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()
	if _, err := keeper.Rebuild(ctx, st); err != nil {
		log.Printf("guardian rebuild: %v", err)
	}
	guardSub, err := keeper.Subscribe(ctx)
	if err != nil {
		log.Fatalf("subscribe guardian: %v", err)
	}
	defer guardSub.Close()

	sched := scheduler.New(cfg, eventBus, jobs, tracker, executor, keeper)
	if err := sched.Reconcile(ctx); err != nil {
		log.Fatalf("reconcile job store: %v", err)
	}

	intentSub, err := sched.SubscribeIntents(ctx)
	if err != nil {
		log.Fatalf("subscribe intents: %v", err)
	}
	defer intentSub.Close()

	roles := gateway.NewRolesResponder(eventBus, client)
	rolesSub, err := roles.Subscribe(ctx)
	if err != nil {
		log.Fatalf("subscribe roles responder: %v", err)
	}
	defer rolesSub.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("gateway worker started, category quota %d/%s, zone quota %d/%s",
		cfg.CategoryLimit.Operations, cfg.CategoryLimit.Window,
		cfg.ZoneLimit.Operations, cfg.ZoneLimit.Window)
	if err := sched.Run(ctx); err != nil {
		log.Printf("gateway worker stopped: %v", err)
	}
}
