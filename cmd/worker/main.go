package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"embedding-pipeline/internal/backend"
	"embedding-pipeline/internal/cache"
	"embedding-pipeline/internal/config"
	"embedding-pipeline/internal/deadletter"
	"embedding-pipeline/internal/ledger"
	"embedding-pipeline/internal/queue"
	"embedding-pipeline/internal/state"
	"embedding-pipeline/internal/store"
	"embedding-pipeline/internal/telemetry"
	workerproc "embedding-pipeline/internal/worker"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("shutdown signal received, draining")
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	q := queue.New(rdb, cfg.PriorityQueues, cfg.VisibilityTimeout, cfg.DequeueBlock)
	led := ledger.New(rdb, cfg.InFlightTTL, cfg.DoneTTL)
	vc := cache.New(rdb, cfg.CacheTTL)
	machine := state.NewMachine(st, cfg.WorkerConcurrency)
	embedder := backend.New(cfg.BackendURL, cfg.BackendName, cfg.BackendTimeout, cfg.MaxRetries, cfg.BackoffBase, cfg.BackoffMax)

	sink, err := deadletter.New(ctx, rdb, cfg.DLQKey, cfg.DLQBucket)
	if err != nil {
		log.Fatalf("init dead-letter sink: %v", err)
	}

	processor, err := workerproc.NewProcessor(cfg, q, led, vc, machine, embedder, st, sink)
	if err != nil {
		log.Fatalf("init processor: %v", err)
	}

	// Forward state transitions to Redis pub/sub for external observers.
	go func() {
		for ev := range machine.Events() {
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := rdb.Publish(context.Background(), cfg.EventChannel, payload).Err(); err != nil {
				log.Printf("publish event for %s: %v", ev.JobID, err)
			}
		}
	}()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	log.Printf("worker started backend=%s model=%s batch_size=%d cap=%d",
		cfg.BackendURL, cfg.DefaultModel, cfg.BatchSize, cfg.WorkerConcurrency)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
