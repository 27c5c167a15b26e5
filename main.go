package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/itskum47/taskforge/archive"
	"github.com/itskum47/taskforge/config"
	"github.com/itskum47/taskforge/engine"
	"github.com/itskum47/taskforge/events"
	"github.com/itskum47/taskforge/registry"
	"github.com/itskum47/taskforge/scheduler"
	"github.com/itskum47/taskforge/store"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	log := logger.Sugar()

	cfg := config.FromEnv()

	kv, err := store.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log)
	if err != nil {
		log.Fatalf("connect to redis at %s: %v", cfg.RedisAddr, err)
	}
	defer kv.Close()
	log.Infof("connected to redis at %s (prefix %q)", cfg.RedisAddr, cfg.KeyPrefix)

	keys := store.Keys{Prefix: cfg.KeyPrefix}
	reg := registry.New(kv, keys, cfg.HeartbeatTimeout, cfg.WorkerRecordTTL(), cfg.PollInterval, log)

	bus := events.NewBus(log)
	events.NewStreamAppender(kv, keys.Stream(), log).Attach(bus)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if dsn := os.Getenv("TASKFORGE_POSTGRES_DSN"); dsn != "" {
		pool, err := pgxpool.New(ctx, dsn)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		defer pool.Close()

		arch := archive.New(pool, log)
		if err := arch.EnsureSchema(ctx); err != nil {
			log.Fatalf("prepare archive schema: %v", err)
		}
		arch.Attach(bus)
		log.Infof("terminal task archive enabled")
	}

	eng, err := engine.New(cfg, kv, reg, bus, log)
	if err != nil {
		log.Fatalf("build engine: %v", err)
	}

	loop := scheduler.New(eng, cfg.PollInterval, cfg.HeartbeatTimeout, log)
	loop.Start(ctx)
	log.Infof("scheduler running (promote every %v, expire every %v)", cfg.PollInterval, cfg.HeartbeatTimeout)

	<-ctx.Done()
	log.Infof("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.Close(shutdownCtx); err != nil {
		log.Errorf("persist sticky map: %v", err)
	}
}
