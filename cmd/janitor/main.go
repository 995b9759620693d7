package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-offers/internal/config"
	"github.com/example/ride-offers/internal/janitor"
	"github.com/example/ride-offers/internal/logging"
	"github.com/example/ride-offers/internal/matcher"
	"github.com/example/ride-offers/internal/storage"
)

const lockKey = "ride-offers:janitor"

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadJanitorConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("janitor", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("janitor stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.JanitorConfig, logger *slog.Logger) error {
	pg, err := storage.NewPostgresStore(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pg.Close()

	// Offer sets live in the API process or in Redis with a TTL, so this
	// process only closes claims and releases their drivers.
	svc := &matcher.Service{Drivers: pg, Rides: pg, Logger: logger}
	j := &janitor.Janitor{Expirer: svc, StaleAfter: cfg.ClaimStaleAfter, Logger: logger}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		j.Lock = janitor.NewRedisLock(rc, lockKey, cfg.LockTTL)
	}

	if cfg.RunOnce {
		_, err := j.RunOnce(ctx)
		if errors.Is(err, janitor.ErrAlreadyRunning) {
			logger.Info("another janitor holds the lock, nothing to do")
			return nil
		}
		return err
	}
	logger.Info("janitor started", "interval", cfg.Interval.String(), "stale_after", cfg.ClaimStaleAfter.String())
	j.Run(ctx, cfg.Interval)
	return nil
}
