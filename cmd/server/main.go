package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-offers/internal/config"
	"github.com/example/ride-offers/internal/dispatch"
	"github.com/example/ride-offers/internal/eta"
	"github.com/example/ride-offers/internal/geo"
	httpapi "github.com/example/ride-offers/internal/http"
	"github.com/example/ride-offers/internal/ingest"
	"github.com/example/ride-offers/internal/janitor"
	"github.com/example/ride-offers/internal/logging"
	"github.com/example/ride-offers/internal/matcher"
	"github.com/example/ride-offers/internal/payments"
	"github.com/example/ride-offers/internal/pricing"
	"github.com/example/ride-offers/internal/storage"
)

// repository is what the API process needs from its store.
type repository interface {
	storage.DriverRepository
	storage.TariffRepository
	storage.RideRepository
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("api", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		repo  repository
		ready func(context.Context) error
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migrations applied")
		}
		repo, ready = pg, pg.Ping
	} else {
		logger.Warn("PG_DSN not set, using in-memory store")
		repo = storage.NewMemoryStore()
	}

	var drivers storage.DriverRepository = repo
	if cfg.SnapshotTTL > 0 {
		drivers = storage.NewCachedDrivers(repo, cfg.SnapshotTTL)
	}

	var (
		index  geo.Geo
		ledger matcher.Ledger
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		rg := geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		rg.StaleAfter = cfg.GeoStaleAfter
		index = rg
		ledger = matcher.NewRedisLedger(rc, "")
	} else {
		index = geo.NewIndex()
		ledger = matcher.NewMemoryLedger()
	}

	tables, err := pricing.LoadTables(cfg.PricingTablesFile)
	if err != nil {
		return err
	}
	model := pricing.NewModel(tables, repo, logger)
	model.RadiusKm = cfg.DemandRadiusKm

	wsreg := dispatch.NewWSRegistry(logger)
	svc := &matcher.Service{
		Geo:        index,
		Drivers:    drivers,
		Rides:      repo,
		Pricing:    model,
		Ledger:     ledger,
		Notify:     wsreg,
		Logger:     logger,
		RadiusKm:   cfg.SearchRadiusKm,
		MaxOptions: cfg.MaxOptions,
		OfferTTL:   cfg.OfferTTL,
		Workers:    cfg.RouteWorkers,
	}
	if cfg.OSRMEndpoint != "" {
		svc.Routes = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	if cfg.PushEndpoint != "" {
		svc.Notify = dispatch.NewPushDispatcher(cfg.PushEndpoint, wsreg)
	}
	if cfg.StripeAPIKey != "" {
		svc.Payments = payments.NewStripeClient(cfg.StripeAPIKey)
	}

	deps := httpapi.Deps{
		Engine:         svc,
		Tariffs:        repo,
		Locations:      &ingest.Applier{Geo: index, Drivers: drivers, Logger: logger},
		WS:             wsreg,
		Ready:          ready,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
	}
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaRideTopic)
		defer kp.Close()
		deps.Publisher = kp
		svc.Events = kp
	}
	if cfg.JWTSecret != "" {
		deps.Auth = httpapi.NewAuthenticator(cfg.JWTSecret)
	} else {
		logger.Warn("JWT_SECRET not set, driver endpoints are disabled")
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(deps),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	if cfg.PGDSN == "" {
		// Claims live in this process, so nothing else can expire them.
		j := &janitor.Janitor{Expirer: svc, StaleAfter: cfg.ClaimStaleAfter, Logger: logger}
		go j.Run(ctx, cfg.JanitorInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-offers listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
