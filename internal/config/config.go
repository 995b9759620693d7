package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// maxSnapshotTTL matches the offer validity window.
const maxSnapshotTTL = 5 * time.Minute

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	RequestTimeout  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	// GeoStaleAfter hides drivers whose last ping is older. Zero disables.
	GeoStaleAfter time.Duration

	KafkaBrokers   []string
	KafkaTopic     string
	KafkaRideTopic string

	PGDSN string

	SearchRadiusKm    float64
	DemandRadiusKm    float64
	MaxOptions        int
	OfferTTL          time.Duration
	SnapshotTTL       time.Duration
	RouteWorkers      int
	OSRMEndpoint      string
	PricingTablesFile string

	PushEndpoint string
	StripeAPIKey string
	JWTSecret    string

	LogLevel      string
	RunMigrations bool

	// In-process janitor, used when claims live in the memory store.
	JanitorInterval time.Duration
	ClaimStaleAfter time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RequestTimeout:  3 * time.Second,
		RedisGeoKey:     "drivers_geo",
		GeoStaleAfter:   5 * time.Minute,
		KafkaTopic:      "driver-locations",
		KafkaRideTopic:  "ride-events",
		SearchRadiusKm:  10,
		DemandRadiusKm:  5,
		MaxOptions:      5,
		OfferTTL:        5 * time.Minute,
		SnapshotTTL:     5 * time.Second,
		RouteWorkers:    8,
		LogLevel:        "info",
		JanitorInterval: 10 * time.Minute,
		ClaimStaleAfter: 24 * time.Hour,
	}
}

// LoadDotEnv reads a .env file into the environment when one exists.
// Variables already set win.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RequestTimeout, "REQUEST_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.GeoStaleAfter, "GEO_STALE_AFTER", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.SearchRadiusKm, "SEARCH_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.DemandRadiusKm, "DEMAND_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxOptions, "MAX_OPTIONS", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.SnapshotTTL, "SNAPSHOT_TTL", &errs)
	setIntFromEnv(&cfg.RouteWorkers, "ROUTE_WORKERS", &errs)
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setStringFromEnv(&cfg.PricingTablesFile, "PRICING_TABLES_FILE")

	setStringFromEnv(&cfg.PushEndpoint, "PUSH_ENDPOINT")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setDurationFromEnv(&cfg.JanitorInterval, "JANITOR_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ClaimStaleAfter, "CLAIM_STALE_AFTER", &errs)

	if cfg.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_KM must be > 0"))
	}
	if cfg.DemandRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DEMAND_RADIUS_KM must be > 0"))
	}
	if cfg.MaxOptions <= 0 {
		errs = append(errs, fmt.Errorf("MAX_OPTIONS must be > 0"))
	}
	if cfg.OfferTTL <= 0 || cfg.OfferTTL > maxSnapshotTTL {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be in (0, %s]", maxSnapshotTTL))
	}
	if cfg.SnapshotTTL < 0 || cfg.SnapshotTTL > maxSnapshotTTL {
		errs = append(errs, fmt.Errorf("SNAPSHOT_TTL must be in [0, %s]", maxSnapshotTTL))
	}
	if cfg.RouteWorkers <= 0 {
		errs = append(errs, fmt.Errorf("ROUTE_WORKERS must be > 0"))
	}
	if cfg.GeoStaleAfter < 0 {
		errs = append(errs, fmt.Errorf("GEO_STALE_AFTER must be >= 0"))
	}
	if cfg.JanitorInterval <= 0 {
		errs = append(errs, fmt.Errorf("JANITOR_INTERVAL must be > 0"))
	}
	if cfg.ClaimStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("CLAIM_STALE_AFTER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig configures the location consumer.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	PGDSN         string
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-offers-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

// JanitorConfig configures the stale claim janitor.
type JanitorConfig struct {
	Interval        time.Duration
	ClaimStaleAfter time.Duration
	LockTTL         time.Duration
	RunOnce         bool
	RedisAddr       string
	RedisPassword   string
	PGDSN           string
	LogLevel        string
}

func LoadJanitorConfig() (JanitorConfig, error) {
	cfg := JanitorConfig{
		Interval:        24 * time.Hour,
		ClaimStaleAfter: 24 * time.Hour,
		LockTTL:         10 * time.Minute,
		LogLevel:        "info",
	}
	var errs []error

	setDurationFromEnv(&cfg.Interval, "JANITOR_INTERVAL", &errs)
	setDurationFromEnv(&cfg.ClaimStaleAfter, "CLAIM_STALE_AFTER", &errs)
	setDurationFromEnv(&cfg.LockTTL, "JANITOR_LOCK_TTL", &errs)
	cfg.RunOnce = strings.EqualFold(os.Getenv("JANITOR_RUN_ONCE"), "true")
	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.PGDSN = os.Getenv("PG_DSN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.Interval <= 0 {
		errs = append(errs, fmt.Errorf("JANITOR_INTERVAL must be > 0"))
	}
	if cfg.ClaimStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("CLAIM_STALE_AFTER must be > 0"))
	}
	if cfg.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("JANITOR_LOCK_TTL must be > 0"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
