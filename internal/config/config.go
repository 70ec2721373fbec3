package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers   []string
	HeartbeatTopic string
	AuditTopic     string

	PGDSN string

	// Dispatch knobs. Fan-out and the backoff envelope are deliberate
	// configuration, not constants; fixtures have been observed running
	// fan-out anywhere from 1 to 3.
	SearchTimeout       time.Duration
	OfferTTL            time.Duration
	OfferFanOut         int
	ServiceRadiusMeters float64
	MaxDispatchAttempts int
	RetryBackoffBase    time.Duration
	RetryBackoffCap     time.Duration
	RetryBackoffFloor   time.Duration
	RetryJitterFrac     float64

	GhostTimeout    time.Duration
	JanitorInterval time.Duration

	RequestsDisabled bool

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey:    "drivers_geo",
		HeartbeatTopic: "driver-heartbeats",
		AuditTopic:     "dispatch-audit",

		SearchTimeout:       5 * time.Minute,
		OfferTTL:            60 * time.Second,
		OfferFanOut:         2,
		ServiceRadiusMeters: 5000,
		MaxDispatchAttempts: 8,
		RetryBackoffBase:    time.Second,
		RetryBackoffCap:     30 * time.Second,
		RetryBackoffFloor:   500 * time.Millisecond,
		RetryJitterFrac:     0.2,

		GhostTimeout:    2 * time.Minute,
		JanitorInterval: time.Minute,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.HeartbeatTopic, "KAFKA_HEARTBEAT_TOPIC")
	setStringFromEnv(&cfg.AuditTopic, "KAFKA_AUDIT_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.SearchTimeout, "DISPATCH_SEARCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setIntFromEnv(&cfg.OfferFanOut, "DISPATCH_OFFER_FANOUT", &errs)
	setFloatFromEnv(&cfg.ServiceRadiusMeters, "DISPATCH_SERVICE_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MaxDispatchAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryBackoffBase, "DISPATCH_BACKOFF_BASE", &errs)
	setDurationFromEnv(&cfg.RetryBackoffCap, "DISPATCH_BACKOFF_CAP", &errs)
	setDurationFromEnv(&cfg.RetryBackoffFloor, "DISPATCH_BACKOFF_FLOOR", &errs)
	setFloatFromEnv(&cfg.RetryJitterFrac, "DISPATCH_BACKOFF_JITTER", &errs)

	setDurationFromEnv(&cfg.GhostTimeout, "JANITOR_GHOST_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.JanitorInterval, "JANITOR_INTERVAL", &errs)

	cfg.RequestsDisabled = strings.EqualFold(os.Getenv("REQUESTS_DISABLED"), "true")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.OfferFanOut < 1 || cfg.OfferFanOut > 3 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_FANOUT must be in [1,3]"))
	}
	if cfg.MaxDispatchAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if cfg.ServiceRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SERVICE_RADIUS_M must be > 0"))
	}
	if cfg.RetryJitterFrac < 0 || cfg.RetryJitterFrac >= 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_BACKOFF_JITTER must be in [0,1)"))
	}
	if cfg.RetryBackoffCap < cfg.RetryBackoffBase {
		errs = append(errs, fmt.Errorf("DISPATCH_BACKOFF_CAP must be >= DISPATCH_BACKOFF_BASE"))
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
