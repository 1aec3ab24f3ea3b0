package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	Dispatch DispatchConfig

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the matching engine's tuning knobs. The tier split
// and the retry table are hand-tuned values carried over from production;
// they are defaults here, overridable without touching the matching logic.
type DispatchConfig struct {
	// Initial dispatch.
	SearchRadiusKm   float64
	MaxNotifyDrivers int

	// Rating tiers: the top HighTierPct of the ranked candidates are
	// offered first, the next up to MidTierPct after MidTierDelay, the
	// rest after LowTierDelay. Both bounds are applied with ceil and a
	// minimum tier size of one.
	HighTierPct   float64
	MidTierPct    float64
	HighTierDelay time.Duration
	MidTierDelay  time.Duration
	LowTierDelay  time.Duration

	// Retry rounds. The three slices must be the same length.
	RetryDelays      []time.Duration
	RetryRadiusMults []float64
	RetryMaxDrivers  []int

	// Acceptance.
	LockTTL time.Duration

	// Per-order bookkeeping lifetimes.
	NotifiedTTL    time.Duration
	PendingTTL     time.Duration
	RejectCountTTL time.Duration

	// Reservation orders.
	ActivationLead  time.Duration // before scheduled time
	MinScheduleLead time.Duration
	MaxScheduleLead time.Duration
	RecoveryWindow  time.Duration // activate immediately if due this soon
	PendingTimeout  time.Duration // cancel if still unaccepted
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		SearchRadiusKm:   5,
		MaxNotifyDrivers: 5,
		HighTierPct:      0.3,
		MidTierPct:       0.7,
		HighTierDelay:    0,
		MidTierDelay:     5 * time.Second,
		LowTierDelay:     10 * time.Second,
		RetryDelays:      []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 300 * time.Second},
		RetryRadiusMults: []float64{1.0, 1.5, 2.0, 3.0},
		RetryMaxDrivers:  []int{3, 5, 8, 10},
		LockTTL:          30 * time.Second,
		NotifiedTTL:      2 * time.Hour,
		PendingTTL:       30 * time.Minute,
		RejectCountTTL:   24 * time.Hour,
		ActivationLead:   59 * time.Minute,
		MinScheduleLead:  30 * time.Minute,
		MaxScheduleLead:  7 * 24 * time.Hour,
		RecoveryWindow:   20 * time.Minute,
		PendingTimeout:   30 * time.Minute,
	}
}

// Validate checks internal consistency of the dispatch table.
func (c DispatchConfig) Validate() error {
	var errs []error
	if c.SearchRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("search radius must be > 0"))
	}
	if c.MaxNotifyDrivers <= 0 {
		errs = append(errs, fmt.Errorf("max notify drivers must be > 0"))
	}
	if c.HighTierPct <= 0 || c.MidTierPct < c.HighTierPct || c.MidTierPct > 1 {
		errs = append(errs, fmt.Errorf("tier percentages must satisfy 0 < high <= mid <= 1"))
	}
	if len(c.RetryDelays) != len(c.RetryRadiusMults) || len(c.RetryDelays) != len(c.RetryMaxDrivers) {
		errs = append(errs, fmt.Errorf("retry tables must have equal length"))
	}
	for i := 1; i < len(c.RetryRadiusMults); i++ {
		if c.RetryRadiusMults[i] < c.RetryRadiusMults[i-1] || c.RetryMaxDrivers[i] < c.RetryMaxDrivers[i-1] {
			errs = append(errs, fmt.Errorf("retry radius and driver caps must be non-decreasing"))
			break
		}
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("lock TTL must be > 0"))
	}
	return errors.Join(errs...)
}

// Rounds reports how many retry rounds are configured.
func (c DispatchConfig) Rounds() int { return len(c.RetryDelays) }

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "driver_geo",
		KafkaTopic:      "driver-locations",
		Dispatch:        DefaultDispatchConfig(),
		LogLevel:        "info",
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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setFloatFromEnv(&cfg.Dispatch.SearchRadiusKm, "DISPATCH_SEARCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.Dispatch.MaxNotifyDrivers, "DISPATCH_MAX_NOTIFY_DRIVERS", &errs)
	setFloatFromEnv(&cfg.Dispatch.HighTierPct, "DISPATCH_HIGH_TIER_PCT", &errs)
	setFloatFromEnv(&cfg.Dispatch.MidTierPct, "DISPATCH_MID_TIER_PCT", &errs)
	setDurationFromEnv(&cfg.Dispatch.MidTierDelay, "DISPATCH_MID_TIER_DELAY", &errs)
	setDurationFromEnv(&cfg.Dispatch.LowTierDelay, "DISPATCH_LOW_TIER_DELAY", &errs)
	setDurationFromEnv(&cfg.Dispatch.LockTTL, "DISPATCH_LOCK_TTL", &errs)
	setDurationFromEnv(&cfg.Dispatch.PendingTimeout, "DISPATCH_PENDING_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if err := cfg.Dispatch.Validate(); err != nil {
		errs = append(errs, err)
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
