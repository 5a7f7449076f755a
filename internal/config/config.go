package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env      string
	LogLevel string

	DBFile    string
	AdminAddr string
	APIAddr   string
	BaseURL   string

	AuthSecret  string
	TokenExpiry time.Duration

	// Realtime client tuning.
	ReconnectBackoff time.Duration
	ReconnectSettle  time.Duration
	ResumeGrace      time.Duration
	ResumeWindow     time.Duration
	FetchTimeout     time.Duration
	FetchRetries     int

	OfferExpiry     time.Duration
	OfferSweep      time.Duration
	ReservationHold time.Duration
	FeedBuffer      int
	ShutdownGrace   time.Duration

	// Push is disabled when the VAPID keys are empty.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

// Load reads the environment, after merging a .env file from the working
// directory if there is one. cliMode relaxes the checks that only the
// server needs.
func Load(cliMode bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var errs []error
	duration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	integer := func(key, fallback string) int {
		n, err := strconv.Atoi(getEnv(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	cfg := &Config{
		Env:      getEnv("MARKETSYNC_ENV", "local"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DBFile:    getEnv("MARKETSYNC_DB", "marketsync.db"),
		AdminAddr: getEnv("ADMIN_ADDR", "localhost:8081"),
		APIAddr:   getEnv("API_ADDR", ":8080"),
		BaseURL:   getEnv("BASE_URL", "http://localhost:8080"),

		AuthSecret:  os.Getenv("AUTH_SECRET"),
		TokenExpiry: duration("TOKEN_EXPIRY", "24h"),

		ReconnectBackoff: duration("RECONNECT_BACKOFF", "5s"),
		ReconnectSettle:  duration("RECONNECT_SETTLE", "1s"),
		ResumeGrace:      duration("RESUME_GRACE", "1s"),
		ResumeWindow:     duration("RESUME_WINDOW", "1500ms"),
		FetchTimeout:     duration("FETCH_TIMEOUT", "15s"),
		FetchRetries:     integer("FETCH_RETRIES", "2"),

		OfferExpiry:     duration("OFFER_EXPIRY", "72h"),
		OfferSweep:      duration("OFFER_SWEEP_INTERVAL", "1m"),
		ReservationHold: duration("RESERVATION_HOLD", "48h"),
		FeedBuffer:      integer("FEED_BUFFER", "256"),
		ShutdownGrace:   duration("SHUTDOWN_GRACE", "5s"),

		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		VAPIDSubscriber: getEnv("VAPID_SUBSCRIBER", "ops@marketsync.local"),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	if err := cfg.Validate(cliMode); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate(cliMode bool) error {
	if c.AuthSecret == "" && !cliMode {
		return fmt.Errorf("AUTH_SECRET is required")
	}

	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}

	positive := map[string]time.Duration{
		"RECONNECT_BACKOFF":    c.ReconnectBackoff,
		"RESUME_GRACE":         c.ResumeGrace,
		"RESUME_WINDOW":        c.ResumeWindow,
		"FETCH_TIMEOUT":        c.FetchTimeout,
		"OFFER_EXPIRY":         c.OfferExpiry,
		"OFFER_SWEEP_INTERVAL": c.OfferSweep,
		"RESERVATION_HOLD":     c.ReservationHold,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be greater than 0", key)
		}
	}
	if c.ReconnectSettle < 0 {
		return fmt.Errorf("RECONNECT_SETTLE must not be negative")
	}
	if c.FetchRetries < 0 {
		return fmt.Errorf("FETCH_RETRIES must not be negative")
	}
	if c.FeedBuffer <= 0 {
		return fmt.Errorf("FEED_BUFFER must be greater than 0")
	}

	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

// PushEnabled reports whether web push notifications are configured.
func (c *Config) PushEnabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
