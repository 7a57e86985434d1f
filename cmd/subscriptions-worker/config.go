package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/plaenen/subscriptions/pkg/runner"
)

type config struct {
	DBPath          string
	NATSURL         string
	NATSStream      string
	NATSStoreDir    string
	NATSTokenEnv    string
	NATSSecretURL   string
	NATSSecretFile  string
	ShutdownTimeout time.Duration
	LogLevel        slog.Level
}

// loadConfig reads the worker configuration from the environment.
// An empty NATS url starts an embedded server.
func loadConfig() (config, error) {
	cfg := config{
		DBPath:         getEnv("SUBSCRIPTIONS_DB_PATH", "./data/subscriptions.db"),
		NATSURL:        getEnv("SUBSCRIPTIONS_NATS_URL", ""),
		NATSStream:     getEnv("SUBSCRIPTIONS_NATS_STREAM", "EVENTS"),
		NATSStoreDir:   getEnv("SUBSCRIPTIONS_NATS_STORE_DIR", "./data/nats"),
		NATSTokenEnv:   getEnv("SUBSCRIPTIONS_NATS_TOKEN_ENV", ""),
		NATSSecretURL:  getEnv("SUBSCRIPTIONS_NATS_SECRET_URL", ""),
		NATSSecretFile: getEnv("SUBSCRIPTIONS_NATS_SECRET_FILE", ""),
	}

	var err error
	cfg.ShutdownTimeout, err = getEnvDuration("SUBSCRIPTIONS_SHUTDOWN_TIMEOUT", runner.DefaultShutdownTimeout)
	if err != nil {
		return cfg, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("SUBSCRIPTIONS_LOG_LEVEL", "info"))); err != nil {
		return cfg, fmt.Errorf("SUBSCRIPTIONS_LOG_LEVEL: %w", err)
	}

	if (cfg.NATSSecretURL == "") != (cfg.NATSSecretFile == "") {
		return cfg, fmt.Errorf("SUBSCRIPTIONS_NATS_SECRET_URL and SUBSCRIPTIONS_NATS_SECRET_FILE must be set together")
	}
	if cfg.NATSSecretURL != "" && cfg.NATSTokenEnv != "" {
		return cfg, fmt.Errorf("SUBSCRIPTIONS_NATS_TOKEN_ENV and SUBSCRIPTIONS_NATS_SECRET_URL are mutually exclusive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
