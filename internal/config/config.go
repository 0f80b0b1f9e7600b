// Package config loads tillsync configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/matkassa/tillsync/internal/logging"
)

// Config holds all startup configuration. It is loaded once at startup;
// nothing is hot-reloaded mid-cycle.
type Config struct {
	Port     string `validate:"required"`
	DataDir  string `validate:"required"`
	LogLevel string `validate:"oneof=debug info warn error"`

	// Connectivity monitor
	ProbeURL      string        `validate:"required,url"`
	ProbeInterval time.Duration `validate:"min=1s"`
	ProbeTimeout  time.Duration `validate:"min=100ms"`

	// Sync processor
	BatchSize      int           `validate:"min=1,max=1000"`
	SyncInterval   time.Duration `validate:"min=1s"`
	SubmitTimeout  time.Duration `validate:"min=1s"`
	StuckThreshold time.Duration `validate:"min=1m"`

	// Retry policy
	BaseBackoff time.Duration `validate:"min=1s"`
	MaxBackoff  time.Duration `validate:"min=1s,gtefield=BaseBackoff"`
	MaxRetries  int           `validate:"min=1,max=100"`

	// SubmitEndpoints maps entity types to the collaborator endpoint
	// their items are delivered to, e.g.
	// "TaxInvoice=https://tax.example.com/submit,Receipt=https://hq.example.com/receipts".
	SubmitEndpoints map[string]string `validate:"dive,url"`
}

// Load reads configuration from a .env file (if present) and the
// environment, applying defaults and validating the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logging.Debug("No .env file found, using system environment only", nil)
	}

	cfg := &Config{
		Port:            getEnvWithDefault("PORT", "8090"),
		DataDir:         getEnvWithDefault("DATA_DIR", "data"),
		LogLevel:        getEnvWithDefault("LOG_LEVEL", "info"),
		ProbeURL:        getEnvWithDefault("PROBE_URL", "https://tax-gateway.example.com/health"),
		ProbeInterval:   getEnvDuration("PROBE_INTERVAL", 30*time.Second),
		ProbeTimeout:    getEnvDuration("PROBE_TIMEOUT", 5*time.Second),
		BatchSize:       getEnvInt("SYNC_BATCH_SIZE", 50),
		SyncInterval:    getEnvDuration("SYNC_INTERVAL", time.Minute),
		SubmitTimeout:   getEnvDuration("SUBMIT_TIMEOUT", 30*time.Second),
		StuckThreshold:  getEnvDuration("STUCK_THRESHOLD", 10*time.Minute),
		BaseBackoff:     getEnvDuration("BASE_BACKOFF", 30*time.Second),
		MaxBackoff:      getEnvDuration("MAX_BACKOFF", time.Hour),
		MaxRetries:      getEnvInt("MAX_RETRIES", 5),
		SubmitEndpoints: parseEndpoints(os.Getenv("SUBMIT_ENDPOINTS")),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logging.Info("Configuration loaded", map[string]interface{}{
		"port":           cfg.Port,
		"data_dir":       cfg.DataDir,
		"log_level":      cfg.LogLevel,
		"probe_url":      cfg.ProbeURL,
		"probe_interval": cfg.ProbeInterval.String(),
		"batch_size":     cfg.BatchSize,
		"max_retries":    cfg.MaxRetries,
	})
	return cfg, nil
}

// parseEndpoints parses "EntityType=URL" pairs separated by commas.
func parseEndpoints(raw string) map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		entityType, url, ok := strings.Cut(pair, "=")
		if !ok || entityType == "" || url == "" {
			logging.Warn("Skipping malformed submit endpoint", map[string]interface{}{
				"pair": pair,
			})
			continue
		}
		endpoints[entityType] = url
	}
	return endpoints
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		logging.Warn("Invalid integer in environment, using default", map[string]interface{}{
			"key": key, "value": value,
		})
		return defaultValue
	}
	return n
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logging.Warn("Invalid duration in environment, using default", map[string]interface{}{
			"key": key, "value": value,
		})
		return defaultValue
	}
	return d
}
