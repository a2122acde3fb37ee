// Package config provides configuration loading for operatord.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

// Duration wraps time.Duration so YAML values like "30s" unmarshal cleanly.
type Duration time.Duration

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Duration returns the wrapped time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config is the root operatord configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Store         StoreConfig         `koanf:"store"`
	NATS          NATSConfig          `koanf:"nats"`
	Ingest        IngestConfig        `koanf:"ingest"`
	Classifier    ClassifierConfig    `koanf:"classifier"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Plant         PlantConfig         `koanf:"plant"`
	Memory        MemoryConfig        `koanf:"memory"`
	Observability ObservabilityConfig `koanf:"observability"`
	Logging       *logging.Config     `koanf:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// StoreConfig configures the context store.
type StoreConfig struct {
	// Path is the SQLite database file; ":memory:" for ephemeral stores.
	Path string `koanf:"path"`
}

// NATSConfig configures the observer event subscription.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	Subject string `koanf:"subject"`
}

// IngestConfig configures event ingest limits.
type IngestConfig struct {
	// RateLimit is the sustained events/second accepted per process.
	RateLimit float64 `koanf:"rate_limit"`
	// RateBurst is the burst allowance above the sustained rate.
	RateBurst int `koanf:"rate_burst"`
}

// ClassifierConfig carries the performance budgets the taxonomy heuristics
// compare latency/cost signals against.
type ClassifierConfig struct {
	// LatencyBudget is the per-operation latency budget; latency events
	// reporting more than this classify as MOTOR-PERF.
	LatencyBudget Duration `koanf:"latency_budget"`
	// CostBudget is the per-trace cost budget in account units.
	CostBudget float64 `koanf:"cost_budget"`
}

// OrchestratorConfig configures the pipeline state machine.
type OrchestratorConfig struct {
	// PlantRunTimeout bounds Plant run/resume calls.
	PlantRunTimeout Duration `koanf:"plant_run_timeout"`
	// PlantValidateTimeout bounds Plant validation calls.
	PlantValidateTimeout Duration `koanf:"plant_validate_timeout"`
	// MaxPatchRetries caps validation retries before the trace fails.
	MaxPatchRetries int `koanf:"max_patch_retries"`
}

// PlantConfig points at the external Plant's API.
type PlantConfig struct {
	BaseURL string `koanf:"base_url"`
}

// MemoryConfig configures the incident memory index.
type MemoryConfig struct {
	Enabled bool `koanf:"enabled"`
	// Path is the chromem persistence directory; empty keeps the index
	// in memory only.
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	VectorSize int    `koanf:"vector_size"`
}

// ObservabilityConfig configures telemetry export.
type ObservabilityConfig struct {
	ServiceName    string `koanf:"service_name"`
	TracingEnabled bool   `koanf:"tracing_enabled"`
	OTLPEndpoint   string `koanf:"otlp_endpoint"`
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store path is required")
	}
	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			return fmt.Errorf("nats url is required when nats is enabled")
		}
		if c.NATS.Subject == "" {
			return fmt.Errorf("nats subject is required when nats is enabled")
		}
	}
	if c.Ingest.RateLimit <= 0 {
		return fmt.Errorf("ingest rate limit must be positive")
	}
	if c.Ingest.RateBurst <= 0 {
		return fmt.Errorf("ingest rate burst must be positive")
	}
	if c.Classifier.LatencyBudget.Duration() <= 0 {
		return fmt.Errorf("classifier latency budget must be positive")
	}
	if c.Classifier.CostBudget <= 0 {
		return fmt.Errorf("classifier cost budget must be positive")
	}
	if c.Orchestrator.MaxPatchRetries < 0 {
		return fmt.Errorf("orchestrator max patch retries must be >= 0")
	}
	if c.Logging != nil {
		if err := c.Logging.Validate(); err != nil {
			return fmt.Errorf("logging: %w", err)
		}
	}
	return nil
}
