package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/operatord/internal/logging"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, CLASSIFIER_COST_BUDGET, ...)
//  2. YAML config file (~/.config/operatord/config.yaml by default)
//  3. Hardcoded defaults
//
// Environment variables map to YAML paths by splitting on the first
// underscore: SERVER_SHUTDOWN_TIMEOUT -> server.shutdown_timeout.
//
// The config file must be owner-only (0600 or 0400) and under 1MB; weaker
// permissions or oversized files are rejected.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "operatord", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// check-then-read race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envToPath), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envToPath maps SECTION_FIELD_NAME env variables to section.field_name
// koanf paths by splitting on the first underscore only.
func envToPath(s string) string {
	lower := strings.ToLower(s)
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower
	}
	return parts[0] + "." + parts[1]
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9091
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = defaultStorePath()
	}

	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "observer.events.>"
	}

	if cfg.Ingest.RateLimit == 0 {
		cfg.Ingest.RateLimit = 200
	}
	if cfg.Ingest.RateBurst == 0 {
		cfg.Ingest.RateBurst = 500
	}

	if cfg.Classifier.LatencyBudget == 0 {
		cfg.Classifier.LatencyBudget = Duration(30 * time.Second)
	}
	if cfg.Classifier.CostBudget == 0 {
		cfg.Classifier.CostBudget = 10.0
	}

	if cfg.Orchestrator.PlantRunTimeout == 0 {
		cfg.Orchestrator.PlantRunTimeout = Duration(10 * time.Minute)
	}
	if cfg.Orchestrator.PlantValidateTimeout == 0 {
		cfg.Orchestrator.PlantValidateTimeout = Duration(2 * time.Minute)
	}
	if cfg.Orchestrator.MaxPatchRetries == 0 {
		cfg.Orchestrator.MaxPatchRetries = 2
	}

	if cfg.Plant.BaseURL == "" {
		cfg.Plant.BaseURL = "http://127.0.0.1:7070"
	}

	if cfg.Memory.Collection == "" {
		cfg.Memory.Collection = "incidents"
	}
	if cfg.Memory.VectorSize == 0 {
		cfg.Memory.VectorSize = 256
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "operatord"
	}

	if cfg.Logging == nil {
		cfg.Logging = logging.NewDefaultConfig()
	}
}

// defaultStorePath places the database under the user config directory,
// falling back to the working directory when home is unknown.
func defaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "operatord.db"
	}
	return filepath.Join(home, ".config", "operatord", "operatord.db")
}

// EnsureConfigDir creates the operatord config directory if it doesn't
// exist, owner-only.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "operatord")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}
