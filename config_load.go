package airgate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadConfig reads and parses a config file from the given path.
// Supported formats: JSON (.json), YAML (.yaml, .yml).
// Defaults are applied; call ValidateConfig on the result before use.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q: use .json, .yaml, or .yml", ext)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ValidateConfig validates a Config for correctness. It assumes defaults have
// been applied (LoadConfig does this).
func ValidateConfig(cfg Config) error {
	if cfg.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if !strings.HasPrefix(cfg.Upstream.BaseURL, "http://") && !strings.HasPrefix(cfg.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url must be an http(s) URL, got %q", cfg.Upstream.BaseURL)
	}

	switch cfg.Upstream.BodyMode {
	case BodyModeJSON, BodyModeRaw:
	default:
		return fmt.Errorf("unknown upstream.body_mode: %q", cfg.Upstream.BodyMode)
	}

	if len(cfg.Access.Bases) == 0 {
		return fmt.Errorf("access.bases requires at least one base ID")
	}
	if len(cfg.Access.Tables) == 0 {
		return fmt.Errorf("access.tables requires at least one table name")
	}
	for _, b := range cfg.Access.Bases {
		if strings.Contains(b, "/") {
			return fmt.Errorf("base ID %q must not contain %q", b, "/")
		}
	}

	if cfg.RateLimit.Limit <= 0 {
		return fmt.Errorf("rate_limit.limit must be positive")
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rate_limit.window_seconds must be positive")
	}

	switch cfg.CORS.Mode {
	case CORSModeStrict, CORSModeLenient:
	default:
		return fmt.Errorf("unknown cors.mode: %q", cfg.CORS.Mode)
	}
	if cfg.CORS.Mode == CORSModeLenient && cfg.CORS.DefaultOrigin == "" {
		return fmt.Errorf("cors.default_origin (or at least one entry in cors.origins) is required in lenient mode")
	}

	switch cfg.RequestLog.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown request_log.driver: %q (use sqlite or postgres)", cfg.RequestLog.Driver)
	}
	if cfg.RequestLog.Driver == "postgres" && cfg.RequestLog.DSN == "" {
		return fmt.Errorf("request_log.dsn is required for the postgres driver")
	}

	return nil
}
