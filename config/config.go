package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/fleetdispatch/core/dispatch"
	"github.com/kilianp07/fleetdispatch/core/dispatch/logging"
	"github.com/kilianp07/fleetdispatch/core/factory"
	"github.com/kilianp07/fleetdispatch/core/metrics"
	"github.com/kilianp07/fleetdispatch/infra/mqtt"
)

type Config struct {
	Store      factory.ModuleConfig `json:"store"`
	Dispatch   dispatch.Config      `json:"dispatch"`
	Exceptions ExceptionsConfig     `json:"exceptions"`
	Metrics    metrics.Config       `json:"metrics"`
	Logging    logging.Config       `json:"logging"`
	MQTT       mqtt.Config          `json:"mqtt"`
	HTTP       HTTPConfig           `json:"http"`
	Jobs       JobsConfig           `json:"jobs"`
	Fleet      FleetConfig          `json:"fleet"`
	Sentry     SentryConfig         `json:"sentry"`
}

// EnvFile is the dotenv file read before environment overrides.
var EnvFile = ".env"

// Load reads path (yaml or json), applies K_ prefixed environment overrides
// and returns the validated configuration. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", EnvFile, err)
	}
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider("K_", ".", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), "k_")
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	c.Dispatch.SetDefaults()
	c.Exceptions.SetDefaults()
	c.Metrics.SetDefaults()
	c.Logging.SetDefaults()
	c.MQTT.SetDefaults()
	c.HTTP.SetDefaults()
	c.Jobs.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"dispatch", c.Dispatch.Validate},
		{"exceptions", c.Exceptions.Validate},
		{"metrics", c.Metrics.Validate},
		{"logging", c.Logging.Validate},
		{"mqtt", c.MQTT.Validate},
		{"http", c.HTTP.Validate},
		{"jobs", c.Jobs.Validate},
	}
	for _, ch := range checks {
		if err := ch.fn(); err != nil {
			return fmt.Errorf("%s: %w", ch.name, err)
		}
	}
	return nil
}
