package metrics

import (
	"fmt"

	"github.com/kilianp07/fleetdispatch/core/factory"
)

// Config defines settings for metrics sinks.
type Config struct {
	Sinks          []factory.ModuleConfig `json:"sinks"`
	PrometheusPort int                    `json:"prometheus_port"`
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.PrometheusPort == 0 {
		c.PrometheusPort = 9090
	}
}

// Validate checks the sink list.
func (c Config) Validate() error {
	for i, s := range c.Sinks {
		if s.Type == "" {
			return fmt.Errorf("metrics.sinks[%d]: type is required", i)
		}
	}
	if c.PrometheusPort < 0 || c.PrometheusPort > 65535 {
		return fmt.Errorf("metrics.prometheus_port %d out of range", c.PrometheusPort)
	}
	return nil
}
