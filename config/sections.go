package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kilianp07/fleetdispatch/core/conflict"
)

// ExceptionsConfig tunes the conflict and escalation engine.
type ExceptionsConfig struct {
	RetentionHours int     `json:"retention_hours"`
	RiskThreshold  float64 `json:"risk_threshold"`
}

func (c *ExceptionsConfig) SetDefaults() {
	if c.RetentionHours == 0 {
		c.RetentionHours = 24
	}
	if c.RiskThreshold == 0 {
		c.RiskThreshold = 0.7
	}
}

func (c ExceptionsConfig) Validate() error {
	if c.RetentionHours < 0 {
		return fmt.Errorf("retention_hours must not be negative")
	}
	if c.RiskThreshold < 0 || c.RiskThreshold > 1 {
		return fmt.Errorf("risk_threshold must be in [0,1]")
	}
	return nil
}

// Options converts the section for conflict.New.
func (c ExceptionsConfig) Options(emergencyThreshold int) conflict.Options {
	return conflict.Options{
		EmergencyThreshold: emergencyThreshold,
		Retention:          time.Duration(c.RetentionHours) * time.Hour,
		RiskThreshold:      c.RiskThreshold,
	}
}

// HTTPConfig configures the HTTP shim.
type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	// Token, when set, is required as a bearer token on /api routes.
	Token string `json:"token"`
}

func (c *HTTPConfig) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
}

func (c HTTPConfig) Validate() error {
	if c.Enabled && c.Address == "" {
		return fmt.Errorf("address is required")
	}
	return nil
}

// JobsConfig holds the cron specs of the scheduled jobs. An empty spec
// after defaults can be disabled with "off".
type JobsConfig struct {
	CycleSchedule    string `json:"cycle_schedule"`
	MonitorSchedule  string `json:"monitor_schedule"`
	SnapshotSchedule string `json:"snapshot_schedule"`
}

// Off disables a job.
const Off = "off"

func (c *JobsConfig) SetDefaults() {
	if c.CycleSchedule == "" {
		c.CycleSchedule = "@every 30s"
	}
	if c.MonitorSchedule == "" {
		c.MonitorSchedule = "@every 1m"
	}
	if c.SnapshotSchedule == "" {
		c.SnapshotSchedule = "@every 5m"
	}
}

func (c JobsConfig) Validate() error {
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	for name, spec := range map[string]string{
		"cycle_schedule":    c.CycleSchedule,
		"monitor_schedule":  c.MonitorSchedule,
		"snapshot_schedule": c.SnapshotSchedule,
	} {
		if spec == Off {
			continue
		}
		if _, err := parser.Parse(spec); err != nil {
			return fmt.Errorf("%s %q: %w", name, spec, err)
		}
	}
	return nil
}

// FleetConfig controls the initial fleet.
type FleetConfig struct {
	SeedSample bool `json:"seed_sample"`
}
