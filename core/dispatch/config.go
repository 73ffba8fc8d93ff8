package dispatch

import (
	"fmt"
	"time"

	"github.com/kilianp07/fleetdispatch/core/assignment"
	"github.com/kilianp07/fleetdispatch/core/routing"
)

// Defaults.
const (
	DefaultStepCeiling        = 20
	DefaultSoftStepThreshold  = 15
	DefaultNoVehicleLimit     = 3
	DefaultTimeoutSeconds     = 30
	DefaultEmergencyThreshold = 3
)

// GeneticConfig tunes the genetic routing strategy.
type GeneticConfig struct {
	Population  int    `json:"population"`
	Generations int    `json:"generations"`
	Seed        uint64 `json:"seed"`
}

// Config defines dispatch-related settings.
type Config struct {
	StepCeiling        int           `json:"step_ceiling"`
	SoftStepThreshold  int           `json:"soft_step_threshold"`
	NoVehicleLimit     int           `json:"no_vehicle_limit"`
	TimeoutSeconds     int           `json:"timeout_seconds"`
	AssignmentStrategy string        `json:"assignment_strategy"`
	RoutingStrategy    string        `json:"routing_strategy"`
	EmergencyThreshold int           `json:"emergency_threshold"`
	Genetic            GeneticConfig `json:"genetic"`
}

// SetDefaults fills unset values.
func (c *Config) SetDefaults() {
	if c.StepCeiling == 0 {
		c.StepCeiling = DefaultStepCeiling
	}
	if c.SoftStepThreshold == 0 {
		c.SoftStepThreshold = DefaultSoftStepThreshold
	}
	if c.NoVehicleLimit == 0 {
		c.NoVehicleLimit = DefaultNoVehicleLimit
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if c.AssignmentStrategy == "" {
		c.AssignmentStrategy = assignment.BalancedWorkload
	}
	if c.RoutingStrategy == "" {
		c.RoutingStrategy = routing.GreedyInsertion
	}
	if c.EmergencyThreshold == 0 {
		c.EmergencyThreshold = DefaultEmergencyThreshold
	}
	if c.Genetic.Generations == 0 {
		c.Genetic.Generations = 50
	}
}

// Validate checks bounds and strategy names.
func (c Config) Validate() error {
	if c.StepCeiling < 1 {
		return fmt.Errorf("dispatch.step_ceiling must be positive")
	}
	if c.SoftStepThreshold < 1 || c.SoftStepThreshold > c.StepCeiling {
		return fmt.Errorf("dispatch.soft_step_threshold must be in [1,%d]", c.StepCeiling)
	}
	if c.NoVehicleLimit < 1 {
		return fmt.Errorf("dispatch.no_vehicle_limit must be positive")
	}
	if c.TimeoutSeconds < 1 {
		return fmt.Errorf("dispatch.timeout_seconds must be positive")
	}
	if c.EmergencyThreshold < 1 {
		return fmt.Errorf("dispatch.emergency_threshold must be positive")
	}
	if _, err := assignment.NewStrategy(c.AssignmentStrategy); err != nil {
		return fmt.Errorf("dispatch.assignment_strategy: %w", err)
	}
	if _, err := routing.NewStrategy(c.RoutingStrategy, c.GeneticConf()); err != nil {
		return fmt.Errorf("dispatch.routing_strategy: %w", err)
	}
	return nil
}

// Timeout returns the per-run wall clock bound.
func (c Config) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

// GeneticConf returns the module conf handed to the genetic strategy factory.
func (c Config) GeneticConf() map[string]any {
	conf := map[string]any{"generations": c.Genetic.Generations, "seed": c.Genetic.Seed}
	if c.Genetic.Population > 0 {
		conf["population"] = c.Genetic.Population
	}
	return conf
}
