package prediction

import (
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// MockRiskEngine returns configured scores per order id.
type MockRiskEngine struct {
	Risks   map[string]float64
	Default float64
}

// DelayRisk returns the configured score for the order or Default.
func (m MockRiskEngine) DelayRisk(o model.Order, _ time.Time) float64 {
	if v, ok := m.Risks[o.ID]; ok {
		return v
	}
	return m.Default
}
