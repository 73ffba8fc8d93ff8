package prediction

import (
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// RiskEngine scores how likely an order is to miss its delivery window.
type RiskEngine interface {
	// DelayRisk returns a probability in [0,1] evaluated at now.
	DelayRisk(o model.Order, now time.Time) float64
}

// WindowRisk is the default engine: risk grows linearly as the window end
// approaches, reaching 1 when less than Floor remains and 0 beyond Horizon.
// Orders without a window score 0.
type WindowRisk struct {
	Horizon time.Duration
	Floor   time.Duration
}

// NewWindowRisk returns an engine with a 6h horizon and a 30 minute floor.
func NewWindowRisk() WindowRisk {
	return WindowRisk{Horizon: 6 * time.Hour, Floor: 30 * time.Minute}
}

func (w WindowRisk) DelayRisk(o model.Order, now time.Time) float64 {
	if o.Window == nil || o.State.Terminal() {
		return 0
	}
	slack := o.Window.End.Sub(now)
	switch {
	case slack <= w.Floor:
		return 1
	case slack >= w.Horizon:
		return 0
	}
	return 1 - float64(slack-w.Floor)/float64(w.Horizon-w.Floor)
}
