package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// VehicleUpdater applies telemetry to registered vehicles.
type VehicleUpdater interface {
	UpdateVehicle(ctx context.Context, id string, p store.VehiclePatch) (model.Vehicle, error)
}

// SetVehicleUpdater enables the telemetry subscription. It must be called
// before Start.
func (b *Bridge) SetVehicleUpdater(u VehicleUpdater) { b.vehicles = u }

// TelemetryMessage is a vehicle position report. VehicleID defaults to the
// last topic segment.
type TelemetryMessage struct {
	VehicleID string             `json:"vehicle_id"`
	Latitude  *float64           `json:"latitude"`
	Longitude *float64           `json:"longitude"`
	State     model.VehicleState `json:"state"`
}

func lastSegment(topic string) string {
	parts := strings.Split(topic, "/")
	return parts[len(parts)-1]
}

// DecodeTelemetry parses a telemetry payload received on topic.
func DecodeTelemetry(topic string, payload []byte) (string, store.VehiclePatch, error) {
	var m TelemetryMessage
	if err := json.Unmarshal(payload, &m); err != nil {
		return "", store.VehiclePatch{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	id := m.VehicleID
	if id == "" {
		id = lastSegment(topic)
	}
	if id == "" || id == "+" {
		return "", store.VehiclePatch{}, fmt.Errorf("%w: vehicle id missing", ErrBadPayload)
	}
	var p store.VehiclePatch
	if (m.Latitude == nil) != (m.Longitude == nil) {
		return "", p, fmt.Errorf("%w: latitude and longitude go together", ErrBadPayload)
	}
	if m.Latitude != nil {
		loc := model.Location{Lat: *m.Latitude, Lon: *m.Longitude}
		if err := loc.Validate(); err != nil {
			return "", p, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		p.Location = &loc
	}
	switch m.State {
	case "":
	case model.VehicleIdle, model.VehicleAssigned, model.VehicleMoving, model.VehicleMaintenance:
		st := m.State
		p.State = &st
	default:
		return "", p, fmt.Errorf("%w: unknown state %q", ErrBadPayload, m.State)
	}
	return id, p, nil
}

func (b *Bridge) onTelemetry(topic string, payload []byte) {
	id, p, err := DecodeTelemetry(topic, payload)
	if err != nil {
		b.log.Warnf("drop telemetry on %s: %v", topic, err)
		return
	}
	if p.Location == nil && p.State == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	if _, err := b.vehicles.UpdateVehicle(ctx, id, p); err != nil {
		b.log.Warnf("telemetry for %s: %v", id, err)
		return
	}
	b.log.Debugf("telemetry applied to %s", id)
}
