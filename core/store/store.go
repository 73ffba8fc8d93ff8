// Package store defines the entity store shared by every dispatch worker and
// an in-memory implementation. Workers always receive copies; writes become
// visible to the next read from any goroutine.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// ErrNotFound is returned when an update or read targets an unknown id.
var ErrNotFound = errors.New("entity not found")

// ErrInvalidTransition is returned by SetOrderStatus for a status the order
// cannot move to from its current state.
var ErrInvalidTransition = errors.New("invalid order state transition")

// Snapshot is a consistent copy of every stored entity.
type Snapshot struct {
	Orders   map[string]model.Order                  `json:"orders"`
	Vehicles map[string]model.Vehicle                `json:"vehicles"`
	Routes   map[string]model.Route                  `json:"routes"`
	Workers  map[model.WorkerKind]model.WorkerStatus `json:"workers"`
	TakenAt  time.Time                               `json:"taken_at"`
}

// NewSnapshot returns a snapshot with empty, non-nil maps.
func NewSnapshot() Snapshot {
	return Snapshot{
		Orders:   map[string]model.Order{},
		Vehicles: map[string]model.Vehicle{},
		Routes:   map[string]model.Route{},
		Workers:  map[model.WorkerKind]model.WorkerStatus{},
	}
}

// OrderPatch names the order fields to change. Nil fields are left untouched.
type OrderPatch struct {
	State     *model.OrderState
	Priority  *int
	Window    *model.TimeWindow
	VehicleID *string
}

// VehiclePatch names the vehicle fields to change. Nil fields are left untouched.
type VehiclePatch struct {
	State          *model.VehicleState
	Location       *model.Location
	DriverID       *string
	AssignedOrders *[]string
}

// Stats summarises the stored entity counts.
type Stats struct {
	Orders   int `json:"orders"`
	Vehicles int `json:"vehicles"`
	Routes   int `json:"routes"`
	Workers  int `json:"workers"`
}

// Store is the durable keyed storage for orders, vehicles, routes and worker
// status. Multi-entity operations (Assign, Unassign, TransferOrders) are
// applied atomically.
type Store interface {
	Snapshot(ctx context.Context) (Snapshot, error)
	Order(ctx context.Context, id string) (model.Order, error)
	Vehicle(ctx context.Context, id string) (model.Vehicle, error)

	UpsertOrder(ctx context.Context, o model.Order) error
	UpsertVehicle(ctx context.Context, v model.Vehicle) error
	UpsertRoute(ctx context.Context, r model.Route) error
	SetWorkerStatus(ctx context.Context, st model.WorkerStatus) error

	UpdateOrderFields(ctx context.Context, id string, p OrderPatch) error
	UpdateVehicleFields(ctx context.Context, id string, p VehiclePatch) error

	AvailableVehicles(ctx context.Context) ([]model.Vehicle, error)

	// Assign pairs the order with the vehicle, moving it off any previous
	// vehicle first.
	Assign(ctx context.Context, orderID, vehicleID string) error
	// Unassign removes the order from its vehicle and resets it to New.
	Unassign(ctx context.Context, orderID string) error
	// TransferOrders moves every order of from onto to and returns the ids moved.
	TransferOrders(ctx context.Context, from, to string) ([]string, error)
	// SetOrderStatus applies a tracking report (en_route, delivered or
	// failed). A delivered order leaves its vehicle in the same write.
	SetOrderStatus(ctx context.Context, orderID string, to model.OrderState) (model.Order, error)

	SaveSnapshot(ctx context.Context) error
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	Restore(ctx context.Context, s Snapshot) error

	ClearAll(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

// Ptr returns a pointer to v, handy when building patches.
func Ptr[T any](v T) *T { return &v }
