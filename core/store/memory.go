package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/kilianp07/fleetdispatch/core/model"
)

// MemoryStore keeps every entity in process memory guarded by one lock.
type MemoryStore struct {
	mu       sync.RWMutex
	orders   map[string]model.Order
	vehicles map[string]model.Vehicle
	routes   map[string]model.Route
	workers  map[model.WorkerKind]model.WorkerStatus
	saved    []byte
	now      func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:   map[string]model.Order{},
		vehicles: map[string]model.Vehicle{},
		routes:   map[string]model.Route{},
		workers:  map[model.WorkerKind]model.WorkerStatus{},
		now:      time.Now,
	}
}

func (s *MemoryStore) Snapshot(context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked(), nil
}

func (s *MemoryStore) snapshotLocked() Snapshot {
	snap := NewSnapshot()
	for id, o := range s.orders {
		snap.Orders[id] = o.Clone()
	}
	for id, v := range s.vehicles {
		snap.Vehicles[id] = v.Clone()
	}
	for id, r := range s.routes {
		snap.Routes[id] = r
	}
	for k, w := range s.workers {
		snap.Workers[k] = w
	}
	snap.TakenAt = s.now()
	return snap
}

func (s *MemoryStore) Order(_ context.Context, id string) (model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) Vehicle(_ context.Context, id string) (model.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vehicles[id]
	if !ok {
		return model.Vehicle{}, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return v.Clone(), nil
}

func (s *MemoryStore) UpsertOrder(_ context.Context, o model.Order) error {
	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	s.mu.Lock()
	s.orders[o.ID] = o.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpsertVehicle(_ context.Context, v model.Vehicle) error {
	if v.ID == "" {
		return fmt.Errorf("vehicle id is required")
	}
	s.mu.Lock()
	s.vehicles[v.ID] = v.Clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpsertRoute(_ context.Context, r model.Route) error {
	if r.VehicleID == "" {
		return fmt.Errorf("route vehicle id is required")
	}
	s.mu.Lock()
	s.routes[r.VehicleID] = r
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) SetWorkerStatus(_ context.Context, st model.WorkerStatus) error {
	s.mu.Lock()
	s.workers[st.Name] = st
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateOrderFields(_ context.Context, id string, p OrderPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	ApplyOrderPatch(&o, p, s.now())
	s.orders[id] = o
	return nil
}

func (s *MemoryStore) UpdateVehicleFields(_ context.Context, id string, p VehiclePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.vehicles[id]
	if !ok {
		return fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	ApplyVehiclePatch(&v, p, s.now())
	s.vehicles[id] = v
	return nil
}

func (s *MemoryStore) AvailableVehicles(context.Context) ([]model.Vehicle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make(map[string]model.Vehicle, len(s.vehicles))
	for id, v := range s.vehicles {
		all[id] = v.Clone()
	}
	return Available(SortedVehicles(all)), nil
}

func (s *MemoryStore) Assign(_ context.Context, orderID, vehicleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	v, ok := s.vehicles[vehicleID]
	if !ok {
		return fmt.Errorf("vehicle %s: %w", vehicleID, ErrNotFound)
	}
	v = v.Clone()
	var prev *model.Vehicle
	if o.VehicleID != "" && o.VehicleID != vehicleID {
		if pv, ok := s.vehicles[o.VehicleID]; ok {
			pv = pv.Clone()
			prev = &pv
		}
	}
	now := s.now()
	if err := Pair(&o, &v, prev, now); err != nil {
		return err
	}
	s.orders[o.ID] = o
	s.vehicles[v.ID] = v
	if prev != nil {
		s.vehicles[prev.ID] = *prev
	}
	return nil
}

func (s *MemoryStore) Unassign(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	var v *model.Vehicle
	if cur, ok := s.vehicles[o.VehicleID]; ok {
		cur = cur.Clone()
		v = &cur
	}
	Unpair(&o, v, s.now())
	s.orders[o.ID] = o
	if v != nil {
		s.vehicles[v.ID] = *v
	}
	return nil
}

func (s *MemoryStore) TransferOrders(_ context.Context, from, to string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.vehicles[from]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", from, ErrNotFound)
	}
	dst, ok := s.vehicles[to]
	if !ok {
		return nil, fmt.Errorf("vehicle %s: %w", to, ErrNotFound)
	}
	src, dst = src.Clone(), dst.Clone()
	orders := make(map[string]*model.Order, len(src.AssignedOrders))
	for _, id := range src.AssignedOrders {
		if o, ok := s.orders[id]; ok {
			o := o.Clone()
			orders[id] = &o
		}
	}
	moved := Transfer(&src, &dst, orders, s.now())
	for id, o := range orders {
		s.orders[id] = *o
	}
	s.vehicles[src.ID] = src
	s.vehicles[dst.ID] = dst
	return moved, nil
}

func (s *MemoryStore) SetOrderStatus(_ context.Context, orderID string, to model.OrderState) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return model.Order{}, fmt.Errorf("order %s: %w", orderID, ErrNotFound)
	}
	o = o.Clone()
	var v *model.Vehicle
	if cur, ok := s.vehicles[o.VehicleID]; ok {
		cur = cur.Clone()
		v = &cur
	}
	if err := Progress(&o, v, to, s.now()); err != nil {
		return model.Order{}, err
	}
	s.orders[o.ID] = o
	if v != nil {
		s.vehicles[v.ID] = *v
	}
	return o.Clone(), nil
}

// SaveSnapshot serialises the whole state so it can be restored later.
func (s *MemoryStore) SaveSnapshot(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := json.Marshal(s.snapshotLocked())
	if err != nil {
		return err
	}
	s.saved = b
	return nil
}

func (s *MemoryStore) LoadSnapshot(context.Context) (Snapshot, bool, error) {
	s.mu.RLock()
	b := s.saved
	s.mu.RUnlock()
	if b == nil {
		return Snapshot{}, false, nil
	}
	snap := NewSnapshot()
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

// Restore replaces the live state with the content of snap.
func (s *MemoryStore) Restore(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders = map[string]model.Order{}
	s.vehicles = map[string]model.Vehicle{}
	s.routes = map[string]model.Route{}
	s.workers = map[model.WorkerKind]model.WorkerStatus{}
	for id, o := range snap.Orders {
		s.orders[id] = o.Clone()
	}
	for id, v := range snap.Vehicles {
		s.vehicles[id] = v.Clone()
	}
	for id, r := range snap.Routes {
		s.routes[id] = r
	}
	for k, w := range snap.Workers {
		s.workers[k] = w
	}
	return nil
}

func (s *MemoryStore) ClearAll(context.Context) error {
	s.mu.Lock()
	s.orders = map[string]model.Order{}
	s.vehicles = map[string]model.Vehicle{}
	s.routes = map[string]model.Route{}
	s.workers = map[model.WorkerKind]model.WorkerStatus{}
	s.saved = nil
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Stats(context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Orders: len(s.orders), Vehicles: len(s.vehicles), Routes: len(s.routes), Workers: len(s.workers)}, nil
}

func (s *MemoryStore) Close() error { return nil }
