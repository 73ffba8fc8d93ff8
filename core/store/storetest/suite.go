// Package storetest holds behaviour checks shared by every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// Run exercises the Store contract against a fresh backend per subtest.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("UpsertVehicleIdempotent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		v := model.NewVehicle("v1", model.Location{Lat: 40.7, Lon: -74})
		require.NoError(t, s.UpsertVehicle(ctx, v))
		first, err := s.Vehicle(ctx, "v1")
		require.NoError(t, err)
		require.NoError(t, s.UpsertVehicle(ctx, v))
		second, err := s.Vehicle(ctx, "v1")
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("UpdateUnknownIsNotFound", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		err := s.UpdateOrderFields(ctx, "missing", store.OrderPatch{Priority: store.Ptr(3)})
		assert.True(t, errors.Is(err, store.ErrNotFound))
		err = s.UpdateVehicleFields(ctx, "missing", store.VehiclePatch{State: store.Ptr(model.VehicleIdle)})
		assert.True(t, errors.Is(err, store.ErrNotFound))
		_, err = s.Order(ctx, "missing")
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("MergeOnlyNamedFields", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		o := model.Order{ID: "o1", CustomerID: "c1", Priority: 2, WeightKg: 4, State: model.OrderNew}
		require.NoError(t, s.UpsertOrder(ctx, o))
		require.NoError(t, s.UpdateOrderFields(ctx, "o1", store.OrderPatch{Priority: store.Ptr(5)}))
		got, err := s.Order(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, 5, got.Priority)
		assert.Equal(t, "c1", got.CustomerID)
		assert.Equal(t, 4.0, got.WeightKg)
		assert.Equal(t, model.OrderNew, got.State)
	})

	t.Run("AvailableVehicles", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		idle := model.NewVehicle("a", model.Location{})
		full := model.NewVehicle("b", model.Location{})
		full.State = model.VehicleAssigned
		full.MaxOrders = 1
		full.AssignedOrders = []string{"x"}
		partial := model.NewVehicle("c", model.Location{})
		partial.State = model.VehicleAssigned
		partial.AssignedOrders = []string{"y"}
		moving := model.NewVehicle("d", model.Location{})
		moving.State = model.VehicleMoving
		for _, v := range []model.Vehicle{idle, full, partial, moving} {
			require.NoError(t, s.UpsertVehicle(ctx, v))
		}
		avail, err := s.AvailableVehicles(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(avail))
		for _, v := range avail {
			ids = append(ids, v.ID)
		}
		assert.ElementsMatch(t, []string{"a", "c"}, ids)
	})

	t.Run("AssignKeepsBothSidesConsistent", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("v1", model.Location{})))
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("v2", model.Location{})))
		require.NoError(t, s.UpsertOrder(ctx, model.Order{ID: "o1", State: model.OrderNew, Priority: 1}))

		require.NoError(t, s.Assign(ctx, "o1", "v1"))
		require.NoError(t, s.Assign(ctx, "o1", "v2"))

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, "v2", snap.Orders["o1"].VehicleID)
		assert.Equal(t, model.OrderAssigned, snap.Orders["o1"].State)
		assert.Empty(t, snap.Vehicles["v1"].AssignedOrders)
		assert.Equal(t, model.VehicleIdle, snap.Vehicles["v1"].State)
		assert.Equal(t, []string{"o1"}, snap.Vehicles["v2"].AssignedOrders)
		assert.Equal(t, model.VehicleAssigned, snap.Vehicles["v2"].State)

		require.NoError(t, s.Unassign(ctx, "o1"))
		snap, err = s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, model.OrderNew, snap.Orders["o1"].State)
		assert.Empty(t, snap.Orders["o1"].VehicleID)
		assert.Empty(t, snap.Vehicles["v2"].AssignedOrders)
	})

	t.Run("SnapshotSeesWholePairings", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("v1", model.Location{})))
		require.NoError(t, s.UpsertOrder(ctx, model.Order{ID: "o1", State: model.OrderNew, Priority: 1}))

		done := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_ = s.Assign(ctx, "o1", "v1")
				_ = s.Unassign(ctx, "o1")
			}
		}()
		torn := 0
		for i := 0; i < 300; i++ {
			snap, err := s.Snapshot(ctx)
			require.NoError(t, err)
			if snap.Vehicles["v1"].HasOrder("o1") != (snap.Orders["o1"].VehicleID == "v1") {
				torn++
			}
		}
		close(done)
		wg.Wait()
		assert.Zero(t, torn, "snapshots with a half applied pairing")
	})

	t.Run("SetOrderStatus", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("v1", model.Location{})))
		for _, id := range []string{"o1", "o2", "o3"} {
			require.NoError(t, s.UpsertOrder(ctx, model.Order{ID: id, State: model.OrderNew, Priority: 1}))
		}
		_, err := s.SetOrderStatus(ctx, "o1", model.OrderDelivered)
		assert.True(t, errors.Is(err, store.ErrInvalidTransition), "unpaired order cannot be delivered")
		_, err = s.SetOrderStatus(ctx, "missing", model.OrderDelivered)
		assert.True(t, errors.Is(err, store.ErrNotFound))

		require.NoError(t, s.Assign(ctx, "o1", "v1"))
		require.NoError(t, s.Assign(ctx, "o2", "v1"))
		o, err := s.SetOrderStatus(ctx, "o1", model.OrderEnRoute)
		require.NoError(t, err)
		assert.Equal(t, model.OrderEnRoute, o.State)
		_, err = s.SetOrderStatus(ctx, "o1", model.OrderNew)
		assert.True(t, errors.Is(err, store.ErrInvalidTransition))

		o, err = s.SetOrderStatus(ctx, "o1", model.OrderDelivered)
		require.NoError(t, err)
		assert.Equal(t, model.OrderDelivered, o.State)
		assert.Equal(t, "v1", o.VehicleID)
		_, err = s.SetOrderStatus(ctx, "o1", model.OrderDelivered)
		require.NoError(t, err, "repeated report is a no-op")

		o, err = s.SetOrderStatus(ctx, "o2", model.OrderFailed)
		require.NoError(t, err)
		assert.Equal(t, model.OrderFailed, o.State)
		_, err = s.SetOrderStatus(ctx, "o2", model.OrderDelivered)
		assert.True(t, errors.Is(err, store.ErrInvalidTransition))

		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"o2"}, snap.Vehicles["v1"].AssignedOrders, "failed orders stay on the vehicle for recovery")
		assert.Equal(t, model.OrderDelivered, snap.Orders["o1"].State)

		require.NoError(t, s.Assign(ctx, "o3", "v1"))
		require.NoError(t, s.Unassign(ctx, "o2"))
		_, err = s.SetOrderStatus(ctx, "o3", model.OrderDelivered)
		require.NoError(t, err)
		v, err := s.Vehicle(ctx, "v1")
		require.NoError(t, err)
		assert.Empty(t, v.AssignedOrders)
		assert.Equal(t, model.VehicleIdle, v.State)
	})

	t.Run("TransferOrders", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("broken", model.Location{})))
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("spare", model.Location{})))
		for _, id := range []string{"o1", "o2"} {
			require.NoError(t, s.UpsertOrder(ctx, model.Order{ID: id, State: model.OrderNew, Priority: 1}))
			require.NoError(t, s.Assign(ctx, id, "broken"))
		}
		moved, err := s.TransferOrders(ctx, "broken", "spare")
		require.NoError(t, err)
		assert.Equal(t, []string{"o1", "o2"}, moved)
		snap, err := s.Snapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"o1", "o2"}, snap.Vehicles["spare"].AssignedOrders)
		assert.Empty(t, snap.Vehicles["broken"].AssignedOrders)
		assert.Equal(t, "spare", snap.Orders["o2"].VehicleID)
	})

	t.Run("SnapshotRoundTripAndClear", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("v1", model.Location{})))
		require.NoError(t, s.UpsertRoute(ctx, model.Route{ID: "r1", VehicleID: "v1"}))
		require.NoError(t, s.SetWorkerStatus(ctx, model.WorkerStatus{Name: model.WorkerAssignment, State: model.WorkerMonitoring}))
		require.NoError(t, s.SaveSnapshot(ctx))

		require.NoError(t, s.ClearAll(ctx))
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, store.Stats{}, st)

		_, ok, err := s.LoadSnapshot(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("RestoreFromSavedSnapshot", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.UpsertVehicle(ctx, model.NewVehicle("v1", model.Location{})))
		require.NoError(t, s.UpsertOrder(ctx, model.Order{ID: "o1", State: model.OrderNew, Priority: 3}))
		require.NoError(t, s.SaveSnapshot(ctx))
		require.NoError(t, s.UpsertOrder(ctx, model.Order{ID: "o2", State: model.OrderNew, Priority: 1}))

		snap, ok, err := s.LoadSnapshot(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, s.Restore(ctx, snap))
		st, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, st.Orders)
		assert.Equal(t, 1, st.Vehicles)
	})
}
