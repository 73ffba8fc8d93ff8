package store_test

import (
	"context"
	"sync"
	"testing"

	"github.com/kilianp07/fleetdispatch/core/factory"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/core/store/storetest"
)

func TestMemoryStore_Contract(t *testing.T) {
	storetest.Run(t, func(*testing.T) store.Store { return store.NewMemoryStore() })
}

func TestMemoryStore_CopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	v := model.NewVehicle("v1", model.Location{})
	v.AssignedOrders = []string{"o1"}
	if err := s.UpsertVehicle(ctx, v); err != nil {
		t.Fatal(err)
	}
	v.AssignedOrders[0] = "changed"
	got, _ := s.Vehicle(ctx, "v1")
	if got.AssignedOrders[0] != "o1" {
		t.Fatalf("store shares caller slice: %v", got.AssignedOrders)
	}
}

func TestMemoryStore_ConcurrentAssign(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	_ = s.UpsertVehicle(ctx, model.NewVehicle("v1", model.Location{}))
	ids := []string{"a", "b", "c", "d", "e", "f"}
	for _, id := range ids {
		_ = s.UpsertOrder(ctx, model.Order{ID: id, State: model.OrderNew})
	}
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.Assign(ctx, id, "v1")
		}(id)
	}
	wg.Wait()
	v, _ := s.Vehicle(ctx, "v1")
	if len(v.AssignedOrders) != len(ids) {
		t.Fatalf("expected %d orders got %v", len(ids), v.AssignedOrders)
	}
}

func TestNew_DefaultsToMemory(t *testing.T) {
	s, err := store.New(factory.ModuleConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := s.(*store.MemoryStore); !ok {
		t.Fatalf("expected memory store got %T", s)
	}
	if _, err := store.New(factory.ModuleConfig{Type: "nope"}); err == nil {
		t.Fatal("expected unknown backend error")
	}
}
