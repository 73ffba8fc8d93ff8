package model

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHaversineSamePoint(t *testing.T) {
	nyc := Location{Lat: 40.7128, Lon: -74.0060}
	if d := HaversineKm(nyc, nyc); d != 0 {
		t.Fatalf("expected 0 got %v", d)
	}
}

func TestHaversineOneDegreeNorth(t *testing.T) {
	nyc := Location{Lat: 40.7128, Lon: -74.0060}
	north := Location{Lat: 41.7128, Lon: -74.0060}
	d := HaversineKm(nyc, north)
	if math.Abs(d-111.2)/111.2 > 0.01 {
		t.Fatalf("expected ~111.2km got %v", d)
	}
}

func TestLocationValidate(t *testing.T) {
	assert.NoError(t, Location{Lat: 90, Lon: -180}.Validate())
	assert.Error(t, Location{Lat: 91}.Validate())
	assert.Error(t, Location{Lon: 180.5}.Validate())
}

func TestNewVehicleDefaults(t *testing.T) {
	v := NewVehicle("v1", Location{})
	assert.Equal(t, "van", v.Type)
	assert.Equal(t, 1000.0, v.CapacityKg)
	assert.Equal(t, 5.0, v.CapacityM3)
	assert.Equal(t, 10, v.MaxOrders)
	assert.Equal(t, VehicleIdle, v.State)
	assert.NotNil(t, v.AssignedOrders)
}

func TestVehicleAvailable(t *testing.T) {
	v := NewVehicle("v1", Location{})
	v.MaxOrders = 1
	assert.True(t, v.Available())
	v.State = VehicleAssigned
	v.AssignedOrders = []string{"o1"}
	assert.False(t, v.Available())
	v.AssignedOrders = nil
	assert.True(t, v.Available())
	v.State = VehicleMoving
	assert.False(t, v.Available())
}

func TestVehicleCloneIsolated(t *testing.T) {
	v := NewVehicle("v1", Location{})
	v.AssignedOrders = []string{"a"}
	c := v.Clone()
	c.AssignedOrders[0] = "b"
	if v.AssignedOrders[0] != "a" {
		t.Fatalf("clone shares backing array")
	}
}

func TestSeverityRaise(t *testing.T) {
	assert.Equal(t, SeverityMedium, SeverityLow.Raise(SeverityHigh))
	assert.Equal(t, SeverityHigh, SeverityHigh.Raise(SeverityHigh))
	assert.Equal(t, SeverityCritical, SeverityHigh.Raise(SeverityCritical))
	assert.Equal(t, SeverityCritical, SeverityCritical.Raise(SeverityCritical))
}

func TestSortByPriority(t *testing.T) {
	now := time.Now()
	orders := []Order{
		{ID: "b", Priority: 1, CreatedAt: now},
		{ID: "a", Priority: 5, CreatedAt: now.Add(time.Second)},
		{ID: "c", Priority: 5, CreatedAt: now},
	}
	SortByPriority(orders)
	assert.Equal(t, []string{"c", "a", "b"}, []string{orders[0].ID, orders[1].ID, orders[2].ID})
}

func TestOrderOverdue(t *testing.T) {
	now := time.Now()
	o := Order{State: OrderAssigned, Window: &TimeWindow{Start: now.Add(-2 * time.Hour), End: now.Add(-time.Hour)}}
	assert.True(t, o.Overdue(now))
	o.State = OrderDelivered
	assert.False(t, o.Overdue(now))
}

func TestNewMessageClampsPriority(t *testing.T) {
	m := NewMessage(WorkerIntake, WorkerAssignment, 9, OrderReady{OrderID: "o"})
	assert.Equal(t, 5, m.Priority)
	assert.Equal(t, MsgOrderReady, m.Kind())
	assert.False(t, m.Broadcast())
}
