package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/dispatch"
	"github.com/kilianp07/fleetdispatch/core/dispatch/logging"
	"github.com/kilianp07/fleetdispatch/core/intake"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/status"
	"github.com/kilianp07/fleetdispatch/core/store"
)

type fakeBackend struct {
	submitted []intake.Submission
	vehicles  map[string]model.Vehicle
	query     logging.LogQuery
	emergency bool
	cleared   bool
	cycles    int
	orders    map[string]model.Order
}

func newFake() *fakeBackend {
	return &fakeBackend{
		vehicles: map[string]model.Vehicle{"VEH_001": model.NewVehicle("VEH_001", model.Location{Lat: 40.7, Lon: -74})},
		orders:   map[string]model.Order{"ORD_9": {ID: "ORD_9", State: model.OrderAssigned, VehicleID: "VEH_001"}},
	}
}

func (f *fakeBackend) SubmitOrders(_ context.Context, subs ...intake.Submission) []intake.Outcome {
	out := make([]intake.Outcome, len(subs))
	for i, s := range subs {
		f.submitted = append(f.submitted, s)
		out[i].Index = i
		if s.CustomerID == "" {
			out[i].Err = &intake.ValidationError{Field: "customer_id", Message: "is required"}
			continue
		}
		out[i].OrderID = fmt.Sprintf("ORD_%d", i)
	}
	return out
}

func (f *fakeBackend) Orders(_ context.Context, state model.OrderState) ([]model.Order, error) {
	return []model.Order{{ID: "ORD_1", State: model.OrderNew}}, nil
}

func (f *fakeBackend) Vehicles(context.Context) ([]model.Vehicle, error) {
	return store.SortedVehicles(f.vehicles), nil
}

func (f *fakeBackend) Routes(context.Context) ([]model.Route, error) {
	return []model.Route{{ID: "route_VEH_001_1", VehicleID: "VEH_001", Stops: []model.Stop{
		{OrderID: "ORD_1", Kind: model.StopPickup},
		{OrderID: "ORD_1", Kind: model.StopDelivery},
	}}}, nil
}

func (f *fakeBackend) UpdateVehicle(_ context.Context, id string, p store.VehiclePatch) (model.Vehicle, error) {
	v, ok := f.vehicles[id]
	if !ok {
		return v, store.ErrNotFound
	}
	store.ApplyVehiclePatch(&v, p, time.Now())
	f.vehicles[id] = v
	return v, nil
}

func (f *fakeBackend) UpdateOrderStatus(_ context.Context, id string, to model.OrderState) (model.Order, error) {
	o, ok := f.orders[id]
	if !ok {
		return o, store.ErrNotFound
	}
	if err := store.Progress(&o, nil, to, time.Now()); err != nil {
		return o, err
	}
	f.orders[id] = o
	return o, nil
}

func (f *fakeBackend) RunCycle(context.Context) (dispatch.CycleResult, error) {
	f.cycles++
	return dispatch.CycleResult{RunID: "run", Outcome: dispatch.OutcomeCompleted, Steps: 3}, nil
}

func (f *fakeBackend) CycleLog(_ context.Context, q logging.LogQuery) ([]logging.CycleRecord, error) {
	f.query = q
	return nil, nil
}

func (f *fakeBackend) Status(context.Context) (status.Report, error) {
	return status.Report{Routes: 2}, nil
}

func (f *fakeBackend) TriggerEmergency(string) bool {
	changed := !f.emergency
	f.emergency = true
	return changed
}

func (f *fakeBackend) DeactivateEmergency(string) bool {
	changed := f.emergency
	f.emergency = false
	return changed
}

func (f *fakeBackend) ReportFailure(_ context.Context, r conflict.FailureReport) (model.Exception, error) {
	if err := r.Validate(); err != nil {
		return model.Exception{}, err
	}
	return model.Exception{ID: "EXC_1", Type: r.Type, OrderID: r.OrderID}, nil
}

func (f *fakeBackend) ClearAllData(_ context.Context, confirm bool) error {
	f.cleared = confirm
	return nil
}

func do(t *testing.T, h http.Handler, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAuth(t *testing.T) {
	e := NewServer(newFake(), "tok", nil)
	assert.Equal(t, http.StatusUnauthorized, do(t, e, http.MethodGet, "/api/vehicles", "", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, e, http.MethodGet, "/api/vehicles", "", "bad").Code)
	assert.Equal(t, http.StatusOK, do(t, e, http.MethodGet, "/api/vehicles", "", "tok").Code)
	// health stays open
	assert.Equal(t, http.StatusOK, do(t, e, http.MethodGet, "/healthz", "", "").Code)
}

func TestSubmitOrders_Batch(t *testing.T) {
	f := newFake()
	e := NewServer(f, "", nil)
	rr := do(t, e, http.MethodPost, "/api/orders", `[{"customer_id":"c1"},{"customer_id":""}]`, "")
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Accepted)
	assert.Equal(t, 1, resp.Rejected)
	assert.Equal(t, "customer_id", resp.Results[1].Field)

	rr = do(t, e, http.MethodPost, "/api/orders", `{"customer_id":""}`, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	assert.Len(t, f.submitted, 3)

	rr = do(t, e, http.MethodPost, "/api/orders", `{"customer_id":`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUpdateVehicle(t *testing.T) {
	e := NewServer(newFake(), "", nil)
	rr := do(t, e, http.MethodPut, "/api/vehicles/VEH_001", `{"state":"maintenance"}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var v model.Vehicle
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	assert.Equal(t, model.VehicleMaintenance, v.State)

	assert.Equal(t, http.StatusNotFound, do(t, e, http.MethodPut, "/api/vehicles/nope", `{"state":"idle"}`, "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodPut, "/api/vehicles/VEH_001", `{"state":"flying"}`, "").Code)
}

func TestUpdateOrderStatus(t *testing.T) {
	f := newFake()
	e := NewServer(f, "", nil)
	rr := do(t, e, http.MethodPut, "/api/orders/ORD_9/status", `{"state":"delivered"}`, "")
	require.Equal(t, http.StatusOK, rr.Code)
	var o model.Order
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &o))
	assert.Equal(t, model.OrderDelivered, o.State)
	if f.orders["ORD_9"].State != model.OrderDelivered {
		t.Fatalf("backend not updated: %s", f.orders["ORD_9"].State)
	}

	cases := []struct {
		path, body string
		code       int
	}{
		{"/api/orders/ORD_9/status", `{"state":"en_route"}`, http.StatusConflict},
		{"/api/orders/ORD_9/status", `{"state":"new"}`, http.StatusBadRequest},
		{"/api/orders/ORD_9/status", `{`, http.StatusBadRequest},
		{"/api/orders/nope/status", `{"state":"failed"}`, http.StatusNotFound},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, do(t, e, http.MethodPut, tc.path, tc.body, "").Code, tc.body)
	}
}

func TestRoutes(t *testing.T) {
	e := NewServer(newFake(), "", nil)
	rr := do(t, e, http.MethodGet, "/api/routes", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"vehicle_id":"VEH_001"`)

	rr = do(t, e, http.MethodGet, "/api/routes?format=csv", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Equal(t, 3, strings.Count(rr.Body.String(), "\n"))

	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, "/api/routes?format=xml", "", "").Code)
}

func TestCycles(t *testing.T) {
	f := newFake()
	e := NewServer(f, "", nil)
	rr := do(t, e, http.MethodPost, "/api/dispatch/cycle", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"outcome":"completed"`)

	rr = do(t, e, http.MethodGet, "/api/dispatch/cycles?outcome=timeout&order_id=ORD_1&limit=5&start=2026-01-01T00:00:00Z", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rr.Body.String()))
	assert.Equal(t, "timeout", f.query.Outcome)
	assert.Equal(t, "ORD_1", f.query.OrderID)
	assert.Equal(t, 5, f.query.Limit)
	assert.Equal(t, 2026, f.query.Start.Year())

	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, "/api/dispatch/cycles?start=yesterday", "", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodGet, "/api/dispatch/cycles?limit=-1", "", "").Code)
}

func TestEmergency(t *testing.T) {
	e := NewServer(newFake(), "", nil)
	var resp EmergencyResponse
	rr := do(t, e, http.MethodPost, "/api/emergency", `{"reason":"storm"}`, "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, EmergencyResponse{Active: true, Changed: true}, resp)

	rr = do(t, e, http.MethodPost, "/api/emergency", "", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Changed)

	rr = do(t, e, http.MethodDelete, "/api/emergency", "", "")
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, EmergencyResponse{Active: false, Changed: true}, resp)
}

func TestReportFailure(t *testing.T) {
	e := NewServer(newFake(), "", nil)
	rr := do(t, e, http.MethodPost, "/api/failures", `{"type":"delivery_failure","order_id":"ORD_1"}`, "")
	assert.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, e, http.MethodPost, "/api/failures", `{"type":"alien_invasion","order_id":"ORD_1"}`, "")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestClearData(t *testing.T) {
	f := newFake()
	e := NewServer(f, "", nil)
	assert.Equal(t, http.StatusBadRequest, do(t, e, http.MethodDelete, "/api/data", "", "").Code)
	assert.False(t, f.cleared)
	assert.Equal(t, http.StatusNoContent, do(t, e, http.MethodDelete, "/api/data?confirm=true", "", "").Code)
	assert.True(t, f.cleared)
}

func TestStatusAndMetrics(t *testing.T) {
	e := NewServer(newFake(), "", nil)
	rr := do(t, e, http.MethodGet, "/api/status", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"routes":2`)
	rr = do(t, e, http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
