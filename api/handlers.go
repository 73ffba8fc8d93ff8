package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/dispatch/logging"
	"github.com/kilianp07/fleetdispatch/core/intake"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/store"
	"github.com/kilianp07/fleetdispatch/pkg/export"
)

// OrderResult is the outcome of one submitted order.
type OrderResult struct {
	Index   int    `json:"index"`
	OrderID string `json:"order_id,omitempty"`
	Error   string `json:"error,omitempty"`
	Field   string `json:"field,omitempty"`
}

// SubmitResponse summarises a batch submission.
type SubmitResponse struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Results  []OrderResult `json:"results"`
}

// SubmitOrders handles POST /api/orders. The body is one submission or an
// array of them; invalid items never abort the batch.
func (s *Server) SubmitOrders(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fail(c, http.StatusBadRequest, "unreadable body")
	}
	var subs []intake.Submission
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		err = json.Unmarshal(body, &subs)
	} else {
		var one intake.Submission
		err = json.Unmarshal(body, &one)
		subs = []intake.Submission{one}
	}
	if err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	if len(subs) == 0 {
		return fail(c, http.StatusBadRequest, "no orders submitted")
	}

	var resp SubmitResponse
	for _, o := range s.backend.SubmitOrders(c.Request().Context(), subs...) {
		r := OrderResult{Index: o.Index, OrderID: o.OrderID}
		if o.Err != nil {
			resp.Rejected++
			r.Error = o.Err.Error()
			var ve *intake.ValidationError
			if errors.As(o.Err, &ve) {
				r.Field = ve.Field
			}
		} else {
			resp.Accepted++
		}
		resp.Results = append(resp.Results, r)
	}
	code := http.StatusCreated
	if resp.Accepted == 0 {
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, resp)
}

// GetOrders handles GET /api/orders[?state=...].
func (s *Server) GetOrders(c echo.Context) error {
	orders, err := s.backend.Orders(c.Request().Context(), model.OrderState(c.QueryParam("state")))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to retrieve orders")
	}
	return c.JSON(http.StatusOK, orders)
}

// GetVehicles handles GET /api/vehicles.
func (s *Server) GetVehicles(c echo.Context) error {
	vehicles, err := s.backend.Vehicles(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to retrieve vehicles")
	}
	return c.JSON(http.StatusOK, vehicles)
}

// GetRoutes handles GET /api/routes[?format=json|csv].
func (s *Server) GetRoutes(c echo.Context) error {
	routes, err := s.backend.Routes(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to retrieve routes")
	}
	switch format := c.QueryParam("format"); format {
	case export.FormatCSV:
		c.Response().Header().Set(echo.HeaderContentType, "text/csv")
		c.Response().WriteHeader(http.StatusOK)
		return export.WriteCSV(c.Response(), routes)
	case export.FormatJSON, "":
		if routes == nil {
			routes = []model.Route{}
		}
		return c.JSON(http.StatusOK, routes)
	default:
		return fail(c, http.StatusBadRequest, "unsupported format "+format)
	}
}

// VehicleUpdate is the body of PUT /api/vehicles/:id.
type VehicleUpdate struct {
	State    *model.VehicleState `json:"state"`
	Location *model.Location     `json:"current_location"`
	DriverID *string             `json:"driver_id"`
}

func validVehicleState(s model.VehicleState) bool {
	switch s {
	case model.VehicleIdle, model.VehicleAssigned, model.VehicleMoving, model.VehicleMaintenance:
		return true
	}
	return false
}

// UpdateVehicle handles PUT /api/vehicles/:id.
func (s *Server) UpdateVehicle(c echo.Context) error {
	var u VehicleUpdate
	if err := c.Bind(&u); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	if u.State != nil && !validVehicleState(*u.State) {
		return fail(c, http.StatusBadRequest, "unknown vehicle state "+string(*u.State))
	}
	v, err := s.backend.UpdateVehicle(c.Request().Context(), c.Param("id"), store.VehiclePatch{
		State:    u.State,
		Location: u.Location,
		DriverID: u.DriverID,
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail(c, http.StatusNotFound, "vehicle not found")
	case err != nil:
		return fail(c, http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, v)
}

// OrderStatusUpdate is the body of PUT /api/orders/:id/status.
type OrderStatusUpdate struct {
	State model.OrderState `json:"state"`
}

// UpdateOrderStatus handles PUT /api/orders/:id/status.
func (s *Server) UpdateOrderStatus(c echo.Context) error {
	var u OrderStatusUpdate
	if err := c.Bind(&u); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	switch u.State {
	case model.OrderEnRoute, model.OrderDelivered, model.OrderFailed:
	default:
		return fail(c, http.StatusBadRequest, "state must be en_route, delivered or failed")
	}
	o, err := s.backend.UpdateOrderStatus(c.Request().Context(), c.Param("id"), u.State)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fail(c, http.StatusNotFound, "order not found")
	case errors.Is(err, store.ErrInvalidTransition):
		return fail(c, http.StatusConflict, err.Error())
	case err != nil:
		s.log.Errorf("order status %s: %v", c.Param("id"), err)
		return fail(c, http.StatusInternalServerError, "order status update failed")
	}
	return c.JSON(http.StatusOK, o)
}

// RunCycle handles POST /api/dispatch/cycle.
func (s *Server) RunCycle(c echo.Context) error {
	res, err := s.backend.RunCycle(c.Request().Context())
	if err != nil {
		s.log.Errorf("dispatch cycle: %v", err)
		return fail(c, http.StatusInternalServerError, "dispatch cycle failed")
	}
	return c.JSON(http.StatusOK, res)
}

// GetCycles handles GET /api/dispatch/cycles with optional start, end
// (RFC3339), outcome, order_id and limit filters.
func (s *Server) GetCycles(c echo.Context) error {
	q := logging.LogQuery{
		Outcome: c.QueryParam("outcome"),
		OrderID: c.QueryParam("order_id"),
	}
	for name, dst := range map[string]*time.Time{"start": &q.Start, "end": &q.End} {
		if v := c.QueryParam(name); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return fail(c, http.StatusBadRequest, "invalid "+name+": "+err.Error())
			}
			*dst = t
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fail(c, http.StatusBadRequest, "invalid limit")
		}
		q.Limit = n
	}
	records, err := s.backend.CycleLog(c.Request().Context(), q)
	if err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	if records == nil {
		records = []logging.CycleRecord{}
	}
	return c.JSON(http.StatusOK, records)
}

// GetStatus handles GET /api/status.
func (s *Server) GetStatus(c echo.Context) error {
	rep, err := s.backend.Status(c.Request().Context())
	if err != nil {
		return fail(c, http.StatusInternalServerError, "failed to build status")
	}
	return c.JSON(http.StatusOK, rep)
}

type emergencyRequest struct {
	Reason string `json:"reason"`
}

// EmergencyResponse reports the emergency flag after a toggle. Changed is
// false when the flag already had the requested value.
type EmergencyResponse struct {
	Active  bool `json:"active"`
	Changed bool `json:"changed"`
}

// ActivateEmergency handles POST /api/emergency.
func (s *Server) ActivateEmergency(c echo.Context) error {
	var req emergencyRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return fail(c, http.StatusBadRequest, "invalid request body")
		}
	}
	changed := s.backend.TriggerEmergency(req.Reason)
	return c.JSON(http.StatusOK, EmergencyResponse{Active: true, Changed: changed})
}

// DeactivateEmergency handles DELETE /api/emergency.
func (s *Server) DeactivateEmergency(c echo.Context) error {
	changed := s.backend.DeactivateEmergency(c.QueryParam("reason"))
	return c.JSON(http.StatusOK, EmergencyResponse{Active: false, Changed: changed})
}

// ReportFailure handles POST /api/failures.
func (s *Server) ReportFailure(c echo.Context) error {
	var r conflict.FailureReport
	if err := c.Bind(&r); err != nil {
		return fail(c, http.StatusBadRequest, "invalid request body")
	}
	rec, err := s.backend.ReportFailure(c.Request().Context(), r)
	switch {
	case errors.Is(err, conflict.ErrInvalidReport):
		return fail(c, http.StatusBadRequest, err.Error())
	case err != nil:
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, rec)
}

// ClearData handles DELETE /api/data?confirm=true.
func (s *Server) ClearData(c echo.Context) error {
	if ok, _ := strconv.ParseBool(c.QueryParam("confirm")); !ok {
		return fail(c, http.StatusBadRequest, "confirm=true is required to clear all data")
	}
	if err := s.backend.ClearAllData(c.Request().Context(), true); err != nil {
		return fail(c, http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
