// Package api exposes the in-process system over HTTP with echo.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kilianp07/fleetdispatch/core/conflict"
	"github.com/kilianp07/fleetdispatch/core/dispatch"
	"github.com/kilianp07/fleetdispatch/core/dispatch/logging"
	"github.com/kilianp07/fleetdispatch/core/intake"
	"github.com/kilianp07/fleetdispatch/core/logger"
	"github.com/kilianp07/fleetdispatch/core/model"
	"github.com/kilianp07/fleetdispatch/core/status"
	"github.com/kilianp07/fleetdispatch/core/store"
)

// Backend is the part of the system facade served over HTTP.
type Backend interface {
	SubmitOrders(ctx context.Context, subs ...intake.Submission) []intake.Outcome
	Orders(ctx context.Context, state model.OrderState) ([]model.Order, error)
	Vehicles(ctx context.Context) ([]model.Vehicle, error)
	Routes(ctx context.Context) ([]model.Route, error)
	UpdateVehicle(ctx context.Context, id string, p store.VehiclePatch) (model.Vehicle, error)
	UpdateOrderStatus(ctx context.Context, id string, to model.OrderState) (model.Order, error)
	RunCycle(ctx context.Context) (dispatch.CycleResult, error)
	CycleLog(ctx context.Context, q logging.LogQuery) ([]logging.CycleRecord, error)
	Status(ctx context.Context) (status.Report, error)
	TriggerEmergency(reason string) bool
	DeactivateEmergency(reason string) bool
	ReportFailure(ctx context.Context, r conflict.FailureReport) (model.Exception, error)
	ClearAllData(ctx context.Context, confirm bool) error
}

// Error is the body of every non 2xx response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func fail(c echo.Context, code int, msg string) error {
	return c.JSON(code, Error{Code: code, Message: msg})
}

// Server handles the HTTP routes.
type Server struct {
	backend Backend
	log     logger.Logger
}

// NewServer returns an echo instance with every route registered. When
// token is not empty, /api routes require "Authorization: Bearer <token>".
func NewServer(b Backend, token string, log logger.Logger) *echo.Echo {
	if log == nil {
		log = logger.NopLogger{}
	}
	s := &Server{backend: b, log: log}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			log.Debugw("http request", map[string]any{
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency_ms": v.Latency.Milliseconds(),
			})
			return nil
		},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	g := e.Group("/api")
	if token != "" {
		g.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup:  "header:" + echo.HeaderAuthorization,
			AuthScheme: "Bearer",
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
			},
			ErrorHandler: func(_ error, c echo.Context) error {
				return fail(c, http.StatusUnauthorized, "unauthorized")
			},
		}))
	}
	g.POST("/orders", s.SubmitOrders)
	g.GET("/orders", s.GetOrders)
	g.PUT("/orders/:id/status", s.UpdateOrderStatus)
	g.GET("/vehicles", s.GetVehicles)
	g.PUT("/vehicles/:id", s.UpdateVehicle)
	g.GET("/routes", s.GetRoutes)
	g.POST("/dispatch/cycle", s.RunCycle)
	g.GET("/dispatch/cycles", s.GetCycles)
	g.GET("/status", s.GetStatus)
	g.POST("/emergency", s.ActivateEmergency)
	g.DELETE("/emergency", s.DeactivateEmergency)
	g.POST("/failures", s.ReportFailure)
	g.DELETE("/data", s.ClearData)
	return e
}
