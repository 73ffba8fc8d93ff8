package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/kilianp07/fleetdispatch/api"
	"github.com/kilianp07/fleetdispatch/config"
	coremqtt "github.com/kilianp07/fleetdispatch/core/mqtt"
	"github.com/kilianp07/fleetdispatch/infra/logger"
	"github.com/kilianp07/fleetdispatch/infra/mqtt"
	"github.com/kilianp07/fleetdispatch/jobs"
)

// Service runs the system as a long lived process: HTTP shim, scheduled
// jobs and the telematics bridge.
type Service struct {
	System *System
	Jobs   *jobs.JobManager
	cfg    *config.Config
	http   *echo.Echo
	client *mqtt.PahoClient
	bridge *coremqtt.Bridge
	log    logger.Logger
}

// New creates a Service from the configuration.
func New(cfg *config.Config) (*Service, error) {
	logg := logger.New("service")
	sys, err := NewSystem(cfg, Options{Logger: logger.New("system")})
	if err != nil {
		return nil, err
	}
	svc := &Service{System: sys, cfg: cfg, log: logg}
	svc.Jobs = jobs.NewJobManager(cfg.Jobs, sys, sys, sys, logger.New("jobs"))

	if cfg.HTTP.Enabled {
		svc.http = api.NewServer(sys, cfg.HTTP.Token, logger.New("http"))
	}
	if cfg.MQTT.Enabled {
		client, err := mqtt.NewPahoClient(cfg.MQTT)
		if err != nil {
			_ = sys.Stop()
			return nil, fmt.Errorf("mqtt client: %w", err)
		}
		client.SetMonitor(sys.monitor)
		if err := mqtt.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			logg.Warnf("mqtt metrics: %v", err)
		}
		svc.client = client
		svc.bridge = coremqtt.NewBridge(client, sys, coremqtt.Topics{
			Failures:  cfg.MQTT.FailureTopic,
			Events:    cfg.MQTT.EventTopic,
			Telemetry: cfg.MQTT.TelemetryPrefix,
		}, logger.New("mqtt-bridge"))
		svc.bridge.SetVehicleUpdater(sys)
		svc.bridge.SetOrderUpdater(sys)
	}
	return svc, nil
}

// Run starts the service and blocks until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.System.Start(ctx); err != nil {
		return err
	}
	if s.bridge != nil {
		if err := s.bridge.Start(ctx, s.System.Bus()); err != nil {
			return fmt.Errorf("mqtt bridge: %w", err)
		}
	}
	if err := s.Jobs.StartAll(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	if s.http != nil {
		go func() {
			s.log.Infof("http listening on %s", s.cfg.HTTP.Address)
			if err := s.http.Start(s.cfg.HTTP.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}
	select {
	case <-ctx.Done():
	case err := <-errCh:
		s.log.Errorf("http server: %v", err)
		return err
	}
	return nil
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Jobs.StopAll(ctx)
	var errs []error
	if s.http != nil {
		if err := s.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if s.client != nil {
		s.client.Close()
	}
	if err := s.System.SaveSnapshot(ctx); err != nil {
		errs = append(errs, fmt.Errorf("snapshot: %w", err))
	}
	if err := s.System.Stop(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
