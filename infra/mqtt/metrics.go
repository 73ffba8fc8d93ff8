package mqtt

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_publish_success_total",
		Help: "Number of successful MQTT publish operations",
	})
	publishFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mqtt_publish_failure_total",
		Help: "Number of MQTT publish operations that failed after retries",
	})
)

// RegisterMetrics registers the publish counters on reg, or on the default
// registerer when reg is nil. Registering twice is not an error.
func RegisterMetrics(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{publishSuccess, publishFailure} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}
