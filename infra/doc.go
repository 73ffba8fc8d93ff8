// Package infra holds the adapters that talk to the outside world: the
// zerolog logger, the MQTT client, Prometheus and InfluxDB metrics, Sentry
// and the Redis store. They implement interfaces declared under core.
package infra
