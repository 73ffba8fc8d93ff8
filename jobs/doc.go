// Package jobs schedules the periodic work of a running service with
// robfig/cron: dispatch cycles, the exception and route monitor pass and
// snapshot persistence. Overlapping runs of the same job are skipped.
package jobs
