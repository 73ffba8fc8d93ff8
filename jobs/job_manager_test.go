package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kilianp07/fleetdispatch/config"
	"github.com/kilianp07/fleetdispatch/core/dispatch"
)

type fakeRunner struct{ runs int }

func (f *fakeRunner) RunCycle(context.Context) (dispatch.CycleResult, error) {
	f.runs++
	return dispatch.CycleResult{RunID: "r", Outcome: dispatch.OutcomeStepCeiling}, nil
}

type fakeMonitor struct{ err error }

func (f fakeMonitor) Monitor(context.Context) error { return f.err }

type fakeSnap struct{ saved int }

func (f *fakeSnap) SaveSnapshot(context.Context) error {
	f.saved++
	return nil
}

func TestNewJobManager_Schedules(t *testing.T) {
	cfg := config.JobsConfig{}
	cfg.SetDefaults()
	cfg.SnapshotSchedule = config.Off
	m := NewJobManager(cfg, &fakeRunner{}, fakeMonitor{}, &fakeSnap{}, nil)

	var names []string
	for _, j := range m.Jobs() {
		names = append(names, j.Name)
	}
	assert.Equal(t, []string{"dispatch_cycle", "exception_monitor"}, names)
}

func TestRunNow(t *testing.T) {
	cfg := config.JobsConfig{}
	cfg.SetDefaults()
	r := &fakeRunner{}
	s := &fakeSnap{}
	boom := errors.New("boom")
	m := NewJobManager(cfg, r, fakeMonitor{err: boom}, s, nil)

	require.NoError(t, m.RunNow(context.Background(), "dispatch_cycle"))
	assert.Equal(t, 1, r.runs)
	require.NoError(t, m.RunNow(context.Background(), "snapshot"))
	assert.Equal(t, 1, s.saved)
	assert.ErrorIs(t, m.RunNow(context.Background(), "exception_monitor"), boom)
	assert.Error(t, m.RunNow(context.Background(), "missing"))
}

func TestStartStop(t *testing.T) {
	cfg := config.JobsConfig{CycleSchedule: "@every 1h", MonitorSchedule: config.Off, SnapshotSchedule: config.Off}
	m := NewJobManager(cfg, &fakeRunner{}, nil, nil, nil)
	require.NoError(t, m.StartAll())
	next, ok := m.Next("dispatch_cycle")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m.StopAll(ctx)
}

func TestStartAll_BadSpec(t *testing.T) {
	cfg := config.JobsConfig{CycleSchedule: "not a spec", MonitorSchedule: config.Off, SnapshotSchedule: config.Off}
	m := NewJobManager(cfg, &fakeRunner{}, nil, nil, nil)
	assert.Error(t, m.StartAll())
}
