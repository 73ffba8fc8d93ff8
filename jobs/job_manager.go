package jobs

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kilianp07/fleetdispatch/config"
	"github.com/kilianp07/fleetdispatch/core/dispatch"
	"github.com/kilianp07/fleetdispatch/core/logger"
)

// CycleRunner runs one dispatch cycle.
type CycleRunner interface {
	RunCycle(ctx context.Context) (dispatch.CycleResult, error)
}

// Monitor runs the periodic exception sweep, route checks and analysis.
type Monitor interface {
	Monitor(ctx context.Context) error
}

// Snapshotter persists the whole store snapshot.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context) error
}

// Job is one scheduled function.
type Job struct {
	Name     string
	Schedule string
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// JobManager coordinates all scheduled jobs of the service.
type JobManager struct {
	cron *cron.Cron
	log  logger.Logger
	jobs []Job
	ids  map[string]cron.EntryID
}

var specParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewJobManager builds the cycle, monitor and snapshot jobs. A job whose
// schedule is config.Off, or whose dependency is nil, is not scheduled.
func NewJobManager(cfg config.JobsConfig, runner CycleRunner, mon Monitor, snap Snapshotter, log logger.Logger) *JobManager {
	if log == nil {
		log = logger.NopLogger{}
	}
	cl := cronLogger{log: log}
	m := &JobManager{
		cron: cron.New(
			cron.WithParser(specParser),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log: log,
		ids: map[string]cron.EntryID{},
	}
	if runner != nil {
		m.add(Job{Name: "dispatch_cycle", Schedule: cfg.CycleSchedule, Run: func(ctx context.Context) error {
			res, err := runner.RunCycle(ctx)
			if err != nil {
				return err
			}
			if !res.Completed() {
				log.Warnf("scheduled cycle %s ended with %s after %d steps", res.RunID, res.Outcome, res.Steps)
			}
			return nil
		}})
	}
	if mon != nil {
		m.add(Job{Name: "exception_monitor", Schedule: cfg.MonitorSchedule, Run: mon.Monitor})
	}
	if snap != nil {
		m.add(Job{Name: "snapshot", Schedule: cfg.SnapshotSchedule, Run: snap.SaveSnapshot})
	}
	return m
}

func (m *JobManager) add(j Job) {
	if j.Schedule == "" || j.Schedule == config.Off {
		m.log.Infof("job %s disabled", j.Name)
		return
	}
	if j.Timeout == 0 {
		j.Timeout = time.Minute
	}
	m.jobs = append(m.jobs, j)
}

// Jobs returns the scheduled jobs sorted by name.
func (m *JobManager) Jobs() []Job {
	out := append([]Job(nil), m.jobs...)
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunNow executes the named job synchronously.
func (m *JobManager) RunNow(ctx context.Context, name string) error {
	for _, j := range m.jobs {
		if j.Name == name {
			return m.exec(ctx, j)
		}
	}
	return fmt.Errorf("unknown job %q", name)
}

func (m *JobManager) exec(ctx context.Context, j Job) error {
	ctx, cancel := context.WithTimeout(ctx, j.Timeout)
	defer cancel()
	start := time.Now()
	if err := j.Run(ctx); err != nil {
		m.log.Errorf("job %s failed: %v", j.Name, err)
		return err
	}
	m.log.Debugw("job finished", map[string]any{"job": j.Name, "duration_ms": time.Since(start).Milliseconds()})
	return nil
}

// StartAll schedules every job and starts the scheduler.
func (m *JobManager) StartAll() error {
	for _, j := range m.jobs {
		j := j
		id, err := m.cron.AddFunc(j.Schedule, func() { _ = m.exec(context.Background(), j) })
		if err != nil {
			for _, added := range m.ids {
				m.cron.Remove(added)
			}
			m.ids = map[string]cron.EntryID{}
			return fmt.Errorf("failed to schedule job %s: %w", j.Name, err)
		}
		m.ids[j.Name] = id
	}
	m.cron.Start()
	m.log.Infof("%d scheduled jobs started", len(m.ids))
	return nil
}

// StopAll stops the scheduler and waits for running jobs up to ctx.
func (m *JobManager) StopAll(ctx context.Context) {
	done := m.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		m.log.Warnf("jobs still running at shutdown")
	}
	m.log.Infof("scheduled jobs stopped")
}

// Next returns the next activation of the named job, once started.
func (m *JobManager) Next(name string) (time.Time, bool) {
	id, ok := m.ids[name]
	if !ok {
		return time.Time{}, false
	}
	return m.cron.Entry(id).Next, true
}

// cronLogger adapts logger.Logger to cron.Logger.
type cronLogger struct{ log logger.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.log.Debugw("cron: "+msg, fields(kv))
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	f := fields(kv)
	f["error"] = err.Error()
	c.log.Errorf("cron: %s %v", msg, f)
}

func fields(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return out
}
