// Package scheduler runs the periodic loops on cron schedules and tracks
// their liveness.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calwatch/internal/log"
)

// ErrUnknownTask is returned for task names that were never added.
var ErrUnknownTask = errors.New("unknown task")

// warnAfter is the number of consecutive failed runs that triggers a warning.
const warnAfter = 3

// Job is one run of a task. The context is canceled when the scheduler stops.
type Job func(ctx context.Context) error

// TaskStatus is the liveness view of one task.
type TaskStatus struct {
	Name              string    `json:"name"`
	Spec              string    `json:"spec"`
	Running           bool      `json:"running"`
	Runs              int       `json:"runs"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	LastRun           time.Time `json:"last_run,omitzero"`
	LastSuccess       time.Time `json:"last_success,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
	NextRun           time.Time `json:"next_run,omitzero"`
}

type task struct {
	status  TaskStatus
	entry   cron.EntryID
	wrapped cron.Job
}

// Scheduler wraps a cron runner. Each task never overlaps itself.
type Scheduler struct {
	cron   *cron.Cron
	logger cron.Logger
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*task
}

// New constructs a Scheduler evaluating specs in loc.
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(logger),
		),
		logger: logger,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// Add registers job under name with a standard cron spec (5 fields or a
// descriptor such as "@every 1m").
func (s *Scheduler) Add(name, spec string, job Job) error {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("task %s: invalid schedule %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("task %s already registered", name)
	}

	t := &task{status: TaskStatus{Name: name, Spec: spec}}
	t.wrapped = cron.NewChain(cron.Recover(s.logger), cron.SkipIfStillRunning(s.logger)).
		Then(cron.FuncJob(func() { s.run(name, job) }))
	t.entry = s.cron.Schedule(sched, t.wrapped)
	s.tasks[name] = t

	appLog.Info("task scheduled", "task", name, "spec", spec)
	return nil
}

// Start begins running tasks on their schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// RunNow runs a task immediately and waits for it. It is skipped if the
// task is already running.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	t.wrapped.Run()
	return nil
}

// Stop cancels running jobs' context and waits for them to return, or for
// ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		appLog.Info("scheduler stopped")
	case <-ctx.Done():
		appLog.Warn("scheduler stop timed out; jobs still running")
	}
}

func (s *Scheduler) run(name string, job Job) {
	start := s.now()
	s.update(name, func(st *TaskStatus) {
		st.Running = true
		st.LastRun = start
		st.Runs++
	})

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		s.finish(name, start, err)
	}()

	err = job(s.ctx)
}

func (s *Scheduler) finish(name string, start time.Time, err error) {
	var failures int
	s.update(name, func(st *TaskStatus) {
		st.Running = false
		if err != nil {
			st.ConsecutiveErrors++
			st.LastError = err.Error()
		} else {
			st.ConsecutiveErrors = 0
			st.LastError = ""
			st.LastSuccess = s.now()
		}
		failures = st.ConsecutiveErrors
	})

	took := s.now().Sub(start).String()
	switch {
	case err == nil:
		appLog.Debug("task finished", "task", name, "took", took)
	case failures >= warnAfter:
		appLog.Warn("task failing repeatedly", "task", name, "consecutive_errors", failures, "error", err.Error())
	default:
		appLog.Error("task failed", err, "task", name, "consecutive_errors", failures, "took", took)
	}
}

func (s *Scheduler) update(name string, fn func(*TaskStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[name]; ok {
		fn(&t.status)
	}
}

// Tasks returns the status of every task sorted by name.
func (s *Scheduler) Tasks() []TaskStatus {
	s.mu.Lock()
	out := make([]TaskStatus, 0, len(s.tasks))
	entries := make(map[string]cron.EntryID, len(s.tasks))
	for name, t := range s.tasks {
		out = append(out, t.status)
		entries[name] = t.entry
	}
	s.mu.Unlock()

	for i := range out {
		out[i].NextRun = s.cron.Entry(entries[out[i].Name]).Next
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger routes cron's own messages (skips, recovered panics) through
// the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
