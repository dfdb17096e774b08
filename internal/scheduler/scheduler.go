// Package scheduler runs named periodic tasks from the caller's loop. Each
// task keeps its own next-due time derived from a cron schedule and is
// re-armed from its completion time, so a slow task pushes back its own
// next run rather than piling up.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrDuplicateTask = errors.New("scheduler: task already registered")
	ErrInvalidSpec   = errors.New("scheduler: invalid schedule spec")
)

// Func is the body of a task. now is the time the pass started.
type Func func(ctx context.Context, now time.Time) error

// Status is a read-only view of one task.
type Status struct {
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Next     time.Time `json:"next"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int       `json:"runs"`
	Failures int       `json:"failures"`
}

type task struct {
	name     string
	spec     string
	schedule cron.Schedule
	fn       Func

	next     time.Time
	lastRun  time.Time
	lastErr  error
	runs     int
	failures int
}

// Observer is notified after every task run.
type Observer func(name string, elapsed time.Duration, err error)

// Scheduler holds the registered tasks in registration order.
type Scheduler struct {
	mu       sync.Mutex
	tasks    []*task
	clock    func() time.Time
	observer Observer
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithObserver registers a callback run after each task.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.observer = o }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{clock: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Parse accepts standard five-field cron specs and descriptors such as
// "@every 5m" or "@daily".
func Parse(spec string) (cron.Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSpec, spec, err)
	}
	return sched, nil
}

// Add registers a task. The first run is due immediately.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	sched, err := Parse(spec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
		}
	}
	s.tasks = append(s.tasks, &task{
		name:     name,
		spec:     spec,
		schedule: sched,
		fn:       fn,
		next:     s.clock(),
	})
	return nil
}

// RunDue runs, in registration order, every task whose next-due time is not
// after now. A failing task is logged and still re-armed. It returns the
// names of the tasks that ran.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []string {
	s.mu.Lock()
	var due []*task
	for _, t := range s.tasks {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	ran := make([]string, 0, len(due))
	for _, t := range due {
		if ctx.Err() != nil {
			break
		}
		start := s.clock()
		err := t.fn(ctx, now)
		done := s.clock()

		s.mu.Lock()
		t.lastRun = start
		t.lastErr = err
		t.runs++
		if err != nil {
			t.failures++
		}
		t.next = t.schedule.Next(done)
		next := t.next
		s.mu.Unlock()

		if err != nil {
			slog.Error("scheduled task failed", "task", t.name, "error", err, "next", next)
		} else {
			slog.Debug("scheduled task completed", "task", t.name, "elapsed", done.Sub(start), "next", next)
		}
		if s.observer != nil {
			s.observer(t.name, done.Sub(start), err)
		}
		ran = append(ran, t.name)
	}
	return ran
}

// NextDue returns the earliest next-due time across tasks, or the zero time
// when none are registered.
func (s *Scheduler) NextDue() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	var next time.Time
	for _, t := range s.tasks {
		if next.IsZero() || t.next.Before(next) {
			next = t.next
		}
	}
	return next
}

// Statuses reports every task in registration order.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := Status{
			Name:     t.name,
			Spec:     t.spec,
			Next:     t.next,
			LastRun:  t.lastRun,
			Runs:     t.runs,
			Failures: t.failures,
		}
		if t.lastErr != nil {
			st.LastErr = t.lastErr.Error()
		}
		out = append(out, st)
	}
	return out
}
