package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thejerf/suture/v4"
)

// Service is anything the supervisor can add to its suture tree: workers
// (global uploader, per-folder syncers, change listener, scheduler) expose
// Run(ctx) error methods and are added through a small adapter that calls
// Run from Serve.
type Service interface {
	Serve(ctx context.Context) error
}

// Task is a named operation the control socket's `run` verb can trigger
// immediately, out of band from the scheduler's own timer (spec.md §6
// `run` targets). args carries whatever the grammar put after the task
// name — a folderId, an optional freeupBytes, or nothing at all.
type Task interface {
	RunNow(ctx context.Context, args []string) error
}

// FailureWindow ceilings failures per hour and per day across the whole
// supervision tree (spec.md §7 Fatal: "if the global ceiling is exceeded,
// the process exits").
type FailureWindow struct {
	mu sync.Mutex

	hourly, daily         []time.Time
	maxPerHour, maxPerDay int
}

// NewFailureWindow constructs a window; a zero bound disables that
// ceiling.
func NewFailureWindow(maxPerHour, maxPerDay int) *FailureWindow {
	return &FailureWindow{maxPerHour: maxPerHour, maxPerDay: maxPerDay}
}

// Record registers a failure at now and reports whether either ceiling is
// now exceeded.
func (f *FailureWindow) Record(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.hourly = prune(append(f.hourly, now), now.Add(-time.Hour))
	f.daily = prune(append(f.daily, now), now.Add(-24*time.Hour))

	if f.maxPerHour > 0 && len(f.hourly) > f.maxPerHour {
		return true
	}

	if f.maxPerDay > 0 && len(f.daily) > f.maxPerDay {
		return true
	}

	return false
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]

	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}

	return out
}

// failureTrackingService wraps a Service so that any non-cancellation
// error it returns counts against the supervisor's FailureWindow, in
// addition to suture's own per-service backoff.
type failureTrackingService struct {
	name     string
	inner    Service
	failures *FailureWindow
	onFatal  func()
	logger   *slog.Logger
}

func (s *failureTrackingService) Serve(ctx context.Context) error {
	err := s.inner.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("supervisor: worker failed", "worker", s.name, "error", err)

		if s.failures.Record(time.Now()) {
			s.onFatal()
		}
	}

	return err
}

type workerEntry struct {
	factory func() Service
	token   suture.ServiceToken
	active  bool
}

// Supervisor wraps a suture.Supervisor with a name-addressable worker and
// task registry so the control socket's start/stop/restart/run grammar
// has something concrete to operate on (spec.md §4.14, §6).
type Supervisor struct {
	super    *suture.Supervisor
	logger   *slog.Logger
	failures *FailureWindow

	fatal     chan struct{}
	fatalOnce sync.Once

	mu      sync.Mutex
	workers map[string]*workerEntry
	tasks   map[string]Task

	configFn  func() string
	foldersFn func() string
	rpcFn     func(keys []string) (map[string]string, error)
}

// New constructs a Supervisor. failuresPerHour/Day are the process-wide
// ceilings; zero disables the corresponding check.
func New(name string, failuresPerHour, failuresPerDay int, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		super:    suture.New(name, suture.Spec{}),
		logger:   logger,
		failures: NewFailureWindow(failuresPerHour, failuresPerDay),
		fatal:    make(chan struct{}),
		workers:  map[string]*workerEntry{},
		tasks:    map[string]Task{},
	}
}

// SetConfigFn/SetFoldersFn/SetRPCFn register the callables backing `get
// config`, `get folders`, and `get rclone_gui_config` respectively.
func (s *Supervisor) SetConfigFn(fn func() string)   { s.configFn = fn }
func (s *Supervisor) SetFoldersFn(fn func() string)  { s.foldersFn = fn }
func (s *Supervisor) SetRPCFn(fn func(keys []string) (map[string]string, error)) {
	s.rpcFn = fn
}

// AddWorker registers a named worker and starts it under supervision.
func (s *Supervisor) AddWorker(name string, factory func() Service) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &workerEntry{factory: factory}
	s.workers[name] = entry
	s.startLocked(name, entry)
}

func (s *Supervisor) startLocked(name string, entry *workerEntry) {
	wrapped := &failureTrackingService{
		name:     name,
		inner:    entry.factory(),
		failures: s.failures,
		logger:   s.logger,
		onFatal:  func() { s.fatalOnce.Do(func() { close(s.fatal) }) },
	}

	entry.token = s.super.Add(wrapped)
	entry.active = true
}

// AddTask registers a named one-off task for the control socket's `run`
// verb.
func (s *Supervisor) AddTask(name string, t Task) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[name] = t
}

// StartWorker (re)adds a stopped named worker.
func (s *Supervisor) StartWorker(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}

	if entry.active {
		return fmt.Errorf("worker %q is already running", name)
	}

	s.startLocked(name, entry)

	return nil
}

// StopWorker removes a named worker from the supervision tree.
func (s *Supervisor) StopWorker(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.workers[name]
	if !ok {
		return fmt.Errorf("unknown worker %q", name)
	}

	if !entry.active {
		return fmt.Errorf("worker %q is not running", name)
	}

	if err := s.super.Remove(entry.token); err != nil {
		return fmt.Errorf("stop worker %q: %w", name, err)
	}

	entry.active = false

	return nil
}

// RestartWorker stops then starts a named worker.
func (s *Supervisor) RestartWorker(name string) error {
	if err := s.StopWorker(name); err != nil {
		return err
	}

	return s.StartWorker(name)
}

// WorkerStatus reports whether a named worker is currently running.
func (s *Supervisor) WorkerStatus(name string) (running bool, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.workers[name]
	if !ok {
		return false, false
	}

	return entry.active, true
}

// RunTask invokes a named task immediately (spec.md §6 `run` verb).
func (s *Supervisor) RunTask(ctx context.Context, name string, args []string) error {
	s.mu.Lock()
	t, ok := s.tasks[name]
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown task %q", name)
	}

	return t.RunNow(ctx, args)
}

// Serve runs the supervision tree until ctx is canceled or the failure
// ceiling is exceeded, in which case it cancels the tree and returns an
// error (spec.md §7 Fatal).
func (s *Supervisor) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)

	go func() { done <- s.super.Serve(ctx) }()

	select {
	case err := <-done:
		return err
	case <-s.fatal:
		s.logger.Error("supervisor: failure ceiling exceeded, shutting down")
		cancel()
		<-done

		return errors.New("supervisor: failure ceiling exceeded")
	}
}
