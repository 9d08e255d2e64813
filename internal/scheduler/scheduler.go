// Package scheduler implements the timed-task scheduler (C10): a static
// list of TimedTasks fired at computed instants with maxDelay and retry
// semantics (spec.md §4.13). No third-party cron library in the example
// pack provides this exact semantics (time-field matching, on-time
// windows, retryTime, skipIfRunning, forAllFolders, capped nextTime
// rollforward), so it is implemented directly on time.Timer/time.Time.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Period is the unit nextTime advances by when the current candidate is
// already in the past (spec.md §4.13's `timeDiff`).
type Period int

const (
	Daily Period = iota
	Monthly
)

// maxRollforward bounds how many times getNextScheduled advances a
// candidate before giving up (spec.md §4.13: "advance by timeDiff at most
// 10 times").
const maxRollforward = 10

// TimedTask is one entry in the scheduler's static task table.
type TimedTask struct {
	Name   string
	Period Period

	// Day is the day-of-month a Monthly task fires on; ignored for Daily.
	Day                     int
	Hour, Minute, Second    int

	MaxDelay      time.Duration
	RetryTime     time.Duration
	MaxRetryCount int
	SkipIfRunning bool
	ForAllFolders bool

	// Run is the task's callable. folderID is "" unless ForAllFolders.
	Run func(ctx context.Context, folderID string) error
}

// taskState is the scheduler's mutable per-task bookkeeping, protected by
// its own mutex since the background task goroutine and the Run loop both
// touch it.
type taskState struct {
	mu sync.Mutex

	task       TimedTask
	nextTime   time.Time
	retryCount int
	enabled    bool
	running    bool
}

// Scheduler fires TimedTasks against a fixed folder list.
type Scheduler struct {
	folders []string
	logger  *slog.Logger

	states []*taskState
}

// New constructs a Scheduler for the given static task table and folder
// list (used to expand ForAllFolders tasks).
func New(tasks []TimedTask, folders []string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Scheduler{folders: folders, logger: logger}

	now := time.Now()

	for _, t := range tasks {
		st := &taskState{task: t, enabled: true}

		next, ok := getNextScheduled(now, t)
		if !ok {
			logger.Warn("scheduler: task cannot reach a scheduled instant, disabling", "task", t.Name)

			st.enabled = false
		}

		st.nextTime = next
		s.states = append(s.states, st)
	}

	return s
}

// Run drives the scheduler loop until ctx is canceled (spec.md §4.13).
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		next := s.earliest()
		if next == nil {
			return nil
		}

		next.mu.Lock()
		wait := time.Until(next.nextTime)
		next.mu.Unlock()

		timer := time.NewTimer(wait)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
			s.fire(ctx, next)
		}
	}
}

// earliest returns the enabled task with the smallest nextTime, or nil if
// none are enabled.
func (s *Scheduler) earliest() *taskState {
	var best *taskState

	for _, st := range s.states {
		st.mu.Lock()
		enabled := st.enabled
		nt := st.nextTime
		st.mu.Unlock()

		if !enabled {
			continue
		}

		if best == nil {
			best = st

			continue
		}

		best.mu.Lock()
		bestNT := best.nextTime
		best.mu.Unlock()

		if nt.Before(bestNT) {
			best = st
		}
	}

	return best
}

// fire implements spec.md §4.13 steps 3–6 for one task instant.
func (s *Scheduler) fire(ctx context.Context, st *taskState) {
	st.mu.Lock()

	delay := time.Since(st.nextTime)

	if delay < 0 || delay >= st.task.MaxDelay {
		st.nextTime = st.nextTime.Add(st.task.RetryTime)
		st.retryCount++
		s.checkRetryBudgetLocked(st)
		st.mu.Unlock()

		return
	}

	if st.running {
		if st.task.SkipIfRunning {
			next, ok := getNextScheduled(time.Now(), st.task)
			st.nextTime = next
			st.retryCount = 0
			st.enabled = ok
		} else {
			st.nextTime = st.nextTime.Add(st.task.RetryTime)
			st.retryCount++
			s.checkRetryBudgetLocked(st)
		}

		st.mu.Unlock()

		return
	}

	st.running = true

	next, ok := getNextScheduled(time.Now(), st.task)
	st.nextTime = next
	st.enabled = ok

	st.mu.Unlock()

	go s.runAndRecord(ctx, st)
}

// runAndRecord spawns the task's callable(s), updating retryCount and
// enabled state based on the outcome (spec.md §4.13 step 5).
func (s *Scheduler) runAndRecord(ctx context.Context, st *taskState) {
	err := s.invoke(ctx, st.task)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.running = false

	if err != nil {
		s.logger.Error("scheduler: task failed", "task", st.task.Name, "error", err)

		st.retryCount++
		s.checkRetryBudgetLocked(st)
	} else {
		st.retryCount = 0
	}
}

// invoke runs task.Run once, or once per folder when ForAllFolders is set
// (spec.md §4.13 last paragraph).
func (s *Scheduler) invoke(ctx context.Context, task TimedTask) error {
	if !task.ForAllFolders {
		return task.Run(ctx, "")
	}

	var firstErr error

	for _, f := range s.folders {
		if err := task.Run(ctx, f); err != nil {
			s.logger.Error("scheduler: per-folder task failed", "task", task.Name, "folder", f, "error", err)

			if firstErr == nil {
				firstErr = fmt.Errorf("folder %q: %w", f, err)
			}
		}
	}

	return firstErr
}

// checkRetryBudgetLocked disables the task once retryCount exceeds
// MaxRetryCount (spec.md §4.13 step 5). Caller must hold st.mu.
func (s *Scheduler) checkRetryBudgetLocked(st *taskState) {
	if st.task.MaxRetryCount > 0 && st.retryCount > st.task.MaxRetryCount {
		s.logger.Error("scheduler: task exceeded retry budget, disabling", "task", st.task.Name, "retryCount", st.retryCount)

		st.enabled = false
	}
}

// getNextScheduled computes the next instant >= now whose time-of-day (and
// day-of-month, for Monthly tasks) match task's reference fields,
// advancing by one Period at a time, capped at maxRollforward attempts
// (spec.md §4.13).
func getNextScheduled(now time.Time, task TimedTask) (time.Time, bool) {
	candidate := referenceInstant(now, task)

	for i := 0; i < maxRollforward; i++ {
		if !candidate.Before(now) {
			return candidate, true
		}

		candidate = advance(candidate, task.Period)
	}

	return time.Time{}, false
}

func referenceInstant(now time.Time, task TimedTask) time.Time {
	if task.Period == Monthly {
		return time.Date(now.Year(), now.Month(), task.Day, task.Hour, task.Minute, task.Second, 0, now.Location())
	}

	return time.Date(now.Year(), now.Month(), now.Day(), task.Hour, task.Minute, task.Second, 0, now.Location())
}

func advance(t time.Time, p Period) time.Time {
	if p == Monthly {
		return t.AddDate(0, 1, 0)
	}

	return t.AddDate(0, 0, 1)
}
