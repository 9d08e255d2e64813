// Package ignorelist manages a folder's sync-daemon ignore list: a
// read-modify-write-with-retry wrapper around the db/ignores API (spec.md
// §4.11), grounded on the retry wrapper already present in
// internal/graph/client.go.
package ignorelist

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/tnyholm/triplicate/internal/syncdaemon"
)

// List is a thin, cached view over one folder's ignore patterns; Patterns
// returns the last-fetched snapshot and modifyIgnores keeps it current.
type List struct {
	client     *syncdaemon.Client
	folder     string
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger

	cached []string
}

// New constructs a List for one folder.
func New(client *syncdaemon.Client, folder string, retryCount int, retryDelay time.Duration, logger *slog.Logger) *List {
	if logger == nil {
		logger = slog.Default()
	}

	return &List{client: client, folder: folder, retryCount: retryCount, retryDelay: retryDelay, logger: logger}
}

// Patterns returns the last-fetched ignore list snapshot (empty until
// Refresh or a modify call has populated it).
func (l *List) Patterns() []string {
	return l.cached
}

// Refresh fetches the current list and updates the cached snapshot.
func (l *List) Refresh(ctx context.Context) error {
	current, err := l.getIgnores(ctx)
	if err != nil {
		return err
	}

	l.cached = current

	return nil
}

// getIgnores GETs the current list, retrying up to retryCount times with
// retryDelay if the response lacks an `ignore` key (spec.md §4.11 point 1).
func (l *List) getIgnores(ctx context.Context) ([]string, error) {
	var last error

	for attempt := 0; attempt <= l.retryCount; attempt++ {
		ig, err := l.client.DBIgnoresGet(ctx, l.folder)
		if err == nil && ig.Ignore != nil {
			return ig.Ignore, nil
		}

		if err != nil {
			last = err
		} else {
			last = fmt.Errorf("ignorelist: db/ignores response missing ignore key")
		}

		if attempt < l.retryCount {
			if err := sleepOrCancel(ctx, l.retryDelay); err != nil {
				return nil, err
			}
		}
	}

	return nil, fmt.Errorf("ignorelist: getIgnores exhausted retries: %w", last)
}

func (l *List) setIgnores(ctx context.Context, patterns []string) error {
	var last error

	for attempt := 0; attempt <= l.retryCount; attempt++ {
		ig, err := l.client.DBIgnoresSet(ctx, l.folder, patterns)
		if err == nil && sameSet(ig.Ignore, patterns) {
			return nil
		}

		if err != nil {
			last = err
		} else {
			last = fmt.Errorf("ignorelist: db/ignores POST did not echo the requested set")
		}

		if attempt < l.retryCount {
			if err := sleepOrCancel(ctx, l.retryDelay); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("ignorelist: setIgnores exhausted retries: %w", last)
}

// modifyIgnores applies transform to the current list and writes the result
// back, per spec.md §4.11.
func (l *List) modifyIgnores(ctx context.Context, transform func([]string) []string) error {
	current, err := l.getIgnores(ctx)
	if err != nil {
		return err
	}

	next := transform(current)

	if err := l.setIgnores(ctx, next); err != nil {
		return err
	}

	l.cached = next

	return nil
}

// ExtendIgnores normalizes each path to a leading slash and unions it into
// the ignore list.
func (l *List) ExtendIgnores(ctx context.Context, paths []string) error {
	return l.modifyIgnores(ctx, func(current []string) []string {
		set := toSet(current)

		for _, p := range paths {
			set[normalize(p)] = true
		}

		return fromSet(set)
	})
}

// DiscardIgnores removes paths from the ignore list (set-difference).
func (l *List) DiscardIgnores(ctx context.Context, paths []string) error {
	return l.modifyIgnores(ctx, func(current []string) []string {
		discard := toSet(paths)
		kept := make([]string, 0, len(current))

		for _, p := range current {
			if !discard[normalize(p)] {
				kept = append(kept, p)
			}
		}

		return kept
	})
}

// RemoveParentsFromIgnores keeps only paths with no strict-prefix successor
// in the list (after sorting), per spec.md §4.11's third public helper.
func (l *List) RemoveParentsFromIgnores(ctx context.Context) error {
	return l.modifyIgnores(ctx, removeParents)
}

func removeParents(current []string) []string {
	sorted := slices.Clone(current)
	sort.Strings(sorted)

	kept := make([]string, 0, len(sorted))

	for i, p := range sorted {
		hasChild := i+1 < len(sorted) && strings.HasPrefix(sorted[i+1], p+"/")
		if !hasChild {
			kept = append(kept, p)
		}
	}

	return kept
}

func normalize(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}

	return "/" + p
}

func toSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))

	for _, p := range paths {
		set[normalize(p)] = true
	}

	return set
}

func fromSet(set map[string]bool) []string {
	out := make([]string, 0, len(set))

	for p := range set {
		out = append(out, p)
	}

	sort.Strings(out)

	return out
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	sa, sb := toSet(a), toSet(b)
	if len(sa) != len(sb) {
		return false
	}

	for p := range sa {
		if !sb[p] {
			return false
		}
	}

	return true
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
