// Package listener implements the change listener (C3): a single
// long-running worker that long-polls the sync daemon's event stream and
// fans batches out to per-folder subscriber queues.
package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tnyholm/triplicate/internal/syncdaemon"
)

// recognized event types (spec.md §4.3). Any other Type is passed through
// unchanged; downstream consumers decide what to do with it.
const (
	TypeLocalChangeDetected  = "LocalChangeDetected"
	TypeRemoteChangeDetected = "RemoteChangeDetected"
)

const startupProbeTimeout = 5 * time.Second
const longPollTimeoutSeconds = 3600

// Queue is the bounded, single-producer-single-consumer sink a folder's
// upload syncer (C4) subscribes with. Capacity 1000 per spec.md §5; a full
// queue blocks the listener, which is acceptable backpressure since the sync
// daemon redelivers on the next long-poll.
type Queue chan []syncdaemon.Event

// NewQueue constructs a queue at the spec-mandated capacity.
func NewQueue() Queue {
	return make(Queue, 1000)
}

// Listener owns the lastEvent cursor and fans batches out to every
// registered downstream queue.
type Listener struct {
	client        *syncdaemon.Client
	logger        *slog.Logger
	cursorPath    string
	subscribers   []Queue
	lastEvent     int64
}

// New constructs a Listener. Register downstream queues with Subscribe
// before calling Run.
func New(client *syncdaemon.Client, cursorPath string, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}

	return &Listener{client: client, logger: logger, cursorPath: cursorPath}
}

// Subscribe registers a downstream queue to receive every future batch.
func (l *Listener) Subscribe(q Queue) {
	l.subscribers = append(l.subscribers, q)
}

// Run loads the persisted cursor (resetting it if the daemon's counter
// appears to have reset) then loops long-polling events/disk until ctx is
// canceled.
func (l *Listener) Run(ctx context.Context) error {
	l.lastEvent = l.loadCursor(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		events, err := l.client.EventsDisk(ctx, l.lastEvent, longPollTimeoutSeconds)
		if err != nil {
			return fmt.Errorf("listener: events/disk poll: %w", err)
		}

		if len(events) == 0 {
			continue
		}

		l.lastEvent = events[len(events)-1].ID
		if err := l.persistCursor(l.lastEvent); err != nil {
			l.logger.Warn("listener: failed to persist cursor", "error", err)
		}

		l.broadcast(ctx, events)
	}
}

// broadcast hands the entire batch to every registered downstream queue,
// blocking (backpressure) if a queue is full.
func (l *Listener) broadcast(ctx context.Context, events []syncdaemon.Event) {
	for _, q := range l.subscribers {
		select {
		case q <- events:
		case <-ctx.Done():
			return
		}
	}
}

// loadCursor reads the persisted lastEvent; if re-fetching event
// lastEvent-1 doesn't succeed within a short timeout, the daemon's counter
// is assumed to have reset and the cursor resets to 0 (spec.md §4.3).
func (l *Listener) loadCursor(ctx context.Context) int64 {
	raw, err := os.ReadFile(l.cursorPath)
	if err != nil {
		return 0
	}

	cursor, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil || cursor <= 0 {
		return 0
	}

	probeCtx, cancel := context.WithTimeout(ctx, startupProbeTimeout)
	defer cancel()

	if _, err := l.client.EventsDisk(probeCtx, cursor-1, 0); err != nil {
		l.logger.Warn("listener: startup probe failed, resetting cursor", "error", err, "cursor", cursor)

		return 0
	}

	return cursor
}

func (l *Listener) persistCursor(cursor int64) error {
	return os.WriteFile(l.cursorPath, []byte(strconv.FormatInt(cursor, 10)), 0o644)
}

// DecodeFilteredEvents narrows a raw batch to LocalChangeDetected/
// RemoteChangeDetected events for the given folder, matching §4.5's
// per-folder subscriber filtering.
func DecodeFilteredEvents(events []syncdaemon.Event, folderID string) []syncdaemon.Event {
	out := make([]syncdaemon.Event, 0, len(events))

	for _, e := range events {
		if e.Folder != folderID {
			continue
		}

		if e.Type != TypeLocalChangeDetected && e.Type != TypeRemoteChangeDetected {
			continue
		}

		out = append(out, e)
	}

	return out
}

// MarshalForLog renders an event batch compactly for structured log fields.
func MarshalForLog(events []syncdaemon.Event) string {
	raw, err := json.Marshal(events)
	if err != nil {
		return fmt.Sprintf("<%d events>", len(events))
	}

	return string(raw)
}
