// Package folderupload implements the folder uploader (C5): a per-folder
// worker that coalesces consecutive same-action batches before forwarding
// them to the global uploader, and performs delete actions locally against
// the storage tool.
package folderupload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tnyholm/triplicate/internal/globalupload"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/tooladapter"
)

// Kind identifies the action carried by a single message (spec.md §4.6).
type Kind string

const (
	KindCopy          Kind = "copy"
	KindMove          Kind = "move"
	KindDeleteFiles   Kind = "delete_files"
	KindDeleteFolders Kind = "delete_folders"
)

func (k Kind) coalescable() bool {
	return k == KindCopy || k == KindMove
}

// Action is a single message from the upload syncer or the reconciler.
type Action struct {
	Kind  Kind
	Paths []string
}

// Queue is the bounded channel feeding a folder uploader (capacity 1000,
// spec.md §5).
type Queue chan Action

// NewQueue constructs a Queue at the spec-mandated capacity.
func NewQueue() Queue {
	return make(Queue, 1000)
}

// coalesceWindow is the 10-second wait used to merge same-action batches
// (spec.md §4.6, glossary "Coalescing window").
const coalesceWindow = 10 * time.Second

// Uploader is one folder's uploader worker.
type Uploader struct {
	folderID   string
	localRoot  string
	remoteRoot string
	store      *index.Store
	runner     *tooladapter.Runner
	logger     *slog.Logger

	input  Queue
	output globalupload.Queue
}

// New constructs an Uploader subscribed to input and forwarding onto the
// shared global uploader queue.
func New(folderID, localRoot, remoteRoot string, store *index.Store, runner *tooladapter.Runner, input Queue, output globalupload.Queue, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{
		folderID:   folderID,
		localRoot:  localRoot,
		remoteRoot: remoteRoot,
		store:      store,
		runner:     runner,
		input:      input,
		output:     output,
		logger:     logger,
	}
}

// Run drives the Idle/Collecting coalescing state machine until ctx is
// canceled (spec.md §4.6).
func (u *Uploader) Run(ctx context.Context) error {
	var collecting *Action

	for {
		var timeout <-chan time.Time

		timer := time.NewTimer(coalesceWindow)
		if collecting == nil {
			timer.Stop()
		} else {
			timeout = timer.C
		}

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()

		case a, ok := <-u.input:
			timer.Stop()

			if !ok {
				if collecting != nil {
					u.performAction(ctx, *collecting)
				}

				return nil
			}

			collecting = u.handleMessage(ctx, collecting, a)

		case <-timeout:
			if collecting != nil {
				u.performAction(ctx, *collecting)
				collecting = nil
			}
		}
	}
}

// handleMessage applies one incoming message to the current Collecting
// state, returning the new state (nil means back to Idle, having already
// flushed).
func (u *Uploader) handleMessage(ctx context.Context, collecting *Action, next Action) *Action {
	if collecting == nil {
		if next.Kind.coalescable() {
			a := next

			return &a
		}

		u.performAction(ctx, next)

		return nil
	}

	if next.Kind == collecting.Kind && collecting.Kind.coalescable() {
		collecting.Paths = append(collecting.Paths, next.Paths...)

		return collecting
	}

	u.performAction(ctx, *collecting)

	if next.Kind.coalescable() {
		a := next

		return &a
	}

	u.performAction(ctx, next)

	return nil
}

func (u *Uploader) performAction(ctx context.Context, a Action) {
	switch a.Kind {
	case KindCopy, KindMove:
		u.performUpload(ctx, a)
	case KindDeleteFiles:
		u.performDeleteFiles(ctx, a.Paths)
	case KindDeleteFolders:
		u.performDeleteFolders(ctx, a.Paths)
	}
}

// uploadable excludes archive-sidecar paths (spec.md §4.6).
func uploadable(p string) bool {
	return !strings.Contains(p, "_files/") && !strings.HasSuffix(p, "_files")
}

func (u *Uploader) performUpload(ctx context.Context, a Action) {
	filtered := make([]string, 0, len(a.Paths))

	for _, p := range a.Paths {
		if uploadable(p) {
			filtered = append(filtered, p)
		}
	}

	if len(filtered) == 0 {
		return
	}

	select {
	case u.output <- globalupload.Item{Paths: filtered, Action: globalupload.Action(a.Kind), SrcRoot: u.localRoot, DstRoot: u.remoteRoot}:
	case <-ctx.Done():
		return
	}

	var rows []index.Entry

	for _, p := range filtered {
		entry, ok, err := u.store.Get(ctx, p)
		if err != nil || !ok {
			continue
		}

		entry.UploadedTime = entry.ModTime
		rows = append(rows, entry)
	}

	if len(rows) > 0 {
		if err := u.store.Upsert(ctx, rows); err != nil {
			u.logger.Error("folderupload: failed to stamp uploadedTime", "error", err)
		}
	}
}

func (u *Uploader) performDeleteFiles(ctx context.Context, paths []string) {
	scratch, err := writeScratchFile(paths)
	if err != nil {
		u.logger.Error("folderupload: failed to write scratch file", "error", err)

		return
	}
	defer os.Remove(scratch)

	_, err = u.runner.Run(ctx, "delete", []string{u.remoteRoot, "--files-from", scratch}, tooladapter.Options{Strict: true})
	if err != nil {
		u.logger.Error("folderupload: delete_files failed, leaving index rows intact", "paths", paths, "error", err)
	}
}

func (u *Uploader) performDeleteFolders(ctx context.Context, prefixes []string) {
	for _, p := range prefixes {
		hasCloudOnly, err := u.anyCloudOnlyUnder(ctx, p)
		if err != nil {
			u.logger.Error("folderupload: checking cloudOnly rows under prefix failed", "prefix", p, "error", err)

			continue
		}

		if hasCloudOnly {
			u.logger.Warn("folderupload: skipping purge, cloud-only rows present under prefix", "prefix", p)

			continue
		}

		remote := filepath.Join(u.remoteRoot, p)

		if _, err := u.runner.Run(ctx, "purge", []string{remote}, tooladapter.Options{Strict: true}); err != nil {
			u.logger.Error("folderupload: purge failed", "prefix", p, "error", err)
		}
	}
}

func (u *Uploader) anyCloudOnlyUnder(ctx context.Context, prefix string) (bool, error) {
	all, err := u.store.GetAll(ctx)
	if err != nil {
		return false, fmt.Errorf("folderupload: listing entries: %w", err)
	}

	for _, e := range all {
		if !e.CloudOnly {
			continue
		}

		if e.Path == prefix || strings.HasPrefix(e.Path, prefix+"/") {
			return true, nil
		}
	}

	return false, nil
}

func writeScratchFile(paths []string) (string, error) {
	f, err := os.CreateTemp("", "triplicate-delete-*.txt")
	if err != nil {
		return "", fmt.Errorf("folderupload: creating scratch file: %w", err)
	}
	defer f.Close()

	for _, p := range paths {
		if _, err := fmt.Fprintln(f, p); err != nil {
			return "", fmt.Errorf("folderupload: writing scratch file: %w", err)
		}
	}

	return f.Name(), nil
}
