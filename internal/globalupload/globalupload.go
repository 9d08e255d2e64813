// Package globalupload implements the global uploader (C6): the single
// process-wide worker that serializes all storage-tool copy/move transfers.
package globalupload

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/tnyholm/triplicate/internal/tooladapter"
)

// Action identifies a transfer direction understood by the storage tool.
type Action string

const (
	ActionCopy Action = "copy"
	ActionMove Action = "move"
)

// Item is a single transfer request from a folder uploader.
type Item struct {
	Paths   []string
	Action  Action
	SrcRoot string
	DstRoot string
}

// Queue is the bounded channel every folder uploader fans into (capacity
// 1000, spec.md §5). Only one worker ever drains it, serializing large-byte
// transfers process-wide (spec.md §4.8).
type Queue chan Item

// NewQueue constructs a Queue at the spec-mandated capacity.
func NewQueue() Queue {
	return make(Queue, 1000)
}

// Uploader is the single global worker.
type Uploader struct {
	runner *tooladapter.Runner
	logger *slog.Logger
	input  Queue
}

// New constructs the global Uploader.
func New(runner *tooladapter.Runner, input Queue, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}

	return &Uploader{runner: runner, logger: logger, input: input}
}

// Run drains the queue, invoking the storage tool for each item, until ctx
// is canceled.
func (u *Uploader) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-u.input:
			if !ok {
				return nil
			}

			if err := u.performTransfer(ctx, item); err != nil {
				u.logger.Error("globalupload: transfer failed", "action", item.Action, "error", err)
			}
		}
	}
}

// performTransfer deduplicates-and-writes the path list to a scratch file
// and invokes `storage-tool <copy|move> --files-from <scratch> <srcRoot>
// <dstRoot>` (spec.md §4.8).
func (u *Uploader) performTransfer(ctx context.Context, item Item) error {
	scratch, err := writeDedupedScratchFile(item.Paths)
	if err != nil {
		return fmt.Errorf("globalupload: writing scratch file: %w", err)
	}
	defer os.Remove(scratch)

	_, err = u.runner.Run(ctx, string(item.Action), []string{"--files-from", scratch, item.SrcRoot, item.DstRoot}, tooladapter.Options{Strict: true})
	if err != nil {
		return fmt.Errorf("globalupload: %s %s -> %s: %w", item.Action, item.SrcRoot, item.DstRoot, err)
	}

	u.logger.Info("globalupload: transfer complete", "action", item.Action, "paths", len(item.Paths))

	return nil
}

func writeDedupedScratchFile(paths []string) (string, error) {
	f, err := os.CreateTemp("", "triplicate-transfer-*.txt")
	if err != nil {
		return "", fmt.Errorf("globalupload: creating scratch file: %w", err)
	}
	defer f.Close()

	seen := make(map[string]bool, len(paths))

	for _, p := range paths {
		if seen[p] {
			continue
		}

		seen[p] = true

		if _, err := fmt.Fprintln(f, p); err != nil {
			return "", fmt.Errorf("globalupload: writing scratch file: %w", err)
		}
	}

	return f.Name(), nil
}
