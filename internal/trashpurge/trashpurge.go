// Package trashpurge implements the trash purger (C9): handleTrash, which
// asks the storage tool to delete anything in a folder's trash root older
// than its configured retention (spec.md §4.12).
package trashpurge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tnyholm/triplicate/internal/tooladapter"
)

// Purger invokes the storage tool's trash-aging delete for one folder.
type Purger struct {
	folderID          string
	trashRoot         string
	trashKeepDuration string // storage-tool duration syntax, e.g. "720h"

	runner *tooladapter.Runner
	logger *slog.Logger
}

// New constructs a Purger for one folder.
func New(folderID, trashRoot, trashKeepDuration string, runner *tooladapter.Runner, logger *slog.Logger) *Purger {
	if logger == nil {
		logger = slog.Default()
	}

	return &Purger{
		folderID:          folderID,
		trashRoot:         trashRoot,
		trashKeepDuration: trashKeepDuration,
		runner:            runner,
		logger:            logger,
	}
}

// HandleTrash invokes `storage-tool delete <trashRoot> --min-age
// <trashKeepDuration> --rmdirs`. Failures are logged and swallowed: the
// purge is non-fatal (spec.md §4.12).
func (p *Purger) HandleTrash(ctx context.Context) {
	_, err := p.runner.Run(ctx, "delete", []string{p.trashRoot, "--min-age", p.trashKeepDuration, "--rmdirs"}, tooladapter.Options{Strict: true})
	if err != nil {
		p.logger.Error("trashpurge: handleTrash failed", "folder", p.folderID, "error", fmt.Errorf("storage-tool delete: %w", err))
	}
}
