// Package uploadsync implements the upload syncer (C4): one worker per
// folder that translates change-listener batches into upload/delete
// actions against the FileIndex and the folder uploader's queue.
package uploadsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/tnyholm/triplicate/internal/folderupload"
	"github.com/tnyholm/triplicate/internal/ignorelist"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/listener"
	"github.com/tnyholm/triplicate/internal/syncdaemon"
)

// Syncer is one folder's upload-syncer worker.
type Syncer struct {
	folderID  string
	localRoot string
	store     *index.Store
	ignores   *ignorelist.List
	defaultHash string
	logger    *slog.Logger

	input  listener.Queue
	output folderupload.Queue
}

// New constructs a Syncer subscribed to input and emitting onto output.
func New(folderID, localRoot string, store *index.Store, ignores *ignorelist.List, defaultHash string, input listener.Queue, output folderupload.Queue, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Syncer{
		folderID:    folderID,
		localRoot:   localRoot,
		store:       store,
		ignores:     ignores,
		defaultHash: defaultHash,
		logger:      logger,
		input:       input,
		output:      output,
	}
}

// Run drains batches from the input queue until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch, ok := <-s.input:
			if !ok {
				return nil
			}

			if err := s.processBatch(ctx, batch); err != nil {
				s.logger.Error("uploadsync: processing batch failed", "error", err)
			}
		}
	}
}

func (s *Syncer) processBatch(ctx context.Context, events []syncdaemon.Event) error {
	relevant := listener.DecodeFilteredEvents(events, s.folderID)
	if len(relevant) == 0 {
		return nil
	}

	copyPaths := map[string]bool{}
	deleteFiles := map[string]bool{}
	deleteFolders := map[string]bool{}
	localDeleteFiles := map[string]bool{}
	localDeleteFolders := map[string]bool{}

	for _, e := range relevant {
		local := e.Type == listener.TypeLocalChangeDetected

		switch {
		case e.Action == "deleted" && (e.Kind == "dir" || e.Kind == "directory"):
			deleteFolders[e.Path] = true

			if local {
				localDeleteFolders[e.Path] = true
			}
		case e.Action == "deleted":
			deleteFiles[e.Path] = true

			if local {
				localDeleteFiles[e.Path] = true
			}
		case e.Action == "modified":
			copyPaths[e.Path] = true
		}
	}

	if err := s.filterCloudOnlyCompletions(ctx, copyPaths); err != nil {
		return err
	}

	if len(copyPaths) > 0 {
		if err := s.upsertCopyPaths(ctx, copyPaths); err != nil {
			return err
		}
	}

	cleared, err := s.clearDeletedPaths(ctx, deleteFiles, deleteFolders)
	if err != nil {
		return err
	}

	// Only local deletes are added to the ignore list: a remotely-deleted
	// path must stay eligible for sync_from_cloud to re-download it if it
	// reappears upstream (spec.md §4.5 point 2).
	localDeleted := filterLocalOrigin(cleared, localDeleteFiles, localDeleteFolders)

	if len(localDeleted) > 0 && s.ignores != nil {
		if err := s.ignores.ExtendIgnores(ctx, localDeleted); err != nil {
			s.logger.Warn("uploadsync: failed to extend ignore list", "error", err)
		}
	}

	s.emit(ctx, folderupload.KindCopy, keys(copyPaths))
	s.emit(ctx, folderupload.KindDeleteFiles, keys(deleteFiles))
	s.emit(ctx, folderupload.KindDeleteFolders, keys(deleteFolders))

	return nil
}

// filterCloudOnlyCompletions removes from copyPaths any path whose index row
// has an upload time but no local bytes (a cloud-only download completing
// locally): its
// details are refreshed from disk instead of being uploaded again (spec.md
// §4.5 point 1).
func (s *Syncer) filterCloudOnlyCompletions(ctx context.Context, copyPaths map[string]bool) error {
	for p := range copyPaths {
		entry, ok, err := s.store.Get(ctx, p)
		if err != nil {
			return fmt.Errorf("uploadsync: looking up %q: %w", p, err)
		}

		if !ok || entry.HasBytes() || !entry.HasUploadedTime() {
			continue
		}

		refreshed, refreshErr := s.refreshFromDisk(p)
		if refreshErr != nil {
			s.logger.Warn("uploadsync: failed to refresh cloud-only completion", "path", p, "error", refreshErr)

			continue
		}

		if err := s.store.Upsert(ctx, []index.Entry{refreshed}); err != nil {
			return fmt.Errorf("uploadsync: upserting refreshed completion %q: %w", p, err)
		}

		delete(copyPaths, p)
	}

	return nil
}

func (s *Syncer) upsertCopyPaths(ctx context.Context, copyPaths map[string]bool) error {
	var rows []index.Entry

	for p := range copyPaths {
		e, err := s.refreshFromDisk(p)
		if err != nil {
			s.logger.Warn("uploadsync: failed to stat path for copy", "path", p, "error", err)

			continue
		}

		rows = append(rows, e)
	}

	if len(rows) == 0 {
		return nil
	}

	return s.store.Upsert(ctx, rows)
}

func (s *Syncer) refreshFromDisk(relPath string) (index.Entry, error) {
	full := filepath.Join(s.localRoot, relPath)

	info, err := os.Stat(full)
	if err != nil {
		return index.Entry{}, err
	}

	return index.Entry{Path: relPath, ModTime: info.ModTime(), Size: info.Size(), Hash: s.defaultHash}, nil
}

// clearDeletedPaths clears bytes on exact matches (files) and on descendants
// of deleted folders, excluding cloudOnly rows, and returns the set of
// non-cloudOnly paths that were actually cleared (spec.md §4.5 point 2).
func (s *Syncer) clearDeletedPaths(ctx context.Context, deleteFiles, deleteFolders map[string]bool) ([]string, error) {
	var cleared []string

	if len(deleteFiles) > 0 {
		nonCloudOnly, err := s.filterCloudOnly(ctx, keys(deleteFiles))
		if err != nil {
			return nil, err
		}

		if len(nonCloudOnly) > 0 {
			if err := s.store.ClearBytes(ctx, nonCloudOnly); err != nil {
				return nil, fmt.Errorf("uploadsync: clearing bytes for deleted files: %w", err)
			}

			cleared = append(cleared, nonCloudOnly...)
		}
	}

	for folder := range deleteFolders {
		descendants, err := s.descendantsOf(ctx, folder)
		if err != nil {
			return nil, err
		}

		nonCloudOnly, err := s.filterCloudOnly(ctx, descendants)
		if err != nil {
			return nil, err
		}

		if len(nonCloudOnly) > 0 {
			if err := s.store.ClearBytes(ctx, nonCloudOnly); err != nil {
				return nil, fmt.Errorf("uploadsync: clearing bytes under %q: %w", folder, err)
			}

			cleared = append(cleared, nonCloudOnly...)
		}
	}

	return cleared, nil
}

func (s *Syncer) descendantsOf(ctx context.Context, folder string) ([]string, error) {
	all, err := s.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("uploadsync: listing entries: %w", err)
	}

	var out []string

	for _, e := range all {
		if e.Path == folder || strings.HasPrefix(e.Path, folder+"/") {
			out = append(out, e.Path)
		}
	}

	return out, nil
}

func (s *Syncer) filterCloudOnly(ctx context.Context, paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))

	for _, p := range paths {
		entry, ok, err := s.store.Get(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("uploadsync: looking up %q: %w", p, err)
		}

		if ok && entry.CloudOnly {
			continue
		}

		out = append(out, p)
	}

	return out, nil
}

func (s *Syncer) emit(ctx context.Context, kind folderupload.Kind, paths []string) {
	if len(paths) == 0 {
		return
	}

	select {
	case s.output <- folderupload.Action{Kind: kind, Paths: paths}:
	case <-ctx.Done():
	}
}

// filterLocalOrigin narrows cleared (every path actually cleared by
// clearDeletedPaths) down to the ones whose deletion was observed as a
// LocalChangeDetected event, directly or as a descendant of a
// locally-deleted folder.
func filterLocalOrigin(cleared []string, localFiles, localFolders map[string]bool) []string {
	if len(localFolders) == 0 {
		out := make([]string, 0, len(cleared))

		for _, p := range cleared {
			if localFiles[p] {
				out = append(out, p)
			}
		}

		return out
	}

	out := make([]string, 0, len(cleared))

	for _, p := range cleared {
		if localFiles[p] {
			out = append(out, p)

			continue
		}

		for folder := range localFolders {
			if p == folder || strings.HasPrefix(p, folder+"/") {
				out = append(out, p)

				break
			}
		}
	}

	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))

	for k := range set {
		out = append(out, k)
	}

	return out
}
