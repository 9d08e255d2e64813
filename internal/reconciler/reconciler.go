// Package reconciler implements the reconciler (C7): syncFromCloud, the
// three-way reconcile between the local tree, the FileIndex, and the
// remote tree reported by the storage tool (spec.md §4.9).
package reconciler

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tnyholm/triplicate/internal/config"
	"github.com/tnyholm/triplicate/internal/folderupload"
	"github.com/tnyholm/triplicate/internal/ignorelist"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/indexrefresh"
	"github.com/tnyholm/triplicate/internal/tooladapter"
)

// hashAlgo is the checkfile hash algorithm invoked against the storage
// tool, matching the one indexrefresh uses for local hashing.
const hashAlgo = "quickxor"

// Reconciler drives syncFromCloud for a single folder.
type Reconciler struct {
	folderID   string
	localRoot  string
	remoteRoot string

	store     *index.Store
	refresher *indexrefresh.Refresher
	runner    *tooladapter.Runner
	ignores   *ignorelist.List

	output folderupload.Queue
	rules  []compiledRule

	logger *slog.Logger
}

// New constructs a Reconciler for one folder.
func New(folderID, localRoot, remoteRoot string, store *index.Store, refresher *indexrefresh.Refresher, runner *tooladapter.Runner, ignores *ignorelist.List, output folderupload.Queue, rules []config.CloudOnlyRule, logger *slog.Logger) (*Reconciler, error) {
	if logger == nil {
		logger = slog.Default()
	}

	compiled, err := compileRules(rules)
	if err != nil {
		return nil, fmt.Errorf("reconciler: compiling cloud-only rules: %w", err)
	}

	return &Reconciler{
		folderID:   folderID,
		localRoot:  localRoot,
		remoteRoot: remoteRoot,
		store:      store,
		refresher:  refresher,
		runner:     runner,
		ignores:    ignores,
		output:     output,
		rules:      compiled,
		logger:     logger,
	}, nil
}

// Options narrows a SyncFromCloud call to only its download or only its
// upload half (spec.md §6 `run download_only`/`run upload_only`).
type Options struct {
	SkipDownload bool
	SkipUpload   bool
}

// SyncFromCloud runs the full three-way reconcile (spec.md §4.9).
func (r *Reconciler) SyncFromCloud(ctx context.Context, opts Options) error {
	if _, err := r.refresher.Refresh(ctx, indexrefresh.Options{ReturnDirectories: false}); err != nil {
		return fmt.Errorf("reconciler: refreshIndex: %w", err)
	}

	entries, err := r.store.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: listing index: %w", err)
	}

	scratchDir, err := os.MkdirTemp("", "triplicate-reconcile-*")
	if err != nil {
		return fmt.Errorf("reconciler: creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	checkfilePath := filepath.Join(scratchDir, "checkfile.txt")
	if err := writeCheckfile(checkfilePath, entries); err != nil {
		return fmt.Errorf("reconciler: writing checkfile: %w", err)
	}

	differPath := filepath.Join(scratchDir, "differ.txt")
	missingPath := filepath.Join(scratchDir, "missing.txt")
	syncPath := filepath.Join(scratchDir, "sync.txt")

	_, err = r.runner.Run(ctx, "check", []string{
		checkfilePath, r.remoteRoot,
		"--checkfile", hashAlgo,
		"--differ", differPath,
		"--missing-on-dst", missingPath,
		"--missing-on-src", syncPath,
	}, tooladapter.Options{Strict: true, ExpectedExitCodes: []int{0, 1, 3}})
	if err != nil {
		return fmt.Errorf("reconciler: storage-tool check: %w", err)
	}

	differ := readLines(differPath)
	missing := readLines(missingPath)
	remoteAdded := readLines(syncPath)

	newDownloads, remaining, err := r.filterCloudOnly(ctx, remoteAdded, entries)
	if err != nil {
		return fmt.Errorf("reconciler: filtering cloud-only candidates: %w", err)
	}

	if len(newDownloads) > 0 {
		if err := r.store.Upsert(ctx, newDownloads); err != nil {
			return fmt.Errorf("reconciler: recording cloud-only downloads: %w", err)
		}
	}

	downloads := append([]string{}, remaining...)

	var uploads []string

	for _, p := range differ {
		remoteMod, _, err := r.remoteInfo(ctx, p)
		if err != nil {
			r.logger.Warn("reconciler: failed to fetch remote mtime, assuming upload", "path", p, "error", err)

			uploads = append(uploads, p)

			continue
		}

		local, ok, err := r.store.Get(ctx, p)
		if err != nil {
			return fmt.Errorf("reconciler: looking up %q: %w", p, err)
		}

		if !ok || !local.HasBytes() || remoteMod.After(local.ModTime) {
			downloads = append(downloads, p)
		} else {
			uploads = append(uploads, p)
		}
	}

	uploads = append(uploads, missing...)

	deletionMissed, downloads, err := r.splitDeletionMissed(ctx, downloads)
	if err != nil {
		return fmt.Errorf("reconciler: detecting deletion-missed rows: %w", err)
	}

	if len(deletionMissed) > 0 {
		r.emit(ctx, folderupload.KindDeleteFiles, deletionMissed)
	}

	if !opts.SkipDownload {
		if err := r.performDownloads(ctx, downloads); err != nil {
			return fmt.Errorf("reconciler: downloading: %w", err)
		}
	}

	if !opts.SkipUpload && len(uploads) > 0 {
		if r.ignores != nil {
			if err := r.ignores.DiscardIgnores(ctx, uploads); err != nil {
				r.logger.Warn("reconciler: failed to clear ignore entries for uploads", "error", err)
			}
		}

		r.emit(ctx, folderupload.KindCopy, uploads)
	}

	return nil
}

// splitDeletionMissed pulls out of downloads every path whose index row
// shows uploaded != ABSENT ∧ size == ABSENT ∧ ¬cloudOnly — cases we thought
// we deleted remotely but the storage tool still reports present (spec.md
// §4.9 point 7, invariant P6).
func (r *Reconciler) splitDeletionMissed(ctx context.Context, downloads []string) (missed, rest []string, err error) {
	for _, p := range downloads {
		entry, ok, err := r.store.Get(ctx, p)
		if err != nil {
			return nil, nil, err
		}

		if ok && entry.HasUploadedTime() && !entry.HasBytes() && !entry.CloudOnly {
			missed = append(missed, p)

			continue
		}

		rest = append(rest, p)
	}

	return missed, rest, nil
}

func (r *Reconciler) performDownloads(ctx context.Context, downloads []string) error {
	if len(downloads) == 0 {
		return nil
	}

	now := time.Now()

	var placeholders []index.Entry

	for _, p := range downloads {
		existing, _, _ := r.store.Get(ctx, p)
		existing.Path = p
		existing.UploadedTime = now
		placeholders = append(placeholders, existing)
	}

	if err := r.store.Upsert(ctx, placeholders); err != nil {
		return fmt.Errorf("marking downloads in-flight: %w", err)
	}

	listPath, err := writeList(downloads)
	if err != nil {
		return err
	}
	defer os.Remove(listPath)

	_, err = r.runner.Run(ctx, "copy", []string{r.remoteRoot, r.localRoot, "--files-from", listPath}, tooladapter.Options{Strict: true})
	if err != nil {
		return fmt.Errorf("storage-tool copy: %w", err)
	}

	var finalRows []index.Entry

	for _, p := range downloads {
		remoteMod, size, infoErr := r.remoteInfo(ctx, p)
		if infoErr != nil {
			r.logger.Warn("reconciler: failed to refresh downloaded entry", "path", p, "error", infoErr)

			continue
		}

		finalRows = append(finalRows, index.Entry{Path: p, ModTime: remoteMod, Size: size, UploadedTime: remoteMod})
	}

	if len(finalRows) > 0 {
		if err := r.store.Upsert(ctx, finalRows); err != nil {
			return fmt.Errorf("stamping downloaded entries: %w", err)
		}
	}

	return nil
}

// remoteInfo fetches (modTime, size) for a single remote path via
// `storage-tool lsl`, whose output lines are "size date time path"
// (spec.md §6).
func (r *Reconciler) remoteInfo(ctx context.Context, relPath string) (time.Time, int64, error) {
	listPath, err := writeList([]string{relPath})
	if err != nil {
		return time.Time{}, 0, err
	}
	defer os.Remove(listPath)

	res, err := r.runner.Run(ctx, "lsl", []string{r.remoteRoot, "--files-from", listPath}, tooladapter.Options{Strict: true})
	if err != nil {
		return time.Time{}, 0, err
	}

	for _, line := range strings.Split(res.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		fields := strings.SplitN(line, " ", 4)
		if len(fields) < 4 {
			continue
		}

		size, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			continue
		}

		modTime, err := time.Parse("2006-01-02 15:04:05", fields[1]+" "+fields[2])
		if err != nil {
			continue
		}

		return modTime, size, nil
	}

	return time.Time{}, 0, fmt.Errorf("reconciler: lsl returned no entry for %q", relPath)
}

// filterCloudOnly applies §3 CloudOnlyRule to the remotely-added set R:
// matches are returned as ready-to-upsert cloud-only index rows and
// removed from the returned remaining slice (spec.md §4.9 point 5).
func (r *Reconciler) filterCloudOnly(ctx context.Context, remoteAdded []string, known []index.Entry) ([]index.Entry, []string, error) {
	if len(r.rules) == 0 {
		return nil, remoteAdded, nil
	}

	candidates := make([]string, 0, len(known)+len(remoteAdded))
	for _, e := range known {
		candidates = append(candidates, e.Path)
	}

	candidates = append(candidates, remoteAdded...)

	var cloudOnly []index.Entry

	var remaining []string

	for _, p := range remoteAdded {
		matched := false

		for _, rule := range r.rules {
			ok, err := rule.matches(p, candidates)
			if err != nil {
				return nil, nil, err
			}

			if ok {
				matched = true

				break
			}
		}

		if !matched {
			remaining = append(remaining, p)

			continue
		}

		modTime, size, err := r.remoteInfo(ctx, p)
		if err != nil {
			r.logger.Warn("reconciler: failed to fetch remote info for cloud-only match, skipping", "path", p, "error", err)

			continue
		}

		cloudOnly = append(cloudOnly, index.Entry{
			Path: p, ModTime: modTime, Size: size, UploadedTime: modTime, CloudOnly: true,
		})
	}

	return cloudOnly, remaining, nil
}

func (r *Reconciler) emit(ctx context.Context, kind folderupload.Kind, paths []string) {
	select {
	case r.output <- folderupload.Action{Kind: kind, Paths: paths}:
	case <-ctx.Done():
	}
}

func writeCheckfile(path string, entries []index.Entry) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for _, e := range entries {
		if e.Hash == "" {
			continue
		}

		if _, err := fmt.Fprintf(f, "%s  %s\n", e.Hash, e.Path); err != nil {
			return err
		}
	}

	return nil
}

func writeList(paths []string) (string, error) {
	f, err := os.CreateTemp("", "triplicate-reconcile-list-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, p := range paths {
		if _, err := fmt.Fprintln(f, p); err != nil {
			return "", err
		}
	}

	return f.Name(), nil
}

func readLines(path string) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			out = append(out, line)
		}
	}

	return out
}
