// Package indexrefresh implements refreshIndex (spec.md §4.4), the routine
// shared by the upload syncer, reconciler, and archiver that reconciles a
// folder's FileIndex against the sync daemon's db/browse tree.
package indexrefresh

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"github.com/tnyholm/triplicate/internal/ignorelist"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/samefile"
	"github.com/tnyholm/triplicate/internal/syncdaemon"
	"github.com/tnyholm/triplicate/internal/tooladapter"
)

// defaultModTimeZone is applied when the sync daemon's reported modTime
// carries no timezone offset (spec.md §4.4 point 3).
const defaultModTimeZone = "+02:00"

// Refresher reconciles a single folder's FileIndex against the sync
// daemon's db/browse tree.
type Refresher struct {
	daemon         *syncdaemon.Client
	store          *index.Store
	runner         *tooladapter.Runner
	ignores        *ignorelist.List
	folderID       string
	localRoot      string
	defaultHash    string
	logger         *slog.Logger
}

// Options configures a single call to Refresh.
type Options struct {
	ReturnDirectories bool
}

// New constructs a Refresher for one folder.
func New(daemon *syncdaemon.Client, store *index.Store, runner *tooladapter.Runner, ignores *ignorelist.List, folderID, localRoot, defaultHash string, logger *slog.Logger) *Refresher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Refresher{
		daemon:      daemon,
		store:       store,
		runner:      runner,
		ignores:     ignores,
		folderID:    folderID,
		localRoot:   localRoot,
		defaultHash: defaultHash,
		logger:      logger,
	}
}

// Refresh runs the full §4.4 reconciliation and returns the resulting
// entries (directories included or excluded per opts.ReturnDirectories).
func (r *Refresher) Refresh(ctx context.Context, opts Options) ([]index.Entry, error) {
	known, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexrefresh: loading known entries: %w", err)
	}

	knownByPath := make(map[string]index.Entry, len(known))
	removed := make(map[string]bool, len(known))

	for _, e := range known {
		knownByPath[e.Path] = e
		removed[e.Path] = true
	}

	added := map[string]bool{}
	changed := map[string]bool{}

	if err := r.walk(ctx, "", knownByPath, removed, added, changed); err != nil {
		return nil, err
	}

	r.applyIgnorePatterns(removed, added, changed)

	if err := r.refreshDetails(ctx, added, changed); err != nil {
		return nil, err
	}

	if err := r.resolveRemoved(ctx, removed); err != nil {
		return nil, err
	}

	result, err := r.store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexrefresh: reloading entries: %w", err)
	}

	if opts.ReturnDirectories {
		return result, nil
	}

	filtered := make([]index.Entry, 0, len(result))

	for _, e := range result {
		if e.Hash != "" {
			filtered = append(filtered, e)
		}
	}

	return filtered, nil
}

// walk fetches one subtree level at a time, recursing into directories one
// request per top-level child (spec.md §4.4 point 2).
func (r *Refresher) walk(ctx context.Context, prefix string, knownByPath map[string]index.Entry, removed, added, changed map[string]bool) error {
	nodes, err := r.daemon.DBBrowse(ctx, r.folderID, 0, prefix)
	if err != nil {
		return fmt.Errorf("indexrefresh: db/browse %q: %w", prefix, err)
	}

	for _, n := range nodes {
		p := joinPath(prefix, n.Name)

		switch n.Type {
		case "directory", "dir":
			delete(removed, p)

			if err := r.walk(ctx, p, knownByPath, removed, added, changed); err != nil {
				return err
			}
		case "file":
			r.classifyLeaf(p, n, knownByPath, removed, added, changed)
		default:
			r.logger.Warn("indexrefresh: unknown node type, skipping", "path", p, "type", n.Type)
		}
	}

	return nil
}

func (r *Refresher) classifyLeaf(p string, n syncdaemon.BrowseNode, knownByPath map[string]index.Entry, removed, added, changed map[string]bool) {
	existing, known := knownByPath[p]

	delete(removed, p)

	if !known {
		added[p] = true

		return
	}

	remoteModTime, err := parseDaemonModTime(n.ModTime)
	if err != nil {
		r.logger.Warn("indexrefresh: unparseable modTime, treating as changed", "path", p, "error", err)
		changed[p] = true

		return
	}

	localEntry := samefile.Entry{
		Hash: existing.Hash, HasHash: existing.Hash != "",
		ModTime: existing.ModTime, HasModTime: existing.HasBytes(),
		Size: existing.Size, HasSize: existing.HasBytes(),
	}
	remoteEntry := samefile.Entry{ModTime: remoteModTime, HasModTime: true}

	if !samefile.Same(localEntry, remoteEntry, r.logger) {
		changed[p] = true
	}
}

// applyIgnorePatterns drops any path beginning with (or equal to) an
// ignored prefix from the three working sets (spec.md §4.4 point 4).
func (r *Refresher) applyIgnorePatterns(removed, added, changed map[string]bool) {
	if r.ignores == nil {
		return
	}

	patterns := r.ignores.Patterns()

	dropIgnored(removed, patterns)
	dropIgnored(added, patterns)
	dropIgnored(changed, patterns)
}

func dropIgnored(set map[string]bool, patterns []string) {
	for p := range set {
		for _, pat := range patterns {
			if p == pat || strings.HasPrefix(p, pat+"/") {
				delete(set, p)

				break
			}
		}
	}
}

// refreshDetails computes (hash, modTime, size) for every added/changed path
// that exists locally and upserts it (spec.md §4.4 point 5).
// detailWorkers bounds how many detailsFor calls (each potentially a
// storage-tool hashsum invocation) run at once, mirroring the teacher's
// dispatchPool sizing for per-action concurrency.
const detailWorkers = 8

func (r *Refresher) refreshDetails(ctx context.Context, added, changed map[string]bool) error {
	paths := make([]string, 0, len(added)+len(changed))
	for p := range added {
		paths = append(paths, p)
	}

	for p := range changed {
		paths = append(paths, p)
	}

	if len(paths) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(detailWorkers)

	var (
		mu   sync.Mutex
		rows []index.Entry
	)

	for _, p := range paths {
		g.Go(func() error {
			if e, ok := r.detailsFor(gctx, p); ok {
				mu.Lock()
				rows = append(rows, e)
				mu.Unlock()
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if len(rows) == 0 {
		return nil
	}

	return r.store.Upsert(ctx, rows)
}

func (r *Refresher) detailsFor(ctx context.Context, relPath string) (index.Entry, bool) {
	fullPath := path.Join(r.localRoot, relPath)

	info, err := os.Stat(fullPath)
	if err != nil {
		return index.Entry{}, false
	}

	hash := r.defaultHash

	if !info.IsDir() {
		hash = r.hashFile(ctx, fullPath)
	}

	return index.Entry{
		Path:    relPath,
		Hash:    hash,
		ModTime: info.ModTime(),
		Size:    info.Size(),
	}, true
}

// hashFile invokes the storage tool's `hashsum quickxor` and takes the first
// whitespace-separated token, falling back to the default sentinel on
// failure (spec.md §4.4 `getFileDetails`).
func (r *Refresher) hashFile(ctx context.Context, fullPath string) string {
	res, err := r.runner.Run(ctx, "hashsum", []string{"quickxor", fullPath}, tooladapter.Options{Strict: true})
	if err != nil {
		r.logger.Warn("indexrefresh: hashsum failed, using sentinel", "path", fullPath, "error", err)

		return r.defaultHash
	}

	fields := strings.Fields(res.Stdout)
	if len(fields) == 0 {
		return r.defaultHash
	}

	return fields[0]
}

// resolveRemoved asks the sync daemon about every path missing from the
// browse tree; erases globally-deleted/ignored paths, otherwise warns and
// keeps the row (spec.md §4.4 point 6).
func (r *Refresher) resolveRemoved(ctx context.Context, removed map[string]bool) error {
	var toErase []string

	for p := range removed {
		status, ok, err := r.daemon.DBFile(ctx, r.folderID, p)
		if err != nil {
			return fmt.Errorf("indexrefresh: db/file %q: %w", p, err)
		}

		if !ok || status.Global.Deleted || status.Global.Ignored {
			toErase = append(toErase, p)

			continue
		}

		r.logger.Warn("indexrefresh: path vanished from browse but not globally deleted", "path", p)
	}

	if len(toErase) == 0 {
		return nil
	}

	return r.store.Erase(ctx, toErase)
}

// joinPath builds an index key from a browse-tree prefix and leaf name,
// normalizing to NFC so that a filename decomposed by one filesystem (e.g.
// combining-character sequences from an NFD-preferring local disk) still
// matches the same composed form the sync daemon and the index agree on.
func joinPath(prefix, name string) string {
	name = norm.NFC.String(name)

	if prefix == "" {
		return name
	}

	return prefix + "/" + name
}

// parseDaemonModTime parses an ISO-8601 timestamp with fractional seconds,
// defaulting the timezone to +02:00 when absent, and normalizes to 6-digit
// microsecond precision (spec.md §4.4 point 3).
func parseDaemonModTime(raw *string) (time.Time, error) {
	if raw == nil || *raw == "" {
		return time.Time{}, fmt.Errorf("indexrefresh: empty modTime")
	}

	s := *raw
	if !hasTimezone(s) {
		s += defaultModTimeZone
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("indexrefresh: parsing modTime %q: %w", *raw, err)
	}

	return t.Round(time.Microsecond), nil
}

func hasTimezone(s string) bool {
	if strings.HasSuffix(s, "Z") {
		return true
	}

	if idx := strings.LastIndexAny(s, "+-"); idx > 10 {
		return true
	}

	return false
}
