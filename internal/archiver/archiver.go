// Package archiver implements the archiver (C8): reconciling a folder's
// local tree and FileIndex against an offline archive on removable media,
// with optional device mount/unmount and age- or freeUp-driven local
// eviction (spec.md §4.10).
package archiver

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/tnyholm/triplicate/internal/config"
	"github.com/tnyholm/triplicate/internal/ignorelist"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/indexrefresh"
	"github.com/tnyholm/triplicate/internal/tooladapter"
)

// hashAlgo matches the checkfile hash algorithm used by the reconciler.
const hashAlgo = "quickxor"

// Archiver drives archive(folder, freeUpNeeded) for a single folder.
type Archiver struct {
	folderID   string
	localRoot  string
	remoteRoot string
	trashRoot  string
	archive    *config.ArchiveConfig

	ignorePatterns    []*regexp.Regexp
	localKeepDuration time.Duration // zero means unset

	refresher *indexrefresh.Refresher
	runner    *tooladapter.Runner
	ignores   *ignorelist.List
	device    DeviceController

	logger *slog.Logger
}

// New constructs an Archiver for one folder. folder.Archive may be nil, in
// which case Archive() warns and returns immediately (spec.md §4.10
// point 1).
func New(folder config.Folder, refresher *indexrefresh.Refresher, runner *tooladapter.Runner, ignores *ignorelist.List, logger *slog.Logger) (*Archiver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var localKeep time.Duration

	if folder.LocalKeepDuration != "" {
		d, err := time.ParseDuration(folder.LocalKeepDuration)
		if err != nil {
			return nil, fmt.Errorf("archiver: parsing local_keep_duration: %w", err)
		}

		localKeep = d
	}

	patterns := make([]*regexp.Regexp, 0, len(folder.LocalIgnorePatterns))

	for _, p := range folder.LocalIgnorePatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("archiver: compiling local ignore pattern %q: %w", p, err)
		}

		patterns = append(patterns, re)
	}

	return &Archiver{
		folderID:          folder.ID,
		localRoot:         folder.LocalRoot,
		remoteRoot:        folder.RemoteRoot,
		trashRoot:         folder.TrashRoot,
		archive:           folder.Archive,
		ignorePatterns:    patterns,
		localKeepDuration: localKeep,
		refresher:         refresher,
		runner:            runner,
		ignores:           ignores,
		device:            osDeviceController{},
		logger:            logger,
	}, nil
}

// Archive runs the full archival pass (spec.md §4.10). Any failure in
// steps 3–11 is logged and the pass proceeds to step 13 (device eject).
func (a *Archiver) Archive(ctx context.Context, freeUpNeeded int64) error {
	if a.archive == nil || a.archive.ArchiveRoot == "" {
		a.logger.Warn("archiver: no archive configured for folder, skipping", "folder", a.folderID)

		return nil
	}

	if a.archive.DeviceID != "" {
		if err := a.device.Reconnect(ctx, a.archive.DeviceID, a.archive.MountPoint); err != nil {
			a.logger.Error("archiver: failed to mount archive device", "device", a.archive.DeviceID, "error", err)

			return fmt.Errorf("archiver: mounting device: %w", err)
		}
	}

	if err := a.runPass(ctx, freeUpNeeded); err != nil {
		a.logger.Error("archiver: archival pass failed, continuing to eject", "folder", a.folderID, "error", err)
	}

	if a.archive.DeviceID != "" {
		if err := a.device.Eject(ctx, a.archive.DeviceID); err != nil {
			a.logger.Error("archiver: failed to eject archive device", "device", a.archive.DeviceID, "error", err)
		}
	}

	return nil
}

// UpdateAllFiles runs refreshIndex alone, directories included, without the
// rest of the archival pass (spec.md §6 `run update_all_files`).
func (a *Archiver) UpdateAllFiles(ctx context.Context) error {
	if _, err := a.refresher.Refresh(ctx, indexrefresh.Options{ReturnDirectories: true}); err != nil {
		return fmt.Errorf("archiver: update_all_files: refreshIndex: %w", err)
	}

	return nil
}

func (a *Archiver) runPass(ctx context.Context, freeUpNeeded int64) error {
	entries, err := a.refresher.Refresh(ctx, indexrefresh.Options{ReturnDirectories: false})
	if err != nil {
		return fmt.Errorf("refreshIndex: %w", err)
	}

	scratchDir, err := os.MkdirTemp("", "triplicate-archive-*")
	if err != nil {
		return fmt.Errorf("creating scratch dir: %w", err)
	}
	defer os.RemoveAll(scratchDir)

	checkfilePath := filepath.Join(scratchDir, "checkfile.txt")
	if err := writeCheckfile(checkfilePath, entries); err != nil {
		return fmt.Errorf("writing checkfile: %w", err)
	}

	differPath := filepath.Join(scratchDir, "differ.txt")
	missingDstPath := filepath.Join(scratchDir, "missing.txt")
	missingSrcPath := filepath.Join(scratchDir, "sync.txt")

	_, err = a.runner.Run(ctx, "check", []string{
		checkfilePath, a.archive.ArchiveRoot,
		"--checkfile", hashAlgo,
		"--differ", differPath,
		"--missing-on-dst", missingDstPath,
		"--missing-on-src", missingSrcPath,
	}, tooladapter.Options{Strict: true, ExpectedExitCodes: []int{0, 1}})
	if err != nil {
		return fmt.Errorf("storage-tool check against archive: %w", err)
	}

	copyToArchive := union(readLines(differPath), readLines(missingDstPath))
	deleteFromArchive := readLines(missingSrcPath)

	localFiles, err := a.scanLocal()
	if err != nil {
		return fmt.Errorf("scanning local folder: %w", err)
	}

	deleteFromLocal := a.selectEvictionCandidates(localFiles, freeUpNeeded)

	if len(copyToArchive) > 0 {
		listPath, err := writeList(scratchDir, "copy.txt", copyToArchive)
		if err != nil {
			return err
		}

		if _, err := a.runner.Run(ctx, "copy", []string{"--files-from", listPath, a.localRoot, a.archive.ArchiveRoot}, tooladapter.Options{Strict: true}); err != nil {
			return fmt.Errorf("storage-tool copy to archive: %w", err)
		}
	}

	if len(deleteFromLocal) > 0 {
		missPath := filepath.Join(scratchDir, "deleted.txt")

		_, err := a.runner.Run(ctx, "check", []string{a.localRoot, a.remoteRoot, "--missing-on-dst", missPath}, tooladapter.Options{Strict: false})
		if err != nil {
			a.logger.Warn("archiver: pre-delete cloud-presence check failed, withholding nothing extra", "error", err)
		}

		withheld := toSet(readLines(missPath))

		var withheldPaths []string

		kept := deleteFromLocal[:0]

		for _, p := range deleteFromLocal {
			if withheld[p] {
				withheldPaths = append(withheldPaths, p)

				continue
			}

			kept = append(kept, p)
		}

		deleteFromLocal = kept

		if len(withheldPaths) > 0 && a.ignores != nil {
			if err := a.ignores.ExtendIgnores(ctx, withheldPaths); err != nil {
				a.logger.Warn("archiver: failed to mark withheld paths ignored", "error", err)
			}
		}

		if len(deleteFromLocal) > 0 {
			listPath, err := writeList(scratchDir, "move.txt", deleteFromLocal)
			if err != nil {
				return err
			}

			if _, err := a.runner.Run(ctx, "move", []string{"--files-from", listPath, a.localRoot, a.archive.ArchiveRoot}, tooladapter.Options{Strict: true}); err != nil {
				return fmt.Errorf("storage-tool move to archive: %w", err)
			}
		}
	}

	if len(deleteFromArchive) > 0 {
		listPath, err := writeList(scratchDir, "deleteFromArchive.txt", deleteFromArchive)
		if err != nil {
			return err
		}

		if _, err := a.runner.Run(ctx, "move", []string{"--files-from", listPath, a.archive.ArchiveRoot, a.trashRoot}, tooladapter.Options{Strict: true}); err != nil {
			return fmt.Errorf("storage-tool move archive->trash: %w", err)
		}
	}

	return nil
}

// writeCheckfile mirrors reconciler's checkfile construction against the
// already-refreshed FileIndex (spec.md §4.9 point 2, reused by §4.10
// point 4).
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

type localFile struct {
	path    string
	modTime time.Time
	size    int64
}

// scanLocal walks localRoot, excluding paths matching localIgnorePatterns
// (spec.md §4.10 point 6).
func (a *Archiver) scanLocal() ([]localFile, error) {
	var files []localFile

	err := filepath.Walk(a.localRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		rel, relErr := filepath.Rel(a.localRoot, p)
		if relErr != nil {
			return relErr
		}

		if a.ignored(rel) {
			return nil
		}

		files = append(files, localFile{path: rel, modTime: info.ModTime(), size: info.Size()})

		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func (a *Archiver) ignored(rel string) bool {
	for _, re := range a.ignorePatterns {
		if re.MatchString(rel) {
			return true
		}
	}

	return false
}

// selectEvictionCandidates determines deleteFromLocal (spec.md §4.10
// point 7). When freeUpNeeded > 0 the freeUp-based selection (ascending
// mtime order, accumulating size until freed >= freeUpNeeded) replaces
// the age-based one rather than being unioned with it — the source's
// ambiguity here is resolved explicitly in favor of the latest source,
// which replaces.
func (a *Archiver) selectEvictionCandidates(files []localFile, freeUpNeeded int64) []string {
	if freeUpNeeded > 0 {
		return a.freeUpCandidates(files, freeUpNeeded)
	}

	return a.ageCandidates(files)
}

func (a *Archiver) ageCandidates(files []localFile) []string {
	if a.localKeepDuration <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-a.localKeepDuration)

	var out []string

	for _, f := range files {
		if f.modTime.Before(cutoff) {
			out = append(out, f.path)
		}
	}

	sort.Strings(out)

	return out
}

func (a *Archiver) freeUpCandidates(files []localFile, freeUpNeeded int64) []string {
	sorted := append([]localFile{}, files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].modTime.Before(sorted[j].modTime) })

	var (
		out   []string
		freed int64
	)

	for _, f := range sorted {
		if freed >= freeUpNeeded {
			break
		}

		out = append(out, f.path)
		freed += f.size
	}

	return out
}

func union(a, b []string) []string {
	set := toSet(a)

	for _, p := range b {
		set[p] = true
	}

	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}

	sort.Strings(out)

	return out
}

func toSet(paths []string) map[string]bool {
	set := make(map[string]bool, len(paths))

	for _, p := range paths {
		set[p] = true
	}

	return set
}

func writeList(dir, name string, paths []string) (string, error) {
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	for _, p := range paths {
		if _, err := fmt.Fprintln(f, p); err != nil {
			return "", err
		}
	}

	return path, nil
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

// DeviceController mounts/ejects the removable-media device backing an
// archive. Defined as an interface so tests can substitute a fake rather
// than shelling out to real mount tooling.
type DeviceController interface {
	Reconnect(ctx context.Context, deviceID, mountPoint string) error
	Eject(ctx context.Context, deviceID string) error
}

// osDeviceController shells out to OS mount tooling, grounded on the same
// os/exec.Command idiom tooladapter uses for storage-tool invocations.
type osDeviceController struct{}

func (osDeviceController) Reconnect(ctx context.Context, deviceID, mountPoint string) error {
	mounted, err := isMounted(ctx, mountPoint)
	if err != nil {
		return fmt.Errorf("querying mount state: %w", err)
	}

	if mounted {
		return nil
	}

	_ = exec.CommandContext(ctx, "eject", "-t", deviceID).Run()

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("creating mount point: %w", err)
	}

	if out, err := exec.CommandContext(ctx, "mount", deviceID, mountPoint).CombinedOutput(); err != nil {
		return fmt.Errorf("mount %s %s: %w: %s", deviceID, mountPoint, err, strings.TrimSpace(string(out)))
	}

	return nil
}

func (osDeviceController) Eject(ctx context.Context, deviceID string) error {
	if out, err := exec.CommandContext(ctx, "eject", deviceID).CombinedOutput(); err != nil {
		return fmt.Errorf("eject %s: %w: %s", deviceID, err, strings.TrimSpace(string(out)))
	}

	return nil
}

func isMounted(ctx context.Context, mountPoint string) (bool, error) {
	out, err := exec.CommandContext(ctx, "mount").Output()
	if err != nil {
		return false, err
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, " "+mountPoint+" ") {
			return true, nil
		}
	}

	return false, nil
}
