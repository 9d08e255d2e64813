// Package e2e drives a handful of whole-pipeline scenarios across the
// folder-upload chain (folderupload -> globalupload -> storage tool),
// standing in for a real storage-tool binary with a recording shell script.
// This mirrors the teacher's e2e/ harness: build small real pieces,
// wire them together exactly as the daemon does, and drive them with a
// real local filesystem instead of mocking any single layer.
package e2e

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tnyholm/triplicate/internal/folderupload"
	"github.com/tnyholm/triplicate/internal/globalupload"
	"github.com/tnyholm/triplicate/internal/index"
	"github.com/tnyholm/triplicate/internal/tooladapter"
	"github.com/tnyholm/triplicate/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingStorageTool writes a shell-script stand-in for the storage tool
// that appends every invocation's command and all of its arguments to a
// log file, then exits 0. Good enough to assert that a
// transfer actually reached the storage-tool boundary with the right verb
// and roots, without needing a real cloud backend.
func recordingStorageTool(t *testing.T) (bin, log string) {
	t.Helper()

	dir := t.TempDir()
	bin = filepath.Join(dir, "storage-tool")
	log = filepath.Join(dir, "calls.log")

	contents := `#!/bin/sh
cmd="$1"
shift
echo "$cmd $*" >> "` + log + `"
exit 0
`

	if err := os.WriteFile(bin, []byte(contents), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return bin, log
}

// TestScenarioLocalCopyReachesStorageTool drives a new-local-file copy
// through folderupload and the shared globalupload worker and checks the
// resulting storage-tool invocation carries the right verb and roots
// (spec.md §8 scenario 1).
func TestScenarioLocalCopyReachesStorageTool(t *testing.T) {
	testutil.LoadDotEnv(filepath.Join(t.TempDir(), ".env"))

	localRoot := t.TempDir()
	remoteRoot := "remote:photos"

	if err := os.WriteFile(filepath.Join(localRoot, "new.jpg"), []byte("binary"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := index.Open(filepath.Join(t.TempDir(), "idx.sqlite"), testLogger())
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	defer store.Close()

	if err := store.Upsert(context.Background(), []index.Entry{
		{Path: "new.jpg", Hash: "h1", ModTime: time.Now(), Size: 6},
	}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	bin, callLog := recordingStorageTool(t)
	runner := tooladapter.NewRunner(bin, t.TempDir(), testLogger())

	globalQueue := globalupload.NewQueue()
	globalUploader := globalupload.New(runner, globalQueue, testLogger())

	folderQueue := folderupload.NewQueue()
	folderUploader := folderupload.New("photos", localRoot, remoteRoot, store, runner, folderQueue, globalQueue, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 2)
	go func() { done <- globalUploader.Run(ctx) }()
	go func() { done <- folderUploader.Run(ctx) }()

	folderQueue <- folderupload.Action{Kind: folderupload.KindCopy, Paths: []string{"new.jpg"}}

	deadline := time.After(2 * time.Second)
	for {
		data, _ := os.ReadFile(callLog)
		if len(data) > 0 {
			break
		}

		select {
		case <-deadline:
			t.Fatalf("storage tool was never invoked")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	<-done
	<-done

	data, err := os.ReadFile(callLog)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	got := string(data)
	if !strings.Contains(got, "copy") || !strings.Contains(got, localRoot) || !strings.Contains(got, remoteRoot) {
		t.Errorf("storage-tool call log = %q, want copy invocation with %q and %q", got, localRoot, remoteRoot)
	}

	entry, ok, err := store.Get(context.Background(), "new.jpg")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !ok || entry.UploadedTime.IsZero() {
		t.Errorf("Get: expected new.jpg to be stamped uploaded, got %+v ok=%v", entry, ok)
	}
}
