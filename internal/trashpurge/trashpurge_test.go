package trashpurge

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tnyholm/triplicate/internal/tooladapter"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHandleTrashInvokesDeleteWithMinAgeAndRmdirs(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calls.log")

	scriptDir := t.TempDir()
	script := filepath.Join(scriptDir, "storage-tool")

	contents := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n"
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	runner := tooladapter.NewRunner(script, t.TempDir(), testLogger())
	p := New("f1", "/trash/f1", "720h", runner, testLogger())

	p.HandleTrash(context.Background())

	deadline := time.Now().Add(2 * time.Second)

	var logged string

	for time.Now().Before(deadline) {
		data, err := os.ReadFile(logPath)
		if err == nil && len(data) > 0 {
			logged = string(data)

			break
		}

		time.Sleep(20 * time.Millisecond)
	}

	if logged == "" {
		t.Fatal("timed out waiting for storage-tool invocation")
	}

	want := "delete /trash/f1 --min-age 720h --rmdirs\n"
	if logged != want {
		t.Errorf("invocation = %q, want %q", logged, want)
	}
}

func TestHandleTrashSwallowsFailure(t *testing.T) {
	runner := tooladapter.NewRunner("false", t.TempDir(), testLogger())
	p := New("f1", "/trash/f1", "720h", runner, testLogger())

	// Must not panic despite the storage tool exiting non-zero.
	p.HandleTrash(context.Background())
}
