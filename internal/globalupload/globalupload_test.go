package globalupload

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

// recordingScript writes its own argv to a log file so the test can assert
// on the exact storage-tool invocation without a real binary.
func recordingScript(t *testing.T, logPath string) string {
	t.Helper()

	dir := t.TempDir()
	script := filepath.Join(dir, "storage-tool")

	contents := "#!/bin/sh\necho \"$@\" >> " + logPath + "\n"
	if err := os.WriteFile(script, []byte(contents), 0o755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	return script
}

func TestPerformTransferInvokesCopyWithDedupedScratchFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "calls.log")
	bin := recordingScript(t, logPath)

	runner := tooladapter.NewRunner(bin, t.TempDir(), testLogger())
	input := NewQueue()

	u := New(runner, input, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = u.Run(ctx) }()

	input <- Item{
		Paths:   []string{"a.txt", "b.txt", "a.txt"},
		Action:  ActionCopy,
		SrcRoot: "/local",
		DstRoot: "/remote",
	}

	deadline := time.Now().Add(3 * time.Second)
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

	if !contains(logged, "copy") || !contains(logged, "--files-from") || !contains(logged, "/local") || !contains(logged, "/remote") {
		t.Errorf("unexpected invocation: %q", logged)
	}
}

func TestWriteDedupedScratchFileRemovesDuplicates(t *testing.T) {
	path, err := writeDedupedScratchFile([]string{"a.txt", "b.txt", "a.txt", "c.txt"})
	if err != nil {
		t.Fatalf("writeDedupedScratchFile: %v", err)
	}
	defer os.Remove(path)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	lines := splitLines(string(data))
	if len(lines) != 3 {
		t.Errorf("scratch file has %d lines, want 3 deduped entries: %v", len(lines), lines)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}

	return -1
}

func splitLines(s string) []string {
	var out []string
	start := 0

	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}

			start = i + 1
		}
	}

	if start < len(s) {
		out = append(out, s[start:])
	}

	return out
}
