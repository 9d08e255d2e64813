package tooladapter

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunStrictUnexpectedExitCode(t *testing.T) {
	r := NewRunner("false", t.TempDir(), testLogger())

	_, err := r.Run(context.Background(), "check", nil, Options{Strict: true, ExpectedExitCodes: []int{0}})
	if err == nil {
		t.Fatalf("Run: expected error for non-zero exit under strict mode")
	}

	var cmdErr *ExternalCommandError
	if !asExternalCommandError(err, &cmdErr) {
		t.Fatalf("Run: expected *ExternalCommandError, got %T: %v", err, err)
	}

	if cmdErr.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", cmdErr.ExitCode)
	}
}

func TestRunExpectedExitCodeNotAnError(t *testing.T) {
	r := NewRunner("false", t.TempDir(), testLogger())

	res, err := r.Run(context.Background(), "check", nil, Options{Strict: true, ExpectedExitCodes: []int{0, 1}})
	if err != nil {
		t.Fatalf("Run: unexpected error: %v", err)
	}

	if res.ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", res.ExitCode)
	}
}

func TestDivertOversizedOutput(t *testing.T) {
	logDir := t.TempDir()
	r := NewRunner("true", logDir, testLogger())

	big := make([]byte, maxInlineOutput+1)
	for i := range big {
		big[i] = 'x'
	}

	res := Result{Stdout: string(big)}
	if err := r.divertOversizedOutput("lsl", &res); err != nil {
		t.Fatalf("divertOversizedOutput: %v", err)
	}

	entries, err := os.ReadDir(logDir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected one per-invocation subdirectory, got %d", len(entries))
	}

	logFile := filepath.Join(logDir, entries[0].Name(), "lsl.log")
	if _, err := os.Stat(logFile); err != nil {
		t.Errorf("expected log file at %s: %v", logFile, err)
	}
}

func asExternalCommandError(err error, target **ExternalCommandError) bool {
	if e, ok := err.(*ExternalCommandError); ok {
		*target = e

		return true
	}

	return false
}
