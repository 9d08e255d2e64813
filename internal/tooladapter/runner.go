// Package tooladapter wraps storage-tool invocations (the second half of
// C2): direct process execution, with optional RPC routing once a remote
// GUI/RPC endpoint has been discovered.
package tooladapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
)

// maxInlineOutput is the threshold (spec.md §4.1) above which stdout+stderr
// is diverted to a log-data file instead of being embedded in log lines.
const maxInlineOutput = 200

// ExternalCommandError reports a storage-tool invocation whose exit code
// was not among the caller's expectedExitCodes.
type ExternalCommandError struct {
	Command    string
	Args       []string
	ExitCode   int
	Stderr     string
	StderrPath string // path of a diverted-output file; runProcess leaves it empty
}

func (e *ExternalCommandError) Error() string {
	if e.StderrPath != "" {
		return fmt.Sprintf("tooladapter: %s %v exited %d (output: %s)", e.Command, e.Args, e.ExitCode, e.StderrPath)
	}

	return fmt.Sprintf("tooladapter: %s %v exited %d: %s", e.Command, e.Args, e.ExitCode, e.Stderr)
}

// Result is the outcome of a single invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Options controls how a single invocation is executed.
type Options struct {
	Strict             bool
	ExpectedExitCodes  []int // defaults to []int{0} when empty and Strict is set
	Async              bool
}

// Runner invokes the storage-tool binary, grounded on the exec-wrapping
// idiom of syncthing's external versioner (os/exec.Command, explicit
// environment) and the log-directory diversion convention used across the
// teacher's logging setup.
type Runner struct {
	binary string
	logDir string
	logger *slog.Logger

	rpc *RPCClient // nil when no remote GUI/RPC endpoint is configured
}

// NewRunner constructs a Runner for the given storage-tool binary.
func NewRunner(binary, logDir string, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{binary: binary, logDir: logDir, logger: logger}
}

// SetRPC installs an RPC client to route RPC-capable subcommands through
// instead of spawning a child process.
func (r *Runner) SetRPC(rpc *RPCClient) {
	r.rpc = rpc
}

// rpcCapable lists the storage-tool subcommands with an RPC equivalent
// (spec.md §4.1).
var rpcCapable = map[string]bool{
	"copy": true, "move": true, "delete": true, "purge": true,
	"hashsum": true, "lsl": true, "check": true,
}

// Run executes command with args. When an RPC endpoint is configured and
// command has an RPC equivalent, the call is routed through RPCClient
// instead of spawning a process.
func (r *Runner) Run(ctx context.Context, command string, args []string, opts Options) (Result, error) {
	if r.rpc != nil && rpcCapable[command] {
		return r.runRPC(ctx, command, args, opts)
	}

	return r.runProcess(ctx, command, args, opts)
}

func (r *Runner) runProcess(ctx context.Context, command string, args []string, opts Options) (Result, error) {
	fullArgs := append([]string{command}, translateFilterFlags(args, r.logger)...)

	cmd := exec.CommandContext(ctx, r.binary, fullArgs...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return Result{}, fmt.Errorf("tooladapter: running %s %v: %w", r.binary, fullArgs, runErr)
		}
	}

	res := Result{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}

	if err := r.divertOversizedOutput(command, &res); err != nil {
		r.logger.Warn("tooladapter: failed to divert oversized output", "error", err)
	}

	expected := opts.ExpectedExitCodes
	if len(expected) == 0 {
		expected = []int{0}
	}

	if opts.Strict && !slices.Contains(expected, exitCode) {
		return res, &ExternalCommandError{
			Command:  r.binary,
			Args:     fullArgs,
			ExitCode: exitCode,
			Stderr:   res.Stderr,
		}
	}

	return res, nil
}

// divertOversizedOutput writes stdout+stderr to a per-invocation log-data
// file when their combined size exceeds maxInlineOutput (spec.md §4.1, §6
// on-disk artifact layout). res is left unchanged, so callers still see the
// full output.
func (r *Runner) divertOversizedOutput(command string, res *Result) error {
	if len(res.Stdout)+len(res.Stderr) <= maxInlineOutput {
		return nil
	}

	invocationID := uuid.NewString()

	dir := filepath.Join(r.logDir, invocationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("tooladapter: creating log-data directory: %w", err)
	}

	path := filepath.Join(dir, command+".log")

	content := "=== stdout ===\n" + res.Stdout + "\n=== stderr ===\n" + res.Stderr

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("tooladapter: writing log-data file: %w", err)
	}

	r.logger.Debug("tooladapter: diverted oversized output", "command", command, "invocation_id", invocationID, "path", path)

	return nil
}

// knownFilterFlags maps storage-tool CLI filter flags to their _filter JSON
// keys, used both when building the JSON _filter blob for RPC calls and
// when deciding which process-mode flags are recognized.
var knownFilterFlags = map[string]string{
	"--files-from":       "FilesFrom",
	"--differ":           "DiffersFlag",
	"--missing-on-dst":   "MissingOnDst",
	"--missing-on-src":   "MissingOnSrc",
	"--checkfile":        "CheckFileHash",
}

// translateFilterFlags passes process-mode args through unchanged; it
// exists to share the "recognized vs. unrecognized flag" vocabulary with
// buildFilterBlob used by the RPC path (spec.md §4.1 last sentence).
func translateFilterFlags(args []string, logger *slog.Logger) []string {
	for _, a := range args {
		if len(a) > 1 && a[0] == '-' && a[1] == '-' {
			flag, _, _ := splitFlag(a)
			if _, known := knownFilterFlags[flag]; !known && !isPositionalLikeFlag(flag) {
				logger.Warn("tooladapter: unrecognized flag passed through to storage tool", "flag", flag)
			}
		}
	}

	return args
}

func isPositionalLikeFlag(flag string) bool {
	switch flag {
	case "--rc-web-gui", "--rc-web-gui-no-open-browser":
		return true
	default:
		return false
	}
}

func splitFlag(arg string) (flag, value string, hasValue bool) {
	for i, r := range arg {
		if r == '=' {
			return arg[:i], arg[i+1:], true
		}
	}

	return arg, "", false
}
