package exec

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const DefaultTimeout = 60 * time.Second

// Outcome summarizes how a run ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeError     Outcome = "error"
)

// Result describes a finished run. Everything the run printed is in LogPath.
type Result struct {
	Outcome  Outcome
	ExitCode int
	LogPath  string
	Duration time.Duration
}

// Options adjust a single run.
type Options struct {
	WorkDir string
	Timeout time.Duration
	LogPath string
	Args    []string
}

// Engine runs wrappers as subprocesses under a wall-clock timeout.
type Engine struct {
	Timeout time.Duration
	LogDir  string
	// Env is the base environment; nil means the current process environment.
	Env []string

	logger *slog.Logger
	now    func() time.Time
}

func (e *Engine) SetLogger(logger *slog.Logger) {
	e.logger = logger
}

// Run executes wrapperPath and waits for it. It never returns an error:
// timeouts and launch failures are appended to the run log and reported in
// the Result.
func (e *Engine) Run(ctx context.Context, wrapperPath string, opts Options) Result {
	start := e.clock()
	res := Result{LogPath: opts.LogPath, ExitCode: -1}
	if res.LogPath == "" {
		res.LogPath = filepath.Join(e.LogDir, fmt.Sprintf("nova-%d.log", start.Unix()))
	}

	if err := os.MkdirAll(filepath.Dir(res.LogPath), 0o755); err != nil {
		e.logError("run_log_unavailable", "log", res.LogPath, "error", err)
		res.Outcome = OutcomeError
		return res
	}
	logFile, err := os.OpenFile(res.LogPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		e.logError("run_log_unavailable", "log", res.LogPath, "error", err)
		res.Outcome = OutcomeError
		return res
	}
	defer logFile.Close()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := exec.CommandContext(runCtx, wrapperPath, opts.Args...)
	command.Dir = opts.WorkDir
	command.Env = e.environ(opts.WorkDir)
	command.Stdout = logFile
	command.Stderr = logFile
	killProcessGroup(command)

	err = command.Run()
	res.Duration = e.clock().Sub(start)

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		fmt.Fprintf(logFile, "\nExecution timed out: %s\n", wrapperPath)
		res.Outcome = OutcomeTimeout
		e.logWarn("run_timeout", "wrapper", wrapperPath, "timeout", timeout, "log", res.LogPath)
	case ctx.Err() != nil:
		fmt.Fprintf(logFile, "\nExecution cancelled: %s\n", wrapperPath)
		res.Outcome = OutcomeCancelled
		e.logWarn("run_cancelled", "wrapper", wrapperPath, "log", res.LogPath)
	case err == nil:
		res.Outcome = OutcomeCompleted
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Outcome = OutcomeFailed
			res.ExitCode = exitErr.ExitCode()
			break
		}
		fmt.Fprintf(logFile, "\nExecution error: %s -> %v\n", wrapperPath, err)
		res.Outcome = OutcomeError
		e.logError("run_launch_failed", "wrapper", wrapperPath, "error", err, "log", res.LogPath)
	}
	return res
}

func (e *Engine) environ(workDir string) []string {
	base := e.Env
	if base == nil {
		base = os.Environ()
	}
	env := make([]string, 0, len(base)+1)
	env = append(env, base...)
	if workDir != "" {
		env = append(env, "PROJECT_ROOT="+workDir)
	}
	return env
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

func (e *Engine) logWarn(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Warn(msg, args...)
	}
}

func (e *Engine) logError(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Error(msg, args...)
	}
}
