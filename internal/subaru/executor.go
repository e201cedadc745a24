package subaru

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// ExecResult is what one stage execution reports back to the pipeline.
type ExecResult struct {
	ExitCode int
	Duration time.Duration
	Limits   LimitState
}

// LimitState records whether the resource ceiling actually landed on the
// subprocess. Limiting is best-effort; a skip is surfaced, never swallowed.
type LimitState int

const (
	LimitApplied LimitState = iota
	LimitSkippedWithWarning
	LimitNone
)

func (s LimitState) String() string {
	switch s {
	case LimitApplied:
		return "applied"
	case LimitSkippedWithWarning:
		return "skipped"
	}
	return "none"
}

// StageExecutor runs one stage script as an isolated subprocess. The script
// gets the tracked-tree paths and its core budget through the environment,
// nothing on argv, and owns no knowledge of the pipeline.
type StageExecutor struct {
	Context    context.Context
	ScriptsDir string
	Env        []string // extra KEY=VALUE entries appended to the environment
}

func NewStageExecutor(ctx context.Context, cfg *Config) *StageExecutor {
	return &StageExecutor{
		Context:    ctx,
		ScriptsDir: cfg.ScriptsDir,
		Env: []string{
			"SUBARU_TRACKED_DIR=" + cfg.TrackedDir,
			"SUBARU_ROOT=" + cfg.RootDir,
			"SUBARU_STATE=" + cfg.StateDir,
		},
	}
}

// jobBudget maps a CPU share to a core count for the stage's build system.
func jobBudget(cpuSharePercent int) int {
	if cpuSharePercent <= 0 || cpuSharePercent >= 100 {
		return runtime.NumCPU()
	}
	jobs := runtime.NumCPU() * cpuSharePercent / 100
	if jobs < 1 {
		jobs = 1
	}
	return jobs
}

// Execute runs the stage's script and waits for it. All output goes to
// logw. Any non-zero exit, start failure, or kill is reported uniformly as
// a non-zero exit code; the executor never retries.
func (e *StageExecutor) Execute(stage Stage, logw io.Writer) ExecResult {
	script := filepath.Join(e.ScriptsDir, stage.Name)
	start := time.Now()

	cmd := exec.CommandContext(e.Context, "sh", script)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env,
		"SUBARU_STAGE="+stage.Name,
		fmt.Sprintf("SUBARU_JOBS=%d", jobBudget(stage.CPUSharePercent)),
	)
	cmd.Stdout = logw
	cmd.Stderr = logw
	cmd.Stdin = nil

	// Own process group, so a cancel can take the whole stage down.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(logw, "ERROR: failed to start stage script %s: %v\n", script, err)
		return ExecResult{ExitCode: -1, Duration: time.Since(start), Limits: LimitNone}
	}
	pgid := cmd.Process.Pid

	limits := e.applyLimits(stage, cmd.Process.Pid, logw)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-e.Context.Done():
			syscall.Kill(-pgid, syscall.SIGKILL)
		case <-done:
		}
	}()

	waitErr := cmd.Wait()
	res := ExecResult{
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: time.Since(start),
		Limits:   limits,
	}
	if waitErr != nil && res.ExitCode == 0 {
		// Wait failed for a reason other than the exit status (signal
		// delivery, I/O); fold it into a generic failure.
		res.ExitCode = -1
	}
	return res
}

// applyLimits puts the resource ceiling on the started subprocess. The
// child has not begun meaningful work yet: stage scripts start with an `sh`
// parse, and limits land before any tool is spawned in practice. Failure to
// apply is a WARN in the log, not an execution error.
func (e *StageExecutor) applyLimits(stage Stage, pid int, logw io.Writer) LimitState {
	if stage.CPUSharePercent >= 100 && stage.MemoryLimitMB == 0 {
		return LimitNone
	}

	state := LimitApplied

	if stage.MemoryLimitMB > 0 {
		lim := unix.Rlimit{
			Cur: uint64(stage.MemoryLimitMB) * 1024 * 1024,
			Max: uint64(stage.MemoryLimitMB) * 1024 * 1024,
		}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &lim, nil); err != nil {
			fmt.Fprintf(logw, "WARN: failed to apply memory limit (%d MB) to stage %s: %v\n",
				stage.MemoryLimitMB, stage.Name, err)
			state = LimitSkippedWithWarning
		}
	}

	if stage.CPUSharePercent < 100 {
		// A partial CPU share also demotes the stage to an idle-ish nice
		// level; the hard share itself is expressed via SUBARU_JOBS.
		if err := unix.Setpriority(unix.PRIO_PGRP, pid, 10); err != nil {
			fmt.Fprintf(logw, "WARN: failed to lower priority of stage %s: %v\n", stage.Name, err)
			state = LimitSkippedWithWarning
		}
	}

	return state
}
