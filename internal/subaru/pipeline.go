package subaru

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// StageResult is the recorded outcome of one stage within a run.
type StageResult struct {
	Stage    string
	Outcome  Outcome
	Duration time.Duration
}

// RunResult is ephemeral: it exists for one invocation and is not persisted
// beyond the logs it points at.
type RunResult struct {
	RunID      string
	Results    []StageResult
	LogDir     string
	Failed     bool
	FailureDir string
}

// Pipeline drives the ordered stage list: resume cursor, force flag, marker
// consultation, log aggregation, and failure recovery. It exclusively owns
// the run state and the BuildMarkers; the run lock serializes invocations
// against the same tracked tree.
type Pipeline struct {
	cfg      *Config
	stages   []Stage
	exec     *StageExecutor
	markers  *MarkerStore
	versions *VersionStore
	recorder *FailureRecorder
}

func NewPipeline(ctx context.Context, cfg *Config) (*Pipeline, error) {
	stages, err := StagesFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:      cfg,
		stages:   stages,
		exec:     NewStageExecutor(ctx, cfg),
		markers:  NewMarkerStore(cfg),
		versions: NewVersionStore(cfg),
		recorder: NewFailureRecorder(cfg),
	}, nil
}

// Stages returns the validated stage table.
func (p *Pipeline) Stages() []Stage { return p.stages }

// Run executes the stages from startStage onward. Stages before the resume
// point are treated as already satisfied and are not touched or re-verified.
// A stage failure aborts the run immediately; the operator re-invokes with
// the failed stage as the resume point after fixing the cause. There is no
// automatic retry.
func (p *Pipeline) Run(startStage string, forceRebuild bool) (*RunResult, error) {
	start := p.stages[0]
	if startStage != "" {
		var err error
		start, err = findStage(p.stages, startStage)
		if err != nil {
			return nil, err
		}
	}

	lock, err := acquireRunLock(p.cfg.lockFile())
	if err != nil {
		return nil, err
	}
	defer lock.release()

	runID := time.Now().Format("20060102-150405")
	logDir := filepath.Join(p.cfg.LogsDir, runID)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	aggPath := filepath.Join(logDir, "run.log")
	// Closed by finishLogs on every exit path below.
	agg, err := os.Create(aggPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create aggregate log: %w", err)
	}

	var inRange []Stage
	for _, st := range p.stages {
		if st.Order >= start.Order {
			inRange = append(inRange, st)
		}
	}

	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stdout.Fd())) && !Verbose {
		bar = progressbar.NewOptions(len(inRange),
			progressbar.OptionSetDescription("stages"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionClearOnFinish(),
		)
	}

	current := p.versions.Current()
	run := &RunResult{RunID: runID, LogDir: logDir}

	for i, st := range inRange {
		// Idempotency: a fresh marker for the tree's current version means
		// the stage is already built, unless the operator forces a rebuild.
		if !forceRebuild {
			if built := p.markers.BuiltVersion(st.Name); built != "" && built == current {
				run.Results = append(run.Results, StageResult{Stage: st.Name, Outcome: OutcomeSkipped})
				fmt.Fprintf(agg, "=== stage %s: skipped (built for %s)\n", st.Name, built)
				p.printStageLine(bar, i+1, len(inRange), st.Name, OutcomeSkipped, 0)
				if bar != nil {
					bar.Add(1)
				}
				continue
			}
		}

		res := p.runStage(st, logDir, agg)
		if res.ExitCode != 0 {
			run.Results = append(run.Results, StageResult{Stage: st.Name, Outcome: OutcomeFailed, Duration: res.Duration})
			run.Failed = true
			p.printStageLine(bar, i+1, len(inRange), st.Name, OutcomeFailed, res.Duration)

			failure := &StageFailure{Stage: st.Name, ExitCode: res.ExitCode}
			if snapDir, err := p.recorder.Capture(failure, logDir); err == nil {
				run.FailureDir = snapDir
			}
			p.finishLogs(agg, aggPath)
			return run, failure
		}

		if err := p.markers.Record(st.Name, current); err != nil {
			// The stage built but the marker write failed; surface it, a
			// re-run will simply rebuild the stage.
			colWarn.Printf("Warning: failed to record build marker for %s: %v\n", st.Name, err)
		}
		run.Results = append(run.Results, StageResult{Stage: st.Name, Outcome: OutcomeSucceeded, Duration: res.Duration})
		p.printStageLine(bar, i+1, len(inRange), st.Name, OutcomeSucceeded, res.Duration)
		if bar != nil {
			bar.Add(1)
		}
	}

	p.finishLogs(agg, aggPath)
	return run, nil
}

// runStage executes one stage with its output duplicated into the per-stage
// log and the aggregate log before completion is evaluated, so the logs are
// complete even when the stage dies mid-way.
func (p *Pipeline) runStage(st Stage, logDir string, agg io.Writer) ExecResult {
	stageLogPath := filepath.Join(logDir, st.Name+".log")
	stageLog, err := os.Create(stageLogPath)
	if err != nil {
		fmt.Fprintf(agg, "=== stage %s: cannot open log: %v\n", st.Name, err)
		return ExecResult{ExitCode: -1}
	}
	defer stageLog.Close()

	writers := []io.Writer{stageLog, agg}
	if Verbose {
		writers = append(writers, os.Stdout)
	}
	w := io.MultiWriter(writers...)

	fmt.Fprintf(agg, "=== stage %s: started\n", st.Name)
	res := p.exec.Execute(st, w)
	if res.Limits == LimitSkippedWithWarning {
		colWarn.Printf("Warning: resource limits for stage %s were not fully applied (see log)\n", st.Name)
	}
	fmt.Fprintf(agg, "=== stage %s: exit %d after %s\n", st.Name, res.ExitCode, res.Duration.Round(time.Millisecond))
	return res
}

func (p *Pipeline) printStageLine(bar *progressbar.ProgressBar, done, total int, name string, outcome Outcome, d time.Duration) {
	// The bar renders on stderr; wipe it before writing the stage line so
	// the two don't interleave.
	if bar != nil {
		bar.Clear()
	}
	colArrow.Print("-> ")
	fmt.Printf("[%d/%d] %-12s ", done, total, name)
	switch outcome {
	case OutcomeSucceeded:
		colSuccess.Printf("Succeeded (%s)\n", d.Round(time.Second))
	case OutcomeSkipped:
		colInfo.Println("Skipped")
	default:
		colError.Println("Failed")
	}
}

// finishLogs compresses the aggregate log in place once the run is over.
func (p *Pipeline) finishLogs(agg *os.File, aggPath string) {
	agg.Close()
	if err := compressXZ(aggPath, aggPath+".xz"); err != nil {
		debugf("failed to compress run log: %v\n", err)
		return
	}
	os.Remove(aggPath)
}

// runLock is the mutual-exclusion primitive around a tracked tree. The
// tracked directory, markers, version marker, and patch application are all
// single-writer; wipe-then-extract during an update is destructive and not
// atomic for readers.
type runLock struct {
	f *os.File
}

func acquireRunLock(path string) (*runLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("another run is active on this tree (lock %s held)", path)
	}
	return &runLock{f: f}, nil
}

func (l *runLock) release() {
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
}
