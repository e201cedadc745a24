package subaru

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// FailureRecorder snapshots diagnostic state into a timestamped directory
// when a stage or patch application fails. The snapshot is for post-mortem
// inspection only; recording never blocks the abort.
type FailureRecorder struct {
	dir      string
	stateDir string
}

func NewFailureRecorder(cfg *Config) *FailureRecorder {
	return &FailureRecorder{dir: cfg.FailuresDir, stateDir: cfg.StateDir}
}

// Capture writes the failure snapshot: the reason, the process environment,
// coarse system resource state, and the tail of every log in logDir. It
// returns the snapshot directory.
func (f *FailureRecorder) Capture(reason error, logDir string) (string, error) {
	snapDir := filepath.Join(f.dir, time.Now().Format("20060102-150405"))
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create failure dir: %w", err)
	}

	writeSnap := func(name, content string) {
		// Best effort per file; one unwritable file must not lose the rest.
		if err := os.WriteFile(filepath.Join(snapDir, name), []byte(content), 0o644); err != nil {
			debugf("failed to write failure snapshot %s: %v\n", name, err)
		}
	}

	writeSnap("reason", reason.Error()+"\n")

	env := os.Environ()
	sort.Strings(env)
	writeSnap("environment", strings.Join(env, "\n")+"\n")

	writeSnap("system", f.systemState())

	if logDir != "" {
		entries, err := os.ReadDir(logDir)
		if err == nil {
			for _, e := range entries {
				if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
					continue
				}
				tail := tailLines(filepath.Join(logDir, e.Name()), 100)
				if tail != "" {
					writeSnap("tail-"+e.Name(), tail)
				}
			}
		}
	}

	colArrow.Print("-> ")
	colError.Printf("Failure snapshot written to %s\n", snapDir)
	return snapDir, nil
}

// systemState collects the coarse resource picture an operator looks at
// first: load, memory, and free space on the state filesystem.
func (f *FailureRecorder) systemState() string {
	var b strings.Builder

	fmt.Fprintf(&b, "time: %s\n", time.Now().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "cpus: %d\n", runtime.NumCPU())

	if data, err := os.ReadFile("/proc/loadavg"); err == nil {
		fmt.Fprintf(&b, "loadavg: %s", string(data))
	}
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "MemTotal") ||
				strings.HasPrefix(line, "MemAvailable") ||
				strings.HasPrefix(line, "SwapFree") {
				fmt.Fprintf(&b, "%s\n", line)
			}
		}
	}

	var st unix.Statfs_t
	if err := unix.Statfs(f.stateDir, &st); err == nil {
		freeMB := st.Bavail * uint64(st.Bsize) / (1024 * 1024)
		fmt.Fprintf(&b, "state-dir free: %d MB\n", freeMB)
	}

	return b.String()
}
