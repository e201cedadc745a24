package subaru

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureWritesSnapshot(t *testing.T) {
	cfg := newTestConfig(t)

	logDir := filepath.Join(cfg.LogsDir, "20240101-000000")
	require.NoError(t, os.MkdirAll(logDir, 0o755))
	var lines []string
	for i := 0; i < 150; i++ {
		lines = append(lines, "line")
	}
	lines = append(lines, "the final error line")
	require.NoError(t, os.WriteFile(filepath.Join(logDir, "kernel.log"),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o644))

	recorder := NewFailureRecorder(cfg)
	snapDir, err := recorder.Capture(&StageFailure{Stage: "kernel", ExitCode: 2}, logDir)
	require.NoError(t, err)

	reason, err := os.ReadFile(filepath.Join(snapDir, "reason"))
	require.NoError(t, err)
	assert.Contains(t, string(reason), "stage kernel failed with exit code 2")

	env, err := os.ReadFile(filepath.Join(snapDir, "environment"))
	require.NoError(t, err)
	assert.NotEmpty(t, env)

	system, err := os.ReadFile(filepath.Join(snapDir, "system"))
	require.NoError(t, err)
	assert.Contains(t, string(system), "cpus:")

	// Tail capture keeps the end of the log, bounded at 100 lines.
	tail, err := os.ReadFile(filepath.Join(snapDir, "tail-kernel.log"))
	require.NoError(t, err)
	assert.Contains(t, string(tail), "the final error line")
	assert.LessOrEqual(t, strings.Count(string(tail), "\n"), 100)
}

func TestCaptureWithoutLogDir(t *testing.T) {
	cfg := newTestConfig(t)
	recorder := NewFailureRecorder(cfg)

	snapDir, err := recorder.Capture(&PatchConflict{PatchID: "20240101-000000_x"}, "")
	require.NoError(t, err)
	assert.DirExists(t, snapDir)

	reason, err := os.ReadFile(filepath.Join(snapDir, "reason"))
	require.NoError(t, err)
	assert.Contains(t, string(reason), "20240101-000000_x")
}

func TestTailLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.log")
	require.NoError(t, os.WriteFile(path, []byte("one\ntwo\nthree\n"), 0o644))

	assert.Equal(t, "two\nthree\n", tailLines(path, 2))
	assert.Equal(t, "one\ntwo\nthree\n", tailLines(path, 10))
	assert.Equal(t, "", tailLines(filepath.Join(dir, "missing.log"), 5))
}
