package subaru

import (
	"os"
	"path/filepath"
	"strings"
)

// MarkerStore persists per-stage BuildMarkers: one file per stage holding
// the version the stage last built successfully. Owned exclusively by the
// pipeline; the run lock keeps concurrent invocations off it.
type MarkerStore struct {
	dir string
}

func NewMarkerStore(cfg *Config) *MarkerStore {
	return &MarkerStore{dir: cfg.MarkersDir}
}

// BuiltVersion returns the recorded version for a stage, or "" if the stage
// has never completed.
func (m *MarkerStore) BuiltVersion(stage string) string {
	data, err := os.ReadFile(filepath.Join(m.dir, stage))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Record writes the marker for a completed stage.
func (m *MarkerStore) Record(stage, version string) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, stage), []byte(version+"\n"), 0o644)
}

// Clear drops the marker for a stage, forcing the next run to rebuild it.
func (m *MarkerStore) Clear(stage string) error {
	err := os.Remove(filepath.Join(m.dir, stage))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
