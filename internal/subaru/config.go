package subaru

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfigFile is the default configuration path, relocatable via SUBARU_ROOT.
var ConfigFile = "/etc/subaru.conf"

// Config carries every path and knob the tool needs. It is resolved once at
// startup and passed explicitly to constructors; nothing reads ambient
// package state for paths or versions.
type Config struct {
	Values map[string]string

	RootDir    string // filesystem root the image is assembled against
	StateDir   string // persisted orchestrator state
	TrackedDir string // the tracked source tree (kernel by default)
	ScriptsDir string // stage executor scripts, one per stage name
	TreeName   string // short name of the tracked tree, keys backups/locks

	PatchesDir  string
	BackupsDir  string
	LogsDir     string
	FailuresDir string
	MarkersDir  string
	TmpDir      string
}

// LoadConfig reads a flat key=value config file and merges SUBARU_* env
// overrides on top. A missing file is not an error; env and defaults apply.
// A file that fails to read part-way is reported, but the returned Config is
// still fully resolved so paths never degrade to relative defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	var readErr error
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			readErr = fmt.Errorf("failed to read %s: %w", path, err)
		}
	}

	mergeEnvOverrides(cfg)
	cfg.resolve()
	return cfg, readErr
}

// Merge SUBARU_* env overrides
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "SUBARU_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func (cfg *Config) resolve() {
	cfg.RootDir = cfg.Values["SUBARU_ROOT"]
	if cfg.RootDir == "" {
		cfg.RootDir = "/"
	}

	cfg.StateDir = cfg.Values["SUBARU_STATE"]
	if cfg.StateDir == "" {
		cfg.StateDir = "/var/lib/subaru"
	}

	cfg.TrackedDir = cfg.Values["SUBARU_TRACKED_DIR"]
	if cfg.TrackedDir == "" {
		cfg.TrackedDir = filepath.Join(cfg.StateDir, "kernel")
	}

	cfg.ScriptsDir = cfg.Values["SUBARU_SCRIPTS"]
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "/usr/lib/subaru/stages"
	}

	cfg.TreeName = cfg.Values["SUBARU_TREE"]
	if cfg.TreeName == "" {
		cfg.TreeName = "kernel"
	}

	cfg.TmpDir = cfg.Values["TMPDIR"]
	if cfg.TmpDir == "" {
		cfg.TmpDir = "/tmp"
	}

	cfg.PatchesDir = filepath.Join(cfg.StateDir, "patches")
	cfg.BackupsDir = filepath.Join(cfg.StateDir, "backups")
	cfg.LogsDir = filepath.Join(cfg.StateDir, "logs")
	cfg.FailuresDir = filepath.Join(cfg.StateDir, "failures")
	cfg.MarkersDir = filepath.Join(cfg.StateDir, "markers")

	if cfg.Values["SUBARU_DEBUG"] == "1" {
		Debug = true
	}
}

// versionFile is the VersionMarker location for the tracked tree.
func (cfg *Config) versionFile() string {
	return filepath.Join(cfg.StateDir, "version")
}

// lockFile serializes pipeline runs and destructive operations against the
// tracked tree. Keyed by the tree name so several trees can coexist under
// one state dir.
func (cfg *Config) lockFile() string {
	return filepath.Join(cfg.StateDir, "."+cfg.TreeName+".lock")
}
