package subaru

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// VersionStore owns the single version marker of a tracked tree. Mutated
// only by the version-update workflow, after a successful backup.
type VersionStore struct {
	path string
}

func NewVersionStore(cfg *Config) *VersionStore {
	return &VersionStore{path: cfg.versionFile()}
}

// Current returns the tracked tree's version, or "" when no marker exists
// yet (a fresh state dir). Markers never match "" so every stage rebuilds.
func (v *VersionStore) Current() string {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Set persists the version marker.
func (v *VersionStore) Set(version string) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(v.path, []byte(version+"\n"), 0o644)
}

// detectTreeVersion derives the version string from the extracted tree's
// own build metadata: a kernel-style top-level Makefile with
// VERSION/PATCHLEVEL/SUBLEVEL, or a plain "version" file.
func detectTreeVersion(treeDir string) (string, error) {
	if ver := makefileVersion(filepath.Join(treeDir, "Makefile")); ver != "" {
		return ver, nil
	}

	if data, err := os.ReadFile(filepath.Join(treeDir, "version")); err == nil {
		ver := strings.TrimSpace(string(data))
		if ver != "" {
			return ver, nil
		}
	}

	return "", fmt.Errorf("cannot determine version of tree %s", treeDir)
}

func makefileVersion(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	vals := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		for _, key := range []string{"VERSION", "PATCHLEVEL", "SUBLEVEL"} {
			if strings.HasPrefix(line, key) {
				parts := strings.SplitN(line, "=", 2)
				if len(parts) == 2 {
					vals[key] = strings.TrimSpace(parts[1])
				}
			}
		}
		// The assignments sit in the first few lines of a kernel Makefile.
		if len(vals) == 3 {
			break
		}
	}

	if vals["VERSION"] == "" || vals["PATCHLEVEL"] == "" {
		return ""
	}
	ver := vals["VERSION"] + "." + vals["PATCHLEVEL"]
	if vals["SUBLEVEL"] != "" {
		ver += "." + vals["SUBLEVEL"]
	}
	return ver
}
