package subaru

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"
)

const patchStamp = "20060102-150405"

// Patch is an immutable, versioned diff plus metadata. The id is prefixed
// with the creation timestamp, so lexicographic order is the authoritative
// apply order.
type Patch struct {
	ID            string
	Description   string
	Created       time.Time
	TargetVersion string
	Dependencies  string
	DiffPath      string

	// Summary of the diff body, for listing.
	Files int
	Hunks int
}

// PatchRepository owns the patch files under the patches dir. Each patch
// persists as a pair sharing the id: <id>.patch (diff body) and <id>.meta.
// The metadata is written only after the body is durably on disk, so an
// orphan body is never listed as a patch.
type PatchRepository struct {
	dir string

	// diffTree and applyDiff shell out to git and patch(1); tests swap them.
	diffTree  func(workingTree string) ([]byte, error)
	applyDiff func(targetDir, diffPath string) error
}

func NewPatchRepository(cfg *Config) *PatchRepository {
	return &PatchRepository{
		dir:       cfg.PatchesDir,
		diffTree:  gitDiffTree,
		applyDiff: applyWithPatch,
	}
}

var patchNameClean = regexp.MustCompile(`[^a-z0-9._-]+`)

// Create computes the live diff of workingTree against its last committed
// state and writes a new patch record for targetVersion. Fails with
// ErrNoChanges when the tree is unmodified; writes nothing in that case.
func (r *PatchRepository) Create(name, description, workingTree, targetVersion string) (*Patch, error) {
	body, err := r.diffTree(workingTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", workingTree, err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoChanges, workingTree)
	}

	fds, err := diff.ParseMultiFileDiff(body)
	if err != nil {
		return nil, fmt.Errorf("generated diff is not parseable: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("generated diff contains no file changes")
	}

	now := time.Now()
	short := patchNameClean.ReplaceAllString(strings.ToLower(name), "-")
	short = strings.Trim(short, "-")
	if short == "" {
		return nil, fmt.Errorf("patch name %q reduces to nothing usable", name)
	}
	id := now.Format(patchStamp) + "_" + short

	bucket := filepath.Join(r.dir, targetVersion)
	if err := os.MkdirAll(bucket, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create patch dir: %w", err)
	}

	diffPath := filepath.Join(bucket, id+".patch")
	f, err := os.OpenFile(diffPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to write patch body: %w", err)
	}
	if _, err := f.Write(body); err != nil {
		f.Close()
		os.Remove(diffPath)
		return nil, fmt.Errorf("failed to write patch body: %w", err)
	}
	// The body must be durable before the metadata names it.
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(diffPath)
		return nil, err
	}
	f.Close()

	p := &Patch{
		ID:            id,
		Description:   description,
		Created:       now,
		TargetVersion: targetVersion,
		DiffPath:      diffPath,
		Files:         len(fds),
	}
	for _, fd := range fds {
		p.Hunks += len(fd.Hunks)
	}

	if err := os.WriteFile(filepath.Join(bucket, id+".meta"), []byte(p.metaString()), 0o644); err != nil {
		os.Remove(diffPath)
		return nil, fmt.Errorf("failed to write patch metadata: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Patch %s created (%d files, %d hunks)\n", id, p.Files, p.Hunks)
	return p, nil
}

// ListFor returns all patches targeting version, sorted ascending by id.
// The list is fully resolved per call; a missing version bucket means zero
// patches.
func (r *PatchRepository) ListFor(targetVersion string) ([]*Patch, error) {
	bucket := filepath.Join(r.dir, targetVersion)
	entries, err := os.ReadDir(bucket)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var patches []*Patch
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".patch") {
			continue
		}
		id := strings.TrimSuffix(name, ".patch")
		p, err := r.readPatch(bucket, id, targetVersion)
		if err != nil {
			// Orphan body without metadata: the create was interrupted
			// before the record became valid.
			debugf("skipping patch %s: %v\n", id, err)
			continue
		}
		patches = append(patches, p)
	}

	// Sort by id in code; directory listing order is not a guarantee.
	sort.Slice(patches, func(i, j int) bool { return patches[i].ID < patches[j].ID })
	return patches, nil
}

// ListAll returns patches for every known version, grouped by version.
func (r *PatchRepository) ListAll() (map[string][]*Patch, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	all := make(map[string][]*Patch)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		patches, err := r.ListFor(e.Name())
		if err != nil {
			return nil, err
		}
		if len(patches) > 0 {
			all[e.Name()] = patches
		}
	}
	return all, nil
}

// Apply applies every patch for targetVersion to targetDir in ascending id
// order with a strip level of one. The first patch that fails to apply
// aborts the whole operation: patches are assumed to depend positionally on
// their predecessors in the same version bucket.
func (r *PatchRepository) Apply(targetDir, targetVersion string) error {
	patches, err := r.ListFor(targetVersion)
	if err != nil {
		return err
	}
	if len(patches) == 0 {
		debugf("no patches for version %s\n", targetVersion)
		return nil
	}

	for _, p := range patches {
		colArrow.Print("-> ")
		colInfo.Printf("Applying patch %s\n", p.ID)
		if err := r.applyDiff(targetDir, p.DiffPath); err != nil {
			return &PatchConflict{PatchID: p.ID, Err: err}
		}
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Applied %d patch(es) for version %s\n", len(patches), targetVersion)
	return nil
}

func (p *Patch) metaString() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Description: %s\n", p.Description)
	fmt.Fprintf(&b, "Created: %s\n", p.Created.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Kernel-Version: %s\n", p.TargetVersion)
	fmt.Fprintf(&b, "Dependencies: %s\n", p.Dependencies)
	return b.String()
}

func (r *PatchRepository) readPatch(bucket, id, targetVersion string) (*Patch, error) {
	meta, err := os.Open(filepath.Join(bucket, id+".meta"))
	if err != nil {
		return nil, err
	}
	defer meta.Close()

	p := &Patch{
		ID:            id,
		TargetVersion: targetVersion,
		DiffPath:      filepath.Join(bucket, id+".patch"),
	}

	scanner := bufio.NewScanner(meta)
	for scanner.Scan() {
		line := scanner.Text()
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "Description":
			p.Description = val
		case "Created":
			if t, err := time.Parse(time.RFC1123Z, val); err == nil {
				p.Created = t
			}
		case "Kernel-Version":
			p.TargetVersion = val
		case "Dependencies":
			// Recorded for operators; apply order stays id-sorted.
			p.Dependencies = val
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if body, err := os.ReadFile(p.DiffPath); err == nil {
		if fds, err := diff.ParseMultiFileDiff(body); err == nil {
			p.Files = len(fds)
			for _, fd := range fds {
				p.Hunks += len(fd.Hunks)
			}
		}
	}

	return p, nil
}

// gitDiffTree produces the diff of a working tree against its last
// committed state, including files not yet tracked.
func gitDiffTree(workingTree string) ([]byte, error) {
	// Stage unknown files as intent-to-add so they show up in the diff.
	addCmd := exec.Command("git", "-C", workingTree, "add", "-A", "-N")
	addCmd.Stderr = os.Stderr
	if err := addCmd.Run(); err != nil {
		return nil, fmt.Errorf("git add -N failed: %w", err)
	}

	var out bytes.Buffer
	cmd := exec.Command("git", "-C", workingTree, "diff", "--no-color", "HEAD")
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git diff failed: %w", err)
	}
	return out.Bytes(), nil
}

// applyWithPatch applies a diff body with patch(1) at strip level one.
func applyWithPatch(targetDir, diffPath string) error {
	abs, err := filepath.Abs(diffPath)
	if err != nil {
		return err
	}
	cmd := exec.Command("patch", "-p1", "-N", "--no-backup-if-mismatch", "-i", abs)
	cmd.Dir = targetDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
