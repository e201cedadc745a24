package subaru

import (
	"fmt"
	"os"
)

// updateState names the phases of the version-update workflow. The tree is
// Stable on entry; on failure after extraction begins it stays in whatever
// partial state it reached, with the backup available for a manual restore.
// The workflow never auto-restores: an operator may want to inspect the
// broken intermediate state first.
type updateState int

const (
	stateStable updateState = iota
	stateBackingUp
	stateExtracting
	statePatching
)

func (s updateState) String() string {
	switch s {
	case stateBackingUp:
		return "Backing-Up"
	case stateExtracting:
		return "Extracting"
	case statePatching:
		return "Patching"
	}
	return "Stable"
}

// Updater owns the version-update workflow over the tracked tree.
type Updater struct {
	cfg      *Config
	versions *VersionStore
	archive  *ArchiveStore
	patches  *PatchRepository
}

func NewUpdater(cfg *Config) *Updater {
	return &Updater{
		cfg:      cfg,
		versions: NewVersionStore(cfg),
		archive:  NewArchiveStore(cfg),
		patches:  NewPatchRepository(cfg),
	}
}

// Update replaces the tracked tree with the contents of newSourceArchive:
// backup, wipe, extract (stripping one leading component), derive the new
// version from the tree's own metadata, persist it, then apply the patches
// recorded for that version. The backup must succeed before anything is
// mutated; there is no bypass.
func (u *Updater) Update(newSourceArchive string) error {
	if _, err := os.Stat(newSourceArchive); err != nil {
		return fmt.Errorf("source archive %s: %w", newSourceArchive, err)
	}

	lock, err := acquireRunLock(u.cfg.lockFile())
	if err != nil {
		return err
	}
	defer lock.release()

	current := u.versions.Current()

	u.announce(stateBackingUp, current)
	if _, err := u.archive.Backup(u.cfg.TrackedDir, current); err != nil {
		return &BackupFailure{Version: current, Err: err}
	}

	u.announce(stateExtracting, current)
	if err := wipeDir(u.cfg.TrackedDir); err != nil {
		return fmt.Errorf("failed to clear tracked dir: %w", err)
	}
	if err := extractSourceArchive(newSourceArchive, u.cfg.TrackedDir); err != nil {
		return fmt.Errorf("failed to extract %s: %w", newSourceArchive, err)
	}

	newVersion, err := detectTreeVersion(u.cfg.TrackedDir)
	if err != nil {
		return err
	}
	if err := u.versions.Set(newVersion); err != nil {
		return fmt.Errorf("failed to persist version marker: %w", err)
	}

	u.announce(statePatching, newVersion)
	if err := u.patches.Apply(u.cfg.TrackedDir, newVersion); err != nil {
		return err
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Tree updated: %s -> %s\n", displayVersion(current), newVersion)
	return nil
}

// Restore rolls the tracked tree back to a backup and moves the version
// marker to the version the archive was taken from.
func (u *Updater) Restore(ref string) error {
	lock, err := acquireRunLock(u.cfg.lockFile())
	if err != nil {
		return err
	}
	defer lock.release()

	b, err := u.archive.Restore(ref, u.cfg.TrackedDir)
	if err != nil {
		return err
	}
	if b.Version != "" && b.Version != "unknown" {
		if err := u.versions.Set(b.Version); err != nil {
			return fmt.Errorf("tree restored but version marker not updated: %w", err)
		}
	}
	return nil
}

func (u *Updater) announce(s updateState, version string) {
	colArrow.Print("-> ")
	colInfo.Printf("%s (%s)\n", s, displayVersion(version))
}

func displayVersion(v string) string {
	if v == "" {
		return "unversioned"
	}
	return v
}
