package subaru

import (
	"errors"
	"fmt"
)

// Sentinel errors for the failure modes an operator acts on directly.
var (
	// ErrInvalidStage is returned when a resume target names an unknown stage.
	ErrInvalidStage = errors.New("unknown stage")
	// ErrNoChanges is returned by patch creation on an unmodified tree.
	ErrNoChanges = errors.New("working tree has no changes")
	// ErrBackupNotFound is returned when a restore reference does not resolve.
	ErrBackupNotFound = errors.New("backup archive not found")
)

// StageFailure reports a stage whose executor exited non-zero (or crashed).
type StageFailure struct {
	Stage    string
	ExitCode int
}

func (e *StageFailure) Error() string {
	return fmt.Sprintf("stage %s failed with exit code %d", e.Stage, e.ExitCode)
}

// PatchConflict identifies the first patch that failed to apply. Patches
// after it in the same version bucket are never attempted.
type PatchConflict struct {
	PatchID string
	Err     error
}

func (e *PatchConflict) Error() string {
	return fmt.Sprintf("patch %s failed to apply: %v", e.PatchID, e.Err)
}

func (e *PatchConflict) Unwrap() error { return e.Err }

// BackupFailure means a tree could not be snapshotted before a destructive
// update. Always fatal; the tree is never mutated without a safety copy.
type BackupFailure struct {
	Version string
	Err     error
}

func (e *BackupFailure) Error() string {
	return fmt.Sprintf("backup of version %s failed: %v", e.Version, e.Err)
}

func (e *BackupFailure) Unwrap() error { return e.Err }
