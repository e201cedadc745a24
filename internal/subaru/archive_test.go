package subaru

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func populateTree(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "init"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Makefile"), []byte("VERSION = 6\nPATCHLEVEL = 10\nSUBLEVEL = 0\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init", "main.c"), []byte("int main(void) { return 0; }\n"), 0o644))
	require.NoError(t, os.Symlink("Makefile", filepath.Join(dir, "GNUmakefile")))
}

// writeSourceTarball builds a .tar.gz with the single leading directory
// upstream source archives carry.
func writeSourceTarball(t *testing.T, path, topDir string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     topDir + "/",
		Typeflag: tar.TypeDir,
		Mode:     0o755,
	}))
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     topDir + "/" + name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
}

func TestBackupRestoreRoundtrip(t *testing.T) {
	cfg := newTestConfig(t)
	populateTree(t, cfg.TrackedDir)

	store := NewArchiveStore(cfg)
	b, err := store.Backup(cfg.TrackedDir, "6.10.0")
	require.NoError(t, err)
	assert.Equal(t, "6.10.0", b.Version)
	assert.FileExists(t, b.Path)
	assert.FileExists(t, b.Path+".b3sum")

	// Trash the tree, then restore.
	require.NoError(t, os.WriteFile(filepath.Join(cfg.TrackedDir, "Makefile"), []byte("broken"), 0o644))
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.TrackedDir, "init")))

	restored, err := store.Restore(filepath.Base(b.Path), cfg.TrackedDir)
	require.NoError(t, err)
	assert.Equal(t, "6.10.0", restored.Version)

	data, err := os.ReadFile(filepath.Join(cfg.TrackedDir, "Makefile"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "VERSION = 6")
	assert.FileExists(t, filepath.Join(cfg.TrackedDir, "init", "main.c"))

	link, err := os.Readlink(filepath.Join(cfg.TrackedDir, "GNUmakefile"))
	require.NoError(t, err)
	assert.Equal(t, "Makefile", link)
}

func TestRestoreUnknownReference(t *testing.T) {
	cfg := newTestConfig(t)
	store := NewArchiveStore(cfg)

	_, err := store.Restore("kernel-0.0.0-20240101-000000.tar.zst", cfg.TrackedDir)
	assert.ErrorIs(t, err, ErrBackupNotFound)
}

func TestRestoreDetectsCorruptArchive(t *testing.T) {
	cfg := newTestConfig(t)
	populateTree(t, cfg.TrackedDir)

	store := NewArchiveStore(cfg)
	b, err := store.Backup(cfg.TrackedDir, "6.10.0")
	require.NoError(t, err)

	// Flip bytes after the checksum was recorded.
	require.NoError(t, os.WriteFile(b.Path, []byte("garbage"), 0o644))

	_, err = store.Restore(filepath.Base(b.Path), cfg.TrackedDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "checksum mismatch")
	// The tree was not wiped.
	assert.FileExists(t, filepath.Join(cfg.TrackedDir, "Makefile"))
}

func TestBackupsForSameVersionCoexist(t *testing.T) {
	cfg := newTestConfig(t)
	populateTree(t, cfg.TrackedDir)

	store := NewArchiveStore(cfg)
	b1, err := store.Backup(cfg.TrackedDir, "6.10.0")
	require.NoError(t, err)

	// Same version, distinct timestamped name.
	b2 := b1
	for i := 0; i < 3; i++ {
		b2, err = store.Backup(cfg.TrackedDir, "6.10.0")
		require.NoError(t, err)
		if b2.Path != b1.Path {
			break
		}
	}
	if b2.Path == b1.Path {
		t.Skip("timestamps did not advance")
	}

	backups, err := store.List()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(backups), 2)
}

func TestExtractSourceStripsLeadingComponent(t *testing.T) {
	cfg := newTestConfig(t)
	archive := filepath.Join(cfg.TmpDir, "linux-6.11.9.tar.gz")
	require.NoError(t, os.MkdirAll(cfg.TmpDir, 0o755))
	writeSourceTarball(t, archive, "linux-6.11.9", map[string]string{
		"Makefile":    "VERSION = 6\nPATCHLEVEL = 11\nSUBLEVEL = 9\n",
		"init/main.c": "int main(void) { return 0; }\n",
	})

	dest := filepath.Join(cfg.TmpDir, "out")
	require.NoError(t, extractSourceArchive(archive, dest))

	assert.FileExists(t, filepath.Join(dest, "Makefile"))
	assert.FileExists(t, filepath.Join(dest, "init", "main.c"))
	assert.NoDirExists(t, filepath.Join(dest, "linux-6.11.9"))
}

func TestUpdateReplacesTreeAndAppliesPatches(t *testing.T) {
	cfg := newTestConfig(t)
	populateTree(t, cfg.TrackedDir)
	require.NoError(t, NewVersionStore(cfg).Set("6.10.0"))

	archive := filepath.Join(cfg.TmpDir, "linux-6.11.9.tar.gz")
	require.NoError(t, os.MkdirAll(cfg.TmpDir, 0o755))
	writeSourceTarball(t, archive, "linux-6.11.9", map[string]string{
		"Makefile": "VERSION = 6\nPATCHLEVEL = 11\nSUBLEVEL = 9\n",
	})

	writePatchPair(t, cfg, "6.11.9", "20240101-000000_x")

	updater := NewUpdater(cfg)
	var applied []string
	updater.patches.applyDiff = func(targetDir, diffPath string) error {
		applied = append(applied, filepath.Base(diffPath))
		return nil
	}

	require.NoError(t, updater.Update(archive))

	assert.Equal(t, "6.11.9", NewVersionStore(cfg).Current())
	// The old tree is gone, the new one is in place.
	assert.NoFileExists(t, filepath.Join(cfg.TrackedDir, "init", "main.c"))
	assert.FileExists(t, filepath.Join(cfg.TrackedDir, "Makefile"))
	// The patch bucket for the new version was applied.
	assert.Equal(t, []string{"20240101-000000_x.patch"}, applied)
	// A backup of the previous version exists.
	backups, err := NewArchiveStore(cfg).List()
	require.NoError(t, err)
	require.Len(t, backups, 1)
	assert.Equal(t, "6.10.0", backups[0].Version)
}

func TestUpdateAbortsWhenBackupFails(t *testing.T) {
	cfg := newTestConfig(t)
	populateTree(t, cfg.TrackedDir)
	require.NoError(t, NewVersionStore(cfg).Set("6.10.0"))

	// A file where the backups dir should be makes every backup fail.
	require.NoError(t, os.WriteFile(cfg.BackupsDir, []byte("not a dir"), 0o644))

	archive := filepath.Join(cfg.TmpDir, "linux-6.11.9.tar.gz")
	require.NoError(t, os.MkdirAll(cfg.TmpDir, 0o755))
	writeSourceTarball(t, archive, "linux-6.11.9", map[string]string{
		"Makefile": "VERSION = 6\nPATCHLEVEL = 11\nSUBLEVEL = 9\n",
	})

	updater := NewUpdater(cfg)
	err := updater.Update(archive)
	require.Error(t, err)

	var backupErr *BackupFailure
	require.ErrorAs(t, err, &backupErr)
	assert.Equal(t, "6.10.0", backupErr.Version)

	// The tree was never wiped and the version marker is unchanged.
	assert.FileExists(t, filepath.Join(cfg.TrackedDir, "init", "main.c"))
	assert.Equal(t, "6.10.0", NewVersionStore(cfg).Current())
}

func TestUpdateRestoreRollsBackVersionMarker(t *testing.T) {
	cfg := newTestConfig(t)
	populateTree(t, cfg.TrackedDir)
	require.NoError(t, NewVersionStore(cfg).Set("6.10.0"))

	store := NewArchiveStore(cfg)
	b, err := store.Backup(cfg.TrackedDir, "6.10.0")
	require.NoError(t, err)

	require.NoError(t, NewVersionStore(cfg).Set("6.11.9"))

	updater := NewUpdater(cfg)
	require.NoError(t, updater.Restore(filepath.Base(b.Path)))
	assert.Equal(t, "6.10.0", NewVersionStore(cfg).Current())
}
