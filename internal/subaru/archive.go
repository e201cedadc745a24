package subaru

import (
	"archive/tar"
	"compress/bzip2"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"
)

const backupStamp = "20060102-150405"

// Backup is one timestamped, version-keyed snapshot of the tracked tree.
type Backup struct {
	Version   string
	Timestamp time.Time
	Path      string
}

// ArchiveStore creates and restores tar.zst snapshots of the tracked tree.
// Every archive gets a blake3 sidecar (.b3sum) that restores verify before
// the tree is wiped. Backups are never deleted automatically.
type ArchiveStore struct {
	dir      string
	treeName string
}

func NewArchiveStore(cfg *Config) *ArchiveStore {
	return &ArchiveStore{dir: cfg.BackupsDir, treeName: cfg.TreeName}
}

// Backup archives trackedDir recursively into the backups dir, keyed by
// version and the current timestamp. Multiple backups of one version may
// coexist.
func (a *ArchiveStore) Backup(trackedDir, version string) (*Backup, error) {
	if version == "" {
		version = "unknown"
	}
	if err := os.MkdirAll(a.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backups dir: %w", err)
	}

	now := time.Now()
	name := fmt.Sprintf("%s-%s-%s.tar.zst", a.treeName, version, now.Format(backupStamp))
	path := filepath.Join(a.dir, name)

	if err := createTarZst(trackedDir, path); err != nil {
		os.Remove(path)
		return nil, err
	}

	sum, err := blake3File(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to checksum backup: %w", err)
	}
	sidecar := fmt.Sprintf("%s  %s\n", sum, name)
	if err := os.WriteFile(path+".b3sum", []byte(sidecar), 0o644); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to write backup checksum: %w", err)
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Backup created: %s\n", path)
	return &Backup{Version: version, Timestamp: now, Path: path}, nil
}

// Restore wipes trackedDir and extracts the referenced archive in place.
// The reference may be an absolute path or a file name under the backups
// dir. A dangling reference fails with ErrBackupNotFound. The returned
// Backup carries the version parsed from the archive name so the caller can
// roll the version marker back with it.
func (a *ArchiveStore) Restore(ref, trackedDir string) (*Backup, error) {
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.dir, ref)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBackupNotFound, ref)
	}

	if err := a.verifySidecar(path); err != nil {
		return nil, err
	}

	if err := wipeDir(trackedDir); err != nil {
		return nil, fmt.Errorf("failed to clear %s: %w", trackedDir, err)
	}
	if err := extractArchive(path, trackedDir, false); err != nil {
		return nil, fmt.Errorf("failed to restore %s: %w", ref, err)
	}

	b := &Backup{Path: path}
	if version, ts, ok := a.parseBackupName(filepath.Base(path)); ok {
		b.Version = version
		b.Timestamp = ts
	}

	colArrow.Print("-> ")
	colSuccess.Printf("Restored %s from %s\n", trackedDir, path)
	return b, nil
}

// List returns the known backups, newest last. Used by the push command and
// by operators deciding what to restore.
func (a *ArchiveStore) List() ([]Backup, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var backups []Backup
	for _, e := range entries {
		version, ts, ok := a.parseBackupName(e.Name())
		if !ok {
			continue
		}
		backups = append(backups, Backup{
			Version:   version,
			Timestamp: ts,
			Path:      filepath.Join(a.dir, e.Name()),
		})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Path < backups[j].Path })
	return backups, nil
}

// parseBackupName splits <tree>-<version>-<YYYYMMDD-HHMMSS>.tar.zst. The
// stamp is the last two dash-separated fields; the version may itself
// contain dashes.
func (a *ArchiveStore) parseBackupName(name string) (string, time.Time, bool) {
	prefix := a.treeName + "-"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".tar.zst") {
		return "", time.Time{}, false
	}
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".tar.zst")
	fields := strings.Split(trimmed, "-")
	if len(fields) < 3 {
		return "", time.Time{}, false
	}
	stamp := strings.Join(fields[len(fields)-2:], "-")
	ts, err := time.ParseInLocation(backupStamp, stamp, time.Local)
	if err != nil {
		return "", time.Time{}, false
	}
	return strings.Join(fields[:len(fields)-2], "-"), ts, true
}

func (a *ArchiveStore) verifySidecar(path string) error {
	data, err := os.ReadFile(path + ".b3sum")
	if err != nil {
		// Pre-sidecar archives restore without verification.
		debugf("no checksum sidecar for %s, skipping verification\n", path)
		return nil
	}
	want := strings.Fields(string(data))
	if len(want) == 0 {
		return fmt.Errorf("malformed checksum sidecar for %s", path)
	}
	got, err := blake3File(path)
	if err != nil {
		return err
	}
	if got != want[0] {
		return fmt.Errorf("backup %s is corrupt: checksum mismatch", path)
	}
	return nil
}

// blake3File computes the blake3-256 hex digest of a file.
func blake3File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// createTarZst walks srcDir and writes a zstd-compressed tarball rooted at
// "." so restores extract in place without stripping.
func createTarZst(srcDir, destPath string) error {
	outFile, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer outFile.Close()

	zw, err := zstd.NewWriter(outFile)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	defer zw.Close()

	tw := tar.NewWriter(zw)
	defer tw.Close()

	err = filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var linkTarget string
		if info.Mode()&os.ModeSymlink != 0 {
			linkTarget, err = os.Readlink(path)
			if err != nil {
				return fmt.Errorf("readlink %s: %w", path, err)
			}
		}

		hdr, err := tar.FileInfoHeader(info, linkTarget)
		if err != nil {
			return err
		}
		hdr.Name = rel
		if info.IsDir() {
			hdr.Name += "/"
		}

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			if _, err := io.Copy(tw, f); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive %s: %w", srcDir, err)
	}

	// Make the tail of the archive durable before the sidecar is written.
	if err := tw.Close(); err != nil {
		return err
	}
	if err := zw.Close(); err != nil {
		return err
	}
	return outFile.Sync()
}

// extractSourceArchive extracts a new source archive into dest, stripping
// the single leading path component upstream tarballs carry.
func extractSourceArchive(archive, dest string) error {
	return extractArchive(archive, dest, true)
}

// extractArchive extracts a tar archive (with possible compression) into
// dest, optionally stripping the top-level directory. Handles PAX headers
// and preserves timestamps; ownership is restored only when running as root.
func extractArchive(realPath, dest string, strip bool) error {
	f, err := os.Open(realPath)
	if err != nil {
		return fmt.Errorf("failed to open archive %s: %w", realPath, err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(realPath, ".tar.gz") || strings.HasSuffix(realPath, ".tgz"):
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create gzip reader for %s: %w", realPath, err)
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(realPath, ".tar.bz2"):
		r = bzip2.NewReader(f)
	case strings.HasSuffix(realPath, ".tar.xz"):
		xzr, err := xz.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create xz reader for %s: %w", realPath, err)
		}
		r = xzr
	case strings.HasSuffix(realPath, ".tar.zst"):
		zst, err := zstd.NewReader(f)
		if err != nil {
			return fmt.Errorf("failed to create zstd reader for %s: %w", realPath, err)
		}
		defer zst.Close()
		r = zst
	case strings.HasSuffix(realPath, ".tar"):
		// No compression
	default:
		return fmt.Errorf("unsupported archive format: %s", realPath)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	tr := tar.NewReader(r)

	// Prefix to strip, e.g. "linux-6.11.9/".
	var prefix string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("error reading tar header in %s: %w", realPath, err)
		}

		if hdr.Typeflag == tar.TypeXHeader || hdr.Typeflag == tar.TypeXGlobalHeader {
			if _, err := io.Copy(io.Discard, tr); err != nil {
				return fmt.Errorf("error skipping extended header data in %s: %w", realPath, err)
			}
			continue
		}

		if strip && prefix == "" && (hdr.Typeflag == tar.TypeDir || hdr.Typeflag == tar.TypeReg) {
			if slashIdx := strings.Index(hdr.Name, "/"); slashIdx != -1 {
				prefix = hdr.Name[:slashIdx+1]
				debugf("Detected tar prefix for stripping: %s\n", prefix)
			}
		}

		targetName := hdr.Name
		if prefix != "" && strings.HasPrefix(targetName, prefix) {
			targetName = strings.TrimPrefix(targetName, prefix)
		}
		if targetName == "" || targetName == "./" || targetName == "." {
			continue
		}

		targetPath := filepath.Join(dest, targetName)
		if !strings.HasPrefix(targetPath, filepath.Clean(dest)+string(os.PathSeparator)) {
			return fmt.Errorf("illegal file path in archive: %s", hdr.Name)
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("failed to create parent dir for %s: %w", targetPath, err)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(targetPath, os.FileMode(hdr.Mode)); err != nil {
				return fmt.Errorf("failed to create dir %s: %w", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeReg:
			outFile, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return fmt.Errorf("failed to create file %s: %w", targetPath, err)
			}
			if _, err := io.Copy(outFile, tr); err != nil {
				outFile.Close()
				return fmt.Errorf("failed to write file %s: %w", targetPath, err)
			}
			outFile.Close()
			if err := os.Chtimes(targetPath, hdr.AccessTime, hdr.ModTime); err != nil {
				debugf("Warning: failed to set times for %s: %v\n", targetPath, err)
			}
			if os.Geteuid() == 0 {
				_ = os.Chown(targetPath, hdr.Uid, hdr.Gid)
			}
		case tar.TypeSymlink:
			_ = os.Remove(targetPath)
			if err := os.Symlink(hdr.Linkname, targetPath); err != nil && !os.IsExist(err) {
				return fmt.Errorf("failed to create symlink %s -> %s: %w", targetPath, hdr.Linkname, err)
			}
			if os.Geteuid() == 0 {
				_ = unix.Lchown(targetPath, hdr.Uid, hdr.Gid)
			}
		default:
			debugf("Skipping unsupported tar entry type %c: %s\n", hdr.Typeflag, hdr.Name)
		}
	}

	if strip && prefix == "" {
		debugf("No top-level directory prefix found in %s; extracted without stripping\n", realPath)
	}

	return nil
}

// compressXZ compresses srcPath into destPath. Finished run logs and
// failure snapshots are stored compressed, same as build logs.
func compressXZ(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer dest.Close()

	xzWriter, err := xz.NewWriter(dest)
	if err != nil {
		return err
	}
	defer xzWriter.Close()

	_, err = io.Copy(xzWriter, src)
	return err
}
