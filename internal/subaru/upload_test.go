package subaru

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUploader records which keys were streamed from disk and which were
// sent from memory.
type fakeUploader struct {
	streamed map[string]string // key -> source path
	buffered map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{
		streamed: make(map[string]string),
		buffered: make(map[string][]byte),
	}
}

func (f *fakeUploader) UploadLocalFile(ctx context.Context, key, path string) error {
	f.streamed[key] = path
	return nil
}

func (f *fakeUploader) UploadFile(ctx context.Context, key string, body []byte) error {
	f.buffered[key] = body
	return nil
}

func TestPushBackupStreamsArchiveAndSendsSidecar(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.MkdirAll(cfg.BackupsDir, 0o755))

	name := "kernel-6.10.0-20240101-000000.tar.zst"
	archive := filepath.Join(cfg.BackupsDir, name)
	require.NoError(t, os.WriteFile(archive, []byte("zstd-data"), 0o644))
	require.NoError(t, os.WriteFile(archive+".b3sum", []byte("abc  "+name+"\n"), 0o644))

	up := newFakeUploader()
	require.NoError(t, pushBackup(context.Background(), up, cfg, name))

	// The archive goes up as a stream from its on-disk path, never as a
	// byte slice.
	assert.Equal(t, archive, up.streamed["backups/"+name])
	assert.NotContains(t, up.buffered, "backups/"+name)
	// The sidecar is small enough to send from memory.
	assert.Equal(t, []byte("abc  "+name+"\n"), up.buffered["backups/"+name+".b3sum"])
}

func TestPushBackupWithoutSidecar(t *testing.T) {
	cfg := newTestConfig(t)
	require.NoError(t, os.MkdirAll(cfg.BackupsDir, 0o755))

	name := "kernel-6.10.0-20240101-000000.tar.zst"
	require.NoError(t, os.WriteFile(filepath.Join(cfg.BackupsDir, name), []byte("zstd-data"), 0o644))

	up := newFakeUploader()
	require.NoError(t, pushBackup(context.Background(), up, cfg, name))

	assert.Len(t, up.streamed, 1)
	assert.Empty(t, up.buffered)
}

func TestPushBackupUnknownReference(t *testing.T) {
	cfg := newTestConfig(t)

	up := newFakeUploader()
	err := pushBackup(context.Background(), up, cfg, "kernel-0.0.0-20240101-000000.tar.zst")
	assert.ErrorIs(t, err, ErrBackupNotFound)
	assert.Empty(t, up.streamed)
}
