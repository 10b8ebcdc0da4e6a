package erase_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marchage/EncryptedAlbum-sub005/internal/erase"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, size), 0o600))
	return path
}

func TestSecureDeleteFileOverwritesAndRemoves(t *testing.T) {
	path := writeFile(t, t.TempDir(), "secret.jpg", 3<<20+17)

	rep, err := erase.New(0).SecureDeleteFile(path)
	require.NoError(t, err)

	assert.True(t, rep.Overwritten)
	assert.NoError(t, rep.OverwriteErr)
	assert.Equal(t, 3, rep.Passes)
	assert.True(t, rep.BestEffort)
	assert.EqualValues(t, 3<<20+17, rep.Size)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "file should be gone")
}

func TestSecureDeleteFileAboveCapOnlyUnlinks(t *testing.T) {
	path := writeFile(t, t.TempDir(), "big.mov", 4096)

	rep, err := erase.New(1024).SecureDeleteFile(path)
	require.NoError(t, err)

	assert.False(t, rep.Overwritten)
	assert.Zero(t, rep.Passes)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSecureDeleteFileEmpty(t *testing.T) {
	path := writeFile(t, t.TempDir(), "empty", 0)

	rep, err := erase.New(0).SecureDeleteFile(path)
	require.NoError(t, err)
	assert.Zero(t, rep.Passes)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSecureDeleteFileMissing(t *testing.T) {
	_, err := erase.New(0).SecureDeleteFile(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestSecureDeleteFileReadOnlyStillUnlinks(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores file permissions")
	}
	path := writeFile(t, t.TempDir(), "ro.bin", 512)
	require.NoError(t, os.Chmod(path, 0o400))

	rep, err := erase.New(0).SecureDeleteFile(path)
	require.NoError(t, err)
	assert.Error(t, rep.OverwriteErr)
	assert.False(t, rep.Overwritten)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSecureDeleteDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "vault")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "media"), 0o700))
	writeFile(t, dir, "credential.json", 100)
	writeFile(t, filepath.Join(dir, "media"), "a.ealb", 2048)
	writeFile(t, filepath.Join(dir, "media"), "b.ealb", 10)

	reports, err := erase.New(0).SecureDeleteDir(dir)
	require.NoError(t, err)
	assert.Len(t, reports, 3)
	for _, r := range reports {
		assert.True(t, r.Overwritten, r.Path)
	}
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
