package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marchage/EncryptedAlbum-sub005/internal/config"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

func TestDefaults(t *testing.T) {
	cfg := config.Default()

	assert.Equal(t, "./vault", cfg.VaultDir)
	assert.EqualValues(t, 4<<20, cfg.ChunkSize)
	assert.EqualValues(t, 100<<20, cfg.SecureEraseCap)
	assert.Equal(t, krypto.KDFVersionPBKDF2, cfg.KDFVersion)
	assert.Equal(t, 600_000, cfg.KDFIterations)
	assert.Equal(t, 8, cfg.MinPasswordLength)
	assert.Equal(t, 10, cfg.MaxFailedAttempts)
	assert.False(t, cfg.WipeOnMaxFailures)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 5*time.Minute, cfg.BackoffMax)
	assert.False(t, cfg.EraseSourceAfterHide)
	assert.False(t, cfg.RequireCharClasses)
	assert.Equal(t, 8, cfg.Policy().MinLength)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "album.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
vault_dir: /tmp/my-album
chunk_size: 1048576
kdf_version: 2
backoff_base: 2s
wipe_on_max_failures: true
require_char_classes: true
`), 0o600))

	t.Setenv("ALBUM_MAX_FAILED_ATTEMPTS", "3")
	t.Setenv("ALBUM_VAULT_DIR", "/tmp/from-env")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env", cfg.VaultDir)
	assert.EqualValues(t, 1<<20, cfg.ChunkSize)
	assert.Equal(t, krypto.KDFVersionArgon2id, cfg.KDFVersion)
	assert.Equal(t, krypto.KDFVersionArgon2id, cfg.KDFParams().Version)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.True(t, cfg.WipeOnMaxFailures)
	assert.Equal(t, 3, cfg.MaxFailedAttempts)
	assert.Equal(t, 3, cfg.Throttle().MaxFailedAttempts)
	assert.True(t, cfg.Policy().RequireClasses)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.ChunkSize = 8
	assert.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.KDFIterations = 1000
	assert.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.MinStrengthScore = 5
	assert.Error(t, cfg.Validate())

	cfg = config.Default()
	cfg.VaultDir = ""
	assert.Error(t, cfg.Validate())
}
