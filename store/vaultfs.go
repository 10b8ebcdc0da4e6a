package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vault"
)

const (
	credentialFilename = "credential.json"
	journalFilename    = "rotation-journal.json"
	throttleFilename   = "throttle.json"
	catalogFilename    = "catalog.db"
	mediaDirname       = "media"

	// ContainerExt is the extension of every encrypted media file.
	ContainerExt = ".ealb"
)

// Paths locates vault artifacts on disk.
type Paths struct {
	Dir string
}

// CredentialPath resolves credential.json.
func (p Paths) CredentialPath() string {
	return filepath.Join(p.Dir, credentialFilename)
}

// JournalPath resolves rotation-journal.json.
func (p Paths) JournalPath() string {
	return filepath.Join(p.Dir, journalFilename)
}

// ThrottlePath resolves the unlock throttle state.
func (p Paths) ThrottlePath() string {
	return filepath.Join(p.Dir, throttleFilename)
}

// CatalogPath resolves the SQLite item catalog.
func (p Paths) CatalogPath() string {
	return filepath.Join(p.Dir, catalogFilename)
}

// MediaDir resolves the directory holding encrypted containers.
func (p Paths) MediaDir() string {
	return filepath.Join(p.Dir, mediaDirname)
}

// ContainerPath resolves the container file for an item.
func (p Paths) ContainerPath(itemID string) string {
	return filepath.Join(p.MediaDir(), itemID+ContainerExt)
}

// EnsureDirs creates the vault and media directories with owner-only access.
func (p Paths) EnsureDirs() error {
	if err := p.ensureDir(); err != nil {
		return err
	}
	if err := os.MkdirAll(p.MediaDir(), 0o700); err != nil {
		return fmt.Errorf("create media directory: %w", err)
	}
	return nil
}

func (p Paths) ensureDir() error {
	if p.Dir == "" {
		return errors.New("vault directory not specified")
	}
	if err := os.MkdirAll(p.Dir, 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}
	return nil
}

// LoadCredential reads credential.json. A missing file is returned as an
// error satisfying errors.Is(err, os.ErrNotExist).
func LoadCredential(p Paths) (vault.Credential, error) {
	var cred vault.Credential
	err := loadJSON(p.CredentialPath(), "credential", &cred)
	return cred, err
}

// SaveCredential replaces credential.json atomically with restrictive permissions.
func SaveCredential(p Paths, cred vault.Credential) error {
	return saveJSON(p, p.CredentialPath(), "credential", cred)
}

// CredentialExists reports whether the vault has been set up.
func CredentialExists(p Paths) (bool, error) {
	return exists(p.CredentialPath())
}

// LoadJournal reads rotation-journal.json without verifying it.
func LoadJournal(p Paths) (*vault.RotationJournal, error) {
	var j vault.RotationJournal
	if err := loadJSON(p.JournalPath(), "rotation journal", &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// SaveJournal replaces rotation-journal.json atomically.
func SaveJournal(p Paths, j *vault.RotationJournal) error {
	return saveJSON(p, p.JournalPath(), "rotation journal", j)
}

// JournalExists reports whether a rotation is pending.
func JournalExists(p Paths) (bool, error) {
	return exists(p.JournalPath())
}

// DeleteJournal removes rotation-journal.json. A missing journal is not an error.
func DeleteJournal(p Paths) error {
	return remove(p.JournalPath(), "rotation journal")
}

// LoadThrottle reads the unlock throttle state; a missing file is the zero state.
func LoadThrottle(p Paths) (vault.ThrottleState, error) {
	var st vault.ThrottleState
	err := loadJSON(p.ThrottlePath(), "throttle state", &st)
	if errors.Is(err, os.ErrNotExist) {
		return vault.ThrottleState{}, nil
	}
	return st, err
}

// SaveThrottle persists the unlock throttle state.
func SaveThrottle(p Paths, st vault.ThrottleState) error {
	return saveJSON(p, p.ThrottlePath(), "throttle state", st)
}

// ResetThrottle removes the throttle state.
func ResetThrottle(p Paths) error {
	return remove(p.ThrottlePath(), "throttle state")
}

func loadJSON(path, what string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return err
		}
		return fmt.Errorf("read %s: %w", what, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", what, err)
	}
	return nil
}

// saveJSON writes v to a temp file in the vault directory, fsyncs it and
// renames it over path, so readers only ever see the old or the new record.
func saveJSON(p Paths, path, what string, v any) error {
	if err := p.ensureDir(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", what, err)
	}

	tmp, err := os.CreateTemp(p.Dir, "."+filepath.Base(path)+".*.partial")
	if err != nil {
		return fmt.Errorf("create temp %s: %w", what, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp %s: %w", what, err)
	}

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp %s: %w", what, err)
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp %s: %w", what, err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp %s: %w", what, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace %s: %w", what, err)
	}

	syncDir(p.Dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
	}
}

func remove(path, what string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", what, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}
