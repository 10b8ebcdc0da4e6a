package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/marchage/EncryptedAlbum-sub005/auth"
	"github.com/marchage/EncryptedAlbum-sub005/container"
	"github.com/marchage/EncryptedAlbum-sub005/internal/bio/toggle"
	"github.com/marchage/EncryptedAlbum-sub005/internal/config"
	"github.com/marchage/EncryptedAlbum-sub005/internal/db"
	"github.com/marchage/EncryptedAlbum-sub005/internal/erase"
	"github.com/marchage/EncryptedAlbum-sub005/internal/keystore"
	"github.com/marchage/EncryptedAlbum-sub005/internal/logging"
	"github.com/marchage/EncryptedAlbum-sub005/internal/rotation"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vault"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
	"github.com/marchage/EncryptedAlbum-sub005/store"
)

// ErrAlreadyInitialized is returned by Setup on a vault that has a credential.
var ErrAlreadyInitialized = errors.New("vault already initialised; unlock instead")

// ErrVaultWiped is joined to the invalid password error when the opt-in
// failure threshold destroyed the vault.
var ErrVaultWiped = errors.New("vault erased after too many failed unlock attempts")

// Vault is the single owner of a vault directory's metadata. Mutations
// (hide, restore, delete, password change, recovery, wipe) are serialised by
// a write lock held for their whole duration, so a key rotation excludes
// every other writer. Viewing takes the read lock. Listing goes straight to
// the catalog.
type Vault struct {
	mu sync.RWMutex

	cfg      config.Config
	paths    store.Paths
	catalog  atomic.Pointer[db.DB]
	eraser   *erase.Eraser
	keys     keystore.Store
	prompt   toggle.PromptFunc
	bio      *toggle.Toggle
	throttle *auth.Throttle
	log      *logging.Logger

	sleep func(context.Context, time.Duration) error
	now   func() time.Time

	lockdown atomic.Bool
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// WithKeystore replaces the platform credential store.
func WithKeystore(s keystore.Store) Option {
	return func(v *Vault) { v.keys = s }
}

// WithBiometricPrompt replaces the platform biometric prompt.
func WithBiometricPrompt(p toggle.PromptFunc) Option {
	return func(v *Vault) { v.prompt = p }
}

// WithSleep replaces the backoff wait.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(v *Vault) { v.sleep = fn }
}

// WithClock replaces the time source used by the throttle.
func WithClock(fn func() time.Time) Option {
	return func(v *Vault) { v.now = fn }
}

// New opens the vault at cfg.VaultDir, creating its directories and catalog
// when needed.
func New(cfg config.Config, opts ...Option) (*Vault, error) {
	v := &Vault{
		cfg:    cfg,
		paths:  store.Paths{Dir: cfg.VaultDir},
		eraser: erase.New(cfg.SecureEraseCap),
		log:    logging.Discard(),
		sleep:  auth.Sleep,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.keys == nil {
		v.keys = keystore.Platform()
	}

	if err := v.paths.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := v.openCatalog(); err != nil {
		return nil, err
	}

	account, err := keystore.AccountForDirectory(cfg.VaultDir)
	if err != nil {
		db.Close(v.catalogDB())
		return nil, err
	}
	v.bio = toggle.New(v.keys, account, v.prompt)

	st, err := store.LoadThrottle(v.paths)
	if err != nil {
		db.Close(v.catalogDB())
		return nil, err
	}
	v.throttle = auth.NewThrottle(cfg.Throttle(), st)
	return v, nil
}

// catalogDB returns the current catalog handle. The wipe swaps it while
// List may be reading without the vault lock.
func (v *Vault) catalogDB() *db.DB {
	return v.catalog.Load()
}

func (v *Vault) openCatalog() error {
	catalog, err := db.Open(v.paths.CatalogPath())
	if err != nil {
		return fmt.Errorf("open catalog (%s): %w", v.paths.CatalogPath(), err)
	}
	if err := db.Migrate(catalog); err != nil {
		db.Close(catalog)
		return err
	}
	v.catalog.Store(catalog)
	return nil
}

// Close releases the catalog.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return db.Close(v.catalogDB())
}

// Paths exposes where the vault lives.
func (v *Vault) Paths() store.Paths {
	return v.paths
}

// SetLockdown toggles lockdown. While set, every mutating operation fails
// with vaulterr.ErrOperationDeniedByLockdown.
func (v *Vault) SetLockdown(on bool) {
	v.lockdown.Store(on)
	if on {
		v.log.Warnf("lockdown enabled: vault is read-only")
	} else {
		v.log.Infof("lockdown disabled")
	}
}

// Lockdown reports whether lockdown is set.
func (v *Vault) Lockdown() bool {
	return v.lockdown.Load()
}

func (v *Vault) writable() error {
	if v.lockdown.Load() {
		return vaulterr.ErrOperationDeniedByLockdown
	}
	return nil
}

// noPendingRotation refuses changes to the media set while a rotation is unresolved.
func (v *Vault) noPendingRotation() error {
	pending, err := store.JournalExists(v.paths)
	if err != nil {
		return err
	}
	if pending {
		return rotation.ErrRotationPending
	}
	return nil
}

func (v *Vault) coordinator() *rotation.Coordinator {
	return rotation.New(v.paths,
		rotation.WithNames(rotation.CatalogNames{DB: v.catalogDB()}),
		rotation.WithLogger(v.log),
		rotation.WithContainerOptions(container.WithProgress(func(done, total uint64) {
			if done == total {
				v.log.Debugf("re-encrypted container (%d bytes)", total)
			}
		})),
		rotation.WithCommitHook(func(newKeys *krypto.VaultKeyMaterial) error {
			refreshed, err := v.bio.Refresh(newKeys)
			if refreshed {
				v.log.Infof("biometric unlock updated to the new key")
			}
			return err
		}),
	)
}

func (v *Vault) loadCredential() (vault.CredentialMaterial, vault.Credential, error) {
	cred, err := store.LoadCredential(v.paths)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return vault.CredentialMaterial{}, cred, vaulterr.VaultNotInitialized("vault has not been set up")
		}
		return vault.CredentialMaterial{}, cred, err
	}
	m, err := cred.Decode()
	if err != nil {
		return m, cred, err
	}
	return m, cred, nil
}

// NeedsSetup reports whether the vault has no credential yet.
func (v *Vault) NeedsSetup() (bool, error) {
	ok, err := store.CredentialExists(v.paths)
	return !ok, err
}

// Setup creates the credential for a new vault.
func (v *Vault) Setup(ctx context.Context, password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	exists, err := store.CredentialExists(v.paths)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadyInitialized
	}
	if err := v.cfg.Policy().Validate(password); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	params := v.cfg.KDFParams()
	salt, err := krypto.NewRandomSalt(krypto.SaltLengthBytes)
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	keys, verifier, err := krypto.DeriveAll(password, salt, params)
	if err != nil {
		return fmt.Errorf("derive keys: %w", err)
	}
	defer keys.Zero()

	cred := vault.NewCredential(salt, verifier, krypto.KeyCheck(keys, salt), params)
	if err := store.SaveCredential(v.paths, cred); err != nil {
		return fmt.Errorf("persist credential: %w", err)
	}
	v.log.Infof("vault initialised in %s", v.paths.Dir)
	return nil
}

// Unlock verifies password and returns a Session. Failed attempts are
// counted across restarts; each one delays the next attempt, and with the
// opt-in wipe enabled the threshold destroys the vault.
func (v *Vault) Unlock(ctx context.Context, password string) (*Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.coordinator().FinishCommitted(); err != nil {
		v.log.Warnf("could not clean up committed rotation: %v", err)
	}

	m, _, err := v.loadCredential()
	if err != nil {
		return nil, err
	}

	if err := v.waitThrottle(ctx); err != nil {
		return nil, err
	}

	keys, verifier, err := krypto.DeriveAll(password, m.Salt, m.Params)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}
	if !krypto.VerifiersEqual(verifier, m.Verifier) {
		keys.Zero()
		return nil, v.recordFailure()
	}

	if len(m.KeyCheck) > 0 && !krypto.VerifyKeyCheck(keys, m.Salt, m.KeyCheck) {
		keys.Zero()
		return nil, vaulterr.HMACVerificationFailed(errors.New("credential key check mismatch"))
	}

	v.resetThrottle()
	return newSession(keys), nil
}

// waitThrottle delays a password check by the backoff owed for earlier
// failures. The caller holds the write lock.
func (v *Vault) waitThrottle(ctx context.Context) error {
	wait := v.throttle.Remaining(v.now())
	if wait <= 0 {
		return nil
	}
	v.log.Infof("waiting %s after previous failed attempts", wait.Round(time.Millisecond))
	return v.sleep(ctx, wait)
}

func (v *Vault) resetThrottle() {
	if v.throttle.State().FailedAttempts == 0 {
		return
	}
	v.throttle.Reset()
	if err := store.ResetThrottle(v.paths); err != nil {
		v.log.Warnf("could not reset unlock throttle: %v", err)
	}
}

func (v *Vault) recordFailure() error {
	wipe := v.throttle.RecordFailure(v.now())
	st := v.throttle.State()
	if err := store.SaveThrottle(v.paths, st); err != nil {
		v.log.Warnf("could not persist unlock throttle: %v", err)
	}
	v.log.Warnf("password check failed (%d consecutive)", st.FailedAttempts)

	if !wipe {
		return vaulterr.ErrInvalidPassword
	}
	if v.lockdown.Load() {
		v.log.Warnf("wipe threshold reached but lockdown is set; not erasing")
		return vaulterr.ErrInvalidPassword
	}
	if err := v.wipeLocked(); err != nil {
		return errors.Join(vaulterr.ErrInvalidPassword, ErrVaultWiped, err)
	}
	return errors.Join(vaulterr.ErrInvalidPassword, ErrVaultWiped)
}

// wipeLocked securely erases the whole vault directory and leaves an empty,
// uninitialised vault behind. The caller holds the write lock.
func (v *Vault) wipeLocked() error {
	v.log.Errorf("erasing vault at %s", v.paths.Dir)

	var errs []error
	if err := db.Close(v.catalogDB()); err != nil {
		errs = append(errs, err)
	}
	if _, err := v.eraser.SecureDeleteDir(v.paths.Dir); err != nil {
		errs = append(errs, err)
	}
	if err := v.bio.Disable(); err != nil && !errors.Is(err, keystore.ErrUnsupported) {
		errs = append(errs, err)
	}
	v.throttle.Reset()

	if err := v.paths.EnsureDirs(); err != nil {
		errs = append(errs, err)
	} else if err := v.openCatalog(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UnlockWithBiometrics releases the key material kept in the credential
// store after the biometric prompt succeeds, and validates it against the
// credential's key check.
func (v *Vault) UnlockWithBiometrics(ctx context.Context, reason string) (*Session, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := v.coordinator().FinishCommitted(); err != nil {
		v.log.Warnf("could not clean up committed rotation: %v", err)
	}
	m, _, err := v.loadCredential()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	keys, err := v.bio.Unlock(reason)
	if err != nil {
		return nil, err
	}
	if !krypto.VerifyKeyCheck(keys, m.Salt, m.KeyCheck) {
		keys.Zero()
		v.log.Warnf("biometric key material is stale; unlock with the password")
		return nil, vaulterr.ErrInvalidPassword
	}
	return newSession(keys), nil
}

// EnableBiometricUnlock stores the session's key material behind the
// biometric prompt.
func (v *Vault) EnableBiometricUnlock(sess *Session) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	keys, release, err := sess.acquire()
	if err != nil {
		return err
	}
	defer release()
	return v.bio.Enable(keys)
}

// DisableBiometricUnlock removes the stored key material.
func (v *Vault) DisableBiometricUnlock() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.bio.Disable()
}

// BiometricStatus reports whether biometric unlock is enrolled.
func (v *Vault) BiometricStatus() (toggle.State, error) {
	return v.bio.Status()
}

// Hide encrypts the file at srcPath into the vault and catalogs it. With
// erase_source_after_hide the source is then securely erased.
func (v *Vault) Hide(ctx context.Context, sess *Session, srcPath string, mediaType container.MediaType) (db.Item, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return db.Item{}, err
	}
	if err := v.noPendingRotation(); err != nil {
		return db.Item{}, err
	}
	keys, release, err := sess.acquire()
	if err != nil {
		return db.Item{}, err
	}
	defer release()

	id := uuid.NewString()
	dst := v.paths.ContainerPath(id)

	hdr, err := container.EncryptFile(ctx, srcPath, dst, keys, mediaType, container.WithChunkSize(int(v.cfg.ChunkSize)))
	if err != nil {
		return db.Item{}, fmt.Errorf("encrypt %s: %w", filepath.Base(srcPath), err)
	}

	sealed, err := vault.SealName(keys, id, filepath.Base(srcPath))
	if err != nil {
		os.Remove(dst)
		return db.Item{}, err
	}
	item := db.Item{
		ID:           id,
		Filename:     filepath.Base(dst),
		MediaType:    hdr.MediaType,
		OriginalSize: int64(hdr.OriginalSize),
		SealedName:   sealed,
	}
	if err := db.InsertItem(ctx, v.catalogDB(), item); err != nil {
		os.Remove(dst)
		return db.Item{}, err
	}
	v.log.Debugf("hid %s as %s (%d bytes, %d chunks)", hdr.MediaType, id, hdr.OriginalSize, hdr.ChunkCount())

	if v.cfg.EraseSourceAfterHide {
		rep, err := v.eraser.SecureDeleteFile(srcPath)
		switch {
		case err != nil:
			v.log.Warnf("source kept: %v", err)
		case rep.OverwriteErr != nil:
			v.log.Warnf("source unlinked without overwrite: %v", rep.OverwriteErr)
		}
	}

	return db.GetItem(ctx, v.catalogDB(), id)
}

// View streams the plaintext of an item into w. Plaintext reaches w chunk by
// chunk as each chunk authenticates; on error the caller must discard what
// was written.
func (v *Vault) View(ctx context.Context, sess *Session, id string, w io.Writer) error {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys, release, err := sess.acquire()
	if err != nil {
		return err
	}
	defer release()

	item, err := db.GetItem(ctx, v.catalogDB(), id)
	if err != nil {
		return err
	}
	f, err := os.Open(filepath.Join(v.paths.MediaDir(), item.Filename))
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	defer f.Close()

	_, err = container.Decrypt(ctx, f, w, keys)
	return err
}

// Restore decrypts an item to dstPath, then securely erases its container
// and removes it from the catalog.
func (v *Vault) Restore(ctx context.Context, sess *Session, id, dstPath string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	if err := v.noPendingRotation(); err != nil {
		return err
	}
	keys, release, err := sess.acquire()
	if err != nil {
		return err
	}
	defer release()

	item, err := db.GetItem(ctx, v.catalogDB(), id)
	if err != nil {
		return err
	}
	src := filepath.Join(v.paths.MediaDir(), item.Filename)
	if _, err := container.DecryptFile(ctx, src, dstPath, keys); err != nil {
		return err
	}

	if _, err := v.removeItem(ctx, item); err != nil {
		return fmt.Errorf("restored, but removing the hidden copy failed: %w", err)
	}
	return nil
}

// Delete securely erases an item's container and removes it from the catalog.
func (v *Vault) Delete(ctx context.Context, sess *Session, id string) (erase.Report, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return erase.Report{}, err
	}
	if err := v.noPendingRotation(); err != nil {
		return erase.Report{}, err
	}
	_, release, err := sess.acquire()
	if err != nil {
		return erase.Report{}, err
	}
	defer release()

	item, err := db.GetItem(ctx, v.catalogDB(), id)
	if err != nil {
		return erase.Report{}, err
	}
	return v.removeItem(ctx, item)
}

func (v *Vault) removeItem(ctx context.Context, item db.Item) (erase.Report, error) {
	rep, err := v.eraser.SecureDeleteFile(filepath.Join(v.paths.MediaDir(), item.Filename))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return rep, err
	}
	if rep.OverwriteErr != nil {
		v.log.Warnf("container unlinked without overwrite: %v", rep.OverwriteErr)
	}
	if err := db.DeleteItem(ctx, v.catalogDB(), item.ID); err != nil {
		return rep, err
	}
	return rep, nil
}

// List returns the catalog. It needs no session: only sealed names are returned.
func (v *Vault) List(ctx context.Context) ([]db.Item, error) {
	return db.ListItems(ctx, v.catalogDB())
}

// ItemName unseals the original filename of the catalog row id.
func (v *Vault) ItemName(ctx context.Context, sess *Session, id string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	keys, release, err := sess.acquire()
	if err != nil {
		return "", err
	}
	defer release()

	item, err := db.GetItem(ctx, v.catalogDB(), id)
	if err != nil {
		return "", err
	}
	return vault.OpenName(keys, item.ID, item.SealedName)
}

// Stat describes an item's container framing without decrypting it.
func (v *Vault) Stat(ctx context.Context, id string) (container.Info, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	item, err := db.GetItem(ctx, v.catalogDB(), id)
	if err != nil {
		return container.Info{}, err
	}
	f, err := os.Open(filepath.Join(v.paths.MediaDir(), item.Filename))
	if err != nil {
		return container.Info{}, fmt.Errorf("open container: %w", err)
	}
	defer f.Close()
	return container.Stat(f)
}
