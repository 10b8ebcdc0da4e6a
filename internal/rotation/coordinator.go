// Package rotation re-keys every container in the vault when the password
// changes, and recovers from a rotation that was interrupted.
//
// Progress is journaled after every file. The journal carries the new keys
// wrapped under the old ones, and the credential record keeps pointing at
// the old password until every container has been moved, so resume and
// rollback need nothing but the old password and what is on disk.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/marchage/EncryptedAlbum-sub005/container"
	"github.com/marchage/EncryptedAlbum-sub005/internal/logging"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vault"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
	"github.com/marchage/EncryptedAlbum-sub005/store"
)

var (
	// ErrNoRotation is returned when no journal exists.
	ErrNoRotation = errors.New("no key rotation is pending")
	// ErrRotationPending is returned when a new rotation would overwrite an unfinished one.
	ErrRotationPending = errors.New("a key rotation is already pending")
	// ErrAlreadyCommitted is returned by Rollback once the new credential may be in place.
	ErrAlreadyCommitted = errors.New("key rotation already committed")
)

type stage string

const (
	stageRenamed  stage = "renamed"
	stageJournal  stage = "journaled"
	stageReverted stage = "reverted"
	stageCommit   stage = "committing"
)

// Coordinator drives rotations for one vault directory. It holds no key
// material between calls. Callers must serialise calls and exclude every
// other writer of the media directory while one runs.
type Coordinator struct {
	paths    store.Paths
	names    Names
	log      *logging.Logger
	opts     []container.Option
	onCommit func(newKeys *krypto.VaultKeyMaterial) error

	// checkpoint is called after each durable step; tests use it to stop
	// the process at precise points.
	checkpoint func(stage, string)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithNames re-seals catalog names alongside their containers.
func WithNames(n Names) Option {
	return func(c *Coordinator) { c.names = n }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithContainerOptions passes codec options (chunk size, progress) to every re-encryption.
func WithContainerOptions(opts ...container.Option) Option {
	return func(c *Coordinator) { c.opts = append(c.opts, opts...) }
}

// WithCommitHook runs after the new credential is durable. Its error is
// logged and never undoes the commit.
func WithCommitHook(fn func(newKeys *krypto.VaultKeyMaterial) error) Option {
	return func(c *Coordinator) { c.onCommit = fn }
}

// New returns a Coordinator for the vault at paths.
func New(paths store.Paths, opts ...Option) *Coordinator {
	c := &Coordinator{paths: paths, log: logging.Discard()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Status summarises a pending rotation.
type Status struct {
	State      vault.JournalStatus
	Processed  int
	Total      int
	Failure    string
	Journal    *vault.RotationJournal
	Containers []string
}

// Pending reports whether a journal exists, without verifying it.
func (c *Coordinator) Pending() (bool, error) {
	return store.JournalExists(c.paths)
}

// ChangePassword moves every container from oldKeys to newKeys and then
// switches the credential to plan. On failure the journal is left with
// status failed and the credential is untouched.
func (c *Coordinator) ChangePassword(ctx context.Context, oldKeys, newKeys *krypto.VaultKeyMaterial, plan vault.RotationPlan) error {
	pending, err := c.Pending()
	if err != nil {
		return err
	}
	if pending {
		return ErrRotationPending
	}

	j, err := vault.NewRotationJournal(oldKeys, newKeys, plan)
	if err != nil {
		return err
	}
	if err := c.save(j, oldKeys); err != nil {
		return fmt.Errorf("start rotation journal: %w", err)
	}
	c.log.Infof("key rotation started")

	return c.run(ctx, j, oldKeys, newKeys)
}

// Inspect loads and verifies the journal under oldKeys.
func (c *Coordinator) Inspect(oldKeys *krypto.VaultKeyMaterial) (Status, error) {
	j, err := c.load(oldKeys)
	if err != nil {
		return Status{}, err
	}
	names, err := c.containers()
	if err != nil {
		return Status{}, err
	}
	return Status{
		State:      j.Status,
		Processed:  len(j.ProcessedFilenames),
		Total:      len(names),
		Failure:    j.Failure,
		Journal:    j,
		Containers: names,
	}, nil
}

// Resume finishes an interrupted rotation and returns the new key material.
func (c *Coordinator) Resume(ctx context.Context, oldKeys *krypto.VaultKeyMaterial) (*krypto.VaultKeyMaterial, error) {
	j, err := c.load(oldKeys)
	if err != nil {
		return nil, err
	}
	newKeys, err := j.NewKeys(oldKeys)
	if err != nil {
		return nil, err
	}

	if j.Status == vault.JournalCompleted {
		c.log.Infof("rotation journal already complete, committing")
		if err := c.commit(j, oldKeys, newKeys); err != nil {
			newKeys.Zero()
			return nil, err
		}
		return newKeys, nil
	}

	j.MarkInProgress()
	if err := c.save(j, oldKeys); err != nil {
		newKeys.Zero()
		return nil, err
	}
	c.log.Infof("resuming key rotation: %d file(s) already done", len(j.ProcessedFilenames))

	if err := c.run(ctx, j, oldKeys, newKeys); err != nil {
		newKeys.Zero()
		return nil, err
	}
	return newKeys, nil
}

// Rollback moves every container that is already under the new keys back to
// oldKeys, restores catalog names and deletes the journal.
func (c *Coordinator) Rollback(ctx context.Context, oldKeys *krypto.VaultKeyMaterial) error {
	j, err := c.load(oldKeys)
	if err != nil {
		return err
	}
	if j.Status == vault.JournalCompleted {
		return ErrAlreadyCommitted
	}
	newKeys, err := j.NewKeys(oldKeys)
	if err != nil {
		return err
	}
	defer newKeys.Zero()

	if err := c.removeStaleTemps(); err != nil {
		return err
	}
	names, err := c.containers()
	if err != nil {
		return err
	}

	reverted := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(c.paths.MediaDir(), name)

		under, err := c.keysOf(path, oldKeys, newKeys)
		if err != nil {
			return c.fail(j, oldKeys, fmt.Errorf("rollback %s: %w", name, err))
		}
		if under == newKeys {
			if err := container.Reencrypt(ctx, path, path, newKeys, oldKeys, c.opts...); err != nil {
				return c.fail(j, oldKeys, fmt.Errorf("rollback %s: %w", name, err))
			}
			reverted++
		}
		if err := c.syncName(ctx, name, newKeys, oldKeys); err != nil {
			return c.fail(j, oldKeys, fmt.Errorf("rollback %s: %w", name, err))
		}
		if j.IsProcessed(name) {
			j.Unmark(name)
			if err := c.save(j, oldKeys); err != nil {
				return err
			}
		}
		c.hit(stageReverted, name)
	}

	if err := store.DeleteJournal(c.paths); err != nil {
		return err
	}
	c.log.Infof("key rotation rolled back: %d file(s) restored to the old key", reverted)
	return nil
}

// FinishCommitted deletes a journal whose rotation already reached the
// credential swap. It needs no keys: it only acts when the stored credential
// already carries the journal's new verifier.
func (c *Coordinator) FinishCommitted() (bool, error) {
	j, err := store.LoadJournal(c.paths)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	cred, err := store.LoadCredential(c.paths)
	if err != nil {
		return false, err
	}
	if j.Status != vault.JournalCompleted || cred.Verifier != j.NewVerifier {
		return false, nil
	}
	if err := store.DeleteJournal(c.paths); err != nil {
		return false, err
	}
	c.log.Infof("removed journal of a committed key rotation")
	return true, nil
}

func (c *Coordinator) run(ctx context.Context, j *vault.RotationJournal, oldKeys, newKeys *krypto.VaultKeyMaterial) error {
	if err := c.removeStaleTemps(); err != nil {
		return c.fail(j, oldKeys, err)
	}
	names, err := c.containers()
	if err != nil {
		return c.fail(j, oldKeys, err)
	}

	for _, name := range names {
		// A journaled file is skipped only if it really is under the new
		// key; a stopped rollback can leave it reverted but still listed.
		if j.IsProcessed(name) && probe(filepath.Join(c.paths.MediaDir(), name), newKeys) == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return c.fail(j, oldKeys, err)
		}
		if err := c.rotateOne(ctx, name, oldKeys, newKeys); err != nil {
			return c.fail(j, oldKeys, fmt.Errorf("rotate %s: %w", name, err))
		}

		j.MarkProcessed(name)
		if err := c.save(j, oldKeys); err != nil {
			return fmt.Errorf("journal %s: %w", name, err)
		}
		c.hit(stageJournal, name)
		c.log.Debugf("rotated %s (%d/%d)", name, len(j.ProcessedFilenames), len(names))
	}

	return c.commit(j, oldKeys, newKeys)
}

// rotateOne moves a single container to newKeys. A container already under
// newKeys is the trace of a stop between rename and journal append.
func (c *Coordinator) rotateOne(ctx context.Context, name string, oldKeys, newKeys *krypto.VaultKeyMaterial) error {
	path := filepath.Join(c.paths.MediaDir(), name)

	under, err := c.keysOf(path, oldKeys, newKeys)
	if err != nil {
		return err
	}
	if under == oldKeys {
		if err := container.Reencrypt(ctx, path, path, oldKeys, newKeys, c.opts...); err != nil {
			return err
		}
	} else {
		c.log.Debugf("%s already under the new key", name)
	}
	c.hit(stageRenamed, name)

	return c.syncName(ctx, name, oldKeys, newKeys)
}

// keysOf returns whichever of a and b the container authenticates under.
func (c *Coordinator) keysOf(path string, a, b *krypto.VaultKeyMaterial) (*krypto.VaultKeyMaterial, error) {
	var errs []error
	for _, keys := range []*krypto.VaultKeyMaterial{a, b} {
		if err := probe(path, keys); err != nil {
			errs = append(errs, err)
			continue
		}
		return keys, nil
	}
	return nil, fmt.Errorf("container matches neither key: %w", errors.Join(errs...))
}

func probe(path string, keys *krypto.VaultKeyMaterial) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = container.Probe(f, keys)
	return err
}

// syncName makes the catalog name of a container readable under to. It is
// idempotent so it can be replayed after any stop.
func (c *Coordinator) syncName(ctx context.Context, filename string, from, to *krypto.VaultKeyMaterial) error {
	if c.names == nil {
		return nil
	}
	id, sealed, err := c.names.SealedName(ctx, filename)
	if err != nil {
		if errors.Is(err, ErrNoName) {
			c.log.Warnf("container %s has no catalog entry", filename)
			return nil
		}
		return err
	}
	if _, err := vault.OpenName(to, id, sealed); err == nil {
		return nil
	}
	resealed, err := vault.ResealName(from, to, id, sealed)
	if err != nil {
		return err
	}
	return c.names.SetSealedName(ctx, id, resealed)
}

// commit swaps the credential. The journal is marked completed first so a
// stop at any point leaves a state FinishCommitted or Resume can close.
func (c *Coordinator) commit(j *vault.RotationJournal, oldKeys, newKeys *krypto.VaultKeyMaterial) error {
	old, err := store.LoadCredential(c.paths)
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	cred, err := j.Credential(old.CreatedAt)
	if err != nil {
		return err
	}

	if j.Status != vault.JournalCompleted {
		j.Status = vault.JournalCompleted
		j.Failure = ""
		if err := c.save(j, oldKeys); err != nil {
			return fmt.Errorf("mark rotation complete: %w", err)
		}
	}
	c.hit(stageCommit, "")

	if err := store.SaveCredential(c.paths, cred); err != nil {
		return fmt.Errorf("replace credential: %w", err)
	}
	if c.onCommit != nil {
		if err := c.onCommit(newKeys); err != nil {
			c.log.Warnf("post-rotation hook failed: %v", err)
		}
	}
	if err := store.DeleteJournal(c.paths); err != nil {
		return err
	}
	c.log.Infof("key rotation complete")
	return nil
}

func (c *Coordinator) fail(j *vault.RotationJournal, oldKeys *krypto.VaultKeyMaterial, cause error) error {
	j.MarkFailed(cause)
	if err := c.save(j, oldKeys); err != nil {
		c.log.Errorf("could not record rotation failure: %v", err)
	}
	c.log.Errorf("key rotation stopped: %v", cause)
	return cause
}

func (c *Coordinator) load(oldKeys *krypto.VaultKeyMaterial) (*vault.RotationJournal, error) {
	j, err := store.LoadJournal(c.paths)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoRotation
		}
		return nil, err
	}
	if err := j.Verify(oldKeys); err != nil {
		return nil, err
	}
	return j, nil
}

func (c *Coordinator) save(j *vault.RotationJournal, oldKeys *krypto.VaultKeyMaterial) error {
	if err := j.Seal(oldKeys); err != nil {
		return err
	}
	return store.SaveJournal(c.paths, j)
}

// containers lists container files in the media directory, sorted by name.
func (c *Coordinator) containers() ([]string, error) {
	entries, err := os.ReadDir(c.paths.MediaDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list media directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasSuffix(e.Name(), store.ContainerExt) && !container.IsTempFile(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// removeStaleTemps deletes re-encryption temps left by a stop mid-file.
func (c *Coordinator) removeStaleTemps() error {
	entries, err := os.ReadDir(c.paths.MediaDir())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("list media directory: %w", err)
	}
	for _, e := range entries {
		if !container.IsTempFile(e.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(c.paths.MediaDir(), e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale temp %s: %w", e.Name(), err)
		}
		c.log.Debugf("removed stale temp %s", e.Name())
	}
	return nil
}

func (c *Coordinator) hit(s stage, name string) {
	if c.checkpoint != nil {
		c.checkpoint(s, name)
	}
}
