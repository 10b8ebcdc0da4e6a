package rotation

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marchage/EncryptedAlbum-sub005/container"
	"github.com/marchage/EncryptedAlbum-sub005/internal/db"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vault"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
	"github.com/marchage/EncryptedAlbum-sub005/store"
)

var testParams = krypto.KDFParams{Version: krypto.KDFVersionPBKDF2, Iterations: 1000}

type crash struct{ at stage }

type fixture struct {
	t       *testing.T
	paths   store.Paths
	catalog *db.DB

	oldKeys *krypto.VaultKeyMaterial
	newKeys *krypto.VaultKeyMaterial
	oldCred vault.Credential
	plan    vault.RotationPlan

	plain map[string][]byte
	ids   map[string]string
	names map[string]string
}

func newFixture(t *testing.T, files int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		t:     t,
		paths: store.Paths{Dir: t.TempDir()},
		plain: map[string][]byte{},
		ids:   map[string]string{},
		names: map[string]string{},
	}
	require.NoError(t, f.paths.EnsureDirs())

	oldSalt, err := krypto.NewRandomSalt(krypto.SaltLengthBytes)
	require.NoError(t, err)
	var oldVerifier []byte
	f.oldKeys, oldVerifier, err = krypto.DeriveAll("old password", oldSalt, testParams)
	require.NoError(t, err)
	f.oldCred = vault.NewCredential(oldSalt, oldVerifier, krypto.KeyCheck(f.oldKeys, oldSalt), testParams)
	require.NoError(t, store.SaveCredential(f.paths, f.oldCred))

	newSalt, err := krypto.NewRandomSalt(krypto.SaltLengthBytes)
	require.NoError(t, err)
	var newVerifier []byte
	f.newKeys, newVerifier, err = krypto.DeriveAll("new password", newSalt, testParams)
	require.NoError(t, err)
	f.plan = vault.RotationPlan{Salt: newSalt, Verifier: newVerifier, Params: testParams}

	f.catalog, err = db.Open(f.paths.CatalogPath())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(f.catalog) })
	require.NoError(t, db.Migrate(f.catalog))

	for i := 0; i < files; i++ {
		id := uuid.NewString()
		data := make([]byte, 100+i*37)
		_, err := rand.Read(data)
		require.NoError(t, err)

		filename := id + store.ContainerExt
		hdr := container.Header{MediaType: container.MediaPhoto, OriginalSize: uint64(len(data))}
		require.NoError(t, container.EncryptToFile(ctx, bytes.NewReader(data), f.paths.ContainerPath(id), f.oldKeys, hdr, container.WithChunkSize(64)))

		original := fmt.Sprintf("IMG_%04d.JPG", i)
		sealed, err := vault.SealName(f.oldKeys, id, original)
		require.NoError(t, err)
		require.NoError(t, db.InsertItem(ctx, f.catalog, db.Item{
			ID: id, Filename: filename, MediaType: container.MediaPhoto,
			OriginalSize: int64(len(data)), SealedName: sealed,
		}))

		f.plain[filename] = data
		f.ids[filename] = id
		f.names[filename] = original
	}
	return f
}

func (f *fixture) coordinator(checkpoint func(stage, string)) *Coordinator {
	c := New(f.paths, WithNames(CatalogNames{DB: f.catalog}))
	c.checkpoint = checkpoint
	return c
}

// crashAt panics on the n-th (1-based) hit of stage s.
func crashAt(s stage, n int) func(stage, string) {
	hits := 0
	return func(got stage, _ string) {
		if got != s {
			return
		}
		hits++
		if hits == n {
			panic(crash{at: s})
		}
	}
}

func runUntilCrash(t *testing.T, fn func() error) {
	t.Helper()
	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(crash); !ok {
				panic(r)
			}
		}
	}()
	err := fn()
	t.Fatalf("operation finished without crashing: %v", err)
}

// assertAllUnder checks that every container decrypts to its original
// plaintext under keys and that its catalog name opens under keys.
func (f *fixture) assertAllUnder(keys *krypto.VaultKeyMaterial) {
	f.t.Helper()
	ctx := context.Background()
	for filename, want := range f.plain {
		in, err := os.Open(filepath.Join(f.paths.MediaDir(), filename))
		require.NoError(f.t, err)
		var out bytes.Buffer
		_, err = container.Decrypt(ctx, in, &out, keys)
		in.Close()
		require.NoError(f.t, err, filename)
		assert.Equal(f.t, want, out.Bytes(), filename)

		it, err := db.GetItemByFilename(ctx, f.catalog, filename)
		require.NoError(f.t, err)
		name, err := vault.OpenName(keys, it.ID, it.SealedName)
		require.NoError(f.t, err, filename)
		assert.Equal(f.t, f.names[filename], name)
	}
}

func (f *fixture) credentialVerifier() string {
	f.t.Helper()
	cred, err := store.LoadCredential(f.paths)
	require.NoError(f.t, err)
	return cred.Verifier
}

func (f *fixture) journal() *vault.RotationJournal {
	f.t.Helper()
	j, err := store.LoadJournal(f.paths)
	require.NoError(f.t, err)
	return j
}

func TestChangePasswordRotatesEveryContainer(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	var committed *krypto.VaultKeyMaterial
	c := New(f.paths, WithNames(CatalogNames{DB: f.catalog}), WithCommitHook(func(k *krypto.VaultKeyMaterial) error {
		committed = k.Clone()
		return nil
	}))
	require.NoError(t, c.ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan))

	f.assertAllUnder(f.newKeys)
	assert.True(t, committed.Equal(f.newKeys))

	cred, err := store.LoadCredential(f.paths)
	require.NoError(t, err)
	m, err := cred.Decode()
	require.NoError(t, err)
	assert.True(t, krypto.VerifiersEqual(m.Verifier, f.plan.Verifier))
	assert.True(t, krypto.VerifyKeyCheck(f.newKeys, m.Salt, m.KeyCheck))
	assert.Equal(t, f.oldCred.CreatedAt.Unix(), cred.CreatedAt.Unix())

	pending, err := c.Pending()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestChangePasswordEmptyVault(t *testing.T) {
	f := newFixture(t, 0)
	require.NoError(t, f.coordinator(nil).ChangePassword(context.Background(), f.oldKeys, f.newKeys, f.plan))
	assert.NotEqual(t, f.oldCred.Verifier, f.credentialVerifier())
}

func TestCrashAfterNOfMThenResume(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageJournal, 2)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})

	j := f.journal()
	assert.Equal(t, vault.JournalInProgress, j.Status)
	assert.Len(t, j.ProcessedFilenames, 2)
	assert.Equal(t, f.oldCred.Verifier, f.credentialVerifier(), "credential must still describe the old password")

	c := f.coordinator(nil)
	st, err := c.Inspect(f.oldKeys)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Processed)
	assert.Equal(t, 5, st.Total)

	newKeys, err := c.Resume(ctx, f.oldKeys)
	require.NoError(t, err)
	assert.True(t, newKeys.Equal(f.newKeys))

	f.assertAllUnder(f.newKeys)
	assert.NotEqual(t, f.oldCred.Verifier, f.credentialVerifier())
	pending, err := c.Pending()
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestCrashAfterNOfMThenRollback(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageJournal, 3)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})

	c := f.coordinator(nil)
	require.NoError(t, c.Rollback(ctx, f.oldKeys))

	f.assertAllUnder(f.oldKeys)
	assert.Equal(t, f.oldCred.Verifier, f.credentialVerifier())
	_, err := c.Inspect(f.oldKeys)
	assert.ErrorIs(t, err, ErrNoRotation)
}

func TestCrashBetweenRenameAndJournalAppend(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	// The third container is already under the new key (and its name may
	// still be under the old one) but the journal does not list it.
	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageRenamed, 3)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})
	assert.Len(t, f.journal().ProcessedFilenames, 2)

	_, err := f.coordinator(nil).Resume(ctx, f.oldKeys)
	require.NoError(t, err)
	f.assertAllUnder(f.newKeys)
}

func TestCrashBetweenRenameAndJournalAppendThenRollback(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageRenamed, 3)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})

	require.NoError(t, f.coordinator(nil).Rollback(ctx, f.oldKeys))
	f.assertAllUnder(f.oldKeys)
}

func TestCrashDuringRollbackThenResume(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageJournal, 3)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})
	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageReverted, 1)).Rollback(ctx, f.oldKeys)
	})

	_, err := f.coordinator(nil).Resume(ctx, f.oldKeys)
	require.NoError(t, err)
	f.assertAllUnder(f.newKeys)
}

func TestCrashBeforeCredentialSwap(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageCommit, 1)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})
	assert.Equal(t, vault.JournalCompleted, f.journal().Status)
	assert.Equal(t, f.oldCred.Verifier, f.credentialVerifier())

	c := f.coordinator(nil)
	assert.ErrorIs(t, c.Rollback(ctx, f.oldKeys), ErrAlreadyCommitted)

	_, err := c.Resume(ctx, f.oldKeys)
	require.NoError(t, err)
	f.assertAllUnder(f.newKeys)
	assert.NotEqual(t, f.oldCred.Verifier, f.credentialVerifier())
}

func TestCrashAfterCredentialSwap(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	c := New(f.paths, WithNames(CatalogNames{DB: f.catalog}), WithCommitHook(func(*krypto.VaultKeyMaterial) error {
		panic(crash{at: stageCommit})
	}))
	runUntilCrash(t, func() error {
		return c.ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})

	// The new password is now the only one that unlocks; the leftover
	// journal must be closable without the old keys.
	done, err := f.coordinator(nil).FinishCommitted()
	require.NoError(t, err)
	assert.True(t, done)
	pending, err := c.Pending()
	require.NoError(t, err)
	assert.False(t, pending)
	f.assertAllUnder(f.newKeys)
}

func TestFinishCommittedIgnoresUnfinishedRotation(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageJournal, 1)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})
	done, err := f.coordinator(nil).FinishCommitted()
	require.NoError(t, err)
	assert.False(t, done)
	pending, err := f.coordinator(nil).Pending()
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestPerFileFailureRecordedAndRecoverable(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()

	names := make([]string, 0, len(f.plain))
	for n := range f.plain {
		names = append(names, n)
	}
	c := f.coordinator(nil)
	sorted, err := c.containers()
	require.NoError(t, err)
	require.ElementsMatch(t, names, sorted)

	// Corrupt the last chunk of the second container: Probe still sees it
	// under the old key but the full decrypt fails.
	bad := filepath.Join(f.paths.MediaDir(), sorted[1])
	raw, err := os.ReadFile(bad)
	require.NoError(t, err)
	raw[len(raw)-len(container.CompletionMarker)-4-1] ^= 0xFF
	require.NoError(t, os.WriteFile(bad, raw, 0o600))
	delete(f.plain, sorted[1])

	err = c.ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, vaulterr.ErrHMACVerificationFailed)

	j := f.journal()
	assert.Equal(t, vault.JournalFailed, j.Status)
	assert.NotEmpty(t, j.Failure)
	assert.Equal(t, []string{sorted[0]}, j.ProcessedFilenames)
	assert.Equal(t, f.oldCred.Verifier, f.credentialVerifier())

	// The damaged original is left in place, byte for byte.
	after, err := os.ReadFile(bad)
	require.NoError(t, err)
	assert.Equal(t, raw, after)

	require.NoError(t, c.Rollback(ctx, f.oldKeys))
	f.assertAllUnder(f.oldKeys)
}

func TestResumeRemovesStaleTemps(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageJournal, 1)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})
	var victim string
	for n := range f.plain {
		victim = n
		break
	}
	stale := filepath.Join(f.paths.MediaDir(), "."+victim+".123456"+container.TempSuffix)
	require.NoError(t, os.WriteFile(stale, []byte("half written"), 0o600))

	_, err := f.coordinator(nil).Resume(ctx, f.oldKeys)
	require.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	f.assertAllUnder(f.newKeys)
}

func TestInspectRejectsWrongKeysAndTampering(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	c := f.coordinator(nil)
	_, err := c.Inspect(f.oldKeys)
	assert.ErrorIs(t, err, ErrNoRotation)

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageJournal, 1)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})

	_, err = c.Inspect(f.newKeys)
	assert.ErrorIs(t, err, vaulterr.ErrHMACVerificationFailed)

	j := f.journal()
	j.ProcessedFilenames = append(j.ProcessedFilenames, "forged.ealb")
	require.NoError(t, store.SaveJournal(f.paths, j))
	_, err = c.Inspect(f.oldKeys)
	assert.ErrorIs(t, err, vaulterr.ErrHMACVerificationFailed)
	_, err = c.Resume(ctx, f.oldKeys)
	assert.ErrorIs(t, err, vaulterr.ErrHMACVerificationFailed)
}

func TestChangePasswordRefusesWhilePending(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	runUntilCrash(t, func() error {
		return f.coordinator(crashAt(stageJournal, 1)).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	})
	err := f.coordinator(nil).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	assert.True(t, errors.Is(err, ErrRotationPending))
}

func TestCancellationMarksFailed(t *testing.T) {
	f := newFixture(t, 3)
	ctx, cancel := context.WithCancel(context.Background())

	c := f.coordinator(func(s stage, _ string) {
		if s == stageJournal {
			cancel()
		}
	})
	err := c.ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, vault.JournalFailed, f.journal().Status)

	_, err = f.coordinator(nil).Resume(context.Background(), f.oldKeys)
	require.NoError(t, err)
	f.assertAllUnder(f.newKeys)
}

func TestChangePasswordMultiChunkVideo(t *testing.T) {
	const chunkSize = 4 << 20
	ctx := context.Background()
	f := newFixture(t, 1)

	data := make([]byte, 5<<20)
	_, err := rand.Read(data)
	require.NoError(t, err)

	id := uuid.NewString()
	filename := id + store.ContainerExt
	hdr := container.Header{MediaType: container.MediaVideo, OriginalSize: uint64(len(data))}
	require.NoError(t, container.EncryptToFile(ctx, bytes.NewReader(data), f.paths.ContainerPath(id), f.oldKeys, hdr, container.WithChunkSize(chunkSize)))
	sealed, err := vault.SealName(f.oldKeys, id, "IMG_9999.MOV")
	require.NoError(t, err)
	require.NoError(t, db.InsertItem(ctx, f.catalog, db.Item{
		ID: id, Filename: filename, MediaType: container.MediaVideo,
		OriginalSize: int64(len(data)), SealedName: sealed,
	}))
	f.plain[filename] = data
	f.ids[filename] = id
	f.names[filename] = "IMG_9999.MOV"

	require.NoError(t, f.coordinator(nil).ChangePassword(ctx, f.oldKeys, f.newKeys, f.plan))

	path := f.paths.ContainerPath(id)
	in, err := os.Open(path)
	require.NoError(t, err)
	info, err := container.Stat(in)
	in.Close()
	require.NoError(t, err)
	assert.True(t, info.Complete)
	assert.Equal(t, 2, info.DataChunks)
	assert.Equal(t, uint32(chunkSize), info.Header.ChunkSize)
	assert.Equal(t, container.MediaVideo, info.Header.MediaType)

	in, err = os.Open(path)
	require.NoError(t, err)
	_, err = container.Decrypt(ctx, in, io.Discard, f.oldKeys)
	in.Close()
	assert.ErrorIs(t, err, vaulterr.ErrHMACVerificationFailed)

	f.assertAllUnder(f.newKeys)
	assert.NotEqual(t, f.oldCred.Verifier, f.credentialVerifier())
}
