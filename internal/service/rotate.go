package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/marchage/EncryptedAlbum-sub005/internal/rotation"
	"github.com/marchage/EncryptedAlbum-sub005/internal/vault"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
	"github.com/marchage/EncryptedAlbum-sub005/store"
)

// RecoveryState describes an unfinished key rotation found on disk.
type RecoveryState struct {
	Pending bool
	rotation.Status
}

// ChangePassword re-keys every container to a key derived from newPassword.
// The session switches to the new keys once the credential is replaced. If
// it fails part way the vault is left recoverable through ResumeRotation or
// DiscardRotation.
func (v *Vault) ChangePassword(ctx context.Context, sess *Session, oldPassword, newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	current, release, err := sess.acquire()
	if err != nil {
		return err
	}
	// The session must stay usable until the swap below.
	oldKeys := current.Clone()
	release()
	defer oldKeys.Zero()

	m, _, err := v.loadCredential()
	if err != nil {
		return err
	}
	// The old password is checked under the same throttle as Unlock.
	if err := v.waitThrottle(ctx); err != nil {
		return err
	}
	verifier, err := krypto.DeriveVerifier(oldPassword, m.Salt, m.Params)
	if err != nil {
		return fmt.Errorf("derive verifier: %w", err)
	}
	if !krypto.VerifiersEqual(verifier, m.Verifier) {
		return v.recordFailure()
	}
	v.resetThrottle()
	if err := v.cfg.Policy().Validate(newPassword); err != nil {
		return err
	}

	params := v.cfg.KDFParams()
	salt, err := krypto.NewRandomSalt(krypto.SaltLengthBytes)
	if err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	newKeys, newVerifier, err := krypto.DeriveAll(newPassword, salt, params)
	if err != nil {
		return fmt.Errorf("derive keys: %w", err)
	}

	plan := vault.RotationPlan{Salt: salt, Verifier: newVerifier, Params: params}
	if err := v.coordinator().ChangePassword(ctx, oldKeys, newKeys, plan); err != nil {
		newKeys.Zero()
		return err
	}
	sess.swap(newKeys)
	v.log.Infof("password changed")
	return nil
}

// PendingRotation reports the rotation left on disk, verified under the
// session's keys. A session opened with the old password is required.
func (v *Vault) PendingRotation(sess *Session) (RecoveryState, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	pending, err := store.JournalExists(v.paths)
	if err != nil || !pending {
		return RecoveryState{}, err
	}
	keys, release, err := sess.acquire()
	if err != nil {
		return RecoveryState{}, err
	}
	defer release()

	st, err := v.coordinator().Inspect(keys)
	if err != nil {
		if errors.Is(err, rotation.ErrNoRotation) {
			return RecoveryState{}, nil
		}
		return RecoveryState{}, err
	}
	return RecoveryState{Pending: true, Status: st}, nil
}

// ResumeRotation finishes an interrupted rotation. The session moves to the
// new keys.
func (v *Vault) ResumeRotation(ctx context.Context, sess *Session) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.writable(); err != nil {
		return err
	}
	current, release, err := sess.acquire()
	if err != nil {
		return err
	}
	oldKeys := current.Clone()
	release()
	defer oldKeys.Zero()

	newKeys, err := v.coordinator().Resume(ctx, oldKeys)
	if err != nil {
		return err
	}
	sess.swap(newKeys)
	v.log.Infof("key rotation resumed and completed")
	return nil
}

// DiscardRotation rolls an interrupted rotation back to the old password.
func (v *Vault) DiscardRotation(ctx context.Context, sess *Session) error {
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
	return v.coordinator().Rollback(ctx, keys)
}
