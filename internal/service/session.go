package service

import (
	"sync"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

// Session is an unlocked vault. It owns the key material; Lock zeroes it,
// and every later use fails with vaulterr.ErrVaultNotInitialized.
type Session struct {
	mu     sync.RWMutex
	keys   *krypto.VaultKeyMaterial
	locked bool
}

func newSession(keys *krypto.VaultKeyMaterial) *Session {
	return &Session{keys: keys}
}

// Lock waits for in-flight operations on the session and zeroes its keys.
func (s *Session) Lock() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keys != nil {
		s.keys.Zero()
		s.keys = nil
	}
	s.locked = true
}

// Unlocked reports whether the session still holds key material.
func (s *Session) Unlocked() bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.locked && s.keys != nil
}

// acquire returns the session keys and holds off Lock until release is called.
func (s *Session) acquire() (*krypto.VaultKeyMaterial, func(), error) {
	if s == nil {
		return nil, nil, vaulterr.VaultNotInitialized("no session")
	}
	s.mu.RLock()
	if s.locked || s.keys == nil {
		s.mu.RUnlock()
		return nil, nil, vaulterr.VaultNotInitialized("vault is locked")
	}
	return s.keys, s.mu.RUnlock, nil
}

// swap replaces the key material after a rotation. A session locked in the
// meantime stays locked.
func (s *Session) swap(keys *krypto.VaultKeyMaterial) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		keys.Zero()
		return
	}
	if s.keys != nil {
		s.keys.Zero()
	}
	s.keys = keys
}
