// Package toggle gates a copy of the vault key material behind the OS
// biometric prompt. The copy lives in the platform credential store under
// one account per vault directory; it is only handed out after Authenticate
// succeeds.
package toggle

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marchage/EncryptedAlbum-sub005/internal/keystore"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

// PromptFunc asks the user to verify presence. Authenticate is the platform one.
type PromptFunc func(reason string) error

// Toggle binds a credential store item to a vault directory.
type Toggle struct {
	store   keystore.Store
	account string
	prompt  PromptFunc
}

// New returns a Toggle for account. A nil prompt uses Authenticate.
func New(store keystore.Store, account string, prompt PromptFunc) *Toggle {
	if prompt == nil {
		prompt = Authenticate
	}
	return &Toggle{store: store, account: account, prompt: prompt}
}

// Enable prompts the user, then stores keys for later biometric unlock.
func (t *Toggle) Enable(keys *krypto.VaultKeyMaterial) error {
	if err := t.prompt("Enable biometric unlock for your album"); err != nil {
		return err
	}
	return t.save(keys)
}

// Refresh replaces stored key material without prompting, if any is stored.
// It is used after a password change so biometric unlock keeps working.
func (t *Toggle) Refresh(keys *krypto.VaultKeyMaterial) (bool, error) {
	st, err := t.Status()
	if errors.Is(err, keystore.ErrUnsupported) {
		return false, nil
	}
	if err != nil || !st.Enabled {
		return false, err
	}
	return true, t.save(keys)
}

func (t *Toggle) save(keys *krypto.VaultKeyMaterial) error {
	raw, err := keys.MarshalBinary()
	if err != nil {
		return err
	}
	defer krypto.Zeroize(raw)

	data, err := json.Marshal(payload{
		State: State{Enabled: true, EnabledAt: time.Now().UTC()},
		Keys:  raw,
	})
	if err != nil {
		return fmt.Errorf("encode biometric toggle: %w", err)
	}
	defer krypto.Zeroize(data)

	if err := t.store.Store(t.account, data); err != nil {
		return fmt.Errorf("store biometric toggle: %w", err)
	}
	return nil
}

// Disable removes the stored copy. It is idempotent.
func (t *Toggle) Disable() error {
	if err := t.store.Delete(t.account); err != nil {
		return fmt.Errorf("remove biometric toggle: %w", err)
	}
	return nil
}

// Status reports whether biometric unlock is enrolled.
func (t *Toggle) Status() (State, error) {
	p, err := t.load()
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return State{}, nil
		}
		return State{}, err
	}
	krypto.Zeroize(p.Keys)
	return p.State, nil
}

// Unlock prompts the user and returns the stored key material. The caller
// must validate it against the vault's key check before trusting it.
func (t *Toggle) Unlock(reason string) (*krypto.VaultKeyMaterial, error) {
	if err := t.prompt(reason); err != nil {
		return nil, err
	}
	p, err := t.load()
	if err != nil {
		if errors.Is(err, keystore.ErrNotFound) {
			return nil, ErrNotEnabled
		}
		return nil, err
	}
	defer krypto.Zeroize(p.Keys)
	if !p.Enabled {
		return nil, ErrNotEnabled
	}

	keys := &krypto.VaultKeyMaterial{}
	if err := keys.UnmarshalBinary(p.Keys); err != nil {
		return nil, fmt.Errorf("decode biometric key material: %w", err)
	}
	return keys, nil
}

func (t *Toggle) load() (payload, error) {
	var p payload
	data, err := t.store.Retrieve(t.account)
	if err != nil {
		return p, err
	}
	defer krypto.Zeroize(data)
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("decode biometric toggle: %w", err)
	}
	return p, nil
}
