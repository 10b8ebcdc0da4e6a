//go:build darwin

package keystore

import (
	"fmt"

	keychain "github.com/keybase/go-keychain"
)

const (
	keychainService = "com.encryptedalbum.vault"
	keychainLabel   = "Encrypted Album vault key"
)

// Keychain stores items as generic passwords in the macOS login keychain.
// Items are device-local (never synced to iCloud) and only readable while
// the device is unlocked.
type Keychain struct {
	Service string
}

// Platform returns the credential store for this OS.
func Platform() Store {
	return &Keychain{Service: keychainService}
}

func (k *Keychain) service() string {
	if k.Service == "" {
		return keychainService
	}
	return k.Service
}

// Store adds the item or, if it exists, replaces its data.
func (k *Keychain) Store(key string, data []byte) error {
	item := keychain.NewGenericPassword(k.service(), key, keychainLabel, data, "")
	item.SetSynchronizable(keychain.SynchronizableNo)
	item.SetAccessible(keychain.AccessibleWhenUnlockedThisDeviceOnly)

	if err := keychain.AddItem(item); err != nil {
		if err == keychain.ErrorDuplicateItem {
			query := keychain.NewGenericPassword(k.service(), key, "", nil, "")
			update := keychain.NewItem()
			update.SetData(data)
			if err := keychain.UpdateItem(query, update); err != nil {
				return fmt.Errorf("update keychain item: %w", err)
			}
			return nil
		}
		return fmt.Errorf("add keychain item: %w", err)
	}
	return nil
}

func (k *Keychain) Retrieve(key string) ([]byte, error) {
	data, err := keychain.GetGenericPassword(k.service(), key, "", "")
	if err != nil {
		return nil, fmt.Errorf("read keychain item: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrNotFound
	}
	return data, nil
}

// Delete is idempotent.
func (k *Keychain) Delete(key string) error {
	query := keychain.NewGenericPassword(k.service(), key, "", nil, "")
	if err := keychain.DeleteItem(query); err != nil && err != keychain.ErrorItemNotFound {
		return fmt.Errorf("remove keychain item: %w", err)
	}
	return nil
}
