package vault

import (
	"errors"
	"fmt"

	"github.com/marchage/EncryptedAlbum-sub005/internal/vaulterr"
	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

const nameLabel = "album/catalog-name/v1"

// SealName encrypts an item's original filename under a per-entry key derived
// from the vault encryption key. The item ID is bound as associated data so a
// sealed name cannot be moved onto another catalog row.
func SealName(keys *krypto.VaultKeyMaterial, itemID, name string) ([]byte, error) {
	if keys == nil {
		return nil, errors.New("key material is required")
	}
	blob, err := krypto.SealWithSubkey(keys.EncryptionKey[:], nameLabel, []byte(name), nameAAD(itemID))
	if err != nil {
		return nil, fmt.Errorf("seal item name: %w", err)
	}
	return blob, nil
}

// OpenName decrypts a name sealed by SealName.
func OpenName(keys *krypto.VaultKeyMaterial, itemID string, blob []byte) (string, error) {
	if keys == nil {
		return "", errors.New("key material is required")
	}
	pt, err := krypto.OpenWithSubkey(keys.EncryptionKey[:], nameLabel, blob, nameAAD(itemID))
	if err != nil {
		return "", vaulterr.HMACVerificationFailed(fmt.Errorf("open item name: %w", err))
	}
	return string(pt), nil
}

// ResealName moves a sealed name from oldKeys to newKeys.
func ResealName(oldKeys, newKeys *krypto.VaultKeyMaterial, itemID string, blob []byte) ([]byte, error) {
	name, err := OpenName(oldKeys, itemID, blob)
	if err != nil {
		return nil, err
	}
	return SealName(newKeys, itemID, name)
}

func nameAAD(itemID string) []byte {
	return []byte("item:" + itemID)
}
