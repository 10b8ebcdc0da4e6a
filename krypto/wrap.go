package krypto

import (
	"errors"
	"fmt"
)

const subkeySaltLen = 16

// SealWithSubkey encrypts plaintext under a one-off key derived from masterKey
// with HKDF-SHA256 (random salt, caller-chosen label) and AES-256-GCM.
// The returned blob is salt | nonce | ciphertext.
func SealWithSubkey(masterKey []byte, label string, plaintext, aad []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, errors.New("invalid master key length")
	}

	salt, err := NewRandomSalt(subkeySaltLen)
	if err != nil {
		return nil, err
	}

	subkey, err := HKDFSHA256(masterKey, salt, []byte(label), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	defer Zeroize(subkey)

	nonce, ciphertext, err := EncryptAESGCM(subkey, plaintext, aad)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// OpenWithSubkey reverses SealWithSubkey.
func OpenWithSubkey(masterKey []byte, label string, blob, aad []byte) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, errors.New("invalid master key length")
	}
	if len(blob) < subkeySaltLen+GCMNonceSize+GCMTagSize {
		return nil, errors.New("sealed blob too short")
	}

	salt := blob[:subkeySaltLen]
	nonce := blob[subkeySaltLen : subkeySaltLen+GCMNonceSize]
	ciphertext := blob[subkeySaltLen+GCMNonceSize:]

	subkey, err := HKDFSHA256(masterKey, salt, []byte(label), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	defer Zeroize(subkey)

	return DecryptAESGCM(subkey, nonce, ciphertext, aad)
}

// WrapKeys seals key material under the encryption key of kek.
func WrapKeys(kek *VaultKeyMaterial, keys *VaultKeyMaterial, aad []byte) ([]byte, error) {
	raw, err := keys.MarshalBinary()
	if err != nil {
		return nil, err
	}
	defer Zeroize(raw)

	blob, err := SealWithSubkey(kek.EncryptionKey[:], labelWrap, raw, aad)
	if err != nil {
		return nil, fmt.Errorf("wrap keys: %w", err)
	}
	return blob, nil
}

// UnwrapKeys opens key material sealed by WrapKeys.
func UnwrapKeys(kek *VaultKeyMaterial, blob, aad []byte) (*VaultKeyMaterial, error) {
	raw, err := OpenWithSubkey(kek.EncryptionKey[:], labelWrap, blob, aad)
	if err != nil {
		return nil, fmt.Errorf("unwrap keys: %w", err)
	}
	defer Zeroize(raw)

	keys := &VaultKeyMaterial{}
	if err := keys.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return keys, nil
}
