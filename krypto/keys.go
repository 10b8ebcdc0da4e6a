package krypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

// VerifierSize is the length of the stored password verifier.
const VerifierSize = 32

// VaultKeyMaterial is the pair of independent keys derived from the password.
// It is never persisted in the clear.
type VaultKeyMaterial struct {
	EncryptionKey [KeySize]byte
	HMACKey       [KeySize]byte
}

// Zero overwrites both keys.
func (k *VaultKeyMaterial) Zero() {
	if k == nil {
		return
	}
	Zeroize(k.EncryptionKey[:])
	Zeroize(k.HMACKey[:])
}

// Clone returns an independent copy.
func (k *VaultKeyMaterial) Clone() *VaultKeyMaterial {
	c := *k
	return &c
}

// Equal compares key material in constant time.
func (k *VaultKeyMaterial) Equal(o *VaultKeyMaterial) bool {
	if k == nil || o == nil {
		return false
	}
	a := subtle.ConstantTimeCompare(k.EncryptionKey[:], o.EncryptionKey[:])
	b := subtle.ConstantTimeCompare(k.HMACKey[:], o.HMACKey[:])
	return a&b == 1
}

// MarshalBinary concatenates encryption and HMAC keys. Callers must zero the result.
func (k *VaultKeyMaterial) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 2*KeySize)
	out = append(out, k.EncryptionKey[:]...)
	out = append(out, k.HMACKey[:]...)
	return out, nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (k *VaultKeyMaterial) UnmarshalBinary(data []byte) error {
	if len(data) != 2*KeySize {
		return fmt.Errorf("key material must be %d bytes", 2*KeySize)
	}
	copy(k.EncryptionKey[:], data[:KeySize])
	copy(k.HMACKey[:], data[KeySize:])
	return nil
}

// DeriveAll stretches the password once and expands it into the vault keys
// and the verifier.
func DeriveAll(password string, salt []byte, p KDFParams) (*VaultKeyMaterial, []byte, error) {
	pw := NormalizePassword(password)
	defer Zeroize(pw)

	stretched, err := Stretch(pw, salt, p)
	if err != nil {
		return nil, nil, fmt.Errorf("stretch password: %w", err)
	}
	defer Zeroize(stretched)

	keys, err := expandKeys(stretched, salt)
	if err != nil {
		return nil, nil, err
	}
	verifier, err := HKDFSHA256(stretched, salt, []byte(labelVerifier), VerifierSize)
	if err != nil {
		keys.Zero()
		return nil, nil, fmt.Errorf("derive verifier: %w", err)
	}
	return keys, verifier, nil
}

// DeriveKeys derives the encryption and integrity keys for a password and salt.
func DeriveKeys(password string, salt []byte, p KDFParams) (*VaultKeyMaterial, error) {
	keys, verifier, err := DeriveAll(password, salt, p)
	if err != nil {
		return nil, err
	}
	Zeroize(verifier)
	return keys, nil
}

// DeriveVerifier derives the non-secret verifier stored in the credential record.
func DeriveVerifier(password string, salt []byte, p KDFParams) ([]byte, error) {
	keys, verifier, err := DeriveAll(password, salt, p)
	if err != nil {
		return nil, err
	}
	keys.Zero()
	return verifier, nil
}

func expandKeys(stretched, salt []byte) (*VaultKeyMaterial, error) {
	enc, err := HKDFSHA256(stretched, salt, []byte(labelEncryption), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive encryption key: %w", err)
	}
	defer Zeroize(enc)

	mac, err := HKDFSHA256(stretched, salt, []byte(labelIntegrity), KeySize)
	if err != nil {
		return nil, fmt.Errorf("derive integrity key: %w", err)
	}
	defer Zeroize(mac)

	keys := &VaultKeyMaterial{}
	copy(keys.EncryptionKey[:], enc)
	copy(keys.HMACKey[:], mac)
	return keys, nil
}

// VerifiersEqual compares two verifiers in constant time.
func VerifiersEqual(a, b []byte) bool {
	if len(a) != VerifierSize || len(b) != VerifierSize {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// KeyCheck binds key material to a salt so non-password unlock paths
// (biometric copy, rotation journal) can validate keys they were handed.
func KeyCheck(keys *VaultKeyMaterial, salt []byte) []byte {
	mac := hmac.New(sha256.New, keys.HMACKey[:])
	mac.Write([]byte(labelKeyCheck))
	mac.Write(salt)
	return mac.Sum(nil)
}

// VerifyKeyCheck reports whether keys produce the expected key check value.
func VerifyKeyCheck(keys *VaultKeyMaterial, salt, expected []byte) bool {
	return hmac.Equal(KeyCheck(keys, salt), expected)
}

// MAC computes HMAC-SHA256 over data under the integrity key.
func MAC(keys *VaultKeyMaterial, data []byte) []byte {
	mac := hmac.New(sha256.New, keys.HMACKey[:])
	mac.Write(data)
	return mac.Sum(nil)
}

// VerifyMAC checks an HMAC-SHA256 tag in constant time.
func VerifyMAC(keys *VaultKeyMaterial, data, tag []byte) error {
	if !hmac.Equal(MAC(keys, data), tag) {
		return errors.New("hmac mismatch")
	}
	return nil
}

// Zeroize overwrites sensitive byte slices in place to reduce lifetime in memory.
func Zeroize(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
