package krypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// KDFVersionPBKDF2 stretches with PBKDF2-HMAC-SHA256.
	KDFVersionPBKDF2 = 1
	// KDFVersionArgon2id stretches with Argon2id.
	KDFVersionArgon2id = 2

	// DefaultPBKDF2Iterations is the production iteration count for KDFVersionPBKDF2.
	DefaultPBKDF2Iterations = 600_000

	// MinSaltLength is the shortest salt the vault accepts.
	MinSaltLength = 16
	// SaltLengthBytes is the length of freshly generated salts.
	SaltLengthBytes = 16

	// KeySize is the size of every symmetric key in the vault.
	KeySize = 32
)

// KDFParams selects and tunes the password-stretching function.
type KDFParams struct {
	Version int

	// PBKDF2
	Iterations int

	// Argon2id
	MemoryMB    uint32
	Time        uint32
	Parallelism uint8
}

// DefaultKDFParams returns the production parameters for a KDF version.
func DefaultKDFParams(version int) KDFParams {
	switch version {
	case KDFVersionArgon2id:
		return KDFParams{
			Version:     KDFVersionArgon2id,
			MemoryMB:    64,
			Time:        3,
			Parallelism: 1,
		}
	default:
		return KDFParams{
			Version:    KDFVersionPBKDF2,
			Iterations: DefaultPBKDF2Iterations,
		}
	}
}

// Validate rejects parameter sets that cannot produce a key.
func (p KDFParams) Validate() error {
	switch p.Version {
	case KDFVersionPBKDF2:
		if p.Iterations <= 0 {
			return errors.New("pbkdf2 iterations must be positive")
		}
	case KDFVersionArgon2id:
		if p.MemoryMB == 0 {
			return errors.New("memory parameter must be positive")
		}
		if p.Time == 0 {
			return errors.New("time parameter must be positive")
		}
		if p.Parallelism == 0 {
			return errors.New("parallelism parameter must be positive")
		}
	default:
		return fmt.Errorf("unsupported kdf version %d", p.Version)
	}
	return nil
}

// NormalizePassword returns the NFC form of a password so that visually
// identical input typed with different compositions derives the same keys.
func NormalizePassword(password string) []byte {
	return []byte(norm.NFC.String(password))
}

// Stretch runs the slow, salted password-stretching step and returns a
// 32-byte intermediate secret. Callers must zero the result.
func Stretch(password []byte, salt []byte, p KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, errors.New("password is required")
	}
	if len(salt) < MinSaltLength {
		return nil, fmt.Errorf("salt must be at least %d bytes", MinSaltLength)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	switch p.Version {
	case KDFVersionArgon2id:
		return argon2.IDKey(password, salt, p.Time, p.MemoryMB*1024, p.Parallelism, KeySize), nil
	default:
		return pbkdf2.Key(password, salt, p.Iterations, KeySize, sha256.New), nil
	}
}

// NewRandomSalt returns a cryptographically secure random salt of length n bytes.
// Lengths below MinSaltLength are raised to SaltLengthBytes.
func NewRandomSalt(n int) ([]byte, error) {
	if n < MinSaltLength {
		n = SaltLengthBytes
	}
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}
