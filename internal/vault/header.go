package vault

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/marchage/EncryptedAlbum-sub005/krypto"
)

// CredentialVersion is the schema version of credential.json.
const CredentialVersion = 1

// KDFConfig describes the key-derivation parameters stored alongside a salt.
type KDFConfig struct {
	Version     int    `json:"version"`
	Name        string `json:"name"`
	Iterations  int    `json:"iterations,omitempty"`
	MemoryMB    uint32 `json:"memoryMB,omitempty"`
	Time        uint32 `json:"time,omitempty"`
	Parallelism uint8  `json:"parallelism,omitempty"`
}

// NewKDFConfig records p.
func NewKDFConfig(p krypto.KDFParams) KDFConfig {
	cfg := KDFConfig{
		Version:     p.Version,
		Iterations:  p.Iterations,
		MemoryMB:    p.MemoryMB,
		Time:        p.Time,
		Parallelism: p.Parallelism,
	}
	switch p.Version {
	case krypto.KDFVersionArgon2id:
		cfg.Name = "argon2id"
	default:
		cfg.Name = "pbkdf2-sha256"
	}
	return cfg
}

// Params converts the stored configuration back into KDF parameters.
func (c KDFConfig) Params() (krypto.KDFParams, error) {
	p := krypto.KDFParams{
		Version:     c.Version,
		Iterations:  c.Iterations,
		MemoryMB:    c.MemoryMB,
		Time:        c.Time,
		Parallelism: c.Parallelism,
	}
	if err := p.Validate(); err != nil {
		return p, fmt.Errorf("stored kdf parameters: %w", err)
	}
	return p, nil
}

// Credential is the persisted proof of the current password. It never holds
// key material, only what is needed to re-derive and check it.
type Credential struct {
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	Salt      string    `json:"salt"`
	Verifier  string    `json:"verifier"`
	KeyCheck  string    `json:"keyCheck"`
	KDF       KDFConfig `json:"kdf"`
}

// NewCredential builds a credential record for freshly derived material.
func NewCredential(salt, verifier, keyCheck []byte, p krypto.KDFParams) Credential {
	now := time.Now().UTC()
	return Credential{
		Version:   CredentialVersion,
		CreatedAt: now,
		UpdatedAt: now,
		Salt:      encode(salt),
		Verifier:  encode(verifier),
		KeyCheck:  encode(keyCheck),
		KDF:       NewKDFConfig(p),
	}
}

// CredentialMaterial is the decoded form of a Credential.
type CredentialMaterial struct {
	Salt     []byte
	Verifier []byte
	KeyCheck []byte
	Params   krypto.KDFParams
}

// Decode validates and decodes the record.
func (c Credential) Decode() (CredentialMaterial, error) {
	var m CredentialMaterial
	if c.Version != CredentialVersion {
		return m, fmt.Errorf("unsupported credential version %d", c.Version)
	}

	var err error
	if m.Salt, err = decode("salt", c.Salt); err != nil {
		return m, err
	}
	if len(m.Salt) < krypto.MinSaltLength {
		return m, errors.New("credential salt too short")
	}
	if m.Verifier, err = decode("verifier", c.Verifier); err != nil {
		return m, err
	}
	if len(m.Verifier) != krypto.VerifierSize {
		return m, errors.New("credential verifier has wrong length")
	}
	if m.KeyCheck, err = decode("key check", c.KeyCheck); err != nil {
		return m, err
	}
	if m.Params, err = c.KDF.Params(); err != nil {
		return m, err
	}
	return m, nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(field, s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", field, err)
	}
	return b, nil
}

// ThrottleState persists unlock failures across restarts so backoff cannot be
// reset by relaunching.
type ThrottleState struct {
	FailedAttempts int       `json:"failedAttempts"`
	LastFailure    time.Time `json:"lastFailure,omitempty"`
}
