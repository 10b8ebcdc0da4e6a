package krypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Domain-separation labels. Changing any of them invalidates every vault.
const (
	labelEncryption = "album/encryption/v1"
	labelIntegrity  = "album/integrity/v1"
	labelVerifier   = "album/verifier/v1"
	labelKeyCheck   = "album/key-check/v1"
	labelWrap       = "album/wrap/v1"
)

// HKDFSHA256 derives key material using HKDF (RFC 5869) with SHA-256.
func HKDFSHA256(key, salt, info []byte, outLen int) ([]byte, error) {
	if outLen <= 0 {
		return nil, errors.New("invalid hkdf length")
	}
	if len(key) == 0 {
		return nil, errors.New("hkdf input key is empty")
	}

	out := make([]byte, outLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, salt, info), out); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return out, nil
}
