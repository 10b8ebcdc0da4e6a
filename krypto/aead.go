package krypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// GCMNonceSize is the nonce length used for every AES-GCM seal in the vault.
const GCMNonceSize = 12

// GCMTagSize is the authentication tag appended to every sealed message.
const GCMTagSize = 16

// NewAESGCM builds an AES-256-GCM AEAD for repeated use with one key.
func NewAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, errors.New("aes-gcm requires a 32-byte key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// NewNonce returns a random GCM nonce.
func NewNonce() ([]byte, error) {
	nonce := make([]byte, GCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}

// EncryptAESGCM encrypts plaintext using AES-256-GCM, returning the nonce and ciphertext.
func EncryptAESGCM(key, plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := NewAESGCM(key)
	if err != nil {
		return nil, nil, err
	}

	nonce, err = NewNonce()
	if err != nil {
		return nil, nil, err
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// DecryptAESGCM decrypts the ciphertext using AES-256-GCM.
func DecryptAESGCM(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	gcm, err := NewAESGCM(key)
	if err != nil {
		return nil, err
	}

	if len(nonce) != GCMNonceSize {
		return nil, errors.New("invalid nonce size")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}
