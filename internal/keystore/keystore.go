// Package keystore persists small secrets in the platform credential store.
//
// The vault uses it for one item per vault directory: the key material that
// biometric unlock releases after the OS has verified the user.
package keystore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned by Retrieve when no item exists for the key.
	ErrNotFound = errors.New("keystore item not found")
	// ErrUnsupported signals that no credential store exists on this platform.
	ErrUnsupported = errors.New("credential store not supported on this platform")
)

// Store is a key/value credential store.
type Store interface {
	Store(key string, data []byte) error
	Retrieve(key string) ([]byte, error)
	Delete(key string) error
}

// AccountForDirectory canonicalises a vault directory into a stable key: its
// absolute, symlink-resolved path.
func AccountForDirectory(directory string) (string, error) {
	directory = strings.TrimSpace(directory)
	if directory == "" {
		return "", errors.New("vault directory is required")
	}

	absolutePath, err := filepath.Abs(directory)
	if err != nil {
		return "", fmt.Errorf("resolve directory: %w", err)
	}

	info, err := os.Stat(absolutePath)
	if err != nil {
		return "", fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", absolutePath)
	}

	if resolved, err := filepath.EvalSymlinks(absolutePath); err == nil && resolved != "" {
		absolutePath = resolved
	}

	return absolutePath, nil
}

// Memory is an in-process Store for tests and platforms without a keychain.
type Memory struct {
	mu    sync.Mutex
	items map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string][]byte)}
}

func (m *Memory) Store(key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = append([]byte(nil), data...)
	return nil
}

func (m *Memory) Retrieve(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Len reports how many items are held.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
