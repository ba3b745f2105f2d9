package vault

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const deviceKeySize = 32

// ErrKeyInvalidated reports a device key that exists but can no longer be used.
// The vault answers it by resetting the key and retrying once.
var ErrKeyInvalidated = errors.New("device key invalidated")

// KeyFacility hands out the device-held key, generating it on first use.
type KeyFacility interface {
	Key() ([]byte, error)
	Reset() error
}

// FileKeyFacility keeps the device key hex-encoded in a 0600 file.
type FileKeyFacility struct {
	mu   sync.Mutex
	path string
	key  []byte
}

// NewFileKeyFacility creates a facility backed by path. Nothing touches the
// disk until the key is first requested.
func NewFileKeyFacility(path string) *FileKeyFacility {
	return &FileKeyFacility{path: path}
}

// Key loads the key from disk, creating it when the file does not exist.
// NEVER include key material in returned errors.
func (f *FileKeyFacility) Key() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.key != nil {
		return f.key, nil
	}

	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		key, err := f.create()
		if err != nil {
			return nil, err
		}
		f.key = key
		return key, nil
	case err != nil:
		return nil, fmt.Errorf("read device key: %w", err)
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || len(key) != deviceKeySize {
		return nil, ErrKeyInvalidated
	}
	f.key = key
	return key, nil
}

// Reset deletes the key file so the next Key call generates a fresh key.
func (f *FileKeyFacility) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.key = nil
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove device key: %w", err)
	}
	return nil
}

func (f *FileKeyFacility) create() ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	key := make([]byte, deviceKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	if err := os.WriteFile(f.path, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("write device key: %w", err)
	}
	return key, nil
}

// MemoryKeyFacility holds the key in process memory only. Ciphertext written
// with it is unreadable after a restart, which suits the memory store driver.
type MemoryKeyFacility struct {
	mu  sync.Mutex
	key []byte
}

// NewMemoryKeyFacility returns an empty in-memory facility.
func NewMemoryKeyFacility() *MemoryKeyFacility {
	return &MemoryKeyFacility{}
}

func (m *MemoryKeyFacility) Key() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.key == nil {
		key := make([]byte, deviceKeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate device key: %w", err)
		}
		m.key = key
	}
	return m.key, nil
}

func (m *MemoryKeyFacility) Reset() error {
	m.mu.Lock()
	m.key = nil
	m.mu.Unlock()
	return nil
}
