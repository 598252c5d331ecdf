package storage

import (
	"errors"
	"sync"

	"github.com/duke-git/lancet/v2/cryptor"
)

// ErrKeyNotFound is returned when a file doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store holds the files a worker received from its coordinator, keyed by a
// slash separated name such as "cache/input.txt" or "packages/ana.par".
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a file by name
	// Returns ErrKeyNotFound if the file doesn't exist
	Get(key string) ([]byte, error)

	// Put stores a file under the given name
	// Overwrites any existing content
	Put(key string, value []byte) error

	// Delete removes a file
	// No error if the file doesn't exist
	Delete(key string) error

	// List returns all names in the store
	// Order is not guaranteed
	List() []string

	// Checksum returns the hex MD5 of a stored file
	// Returns ErrKeyNotFound if the file doesn't exist
	Checksum(key string) (string, error)

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int // Number of files
	Bytes int // Total size of all files in bytes
}

// MemoryStore implements Store interface with in-memory storage
type MemoryStore struct {
	mu   sync.RWMutex      // Protects concurrent access
	data map[string][]byte // Name to content
	sums map[string]string // Name to hex MD5, computed on Put
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		sums: make(map[string]string),
	}
}

// Get retrieves a copy of a file
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of value and records its checksum
func (m *MemoryStore) Put(key string, value []byte) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	sum := cryptor.Md5String(string(stored))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = stored
	m.sums[key] = sum
	return nil
}

// Delete removes a file from the store
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	delete(m.sums, key)
	return nil
}

// List returns all names currently in the store
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	return keys
}

// Checksum returns the MD5 recorded when the file was stored
func (m *MemoryStore) Checksum(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sum, ok := m.sums[key]
	if !ok {
		return "", ErrKeyNotFound
	}
	return sum, nil
}

// Stats returns current statistics about the store
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:  len(m.data),
		Bytes: totalBytes,
	}
}
