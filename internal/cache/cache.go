// Package cache provides the local persistent key/value cache that mirrors
// every document the sync engine holds in memory.
//
// A Cache is synchronous and has no notion of remote state. Writes may fail
// (a full disk, a storage quota); callers log such failures and carry on,
// because the in-memory value stays authoritative for readers.
package cache

import (
	"errors"
	"strings"
	"sync"
)

// Cache is a synchronous key -> string store.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string) error
}

// pendingSuffix marks the entry that flags a document as holding local
// edits the remote has not acknowledged yet.
const pendingSuffix = "#pending"

// PendingKey returns the marker key for the document cached under key.
func PendingKey(key string) string {
	return key + pendingSuffix
}

// IsPendingKey reports whether key is a marker key rather than a document.
func IsPendingKey(key string) bool {
	return strings.HasSuffix(key, pendingSuffix)
}

// ErrQuotaExceeded is returned by Memory when a write would exceed its quota.
var ErrQuotaExceeded = errors.New("cache quota exceeded")

// Memory is a process-local Cache. A positive quota bounds the total number
// of bytes stored, which lets tests exercise write failures.
type Memory struct {
	mu     sync.RWMutex
	data   map[string]string
	quota  int
	size   int
	writes map[string]int
}

// NewMemory creates an unbounded Memory cache.
func NewMemory() *Memory {
	return NewMemoryWithQuota(0)
}

// NewMemoryWithQuota creates a Memory cache holding at most quota bytes of
// values. A quota of zero means unbounded.
func NewMemoryWithQuota(quota int) *Memory {
	return &Memory{
		data:   make(map[string]string),
		quota:  quota,
		writes: make(map[string]int),
	}
}

// Get implements Cache.
func (m *Memory) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// Set implements Cache.
func (m *Memory) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writes[key]++
	next := m.size - len(m.data[key]) + len(value)
	if m.quota > 0 && next > m.quota {
		return ErrQuotaExceeded
	}
	m.data[key] = value
	m.size = next
	return nil
}

// Writes returns how many times Set was called for key.
func (m *Memory) Writes(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes[key]
}
