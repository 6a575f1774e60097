// secretstore.go: Scoped ownership of raw secret bytes with guaranteed erasure
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"sync"

	"go.uber.org/zap"
)

// secretEntry is one secret owned by a SecretStore.
type secretEntry struct {
	mu       sync.RWMutex
	buf      []byte
	released bool
}

// SecretHandle references a secret held by a SecretStore.
//
// A handle is only a reference: the bytes never leave the store except inside
// a Use callback. After Release every access fails with ErrHandleReleased.
type SecretHandle struct {
	id    uint64
	entry *secretEntry
	store *SecretStore
}

// SecretStore is the only component allowed to keep raw private-key bytes in
// long-lived memory. Every other component borrows them for the duration of a
// single callback.
type SecretStore struct {
	mu      sync.Mutex
	entries map[uint64]*secretEntry
	nextID  uint64
	logger  *zap.Logger
}

// NewSecretStore creates an empty store. A nil logger disables logging.
func NewSecretStore(logger *zap.Logger) *SecretStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SecretStore{
		entries: make(map[uint64]*secretEntry),
		logger:  logger,
	}
}

// Acquire moves secret into the store and returns its handle.
//
// The store keeps its own copy; the caller's slice is zeroized before Acquire
// returns, so after this call the handle is the only way to reach the bytes.
//
// Example:
//
//	seed, _ := xipr.GenerateKey(rand.Reader)
//	h := secrets.Acquire(seed) // seed is now all zeros
//	defer h.Release()
func (s *SecretStore) Acquire(secret []byte) *SecretHandle {
	buf := make([]byte, len(secret))
	copy(buf, secret)
	Zeroize(secret)

	entry := &secretEntry{buf: buf}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.entries[id] = entry
	s.mu.Unlock()

	return &SecretHandle{id: id, entry: entry, store: s}
}

// Use lends the secret to fn. The slice passed to fn must not be retained
// after fn returns. Release blocks until in-flight Use calls complete.
func (s *SecretStore) Use(h *SecretHandle, fn func([]byte) error) error {
	if h == nil || h.entry == nil || h.store != s {
		return newError(ErrHandleReleased, ErrCodeHandleReleased, "invalid secret handle")
	}
	h.entry.mu.RLock()
	defer h.entry.mu.RUnlock()
	if h.entry.released {
		return newError(ErrHandleReleased, ErrCodeHandleReleased, "secret handle already released")
	}
	return fn(h.entry.buf)
}

// Release zeroizes the secret and invalidates the handle. Releasing twice is
// a no-op.
func (s *SecretStore) Release(h *SecretHandle) {
	if h == nil || h.entry == nil || h.store != s {
		return
	}
	h.entry.mu.Lock()
	if !h.entry.released {
		Zeroize(h.entry.buf)
		h.entry.buf = nil
		h.entry.released = true
	}
	h.entry.mu.Unlock()

	s.mu.Lock()
	delete(s.entries, h.id)
	s.mu.Unlock()
}

// Held returns the number of secrets currently owned by the store.
func (s *SecretStore) Held() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close releases every secret still held.
func (s *SecretStore) Close() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[uint64]*secretEntry)
	s.mu.Unlock()

	for _, entry := range entries {
		entry.mu.Lock()
		if !entry.released {
			Zeroize(entry.buf)
			entry.buf = nil
			entry.released = true
		}
		entry.mu.Unlock()
	}
	if len(entries) > 0 {
		s.logger.Debug("secret store closed", zap.Int("released", len(entries)))
	}
}

// Scoped acquires secret, lends it to fn and releases it on every exit path,
// including a panic inside fn.
func (s *SecretStore) Scoped(secret []byte, fn func([]byte) error) error {
	h := s.Acquire(secret)
	defer s.Release(h)
	return s.Use(h, fn)
}

// Use is shorthand for h.store.Use(h, fn).
func (h *SecretHandle) Use(fn func([]byte) error) error {
	if h == nil {
		return newError(ErrHandleReleased, ErrCodeHandleReleased, "nil secret handle")
	}
	return h.store.Use(h, fn)
}

// Release is shorthand for h.store.Release(h).
func (h *SecretHandle) Release() {
	if h == nil {
		return
	}
	h.store.Release(h)
}

// Released reports whether the handle can no longer be used.
func (h *SecretHandle) Released() bool {
	if h == nil || h.entry == nil {
		return true
	}
	h.entry.mu.RLock()
	defer h.entry.mu.RUnlock()
	return h.entry.released
}

// WithSecret lends secret to fn and zeroizes it afterwards, whether fn
// returns normally, returns an error, or panics.
func WithSecret(secret []byte, fn func([]byte) error) error {
	defer Zeroize(secret)
	return fn(secret)
}
