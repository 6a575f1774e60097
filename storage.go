// storage.go: Key-value storage collaborator, in-memory implementation and
// encrypted wrapper.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
)

// Storage is the durable key-value collaborator the core depends on. The
// core never defines a schema: it stores opaque blobs under string keys.
//
// Get must return an error matching ErrNotFound for a missing key. Other
// errors are passed through to callers unchanged (wrapped with %w).
type Storage interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) (bool, error)
}

// MemoryStorage is a concurrency-safe in-memory Storage, intended for tests
// and single-process deployments. Each instance is independent.
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

// Put stores a copy of value under key.
func (m *MemoryStorage) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		Zeroize(old)
	}
	m.data[key] = buf
	return nil
}

// Get returns a copy of the value stored under key.
func (m *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, newError(ErrNotFound, ErrCodeNotFound, "key not found")
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Delete removes key, reporting whether it existed.
func (m *MemoryStorage) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if ok {
		Zeroize(v)
		delete(m.data, key)
	}
	return ok, nil
}

// ListKeys returns the stored keys with the given prefix in sorted order.
func (m *MemoryStorage) ListKeys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys.
func (m *MemoryStorage) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// SealedStorage encrypts every value before handing it to an inner Storage.
// The storage key is bound as associated data, so a blob moved to another key
// fails authentication.
type SealedStorage struct {
	inner Storage
	key   *SecretHandle
	alg   AEADAlgorithm
	rand  io.Reader
}

// NewSealedStorage wraps inner. The encryption key is moved into secrets and
// the caller's slice is zeroized.
func NewSealedStorage(inner Storage, secrets *SecretStore, key []byte, alg AEADAlgorithm, rnd io.Reader) (*SealedStorage, error) {
	if inner == nil || secrets == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "sealed storage requires an inner store and a secret store")
	}
	if err := ValidateKey(key); err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidKey, "invalid storage key")
	}
	if _, err := newAEAD(alg, make([]byte, KeySize)); err != nil {
		return nil, err
	}
	if rnd == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "random source required")
	}
	return &SealedStorage{inner: inner, key: secrets.Acquire(key), alg: alg, rand: rnd}, nil
}

// Put encrypts value and stores it under key.
func (s *SealedStorage) Put(ctx context.Context, key string, value []byte) error {
	var sealed []byte
	err := s.key.Use(func(k []byte) error {
		var err error
		sealed, err = EncryptBytesWithAAD(s.rand, s.alg, value, k, []byte(key))
		return err
	})
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, key, sealed)
}

// Get fetches and decrypts the value under key.
func (s *SealedStorage) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var plain []byte
	err = s.key.Use(func(k []byte) error {
		var err error
		plain, err = DecryptBytesWithAAD(s.alg, sealed, k, []byte(key))
		return err
	})
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// Delete removes key from the inner store.
func (s *SealedStorage) Delete(ctx context.Context, key string) (bool, error) {
	return s.inner.Delete(ctx, key)
}

// Close releases the storage key.
func (s *SealedStorage) Close() {
	s.key.Release()
}

// isNotFound reports whether a storage error means a missing key.
func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
