// helpers_test.go: Shared fixtures for package tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// failingReader is an entropy source that always fails.
type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("entropy source unavailable")
}

// newTestConfig returns defaults with fast password hardening and a test
// logger.
func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.KSF = FastKDFParams()
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

// newTestSecrets returns a secret store closed at test cleanup.
func newTestSecrets(t *testing.T) *SecretStore {
	t.Helper()
	s := NewSecretStore(zaptest.NewLogger(t))
	t.Cleanup(s.Close)
	return s
}

// newTestKeyManager returns a key manager over a fresh memory store.
func newTestKeyManager(t *testing.T, cfg *Config) (*KeyManager, *MemoryStorage, *SecretStore) {
	t.Helper()
	store := NewMemoryStorage()
	secrets := newTestSecrets(t)
	km, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	t.Cleanup(km.Close)
	return km, store, secrets
}

// mockAttestor is an in-process HardwareAttestor that MACs statements with
// a key only it knows.
type mockAttestor struct {
	mu          sync.Mutex
	name        string
	key         []byte
	initialized bool
	healthy     bool
	failInit    bool
	failAttest  bool
	attestCalls int
}

func newMockAttestor(name string) *mockAttestor {
	return &mockAttestor{name: name, key: []byte("mock-attestor-key-" + name), healthy: true}
}

func (m *mockAttestor) Name() string    { return m.name }
func (m *mockAttestor) Version() string { return "1.0.0" }

func (m *mockAttestor) Initialize(ctx context.Context, config map[string]interface{}) error {
	if m.failInit {
		return errors.New("mock attestor init failed")
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()
	return nil
}

func (m *mockAttestor) Close() error {
	m.mu.Lock()
	m.initialized = false
	m.mu.Unlock()
	return nil
}

func (m *mockAttestor) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy && m.initialized
}

func (m *mockAttestor) Attest(ctx context.Context, statement []byte) ([]byte, error) {
	m.mu.Lock()
	m.attestCalls++
	m.mu.Unlock()
	if m.failAttest {
		return nil, errors.New("mock attestor refused")
	}
	mac := hmac.New(sha256.New, m.key)
	mac.Write(statement)
	return mac.Sum(nil), nil
}

func (m *mockAttestor) Verify(ctx context.Context, statement, evidence []byte) (bool, error) {
	mac := hmac.New(sha256.New, m.key)
	mac.Write(statement)
	return hmac.Equal(mac.Sum(nil), evidence), nil
}

func (m *mockAttestor) setHealthy(ok bool) {
	m.mu.Lock()
	m.healthy = ok
	m.mu.Unlock()
}
