// keymanager_test.go: Device key, pre-key and attestation tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyManager_Errors(t *testing.T) {
	cfg := newTestConfig(t)
	secrets := newTestSecrets(t)

	_, err := NewKeyManager(cfg, nil, secrets, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewKeyManager(cfg, NewMemoryStorage(), nil, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	bad := newTestConfig(t)
	bad.Suite = 0x0abc
	_, err = NewKeyManager(bad, NewMemoryStorage(), secrets, nil)
	assert.ErrorIs(t, err, ErrUnknownSuite)
}

func TestGenerateDeviceKeys(t *testing.T) {
	ctx := context.Background()
	km, store, _ := newTestKeyManager(t, newTestConfig(t))

	keys, err := km.GenerateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, "phone-1", keys.DeviceID)
	assert.Equal(t, 1, keys.Version)
	assert.True(t, keys.Signing.HasPrivate())
	assert.True(t, keys.Encryption.HasPrivate())
	assert.Equal(t, DefaultSuite, keys.Encryption.Suite)
	assert.Equal(t, []string{"device/phone-1"}, store.ListKeys("device/"))

	got, err := km.DeviceKeys("phone-1")
	require.NoError(t, err)
	assert.Same(t, keys, got)

	_, err = km.GenerateDeviceKeys(ctx, "phone-1")
	assert.ErrorIs(t, err, ErrDeviceExists)

	_, err = km.GenerateDeviceKeys(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = km.DeviceKeys("tablet")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestGenerateDeviceKeys_ExistsInStorage(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	store := NewMemoryStorage()
	secrets := newTestSecrets(t)

	first, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	defer first.Close()
	_, err = first.GenerateDeviceKeys(ctx, "laptop")
	require.NoError(t, err)

	second, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.GenerateDeviceKeys(ctx, "laptop")
	assert.ErrorIs(t, err, ErrDeviceExists)
}

func TestGenerateDeviceKeys_EntropyFailure(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.Rand = failingReader{}
	km, store, secrets := newTestKeyManager(t, cfg)

	_, err := km.GenerateDeviceKeys(context.Background(), "phone-1")
	assert.ErrorIs(t, err, ErrKeyGeneration)
	assert.Zero(t, store.Len(), "nothing persisted on failure")
	assert.Zero(t, secrets.Held(), "no secret retained on failure")
}

func TestRotateDeviceKeys(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestKeyManager(t, newTestConfig(t))

	old, err := km.GenerateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)
	oldSigning := append([]byte(nil), old.Signing.Public...)

	rotated, err := km.RotateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rotated.Version)
	assert.NotEqual(t, oldSigning, rotated.Signing.Public)
	assert.True(t, old.Signing.Released())
	assert.True(t, old.Encryption.Released())

	current, err := km.DeviceKeys("phone-1")
	require.NoError(t, err)
	assert.Same(t, rotated, current)

	_, err = km.RotateDeviceKeys(ctx, "unknown")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestGeneratePreKeys_MonotonicIdentifiers(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	store := NewMemoryStorage()
	secrets := newTestSecrets(t)

	km, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)

	first, err := km.GeneratePreKeys(ctx, "alice", 3)
	require.NoError(t, err)
	second, err := km.GeneratePreKeys(ctx, "alice", 2)
	require.NoError(t, err)

	var ids []uint32
	for _, pk := range append(first, second...) {
		ids = append(ids, pk.ID)
		assert.Equal(t, "alice", pk.UserID)
		assert.True(t, pk.KeyPair.HasPrivate())
	}
	assert.Equal(t, []uint32{1, 2, 3, 4, 5}, ids)
	assert.Equal(t, 5, km.PreKeyCount("alice"))

	bob, err := km.GeneratePreKeys(ctx, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), bob[0].ID, "identifiers are per user")
	km.Close()

	// A new manager over the same storage continues after the high-water mark.
	restarted, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	defer restarted.Close()
	third, err := restarted.GeneratePreKeys(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), third[0].ID)
}

func TestGeneratePreKeys_BatchSize(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	cfg.PreKeyBatchSize = 4
	km, _, _ := newTestKeyManager(t, cfg)

	keys, err := km.GeneratePreKeys(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	tests := []struct {
		name  string
		user  string
		count int
	}{
		{"negative", "alice", -1},
		{"too many", "alice", MaxPreKeyBatchSize + 1},
		{"empty user", "", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := km.GeneratePreKeys(ctx, tt.user, tt.count)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestGeneratePreKeys_EntropyFailureKeepsIdentifiersUnique(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	secrets := newTestSecrets(t)

	broken := newTestConfig(t)
	broken.Rand = failingReader{}
	km, err := NewKeyManager(broken, store, secrets, nil)
	require.NoError(t, err)
	defer km.Close()

	_, err = km.GeneratePreKeys(ctx, "alice", 2)
	assert.ErrorIs(t, err, ErrKeyGeneration)
	assert.Empty(t, store.ListKeys("prekey/"))

	healthy, err := NewKeyManager(newTestConfig(t), store, secrets, nil)
	require.NoError(t, err)
	defer healthy.Close()
	keys, err := healthy.GeneratePreKeys(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), keys[0].ID, "reserved identifiers are not reused")
}

func TestConsumePreKey(t *testing.T) {
	ctx := context.Background()
	km, store, _ := newTestKeyManager(t, newTestConfig(t))

	keys, err := km.GeneratePreKeys(ctx, "alice", 2)
	require.NoError(t, err)

	pk, err := km.ConsumePreKey(ctx, "alice", keys[0].ID)
	require.NoError(t, err)
	assert.Same(t, keys[0], pk)
	assert.True(t, pk.KeyPair.HasPrivate())
	assert.Equal(t, 1, km.PreKeyCount("alice"))
	assert.Equal(t, []string{"prekey/alice/2"}, store.ListKeys("prekey/"))

	_, err = km.ConsumePreKey(ctx, "alice", keys[0].ID)
	assert.ErrorIs(t, err, ErrStaleOneTimeKey)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Contains(t, err.Error(), "already consumed")

	tests := []struct {
		name string
		user string
		id   uint32
	}{
		{"beyond high-water mark", "alice", 99},
		{"zero identifier", "alice", 0},
		{"unknown user", "mallory", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := km.ConsumePreKey(ctx, tt.user, tt.id)
			assert.ErrorIs(t, err, ErrNotFound)
			assert.NotErrorIs(t, err, ErrStaleOneTimeKey)
		})
	}
}

func TestConsumePreKey_PublicOnlyFromOtherManager(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	store := NewMemoryStorage()
	secrets := newTestSecrets(t)

	issuer, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	defer issuer.Close()
	keys, err := issuer.GeneratePreKeys(ctx, "alice", 1)
	require.NoError(t, err)

	server, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	defer server.Close()

	pk, err := server.ConsumePreKey(ctx, "alice", keys[0].ID)
	require.NoError(t, err)
	assert.Equal(t, keys[0].KeyPair.Public, pk.KeyPair.Public)
	assert.False(t, pk.KeyPair.HasPrivate())

	_, err = issuer.ConsumePreKey(ctx, "alice", keys[0].ID)
	assert.ErrorIs(t, err, ErrStaleOneTimeKey)
}

func TestConsumePreKey_Concurrent(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestKeyManager(t, newTestConfig(t))
	keys, err := km.GeneratePreKeys(ctx, "alice", 1)
	require.NoError(t, err)

	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := km.ConsumePreKey(ctx, "alice", keys[0].ID); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, success, "a pre-key is handed out at most once")
}

// rendezvousStorage holds every pre-key Get until all expected readers have
// read the record.
type rendezvousStorage struct {
	Storage
	readers sync.WaitGroup
}

func (s *rendezvousStorage) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.Storage.Get(ctx, key)
	if strings.HasPrefix(key, preKeyPrefix) {
		s.readers.Done()
		s.readers.Wait()
	}
	return value, err
}

func TestConsumePreKey_SharedStorage(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	store := &rendezvousStorage{Storage: NewMemoryStorage()}
	secrets := newTestSecrets(t)

	issuer, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	defer issuer.Close()
	keys, err := issuer.GeneratePreKeys(ctx, "alice", 1)
	require.NoError(t, err)

	other, err := NewKeyManager(cfg, store, secrets, nil)
	require.NoError(t, err)
	defer other.Close()

	store.readers.Add(2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, km := range []*KeyManager{issuer, other} {
		wg.Add(1)
		go func(i int, km *KeyManager) {
			defer wg.Done()
			_, errs[i] = km.ConsumePreKey(ctx, "alice", keys[0].ID)
		}(i, km)
	}
	wg.Wait()

	successes := 0
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		assert.ErrorIs(t, err, ErrStaleOneTimeKey)
	}
	assert.Equal(t, 1, successes, "both managers read the record but only one consumes it")
	assert.Equal(t, 0, issuer.PreKeyCount("alice"))
}

func TestAttest_SoftwareMarker(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestKeyManager(t, newTestConfig(t))
	_, err := km.GenerateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)

	att, err := km.Attest(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, SoftwareAttestor, att.Provider)
	assert.Equal(t, AssuranceSoftware, att.Assurance)

	ok, level := km.VerifyAttestation(ctx, att)
	assert.True(t, ok)
	assert.Equal(t, AssuranceSoftware, level)

	// Claiming hardware on a software marker does not raise the assurance.
	att.Assurance = AssuranceHardware
	ok, level = km.VerifyAttestation(ctx, att)
	assert.True(t, ok)
	assert.Equal(t, AssuranceSoftware, level)

	_, err = km.Attest(ctx, "tablet")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestAttest_Hardware(t *testing.T) {
	ctx := context.Background()
	attestor := newMockAttestor("enclave")
	attestors := NewAttestationManager(nil, nil)
	require.NoError(t, attestors.RegisterProvider("enclave", attestor))
	defer attestors.Close()

	km, err := NewKeyManager(newTestConfig(t), NewMemoryStorage(), newTestSecrets(t), attestors)
	require.NoError(t, err)
	defer km.Close()
	_, err = km.GenerateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)

	att, err := km.Attest(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, "enclave", att.Provider)
	assert.Equal(t, AssuranceHardware, att.Assurance)

	ok, level := km.VerifyAttestation(ctx, att)
	assert.True(t, ok)
	assert.Equal(t, AssuranceHardware, level)

	// An unhealthy attestor falls back to the software marker.
	attestor.setHealthy(false)
	fallback, err := km.Attest(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, SoftwareAttestor, fallback.Provider)
	assert.Equal(t, AssuranceSoftware, fallback.Assurance)

	// Hardware evidence cannot be checked while the attestor is down.
	ok, level = km.VerifyAttestation(ctx, att)
	assert.False(t, ok)
	assert.Equal(t, AssuranceNone, level)
}

func TestAttest_RefusingAttestorFallsBack(t *testing.T) {
	ctx := context.Background()
	attestor := newMockAttestor("tpm")
	attestor.failAttest = true
	attestors := NewAttestationManager(nil, nil)
	require.NoError(t, attestors.RegisterProvider("tpm", attestor))
	defer attestors.Close()

	km, err := NewKeyManager(newTestConfig(t), NewMemoryStorage(), newTestSecrets(t), attestors)
	require.NoError(t, err)
	defer km.Close()
	_, err = km.GenerateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)

	att, err := km.Attest(ctx, "phone-1")
	require.NoError(t, err)
	assert.Equal(t, AssuranceSoftware, att.Assurance)
	assert.Equal(t, 1, attestor.attestCalls)
}

func TestVerifyAttestation_Tampered(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestKeyManager(t, newTestConfig(t))
	_, err := km.GenerateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)
	_, err = km.GenerateDeviceKeys(ctx, "phone-2")
	require.NoError(t, err)
	other, err := km.DeviceKeys("phone-2")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Attestation)
	}{
		{"evidence", func(a *Attestation) { a.Evidence[0] ^= 0x01 }},
		{"no evidence", func(a *Attestation) { a.Evidence = nil }},
		{"encryption key swapped", func(a *Attestation) { a.EncryptionKey = other.Encryption.Public }},
		{"device renamed", func(a *Attestation) { a.DeviceID = "phone-3" }},
		{"unknown provider", func(a *Attestation) { a.Provider = "enclave" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			att, err := km.Attest(ctx, "phone-1")
			require.NoError(t, err)
			tt.mutate(att)
			ok, level := km.VerifyAttestation(ctx, att)
			assert.False(t, ok)
			assert.Equal(t, AssuranceNone, level)
		})
	}

	ok, level := km.VerifyAttestation(ctx, nil)
	assert.False(t, ok)
	assert.Equal(t, AssuranceNone, level)
}

func TestVerifyAttestation_StaleAfterRotation(t *testing.T) {
	ctx := context.Background()
	km, _, _ := newTestKeyManager(t, newTestConfig(t))
	_, err := km.GenerateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)
	att, err := km.Attest(ctx, "phone-1")
	require.NoError(t, err)

	_, err = km.RotateDeviceKeys(ctx, "phone-1")
	require.NoError(t, err)
	ok, _ := km.VerifyAttestation(ctx, att)
	assert.False(t, ok, "attestation of replaced keys is rejected")
}

func TestAttestationManager(t *testing.T) {
	m := NewAttestationManager(&AttestationManagerConfig{DefaultProvider: "tpm"}, nil)
	assert.Nil(t, m.PluginManager())

	assert.Error(t, m.RegisterProvider("nil", nil))

	broken := newMockAttestor("broken")
	broken.failInit = true
	assert.Error(t, m.RegisterProvider("broken", broken))

	enclave := newMockAttestor("enclave")
	tpm := newMockAttestor("tpm")
	require.NoError(t, m.RegisterProvider("enclave", enclave))
	require.NoError(t, m.RegisterProvider("tpm", tpm))
	assert.Equal(t, []string{"enclave", "tpm"}, m.Providers())

	p, err := m.GetProvider("")
	require.NoError(t, err)
	assert.Equal(t, "tpm", p.Name(), "configured default wins")

	_, err = m.GetProvider("hsm")
	assert.ErrorIs(t, err, ErrAttestorNotFound)

	enclave.setHealthy(false)
	_, err = m.GetProvider("enclave")
	assert.ErrorIs(t, err, ErrAttestorUnhealthy)

	require.NoError(t, m.Close())
	assert.Empty(t, m.Providers())
	assert.False(t, tpm.IsHealthy(), "providers are closed")
}
