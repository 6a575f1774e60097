// secretstore_test.go: Secret ownership and erasure tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretStore_AcquireZeroizesInput(t *testing.T) {
	s := newTestSecrets(t)
	secret := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	h := s.Acquire(secret)

	assert.Equal(t, make([]byte, 8), secret, "caller slice must be wiped")
	assert.Equal(t, 1, s.Held())

	err := h.Use(func(b []byte) error {
		assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, b)
		return nil
	})
	require.NoError(t, err)
}

func TestSecretStore_Release(t *testing.T) {
	s := newTestSecrets(t)
	h := s.Acquire([]byte("top secret"))

	var lent []byte
	require.NoError(t, h.Use(func(b []byte) error {
		lent = b
		return nil
	}))

	h.Release()
	assert.True(t, h.Released())
	assert.Equal(t, 0, s.Held())
	assert.Equal(t, make([]byte, len(lent)), lent, "backing bytes must be zeroized")

	err := h.Use(func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrHandleReleased)

	// Second release is a no-op.
	h.Release()
	assert.True(t, h.Released())
}

func TestSecretStore_ForeignAndNilHandles(t *testing.T) {
	a := newTestSecrets(t)
	b := newTestSecrets(t)
	h := a.Acquire([]byte("x"))

	err := b.Use(h, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrHandleReleased)

	var nilHandle *SecretHandle
	assert.ErrorIs(t, nilHandle.Use(func([]byte) error { return nil }), ErrHandleReleased)
	assert.True(t, nilHandle.Released())
	nilHandle.Release()
}

func TestSecretStore_UsePropagatesError(t *testing.T) {
	s := newTestSecrets(t)
	h := s.Acquire([]byte("k"))
	sentinel := errors.New("callback failed")
	assert.ErrorIs(t, h.Use(func([]byte) error { return sentinel }), sentinel)
	assert.False(t, h.Released())
}

func TestSecretStore_CloseReleasesEverything(t *testing.T) {
	s := NewSecretStore(nil)
	handles := []*SecretHandle{
		s.Acquire([]byte("one")),
		s.Acquire([]byte("two")),
		s.Acquire([]byte("three")),
	}
	s.Close()
	assert.Equal(t, 0, s.Held())
	for _, h := range handles {
		assert.True(t, h.Released())
	}
}

func TestSecretStore_Scoped(t *testing.T) {
	s := newTestSecrets(t)
	secret := []byte("scoped secret")
	var seen []byte
	err := s.Scoped(secret, func(b []byte) error {
		seen = bytes.Clone(b)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("scoped secret"), seen)
	assert.Equal(t, make([]byte, len(secret)), secret)
	assert.Equal(t, 0, s.Held())
}

func TestSecretStore_ScopedReleasesOnPanic(t *testing.T) {
	s := newTestSecrets(t)
	assert.Panics(t, func() {
		_ = s.Scoped([]byte("boom"), func([]byte) error { panic("callback panic") })
	})
	assert.Equal(t, 0, s.Held())
}

func TestWithSecret(t *testing.T) {
	tests := []struct {
		name    string
		fn      func([]byte) error
		wantErr bool
		panics  bool
	}{
		{"success", func([]byte) error { return nil }, false, false},
		{"error", func([]byte) error { return errors.New("fail") }, true, false},
		{"panic", func([]byte) error { panic("fail") }, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			secret := []byte("ephemeral")
			run := func() error { return WithSecret(secret, tt.fn) }
			if tt.panics {
				assert.Panics(t, func() { _ = run() })
			} else if tt.wantErr {
				assert.Error(t, run())
			} else {
				assert.NoError(t, run())
			}
			assert.Equal(t, make([]byte, len(secret)), secret)
		})
	}
}

func TestSecretStore_ConcurrentUseAndRelease(t *testing.T) {
	s := newTestSecrets(t)
	h := s.Acquire(bytes.Repeat([]byte{0xAB}, 32))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Use(func(b []byte) error {
				for _, c := range b {
					if c != 0xAB {
						t.Errorf("observed partially erased secret")
						break
					}
				}
				return nil
			})
		}()
	}
	h.Release()
	wg.Wait()
	assert.True(t, h.Released())
}
