// session_test.go: Session authority tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is an adjustable time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSessionAuth(t *testing.T, store Storage) (*SessionAuth, *testClock) {
	t.Helper()
	cfg := newTestConfig(t)
	cfg.SessionLifetime = time.Hour
	auth, err := NewSessionAuth(cfg, store, newTestSecrets(t))
	require.NoError(t, err)
	t.Cleanup(auth.Close)
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return auth.WithClock(clock.Now), clock
}

func TestSessionAuth_MintAndValidate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	auth, clock := newTestSessionAuth(t, store)

	key := bytes.Repeat([]byte{0x42}, SessionKeySize)
	session, err := auth.Mint(ctx, key, "alice", "phone-1")
	require.NoError(t, err)
	assert.Equal(t, make([]byte, SessionKeySize), key, "session key is moved and zeroized")
	assert.NotEmpty(t, session.ID)
	assert.NotEmpty(t, session.Token)
	assert.Equal(t, clock.Now().Add(time.Hour), session.ExpiresAt)

	got, err := auth.Validate(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "phone-1", got.DeviceID)

	keys := store.ListKeys("session/")
	require.Len(t, keys, 1)
	assert.False(t, strings.Contains(keys[0], session.Token), "storage key does not reveal the token")
	raw, err := store.Get(ctx, keys[0])
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, []byte(session.Token)), "record does not contain the token")
	assert.False(t, bytes.Contains(raw, bytes.Repeat([]byte{0x42}, SessionKeySize)))
}

func TestSessionAuth_TokensAreUnique(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestSessionAuth(t, NewMemoryStorage())
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		s, err := auth.Mint(ctx, []byte("k"), "alice", "")
		require.NoError(t, err)
		assert.False(t, seen[s.Token])
		seen[s.Token] = true
	}
}

func TestSessionAuth_Expiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	auth, clock := newTestSessionAuth(t, store)

	session, err := auth.Mint(ctx, []byte("key"), "alice", "phone-1")
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	_, err = auth.Validate(ctx, session.Token)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = auth.Validate(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	assert.Zero(t, store.Len(), "expired session is deleted")

	_, err = auth.Validate(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = auth.UseSessionKey(ctx, session.Token, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionAuth_Revoke(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestSessionAuth(t, NewMemoryStorage())
	session, err := auth.Mint(ctx, []byte("key"), "alice", "phone-1")
	require.NoError(t, err)

	existed, err := auth.Revoke(ctx, session.Token)
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = auth.Revoke(ctx, session.Token)
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = auth.Validate(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionAuth_Refresh(t *testing.T) {
	ctx := context.Background()
	auth, clock := newTestSessionAuth(t, NewMemoryStorage())
	session, err := auth.Mint(ctx, []byte("key"), "alice", "phone-1")
	require.NoError(t, err)

	clock.Advance(50 * time.Minute)
	refreshed, err := auth.Refresh(ctx, session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.Token, refreshed.Token)
	assert.Equal(t, clock.Now().Add(time.Hour), refreshed.ExpiresAt)

	clock.Advance(30 * time.Minute)
	_, err = auth.Validate(ctx, session.Token)
	require.NoError(t, err, "still valid past the original expiry")

	clock.Advance(time.Hour)
	_, err = auth.Refresh(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

// getHookStorage runs afterGet once, right after the first Get returns.
type getHookStorage struct {
	Storage
	once     sync.Once
	afterGet func()
}

func (s *getHookStorage) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.Storage.Get(ctx, key)
	if s.afterGet != nil {
		s.once.Do(s.afterGet)
	}
	return value, err
}

func TestSessionAuth_RevokeDuringRefresh(t *testing.T) {
	ctx := context.Background()
	store := &getHookStorage{Storage: NewMemoryStorage()}
	auth, _ := newTestSessionAuth(t, store)
	session, err := auth.Mint(ctx, []byte("key"), "alice", "phone-1")
	require.NoError(t, err)

	store.afterGet = func() {
		existed, err := auth.Revoke(ctx, session.Token)
		require.NoError(t, err)
		require.True(t, existed)
	}

	_, err = auth.Refresh(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = auth.Validate(ctx, session.Token)
	assert.ErrorIs(t, err, ErrSessionNotFound, "a revoked session is never written back")
}

func TestSessionAuth_ConcurrentRefreshAndRevoke(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestSessionAuth(t, NewMemoryStorage())

	for i := 0; i < 20; i++ {
		session, err := auth.Mint(ctx, []byte("key"), "alice", "phone-1")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = auth.Refresh(ctx, session.Token)
		}()
		go func() {
			defer wg.Done()
			_, _ = auth.Revoke(ctx, session.Token)
		}()
		wg.Wait()

		_, err = auth.Validate(ctx, session.Token)
		assert.ErrorIs(t, err, ErrSessionNotFound)
	}
}

func TestSessionAuth_UseSessionKey(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	auth, _ := newTestSessionAuth(t, store)

	session, err := auth.Mint(ctx, []byte("session-key"), "alice", "phone-1")
	require.NoError(t, err)

	var lent []byte
	err = auth.UseSessionKey(ctx, session.Token, func(k []byte) error {
		lent = append([]byte(nil), k...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("session-key"), lent)

	// Another instance over the same storage validates the token but does not
	// hold the key.
	other, _ := newTestSessionAuth(t, store)
	_, err = other.Validate(ctx, session.Token)
	require.NoError(t, err)
	err = other.UseSessionKey(ctx, session.Token, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = auth.Revoke(ctx, session.Token)
	require.NoError(t, err)
	err = auth.UseSessionKey(ctx, session.Token, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSessionAuth_Errors(t *testing.T) {
	ctx := context.Background()
	auth, _ := newTestSessionAuth(t, NewMemoryStorage())

	_, err := auth.Mint(ctx, nil, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = auth.Mint(ctx, []byte("k"), "", "")
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = auth.Validate(ctx, "")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = auth.Validate(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = NewSessionAuth(newTestConfig(t), nil, newTestSecrets(t))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg := newTestConfig(t)
	cfg.Rand = failingReader{}
	broken, err := NewSessionAuth(cfg, NewMemoryStorage(), newTestSecrets(t))
	require.NoError(t, err)
	_, err = broken.Mint(ctx, []byte("k"), "alice", "")
	assert.ErrorIs(t, err, ErrKeyGeneration)
}

func TestSessionAuth_CorruptRecord(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	auth, _ := newTestSessionAuth(t, store)
	session, err := auth.Mint(ctx, []byte("k"), "alice", "")
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "session/"+tokenDigest(session.Token), []byte("{")))
	_, err = auth.Validate(ctx, session.Token)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSessionAuth_CloseErasesKeys(t *testing.T) {
	ctx := context.Background()
	cfg := newTestConfig(t)
	secrets := newTestSecrets(t)
	auth, err := NewSessionAuth(cfg, NewMemoryStorage(), secrets)
	require.NoError(t, err)

	session, err := auth.Mint(ctx, []byte("k"), "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, secrets.Held())

	auth.Close()
	assert.Zero(t, secrets.Held())
	err = auth.UseSessionKey(ctx, session.Token, func([]byte) error { return nil })
	assert.ErrorIs(t, err, ErrSessionNotFound)
}
