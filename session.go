// session.go: Session tokens bound to an OPAQUE session key
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sessionTokenSize = 32
	sessionKeyPrefix = "session/"
)

// Session is an authenticated session. Token is the bearer value handed to
// the client; it is random and unrelated to the session key.
type Session struct {
	ID        string    `json:"id"`
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// SessionAuth mints and validates sessions.
//
// The persisted record carries no key material and is stored under a hash
// of the token, so a storage dump neither reveals tokens nor session keys.
// Session keys stay in the SecretStore of this process.
type SessionAuth struct {
	store    Storage
	secrets  *SecretStore
	lifetime time.Duration
	rand     io.Reader
	logger   *zap.Logger
	now      func() time.Time

	mu   sync.Mutex
	keys map[string]*SecretHandle

	// revoked holds token digests revoked by this process until the
	// session could no longer have been valid. Refresh checks it under
	// revokeMu before writing the record back.
	revokeMu sync.Mutex
	revoked  map[string]time.Time
}

// NewSessionAuth creates a session authority.
func NewSessionAuth(cfg *Config, store Storage, secrets *SecretStore) (*SessionAuth, error) {
	c, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	if store == nil || secrets == nil {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "session auth requires storage and a secret store")
	}
	return &SessionAuth{
		store:    store,
		secrets:  secrets,
		lifetime: c.SessionLifetime,
		rand:     c.Rand,
		logger:   c.Logger,
		now:      timecache.CachedTime,
		keys:     make(map[string]*SecretHandle),
		revoked:  make(map[string]time.Time),
	}, nil
}

// WithClock replaces the time source. Intended for tests.
func (a *SessionAuth) WithClock(now func() time.Time) *SessionAuth {
	a.now = now
	return a
}

// Mint creates a session for an authenticated user. sessionKey is moved
// into the SecretStore and zeroized.
func (a *SessionAuth) Mint(ctx context.Context, sessionKey []byte, userID, deviceID string) (*Session, error) {
	if len(sessionKey) == 0 {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "session key cannot be empty")
	}
	if userID == "" {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, "user id cannot be empty")
	}

	raw, err := readRandom(a.rand, sessionTokenSize)
	if err != nil {
		return nil, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	Zeroize(raw)

	now := a.now().UTC()
	session := &Session{
		ID:        uuid.NewString(),
		Token:     token,
		UserID:    userID,
		DeviceID:  deviceID,
		CreatedAt: now,
		ExpiresAt: now.Add(a.lifetime),
	}
	if err := a.save(ctx, session); err != nil {
		return nil, err
	}

	handle := a.secrets.Acquire(sessionKey)
	a.mu.Lock()
	a.keys[tokenDigest(token)] = handle
	a.mu.Unlock()

	a.logger.Info("session minted",
		zap.String("session", session.ID),
		zap.String("user", RedactIdentifier(userID)),
		zap.Time("expires_at", session.ExpiresAt))
	return session, nil
}

// Validate returns the session of token. An expired session is deleted and
// its key erased before ErrSessionExpired is returned.
func (a *SessionAuth) Validate(ctx context.Context, token string) (*Session, error) {
	session, err := a.load(ctx, token)
	if err != nil {
		return nil, err
	}
	if session.Expired(a.now()) {
		a.drop(ctx, token)
		a.logger.Debug("session expired", zap.String("session", session.ID))
		return nil, newError(ErrSessionExpired, ErrCodeSessionExpired, "session expired")
	}
	return session, nil
}

// Revoke deletes the session of token, reporting whether it existed.
// A Refresh of the same token racing with Revoke in this process never
// writes the session back.
func (a *SessionAuth) Revoke(ctx context.Context, token string) (bool, error) {
	digest := tokenDigest(token)
	a.revokeMu.Lock()
	now := a.now()
	for d, until := range a.revoked {
		if !now.Before(until) {
			delete(a.revoked, d)
		}
	}
	a.revoked[digest] = now.Add(a.lifetime)
	a.revokeMu.Unlock()

	key := sessionKeyPrefix + digest
	existed, err := a.store.Delete(ctx, key)
	a.releaseKey(token)
	if err != nil {
		return false, storageError("delete", key, err)
	}
	if existed {
		a.logger.Info("session revoked", zap.String("token", GetKeyFingerprint([]byte(token))))
	}
	return existed, nil
}

// Refresh extends a valid session by the configured lifetime from now. The
// token and the session key are unchanged.
func (a *SessionAuth) Refresh(ctx context.Context, token string) (*Session, error) {
	session, err := a.Validate(ctx, token)
	if err != nil {
		return nil, err
	}

	a.revokeMu.Lock()
	defer a.revokeMu.Unlock()
	if _, gone := a.revoked[tokenDigest(token)]; gone {
		return nil, newError(ErrSessionNotFound, ErrCodeSessionNotFound, "session revoked")
	}
	session.ExpiresAt = a.now().UTC().Add(a.lifetime)
	if err := a.save(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// UseSessionKey lends the session key of token to fn. The session must be
// valid and minted by this process.
func (a *SessionAuth) UseSessionKey(ctx context.Context, token string, fn func([]byte) error) error {
	if _, err := a.Validate(ctx, token); err != nil {
		return err
	}
	a.mu.Lock()
	handle, ok := a.keys[tokenDigest(token)]
	a.mu.Unlock()
	if !ok {
		return newError(ErrSessionNotFound, ErrCodeSessionNotFound, "session key not held by this process")
	}
	return handle.Use(fn)
}

func (a *SessionAuth) save(ctx context.Context, session *Session) error {
	record, err := json.Marshal(session)
	if err != nil {
		return wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode session")
	}
	key := sessionKeyPrefix + tokenDigest(session.Token)
	if err := a.store.Put(ctx, key, record); err != nil {
		return storageError("put", key, err)
	}
	return nil
}

func (a *SessionAuth) load(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, newError(ErrSessionNotFound, ErrCodeSessionNotFound, "session not found")
	}
	key := sessionKeyPrefix + tokenDigest(token)
	raw, err := a.store.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, newError(ErrSessionNotFound, ErrCodeSessionNotFound, "session not found")
		}
		return nil, storageError("get", key, err)
	}
	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "corrupt session record")
	}
	session.Token = token
	return &session, nil
}

func (a *SessionAuth) drop(ctx context.Context, token string) {
	key := sessionKeyPrefix + tokenDigest(token)
	if _, err := a.store.Delete(ctx, key); err != nil {
		a.logger.Warn("expired session not deleted", zap.Error(err))
	}
	a.releaseKey(token)
}

func (a *SessionAuth) releaseKey(token string) {
	digest := tokenDigest(token)
	a.mu.Lock()
	handle, ok := a.keys[digest]
	delete(a.keys, digest)
	a.mu.Unlock()
	if ok {
		handle.Release()
	}
}

// Close erases every session key held by this process.
func (a *SessionAuth) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for digest, handle := range a.keys {
		handle.Release()
		delete(a.keys, digest)
	}
}

func tokenDigest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
