// redisstore_test.go: Redis storage tests against an in-process server
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agilira/xipr"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, "test:"), mr
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)

	require.NoError(t, s.Put(ctx, "prekey/alice/1", []byte{1, 2, 3}))
	assert.True(t, mr.Exists("test:prekey/alice/1"))

	got, err := s.Get(ctx, "prekey/alice/1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)

	require.NoError(t, s.Put(ctx, "prekey/alice/1", []byte{9}))
	got, err = s.Get(ctx, "prekey/alice/1")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, got)

	existed, err := s.Delete(ctx, "prekey/alice/1")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "prekey/alice/1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestStore_GetMissing(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.ErrorIs(t, err, xipr.ErrNotFound)
}

func TestStore_ServerDown(t *testing.T) {
	s, mr := newTestStore(t)
	mr.Close()

	err := s.Put(context.Background(), "k", []byte("v"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, xipr.ErrNotFound)
}

func TestStore_BacksKeyManager(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	secrets := xipr.NewSecretStore(nil)
	defer secrets.Close()

	km, err := xipr.NewKeyManager(xipr.DefaultConfig(), s, secrets, nil)
	require.NoError(t, err)
	defer km.Close()

	batch, err := km.GeneratePreKeys(ctx, "alice", 3)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	_, err = km.ConsumePreKey(ctx, "alice", batch[0].ID)
	require.NoError(t, err)
	_, err = km.ConsumePreKey(ctx, "alice", batch[0].ID)
	assert.ErrorIs(t, err, xipr.ErrStaleOneTimeKey)
}
