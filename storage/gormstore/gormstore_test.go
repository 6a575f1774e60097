// gormstore_test.go: GORM storage tests on in-memory SQLite
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gormstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agilira/xipr"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	require.NoError(t, s.Put(ctx, "opaque/record/alice", []byte("record-1")))
	got, err := s.Get(ctx, "opaque/record/alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("record-1"), got)

	// Upsert replaces the previous value.
	require.NoError(t, s.Put(ctx, "opaque/record/alice", []byte("record-2")))
	got, err = s.Get(ctx, "opaque/record/alice")
	require.NoError(t, err)
	assert.Equal(t, []byte("record-2"), got)

	existed, err := s.Delete(ctx, "opaque/record/alice")
	require.NoError(t, err)
	assert.True(t, existed)

	existed, err = s.Delete(ctx, "opaque/record/alice")
	require.NoError(t, err)
	assert.False(t, existed)

	_, err = s.Get(ctx, "opaque/record/alice")
	assert.ErrorIs(t, err, xipr.ErrNotFound)
}

func TestStore_KeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)

	keys := []string{"device/a", "device/b", "prekey/a/1"}
	for i, k := range keys {
		require.NoError(t, s.Put(ctx, k, []byte{byte(i)}))
	}
	for i, k := range keys {
		got, err := s.Get(ctx, k)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(i)}, got, k)
	}
}

func TestStore_BacksOpaqueServer(t *testing.T) {
	ctx := context.Background()
	s := setupTestStore(t)
	secrets := xipr.NewSecretStore(nil)
	defer secrets.Close()

	cfg := xipr.DefaultConfig()
	cfg.KSF = xipr.FastKDFParams()

	setup, err := xipr.GenerateServerSetup(cfg.Rand, secrets)
	require.NoError(t, err)
	server, err := xipr.NewOpaqueServer(cfg, setup, s)
	require.NoError(t, err)
	client, err := xipr.NewOpaqueClient(cfg)
	require.NoError(t, err)

	req, state, err := client.StartRegistration([]byte("correct horse"))
	require.NoError(t, err)
	resp, err := server.StartRegistration(ctx, "alice", req)
	require.NoError(t, err)
	record, exportKey, err := client.FinishRegistration(state, resp)
	require.NoError(t, err)
	require.NotEmpty(t, exportKey)
	require.NoError(t, server.FinishRegistration(ctx, "alice", record))

	login := client.NewLogin("alice")
	ke1, err := login.Start([]byte("correct horse"))
	require.NoError(t, err)
	ke2, serverState, err := server.StartLogin(ctx, "alice", ke1)
	require.NoError(t, err)
	ke3, clientResult, err := login.Finish(ke2)
	require.NoError(t, err)
	serverResult, err := server.FinishLogin(serverState, ke3)
	require.NoError(t, err)
	assert.Equal(t, clientResult.SessionKey, serverResult.SessionKey)
}
