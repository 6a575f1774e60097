// Package redisstore implements xipr.Storage on top of Redis.
//
// Values are stored as plain Redis strings under prefix+key. The store never
// sets an expiry: retention decisions belong to the core (sessions carry their
// own expiry, consumed pre-keys are deleted explicitly).
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package redisstore

import (
	"context"
	"errors"
	"fmt"

	goerrors "github.com/agilira/go-errors"
	"github.com/redis/go-redis/v9"

	"github.com/agilira/xipr"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "xipr:"

// Store is a Redis-backed xipr.Storage.
type Store struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ xipr.Storage = (*Store)(nil)

// New wraps an existing client. An empty prefix selects DefaultPrefix.
func New(rdb redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{rdb: rdb, prefix: prefix}
}

// Open connects to addr and checks the connection with PING.
func Open(ctx context.Context, addr, password string, db int) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "redis ping failed")
	}
	return New(rdb, ""), nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key string, value []byte) error {
	if err := s.rdb.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return goerrors.Wrap(err, xipr.ErrCodeStorage, "redis set failed")
	}
	return nil
}

// Get returns the value under key, or an error matching xipr.ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %w", xipr.ErrNotFound, goerrors.New(xipr.ErrCodeNotFound, "redis key not found"))
	}
	if err != nil {
		return nil, goerrors.Wrap(err, xipr.ErrCodeStorage, "redis get failed")
	}
	return v, nil
}

// Delete removes key, reporting whether it existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Del(ctx, s.prefix+key).Result()
	if err != nil {
		return false, goerrors.Wrap(err, xipr.ErrCodeStorage, "redis del failed")
	}
	return n > 0, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}
