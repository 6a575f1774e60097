// backend.go: Storage backend selection from the environment
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agilira/xipr"
	"github.com/agilira/xipr/storage/gormstore"
	"github.com/agilira/xipr/storage/mongostore"
	"github.com/agilira/xipr/storage/redisstore"
)

// Backend settings.
const (
	envStorage    = "XIPR_STORAGE"
	envStorageKey = "XIPR_STORAGE_KEY"
	envRedisAddr  = "XIPR_REDIS_ADDR"
	envRedisPass  = "XIPR_REDIS_PASSWORD"
	envRedisDB    = "XIPR_REDIS_DB"
	envSQLiteDSN  = "XIPR_SQLITE_DSN"
	envMongoURI   = "XIPR_MONGO_URI"
	envMongoDB    = "XIPR_MONGO_DATABASE"
)

// backend is the storage selected for this invocation.
type backend struct {
	name   string
	store  xipr.Storage
	closer func()
}

func (b *backend) close() {
	if b.closer != nil {
		b.closer()
	}
}

func openBackend(ctx context.Context, lookup func(string) (string, bool), secrets *xipr.SecretStore, cfg *xipr.Config) (*backend, error) {
	get := func(name, def string) string {
		if v, ok := lookup(name); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	b := &backend{name: strings.ToLower(get(envStorage, "memory"))}
	switch b.name {
	case "memory":
		b.store = xipr.NewMemoryStorage()

	case "redis":
		db, err := strconv.Atoi(get(envRedisDB, "0"))
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer: %w", envRedisDB, err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		s, err := redisstore.Open(pingCtx, get(envRedisAddr, "localhost:6379"), get(envRedisPass, ""), db)
		if err != nil {
			return nil, err
		}
		b.store, b.closer = s, func() { _ = s.Close() }

	case "sqlite":
		s, err := gormstore.OpenSQLite(get(envSQLiteDSN, "xipr.db"))
		if err != nil {
			return nil, err
		}
		b.store, b.closer = s, func() { _ = s.Close() }

	case "mongo", "mongodb":
		connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := mongostore.Open(connCtx, get(envMongoURI, "mongodb://localhost:27017"), get(envMongoDB, "xipr"))
		if err != nil {
			return nil, err
		}
		b.store, b.closer = s, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.Close(ctx)
		}

	default:
		return nil, fmt.Errorf("unknown %s %q (memory, redis, sqlite, mongo)", envStorage, b.name)
	}

	if raw := get(envStorageKey, ""); raw != "" {
		key, err := xipr.KeyFromBase64(raw)
		if err != nil {
			b.close()
			return nil, err
		}
		sealed, err := xipr.NewSealedStorage(b.store, secrets, key, xipr.AEADAES256GCM, cfg.Rand)
		if err != nil {
			b.close()
			return nil, err
		}
		inner := b.closer
		b.store = sealed
		b.closer = func() {
			sealed.Close()
			if inner != nil {
				inner()
			}
		}
		b.name += "+sealed"
	}
	return b, nil
}
