// Package xipr implements the cryptographic core of an end-to-end encrypted
// messenger: password-authenticated login without server-side password
// exposure, hybrid public-key encryption for bootstrapping channels, and an
// epoch-based group key agreement with forward secrecy and post-compromise
// security.
//
// The core performs no network or disk I/O. Every operation is synchronous and
// receives or returns byte buffers; persistence is delegated to an injected
// Storage collaborator.
//
// # Components
//
//   - SecretStore: sole long-lived holder of raw secret bytes. Acquire returns
//     a handle, Release overwrites the bytes and invalidates the handle.
//   - KeyManager: device identity keys (ML-DSA-65 signing, HPKE encryption),
//     one-time pre-keys with strictly increasing ids, hardware or software
//     attestation.
//   - HybridCipher: HPKE base mode over a closed set of cipher suites.
//   - OpaqueClient / OpaqueServer: OPAQUE registration and login on a
//     ristretto255 OPRF with Argon2id stretching and an X25519 3DH handshake.
//   - GroupRatchet: MLS-like group epochs. Adding or removing a member
//     advances the epoch; a removed member cannot derive any later epoch.
//   - SessionAuth: opaque session tokens minted from a successful login.
//
// # Quick Start
//
//	cfg := xipr.DefaultConfig()
//	secrets := xipr.NewSecretStore(cfg.Logger)
//	defer secrets.Close()
//
//	cipher, _ := xipr.NewHybridCipher(cfg)
//	bob, _ := cipher.GenerateKeyPair(secrets)
//	ct, _ := cipher.Seal(bob.Public, []byte("hello"), []byte("ctx"))
//	pt, _ := cipher.Open(bob, ct)
//
// # Secret handling
//
// Secrets are acquired, used within a bounded scope and released on every
// exit path:
//
//	err := xipr.WithSecret(key, func(k []byte) error {
//		return doSomething(k)
//	})
//
// # Errors
//
// Errors wrap one of the package sentinels (ErrAuthenticationFailure,
// ErrReplayRejected, ErrEpochUnavailable, ErrStaleOneTimeKey, ...) together
// with a github.com/agilira/go-errors rich error carrying an XIPR_* code.
// Authentication failures never reveal their cause.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0
package xipr
