// kdf.go: Key derivation: Argon2id password stretching and labeled HKDF-SHA256.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"crypto/sha256"
	"io"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Default Argon2id parameters for the OPAQUE key stretching function.
const (
	// DefaultTime is the default number of Argon2id passes.
	DefaultTime = 3

	// DefaultMemory is the default Argon2id memory in MB.
	DefaultMemory = 64

	// DefaultThreads is the default Argon2id parallelism.
	DefaultThreads = 4
)

// labelPrefix separates every HKDF info string of this package from other
// protocols sharing a secret.
const labelPrefix = "xipr-v1 "

// KDFParams defines custom parameters for Argon2id key derivation.
//
// If a field is zero, the library's secure default will be used.
//
// Example:
//
//	cfg := xipr.DefaultConfig()
//	cfg.KSF = &xipr.KDFParams{Time: 4, Memory: 128, Threads: 2}
type KDFParams struct {
	// Time is the number of Argon2id passes. If zero, DefaultTime is used.
	Time uint32 `json:"time,omitempty"`

	// Memory is the memory usage in MB. If zero, DefaultMemory is used.
	Memory uint32 `json:"memory,omitempty"`

	// Threads is the parallelism. If zero, DefaultThreads is used.
	Threads uint8 `json:"threads,omitempty"`
}

// InteractiveKDFParams returns parameters tuned for login latency on mobile
// devices.
//
// Parameters: Time=2, Memory=64MB, Threads=4
func InteractiveKDFParams() *KDFParams {
	return &KDFParams{Time: 2, Memory: 64, Threads: 4}
}

// HighSecurityKDFParams returns parameters that favour brute-force cost over
// latency.
//
// Parameters: Time=5, Memory=128MB, Threads=4
func HighSecurityKDFParams() *KDFParams {
	return &KDFParams{Time: 5, Memory: 128, Threads: 4}
}

// FastKDFParams returns parameters for tests and development only.
//
// Parameters: Time=1, Memory=8MB, Threads=1
func FastKDFParams() *KDFParams {
	return &KDFParams{Time: 1, Memory: 8, Threads: 1}
}

// DeriveKey derives a key from a password and salt using Argon2id.
//
// Parameters:
//   - password: The password or password-derived value (cannot be empty)
//   - salt: The salt (cannot be empty)
//   - keyLen: The desired length in bytes (must be positive)
//   - params: Custom parameters (nil to use secure defaults)
//
// Example:
//
//	key, err := xipr.DeriveKey(password, salt, 32, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer xipr.Zeroize(key)
func DeriveKey(password, salt []byte, keyLen int, params *KDFParams) ([]byte, error) {
	if len(password) == 0 {
		return nil, goerrors.New("EMPTY_PASSWORD", "password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, goerrors.New("EMPTY_SALT", "salt cannot be empty")
	}
	if keyLen <= 0 {
		return nil, goerrors.New("INVALID_KEYLEN", "key length must be positive")
	}

	time := uint32(DefaultTime)
	memory := uint32(DefaultMemory * 1024)
	threads := uint8(DefaultThreads)

	if params != nil {
		if params.Time > 0 {
			time = params.Time
		}
		if params.Memory > 0 {
			memory = params.Memory * 1024
		}
		if params.Threads > 0 {
			threads = params.Threads
		}
	}

	// gosec G115: keyLen validated above
	return argon2.IDKey(password, salt, time, memory, threads, uint32(keyLen)), nil // #nosec G115
}

// DeriveKeyHKDF derives keyLen bytes from a high-entropy secret with
// HKDF-SHA256 (RFC 5869).
//
// For password-based derivation use DeriveKey instead.
//
// Example:
//
//	storageKey, err := xipr.DeriveKeyHKDF(master, nil, []byte("local-storage"), 32)
func DeriveKeyHKDF(masterKey, salt, info []byte, keyLen int) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, goerrors.New("INVALID_MASTER_KEY", "master key cannot be empty")
	}
	if keyLen <= 0 {
		return nil, goerrors.New("INVALID_KEYLEN", "key length must be positive")
	}
	if keyLen > 255*sha256.Size {
		return nil, goerrors.New("INVALID_KEYLEN", "key length too large for HKDF-SHA256")
	}
	prk := hkdfExtract(salt, masterKey)
	defer Zeroize(prk)
	return hkdfExpand(prk, info, keyLen), nil
}

// hkdfExtract returns PRK = HMAC-SHA256(salt, ikm).
func hkdfExtract(salt, ikm []byte) []byte {
	return hkdf.Extract(sha256.New, ikm, salt)
}

// hkdfExpand expands prk. Lengths are package constants, so a short read is
// a programming error.
func hkdfExpand(prk, info []byte, length int) []byte {
	out := make([]byte, length)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
		panic("xipr: hkdf expand: " + err.Error())
	}
	return out
}

// expandLabel derives length bytes from secret for a labeled purpose bound to
// the given context values. Each context value is length-prefixed so distinct
// tuples never produce the same info string.
func expandLabel(secret []byte, label string, length int, context ...[]byte) []byte {
	info := getDynamicBuffer()
	defer func() { putDynamicBuffer(info) }()

	info = append(info, labelPrefix...)
	info = append(info, label...)
	for _, c := range context {
		info = appendLengthPrefixed(info, c)
	}
	return hkdfExpand(secret, info, length)
}

// appendLengthPrefixed appends a 4-byte big-endian length followed by b.
func appendLengthPrefixed(dst, b []byte) []byte {
	n := len(b)
	dst = append(dst, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	return append(dst, b...)
}

// sha256Sum hashes the concatenation of parts.
func sha256Sum(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
