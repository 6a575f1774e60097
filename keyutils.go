// keyutils.go: Key utilities for encoding, zeroization, fingerprinting and randomness.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"

	goerrors "github.com/agilira/go-errors"
)

// KeySize is the size in bytes of every symmetric key the core derives.
const KeySize = 32

// KeyToBase64 encodes a public key as a base64 string.
//
// Private key material is never exported; this helper is meant for public keys
// and key identifiers that travel through text formats.
//
// Example:
//
//	dk, _ := km.GenerateDeviceKeys(ctx, "phone-1")
//	fmt.Println(xipr.KeyToBase64(dk.Encryption.Public))
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// KeyFromBase64 decodes a base64 string produced by KeyToBase64.
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, goerrors.Wrap(err, "BASE64_DECODE_ERROR", "failed to decode base64 key")
	}
	return key, nil
}

// KeyToHex encodes a key as a lowercase hexadecimal string.
func KeyToHex(key []byte) string {
	return hex.EncodeToString(key)
}

// KeyFromHex decodes a hexadecimal string to a key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, goerrors.Wrap(err, "HEX_DECODE_ERROR", "failed to decode hex key")
	}
	return key, nil
}

// Zeroize securely wipes a byte slice in place.
//
// The write is kept alive past the clear so the compiler cannot drop it as a
// dead store, even when the slice is not read again.
//
// Example:
//
//	seed := make([]byte, 32)
//	defer xipr.Zeroize(seed)
func Zeroize(b []byte) {
	if len(b) == 0 {
		return
	}
	clear(b)
	runtime.KeepAlive(b)
}

// ZeroizeAll wipes every slice passed to it. Nil slices are skipped.
func ZeroizeAll(bs ...[]byte) {
	for _, b := range bs {
		Zeroize(b)
	}
}

// GetKeyFingerprint generates a short, non-secret identifier for a key.
//
// The fingerprint is the first 8 bytes of SHA-256 in hex. It is the only form
// in which key material may appear in logs.
//
// Returns an empty string if the key is empty.
func GetKeyFingerprint(key []byte) string {
	if len(key) == 0 {
		return ""
	}
	hash := sha256.Sum256(key)
	return fmt.Sprintf("%016x", hash[:8])
}

// RedactIdentifier shortens an identifier for log output, keeping the first
// and last four characters of identifiers longer than eight characters.
func RedactIdentifier(id string) string {
	if len(id) > 8 {
		return id[:4] + "***" + id[len(id)-4:]
	}
	return "***"
}

// readRandom fills a new buffer of size bytes from rnd.
// Any failure is reported as ErrKeyGeneration; the partial buffer is wiped.
func readRandom(rnd io.Reader, size int) ([]byte, error) {
	if size <= 0 {
		return nil, newError(ErrKeyGeneration, ErrCodeKeyGen, "random size must be positive")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(rnd, buf); err != nil {
		Zeroize(buf)
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "random source unavailable")
	}
	return buf, nil
}

// GenerateKey generates a random KeySize-byte key from rnd.
//
// Example:
//
//	key, err := xipr.GenerateKey(rand.Reader)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer xipr.Zeroize(key)
func GenerateKey(rnd io.Reader) ([]byte, error) {
	return readRandom(rnd, KeySize)
}

// GenerateNonce generates a random nonce of the given size from rnd.
func GenerateNonce(rnd io.Reader, size int) ([]byte, error) {
	if size <= 0 {
		return nil, goerrors.New("INVALID_NONCE_SIZE", "nonce size must be positive")
	}
	return readRandom(rnd, size)
}

// ValidateKey checks that a symmetric key is exactly KeySize bytes.
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return goerrors.New("INVALID_KEY_SIZE", fmt.Sprintf("key size must be %d bytes, got %d", KeySize, len(key)))
	}
	return nil
}
