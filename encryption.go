// encryption.go: Symmetric AEAD helpers (AES-256-GCM, ChaCha20-Poly1305) used for
// group application messages and sealed local storage.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"io"

	goerrors "github.com/agilira/go-errors"
	"golang.org/x/crypto/chacha20poly1305"
)

// AEADAlgorithm selects the symmetric cipher for message and storage
// protection.
type AEADAlgorithm uint8

const (
	// AEADAES256GCM is AES-256 in GCM mode with a 12-byte nonce.
	AEADAES256GCM AEADAlgorithm = iota + 1
	// AEADChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439) with a 12-byte nonce.
	AEADChaCha20Poly1305
)

// Error codes for symmetric encryption
const (
	ErrCodeInvalidKey  goerrors.ErrorCode = "XIPR_INVALID_KEY"
	ErrCodeCipherInit  goerrors.ErrorCode = "XIPR_CIPHER_INIT"
	ErrCodeNonceGen    goerrors.ErrorCode = "XIPR_NONCE_GEN"
	ErrCodeCipherShort goerrors.ErrorCode = "XIPR_CIPHERTEXT_SHORT"
)

// String returns the algorithm name.
func (a AEADAlgorithm) String() string {
	switch a {
	case AEADAES256GCM:
		return "AES-256-GCM"
	case AEADChaCha20Poly1305:
		return "ChaCha20-Poly1305"
	default:
		return fmt.Sprintf("AEAD(%d)", uint8(a))
	}
}

// newAEAD builds a fresh cipher for key. Ciphers are never cached: epoch and
// message keys must not outlive the call that uses them.
func newAEAD(alg AEADAlgorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		richErr := goerrors.New(ErrCodeInvalidKey, fmt.Sprintf("invalid key size: must be %d bytes (got %d)", KeySize, len(key)))
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, richErr)
	}
	switch alg {
	case AEADAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, wrapError(ErrInvalidConfig, err, ErrCodeCipherInit, "failed to create AES cipher")
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, wrapError(ErrInvalidConfig, err, ErrCodeCipherInit, "failed to create GCM cipher")
		}
		return gcm, nil
	case AEADChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, wrapError(ErrInvalidConfig, err, ErrCodeCipherInit, "failed to create ChaCha20-Poly1305 cipher")
		}
		return aead, nil
	default:
		return nil, newError(ErrInvalidConfig, ErrCodeCipherInit, "unsupported AEAD algorithm "+alg.String())
	}
}

// EncryptBytesWithAAD encrypts plaintext under key with a random nonce drawn
// from rnd and authenticates aad.
//
// The result is nonce || ciphertext || tag. The same aad must be supplied to
// DecryptBytesWithAAD.
//
// Example:
//
//	key, _ := xipr.GenerateKey(rand.Reader)
//	ct, err := xipr.EncryptBytesWithAAD(rand.Reader, xipr.AEADAES256GCM, data, key, []byte("record-42"))
func EncryptBytesWithAAD(rnd io.Reader, alg AEADAlgorithm, plaintext, key, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeNonceGen, "failed to generate nonce")
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// DecryptBytesWithAAD reverses EncryptBytesWithAAD. Any tampering with the
// ciphertext or aad yields ErrAuthenticationFailure and no plaintext.
func DecryptBytesWithAAD(alg AEADAlgorithm, ciphertext, key, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize()+aead.Overhead() {
		return nil, newError(ErrMalformed, ErrCodeCipherShort, "ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, aad)
	if err != nil {
		return nil, authFailure()
	}
	return plaintext, nil
}

// sealDeterministic encrypts with a caller-derived nonce. The caller
// guarantees the (key, nonce) pair is never reused.
func sealDeterministic(alg AEADAlgorithm, key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, newError(ErrInvalidConfig, ErrCodeCipherInit, "invalid nonce size")
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// openDeterministic is the inverse of sealDeterministic.
func openDeterministic(alg AEADAlgorithm, key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, newError(ErrInvalidConfig, ErrCodeCipherInit, "invalid nonce size")
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, authFailure()
	}
	return plaintext, nil
}
