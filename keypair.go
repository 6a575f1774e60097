// keypair.go: Asymmetric key pairs whose private half lives in a SecretStore
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"fmt"
	"io"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// AlgorithmMLDSA65 names the post-quantum signature algorithm used for
// device identity, attestation markers and commit signatures.
const AlgorithmMLDSA65 = "ML-DSA-65"

// Signature contexts. ML-DSA binds the context string into the signature, so
// a signature made for one purpose never verifies for another.
const (
	signContextAttestation = "xipr-attest-v1"
	signContextCommit      = "xipr-commit-v1"
	signContextGroupMsg    = "xipr-group-msg-v1"
)

// KeyPair is an asymmetric key pair. The public half is plain data; the
// private half is only reachable through the SecretStore handle.
type KeyPair struct {
	// Public is the packed public key.
	Public []byte `json:"public"`

	// Algorithm is AlgorithmMLDSA65 for signing keys or the KEM name of
	// Suite for encryption keys.
	Algorithm string `json:"algorithm"`

	// Suite is the HPKE suite of an encryption key, zero for signing keys.
	Suite SuiteID `json:"suite,omitempty"`

	// CreatedAt is the generation time.
	CreatedAt time.Time `json:"created_at"`

	private *SecretHandle
}

// Fingerprint returns a short non-reversible identifier of the public key,
// safe for logs.
func (kp *KeyPair) Fingerprint() string {
	return GetKeyFingerprint(kp.Public)
}

// Release erases the private key. The public half stays usable.
func (kp *KeyPair) Release() {
	if kp != nil && kp.private != nil {
		kp.private.Release()
	}
}

// Released reports whether the private key was erased.
func (kp *KeyPair) Released() bool {
	return kp == nil || kp.private == nil || kp.private.Released()
}

// HasPrivate reports whether the pair carries a private half.
func (kp *KeyPair) HasPrivate() bool {
	return kp != nil && kp.private != nil
}

// PublicOnly returns a copy of the pair without the private half.
func (kp *KeyPair) PublicOnly() *KeyPair {
	pub := make([]byte, len(kp.Public))
	copy(pub, kp.Public)
	return &KeyPair{Public: pub, Algorithm: kp.Algorithm, Suite: kp.Suite, CreatedAt: kp.CreatedAt}
}

// usePrivate lends the packed private key to fn.
func (kp *KeyPair) usePrivate(fn func([]byte) error) error {
	if kp == nil || kp.private == nil {
		return newError(ErrHandleReleased, ErrCodeHandleReleased, "key pair has no private key")
	}
	return kp.private.Use(fn)
}

// generateKEMKeyPair derives an encryption key pair for suite from a seed
// read out of rnd. The seed is wiped once the key is derived.
func generateKEMKeyPair(suite SuiteID, rnd io.Reader, secrets *SecretStore) (*KeyPair, error) {
	p, err := suite.params()
	if err != nil {
		return nil, err
	}
	scheme := p.kem.Scheme()

	seed, err := readRandom(rnd, scheme.SeedSize())
	if err != nil {
		return nil, err
	}
	defer Zeroize(seed)

	pk, sk := scheme.DeriveKeyPair(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "failed to encode public key")
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "failed to encode private key")
	}
	if len(priv) != scheme.PrivateKeySize() || len(pub) != scheme.PublicKeySize() {
		Zeroize(priv)
		return nil, newError(ErrKeyGeneration, ErrCodeKeyGen,
			fmt.Sprintf("%s key length mismatch", scheme.Name()))
	}

	return &KeyPair{
		Public:    pub,
		Algorithm: scheme.Name(),
		Suite:     suite,
		CreatedAt: timecache.CachedTime(),
		private:   secrets.Acquire(priv),
	}, nil
}

// generateSigningKeyPair derives an ML-DSA-65 key pair from a seed read out of
// rnd.
func generateSigningKeyPair(rnd io.Reader, secrets *SecretStore) (*KeyPair, error) {
	scheme := mldsa65.Scheme()

	seed, err := readRandom(rnd, scheme.SeedSize())
	if err != nil {
		return nil, err
	}
	defer Zeroize(seed)

	pk, sk := scheme.DeriveKey(seed)
	pub, err := pk.MarshalBinary()
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "failed to encode signing public key")
	}
	priv, err := sk.MarshalBinary()
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "failed to encode signing private key")
	}
	if len(priv) != scheme.PrivateKeySize() {
		Zeroize(priv)
		return nil, newError(ErrKeyGeneration, ErrCodeKeyGen, "ML-DSA-65 key length mismatch")
	}

	return &KeyPair{
		Public:    pub,
		Algorithm: AlgorithmMLDSA65,
		CreatedAt: timecache.CachedTime(),
		private:   secrets.Acquire(priv),
	}, nil
}

// signWith produces a deterministic ML-DSA-65 signature over msg.
func signWith(kp *KeyPair, context string, msg []byte) ([]byte, error) {
	if kp == nil || kp.Algorithm != AlgorithmMLDSA65 {
		return nil, newError(ErrInvalidConfig, ErrCodeInvalidKey, "not a signing key")
	}
	scheme := mldsa65.Scheme()
	var sig []byte
	err := kp.usePrivate(func(priv []byte) error {
		sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
		if err != nil {
			return wrapError(ErrMalformed, err, ErrCodeMalformed, "invalid signing key")
		}
		sig = scheme.Sign(sk, msg, &sign.SignatureOpts{Context: context})
		return nil
	})
	return sig, err
}

// verifyWith checks an ML-DSA-65 signature against a packed public key.
// Malformed keys and signatures simply fail verification.
func verifyWith(public []byte, context string, msg, sig []byte) bool {
	scheme := mldsa65.Scheme()
	if len(sig) != scheme.SignatureSize() {
		return false
	}
	pk, err := scheme.UnmarshalBinaryPublicKey(public)
	if err != nil {
		return false
	}
	return scheme.Verify(pk, msg, sig, &sign.SignatureOpts{Context: context})
}
