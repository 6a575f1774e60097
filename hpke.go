// hpke.go: Hybrid public-key encryption (RFC 9180 base mode) for bootstrapping
// shared secrets with a recipient's public key.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"io"

	"go.uber.org/zap"
	"golang.org/x/crypto/cryptobyte"
)

// hpkeInfoPrefix is bound into every HPKE key schedule together with the
// suite identifier.
const hpkeInfoPrefix = "xipr-hpke-v1"

// hybridCiphertextVersion is the first byte of the binary wire form.
const hybridCiphertextVersion = 1

// HybridCiphertext is the output of HybridCipher.Seal.
//
// AssociatedData travels in the clear and is authenticated; Ciphertext
// carries the sealed plaintext and tag; EncapsulatedKey is the KEM output
// the recipient needs to rebuild the key schedule.
type HybridCiphertext struct {
	Suite           SuiteID
	EncapsulatedKey []byte
	AssociatedData  []byte
	Ciphertext      []byte
}

// MarshalBinary encodes the ciphertext as
// version(1) || suite(2) || enc(u16 len) || ad(u32 len) || ct(u32 len).
func (h *HybridCiphertext) MarshalBinary() ([]byte, error) {
	if h == nil {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "nil hybrid ciphertext")
	}
	b := cryptobyte.NewBuilder(make([]byte, 0, 11+len(h.EncapsulatedKey)+len(h.AssociatedData)+len(h.Ciphertext)))
	b.AddUint8(hybridCiphertextVersion)
	b.AddUint16(uint16(h.Suite))
	b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(h.EncapsulatedKey) })
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(h.AssociatedData) })
	b.AddUint32LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(h.Ciphertext) })
	out, err := b.Bytes()
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeMalformed, "failed to encode hybrid ciphertext")
	}
	return out, nil
}

// UnmarshalBinary decodes the MarshalBinary form. The suite identifier is
// copied as-is: an unknown suite is reported by Open, not here.
func (h *HybridCiphertext) UnmarshalBinary(data []byte) error {
	s := cryptobyte.String(data)
	var (
		version uint8
		suite   uint16
		enc     cryptobyte.String
		ad, ct  []byte
	)
	if !s.ReadUint8(&version) || version != hybridCiphertextVersion ||
		!s.ReadUint16(&suite) ||
		!s.ReadUint16LengthPrefixed(&enc) ||
		!readUint32Prefixed(&s, &ad) ||
		!readUint32Prefixed(&s, &ct) ||
		!s.Empty() {
		return newError(ErrMalformed, ErrCodeMalformed, "malformed hybrid ciphertext")
	}
	h.Suite = SuiteID(suite)
	h.EncapsulatedKey = bytes.Clone(enc)
	h.AssociatedData = bytes.Clone(ad)
	h.Ciphertext = bytes.Clone(ct)
	return nil
}

// readUint32Prefixed reads a 4-byte big-endian length and that many bytes.
func readUint32Prefixed(s *cryptobyte.String, out *[]byte) bool {
	var n uint32
	if !s.ReadUint32(&n) || uint64(n) > uint64(len(*s)) {
		return false
	}
	return s.ReadBytes(out, int(n))
}

// HybridCipher seals data to a recipient public key with HPKE base mode.
// Each Seal runs a fresh encapsulation; contexts are never reused.
type HybridCipher struct {
	suite  SuiteID
	params suiteParams
	rand   io.Reader
	logger *zap.Logger
}

// NewHybridCipher creates a cipher for the configured suite.
//
// Example:
//
//	hc, err := xipr.NewHybridCipher(xipr.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	secrets := xipr.NewSecretStore(nil)
//	recipient, _ := hc.GenerateKeyPair(secrets)
//	ct, _ := hc.Seal(recipient.Public, []byte("hello"), []byte("header"))
//	pt, _ := hc.Open(recipient, ct)
func NewHybridCipher(cfg *Config) (*HybridCipher, error) {
	c, err := cfg.normalized()
	if err != nil {
		return nil, err
	}
	p, err := c.Suite.params()
	if err != nil {
		return nil, err
	}
	return &HybridCipher{suite: c.Suite, params: p, rand: c.Rand, logger: c.Logger}, nil
}

// Suite returns the suite used by Seal and GenerateKeyPair.
func (c *HybridCipher) Suite() SuiteID {
	return c.suite
}

// GenerateKeyPair creates a recipient key pair for the cipher's suite. The
// private key is held by secrets.
func (c *HybridCipher) GenerateKeyPair(secrets *SecretStore) (*KeyPair, error) {
	return generateKEMKeyPair(c.suite, c.rand, secrets)
}

// Seal encrypts plaintext to recipientPublic, authenticating ad.
//
// The encapsulation seed is drawn from the configured random source; a
// failing source yields ErrKeyGeneration and nothing is sealed.
func (c *HybridCipher) Seal(recipientPublic, plaintext, ad []byte) (*HybridCiphertext, error) {
	scheme := c.params.kem.Scheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(recipientPublic)
	if err != nil {
		return nil, wrapError(ErrMalformed, err, ErrCodeInvalidKey, "invalid recipient public key")
	}

	sender, err := c.params.hpkeSuite().NewSender(pk, hpkeInfo(c.suite))
	if err != nil {
		return nil, wrapError(ErrInvalidConfig, err, ErrCodeCipherInit, "failed to create HPKE sender")
	}

	seed, err := readRandom(c.rand, scheme.EncapsulationSeedSize())
	if err != nil {
		return nil, err
	}
	enc, sealer, err := sender.Setup(bytes.NewReader(seed))
	Zeroize(seed)
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeKeyGen, "HPKE encapsulation failed")
	}

	ct, err := sealer.Seal(plaintext, ad)
	if err != nil {
		return nil, wrapError(ErrKeyGeneration, err, ErrCodeCipherInit, "HPKE seal failed")
	}

	c.logger.Debug("hpke seal",
		zap.Stringer("suite", c.suite),
		zap.String("recipient", GetKeyFingerprint(recipientPublic)),
		zap.Int("plaintext_len", len(plaintext)))

	return &HybridCiphertext{
		Suite:           c.suite,
		EncapsulatedKey: enc,
		AssociatedData:  bytes.Clone(ad),
		Ciphertext:      ct,
	}, nil
}

// Open decrypts ct with the recipient's key pair.
//
// A ciphertext naming an unsupported suite yields ErrUnknownSuite. Every
// other failure (wrong key, suite mismatch, tampered encapsulation, ciphertext
// or associated data) yields ErrAuthenticationFailure with no plaintext.
func (c *HybridCipher) Open(recipient *KeyPair, ct *HybridCiphertext) ([]byte, error) {
	if ct == nil {
		return nil, newError(ErrMalformed, ErrCodeMalformed, "nil ciphertext")
	}
	p, err := ct.Suite.params()
	if err != nil {
		return nil, err
	}
	if recipient == nil || recipient.Suite != ct.Suite {
		return nil, authFailure()
	}
	scheme := p.kem.Scheme()
	if len(ct.EncapsulatedKey) != scheme.CiphertextSize() {
		return nil, authFailure()
	}

	var plaintext []byte
	err = recipient.usePrivate(func(priv []byte) error {
		sk, err := scheme.UnmarshalBinaryPrivateKey(priv)
		if err != nil {
			return authFailure()
		}
		receiver, err := p.hpkeSuite().NewReceiver(sk, hpkeInfo(ct.Suite))
		if err != nil {
			return authFailure()
		}
		opener, err := receiver.Setup(ct.EncapsulatedKey)
		if err != nil {
			return authFailure()
		}
		pt, err := opener.Open(ct.Ciphertext, ct.AssociatedData)
		if err != nil {
			return authFailure()
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// hpkeInfo binds the protocol label and suite id into the key schedule.
func hpkeInfo(suite SuiteID) []byte {
	return append([]byte(hpkeInfoPrefix), byte(suite>>8), byte(suite))
}
