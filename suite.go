// suite.go: Closed set of supported cipher suites
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cloudflare/circl/hpke"
)

// SuiteID identifies a KEM/KDF/AEAD triple. The set is closed: identifiers
// outside it are rejected with ErrUnknownSuite at configuration time and when
// read off the wire.
type SuiteID uint16

// Supported cipher suites.
const (
	// SuiteX25519SHA256AES256GCM is DHKEM(X25519, HKDF-SHA256), HKDF-SHA256,
	// AES-256-GCM. This is the default.
	SuiteX25519SHA256AES256GCM SuiteID = 0x0001
	// SuiteX25519SHA256AES128GCM is DHKEM(X25519, HKDF-SHA256), HKDF-SHA256,
	// AES-128-GCM.
	SuiteX25519SHA256AES128GCM SuiteID = 0x0002
	// SuiteX25519SHA256ChaCha20Poly1305 is DHKEM(X25519, HKDF-SHA256),
	// HKDF-SHA256, ChaCha20-Poly1305.
	SuiteX25519SHA256ChaCha20Poly1305 SuiteID = 0x0003
	// SuiteP256SHA256AES128GCM is DHKEM(P-256, HKDF-SHA256), HKDF-SHA256,
	// AES-128-GCM.
	SuiteP256SHA256AES128GCM SuiteID = 0x0004
	// SuiteXWingSHA256AES256GCM is the X-Wing hybrid KEM (ML-KEM-768 +
	// X25519), HKDF-SHA256, AES-256-GCM.
	SuiteXWingSHA256AES256GCM SuiteID = 0x0005
)

// DefaultSuite is used when no suite is configured.
const DefaultSuite = SuiteX25519SHA256AES256GCM

type suiteParams struct {
	name      string
	aliases   []string
	kem       hpke.KEM
	kdf       hpke.KDF
	aead      hpke.AEAD
	groupAEAD AEADAlgorithm
}

var suiteTable = map[SuiteID]suiteParams{
	SuiteX25519SHA256AES256GCM: {
		name:      "X25519_SHA256_AES256GCM",
		aliases:   []string{"X25519HkdfSha256/HkdfSha256/Aes256Gcm"},
		kem:       hpke.KEM_X25519_HKDF_SHA256,
		kdf:       hpke.KDF_HKDF_SHA256,
		aead:      hpke.AEAD_AES256GCM,
		groupAEAD: AEADAES256GCM,
	},
	SuiteX25519SHA256AES128GCM: {
		name:      "X25519_SHA256_AES128GCM",
		aliases:   []string{"X25519HkdfSha256/HkdfSha256/Aes128Gcm"},
		kem:       hpke.KEM_X25519_HKDF_SHA256,
		kdf:       hpke.KDF_HKDF_SHA256,
		aead:      hpke.AEAD_AES128GCM,
		groupAEAD: AEADAES256GCM,
	},
	SuiteX25519SHA256ChaCha20Poly1305: {
		name:      "X25519_SHA256_CHACHA20POLY1305",
		aliases:   []string{"X25519HkdfSha256/HkdfSha256/ChaCha20Poly1305"},
		kem:       hpke.KEM_X25519_HKDF_SHA256,
		kdf:       hpke.KDF_HKDF_SHA256,
		aead:      hpke.AEAD_ChaCha20Poly1305,
		groupAEAD: AEADChaCha20Poly1305,
	},
	SuiteP256SHA256AES128GCM: {
		name:      "P256_SHA256_AES128GCM",
		aliases:   []string{"P256HkdfSha256/HkdfSha256/Aes128Gcm"},
		kem:       hpke.KEM_P256_HKDF_SHA256,
		kdf:       hpke.KDF_HKDF_SHA256,
		aead:      hpke.AEAD_AES128GCM,
		groupAEAD: AEADAES256GCM,
	},
	SuiteXWingSHA256AES256GCM: {
		name:      "XWING_SHA256_AES256GCM",
		aliases:   []string{"XWing/HkdfSha256/Aes256Gcm"},
		kem:       hpke.KEM_XWING,
		kdf:       hpke.KDF_HKDF_SHA256,
		aead:      hpke.AEAD_AES256GCM,
		groupAEAD: AEADAES256GCM,
	},
}

// Valid reports whether s belongs to the supported set.
func (s SuiteID) Valid() bool {
	_, ok := suiteTable[s]
	return ok
}

// String returns the canonical suite name.
func (s SuiteID) String() string {
	if p, ok := suiteTable[s]; ok {
		return p.name
	}
	return fmt.Sprintf("UNKNOWN_SUITE(0x%04x)", uint16(s))
}

// params returns the suite parameters or ErrUnknownSuite.
func (s SuiteID) params() (suiteParams, error) {
	p, ok := suiteTable[s]
	if !ok {
		return suiteParams{}, newError(ErrUnknownSuite, ErrCodeUnknownSuite,
			fmt.Sprintf("unsupported cipher suite 0x%04x", uint16(s)))
	}
	return p, nil
}

// hpkeSuite builds the circl HPKE suite. Callers must have checked Valid.
func (p suiteParams) hpkeSuite() hpke.Suite {
	return hpke.NewSuite(p.kem, p.kdf, p.aead)
}

// ParseSuite resolves a canonical name, a legacy "KEM/KDF/AEAD" name, or a
// hex identifier such as "0x0001". Matching is case-insensitive. Anything
// else is a configuration error.
func ParseSuite(name string) (SuiteID, error) {
	trimmed := strings.TrimSpace(name)
	for id, p := range suiteTable {
		if strings.EqualFold(trimmed, p.name) {
			return id, nil
		}
		for _, alias := range p.aliases {
			if strings.EqualFold(trimmed, alias) {
				return id, nil
			}
		}
	}

	if hexID, ok := strings.CutPrefix(strings.ToLower(trimmed), "0x"); ok {
		if raw, err := strconv.ParseUint(hexID, 16, 16); err == nil {
			if id := SuiteID(raw); id.Valid() {
				return id, nil
			}
		}
	}

	return 0, newError(ErrUnknownSuite, ErrCodeUnknownSuite,
		fmt.Sprintf("unsupported cipher suite %q", name))
}

// Suites lists every supported suite in identifier order.
func Suites() []SuiteID {
	ids := make([]SuiteID, 0, len(suiteTable))
	for id := range suiteTable {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
