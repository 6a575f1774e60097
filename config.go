// config.go: Configuration surface of the core
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"crypto/rand"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Configuration defaults.
const (
	// DefaultPreKeyBatchSize is the number of pre-keys generated when a batch
	// size of zero is requested.
	DefaultPreKeyBatchSize = 100

	// DefaultEpochRetention is the number of superseded epochs a group member
	// keeps besides the current one.
	DefaultEpochRetention = 3

	// DefaultReplayWindow is how far behind the highest sequence number seen
	// from a sender a group message may arrive.
	DefaultReplayWindow = 1024

	// DefaultSessionLifetime is the expiry applied by SessionAuth.Mint.
	DefaultSessionLifetime = 24 * time.Hour

	// MaxPreKeyBatchSize bounds a single GeneratePreKeys call.
	MaxPreKeyBatchSize = 10000

	// MaxEpochRetention bounds the retention window.
	MaxEpochRetention = 64
)

// Environment variables read by ConfigFromEnv.
const (
	EnvSuite           = "XIPR_SUITE"
	EnvPreKeyBatchSize = "XIPR_PREKEY_BATCH_SIZE"
	EnvEpochRetention  = "XIPR_EPOCH_RETENTION"
	EnvReplayWindow    = "XIPR_REPLAY_WINDOW"
	EnvSessionLifetime = "XIPR_SESSION_LIFETIME"
	EnvKSFTime         = "XIPR_KSF_TIME"
	EnvKSFMemory       = "XIPR_KSF_MEMORY_MB"
	EnvKSFThreads      = "XIPR_KSF_THREADS"
	EnvKSFProfile      = "XIPR_KSF_PROFILE"
)

// Config carries every tunable of the core. Zero values are replaced with
// defaults by the component constructors; out-of-range values are rejected.
type Config struct {
	// Suite is the HPKE cipher suite used for new key pairs and seals.
	Suite SuiteID `json:"suite"`

	// PreKeyBatchSize is used when GeneratePreKeys is called with count 0.
	PreKeyBatchSize int `json:"prekey_batch_size"`

	// EpochRetention is the number of previous epochs kept for late messages.
	// Zero keeps only the current epoch.
	EpochRetention int `json:"epoch_retention"`

	// ReplayWindow is the per-sender sequence window for group messages.
	ReplayWindow uint64 `json:"replay_window"`

	// SessionLifetime is the validity of a minted session.
	SessionLifetime time.Duration `json:"session_lifetime"`

	// KSF holds the Argon2id parameters used to harden OPAQUE passwords.
	// Nil selects the library defaults.
	KSF *KDFParams `json:"ksf,omitempty"`

	// Logger receives structured events. Nil disables logging.
	Logger *zap.Logger `json:"-"`

	// Rand is the entropy source. Nil selects crypto/rand.
	Rand io.Reader `json:"-"`

	retentionSet bool
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Suite:           DefaultSuite,
		PreKeyBatchSize: DefaultPreKeyBatchSize,
		EpochRetention:  DefaultEpochRetention,
		ReplayWindow:    DefaultReplayWindow,
		SessionLifetime: DefaultSessionLifetime,
		Logger:          zap.NewNop(),
		Rand:            rand.Reader,
		retentionSet:    true,
	}
}

// WithEpochRetention sets the retention window explicitly, allowing zero.
func (c *Config) WithEpochRetention(n int) *Config {
	c.EpochRetention = n
	c.retentionSet = true
	return c
}

// Validate checks the configuration without modifying it.
func (c *Config) Validate() error {
	if c == nil {
		return newError(ErrInvalidConfig, ErrCodeInvalidConfig, "config cannot be nil")
	}
	if c.Suite != 0 && !c.Suite.Valid() {
		return newError(ErrUnknownSuite, ErrCodeUnknownSuite,
			fmt.Sprintf("unsupported cipher suite 0x%04x", uint16(c.Suite)))
	}
	if c.PreKeyBatchSize < 0 || c.PreKeyBatchSize > MaxPreKeyBatchSize {
		return newError(ErrInvalidConfig, ErrCodeInvalidConfig,
			fmt.Sprintf("prekey batch size must be in [0, %d]", MaxPreKeyBatchSize))
	}
	if c.EpochRetention < 0 || c.EpochRetention > MaxEpochRetention {
		return newError(ErrInvalidConfig, ErrCodeInvalidConfig,
			fmt.Sprintf("epoch retention must be in [0, %d]", MaxEpochRetention))
	}
	if c.SessionLifetime < 0 {
		return newError(ErrInvalidConfig, ErrCodeInvalidConfig, "session lifetime cannot be negative")
	}
	return nil
}

// normalized validates c and returns a copy with defaults applied.
func (c *Config) normalized() (*Config, error) {
	if c == nil {
		c = DefaultConfig()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	out := *c
	if out.Suite == 0 {
		out.Suite = DefaultSuite
	}
	if out.PreKeyBatchSize == 0 {
		out.PreKeyBatchSize = DefaultPreKeyBatchSize
	}
	if out.EpochRetention == 0 && !out.retentionSet {
		out.EpochRetention = DefaultEpochRetention
	}
	if out.ReplayWindow == 0 {
		out.ReplayWindow = DefaultReplayWindow
	}
	if out.SessionLifetime == 0 {
		out.SessionLifetime = DefaultSessionLifetime
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Rand == nil {
		out.Rand = rand.Reader
	}
	return &out, nil
}

// ConfigFromEnv builds a configuration from XIPR_* variables using lookup
// (normally os.LookupEnv). Unset variables keep their defaults; malformed
// values and unknown suites are configuration errors.
func ConfigFromEnv(lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()

	if v, ok := lookup(EnvSuite); ok && strings.TrimSpace(v) != "" {
		suite, err := ParseSuite(v)
		if err != nil {
			return nil, err
		}
		cfg.Suite = suite
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{EnvPreKeyBatchSize, &cfg.PreKeyBatchSize},
		{EnvEpochRetention, &cfg.EpochRetention},
	}
	for _, iv := range intVars {
		if v, ok := lookup(iv.name); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, iv.name+" must be an integer")
			}
			*iv.dst = n
		}
	}

	if v, ok := lookup(EnvReplayWindow); ok && v != "" {
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, EnvReplayWindow+" must be an unsigned integer")
		}
		cfg.ReplayWindow = n
	}

	if v, ok := lookup(EnvSessionLifetime); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, EnvSessionLifetime+" must be a duration")
		}
		cfg.SessionLifetime = d
	}

	ksf, err := ksfFromEnv(lookup)
	if err != nil {
		return nil, err
	}
	cfg.KSF = ksf

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ksfProfiles maps XIPR_KSF_PROFILE values to Argon2id presets. Explicit
// XIPR_KSF_* values override the profile field by field.
var ksfProfiles = map[string]func() *KDFParams{
	"interactive": InteractiveKDFParams,
	"high":        HighSecurityKDFParams,
	"fast":        FastKDFParams,
}

func ksfFromEnv(lookup func(string) (string, bool)) (*KDFParams, error) {
	var params KDFParams
	set := false
	if v, ok := lookup(EnvKSFProfile); ok && v != "" {
		profile, known := ksfProfiles[strings.ToLower(strings.TrimSpace(v))]
		if !known {
			return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, EnvKSFProfile+" must be interactive, high or fast")
		}
		params = *profile()
		set = true
	}
	for _, name := range []string{EnvKSFTime, EnvKSFMemory, EnvKSFThreads} {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(v), 10, 32)
		if err != nil {
			return nil, wrapError(ErrInvalidConfig, err, ErrCodeInvalidConfig, name+" must be an unsigned integer")
		}
		set = true
		switch name {
		case EnvKSFTime:
			params.Time = uint32(n)
		case EnvKSFMemory:
			params.Memory = uint32(n)
		case EnvKSFThreads:
			if n > 255 {
				return nil, newError(ErrInvalidConfig, ErrCodeInvalidConfig, EnvKSFThreads+" must be at most 255")
			}
			params.Threads = uint8(n)
		}
	}
	if !set {
		return nil, nil
	}
	return &params, nil
}
