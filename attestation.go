// attestation.go: Hardware attestor plugin interface and device attestation
// statements.
//
// Hardware attestors (secure enclaves, TPMs, platform key stores) are
// registered with an AttestationManager, which is wired to the
// github.com/agilira/go-plugins framework so out-of-process attestors can be
// loaded the same way as in-process ones. When no healthy attestor is
// available, KeyManager falls back to a software marker that is always
// reported at a lower assurance level.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	goerrors "github.com/agilira/go-errors"
	goplugins "github.com/agilira/go-plugins"
)

// Assurance is the strength of an attestation.
type Assurance int

const (
	// AssuranceNone means the attestation did not verify.
	AssuranceNone Assurance = iota
	// AssuranceSoftware means the statement is signed by the device key only.
	AssuranceSoftware
	// AssuranceHardware means a hardware attestor vouched for the statement.
	AssuranceHardware
)

// String returns the assurance name.
func (a Assurance) String() string {
	switch a {
	case AssuranceSoftware:
		return "software"
	case AssuranceHardware:
		return "hardware"
	default:
		return "none"
	}
}

// SoftwareAttestor is the provider name recorded on software markers.
const SoftwareAttestor = "software"

const attestationLabel = "xipr-attestation-v1"

// Attestation binds a device identifier to its public keys.
type Attestation struct {
	DeviceID      string    `json:"device_id"`
	SigningKey    []byte    `json:"signing_key"`
	EncryptionKey []byte    `json:"encryption_key"`
	Suite         SuiteID   `json:"suite"`
	Provider      string    `json:"provider"`
	Evidence      []byte    `json:"evidence"`
	Assurance     Assurance `json:"assurance"`
	CreatedAt     time.Time `json:"created_at"`
}

// Statement returns the canonical bytes the evidence covers. It depends only
// on the device id, both public keys and the suite, so attesting the same
// keys twice yields the same statement.
func (a *Attestation) Statement() []byte {
	buf := make([]byte, 0, len(attestationLabel)+len(a.DeviceID)+len(a.SigningKey)+len(a.EncryptionKey)+14)
	buf = append(buf, attestationLabel...)
	buf = appendLengthPrefixed(buf, []byte(a.DeviceID))
	buf = appendLengthPrefixed(buf, a.SigningKey)
	buf = appendLengthPrefixed(buf, a.EncryptionKey)
	return append(buf, byte(a.Suite>>8), byte(a.Suite))
}

// HardwareAttestor is implemented by hardware-backed attestation plugins.
//
// Implementations should fail closed: IsHealthy must return false whenever
// the backing hardware cannot currently produce evidence.
type HardwareAttestor interface {
	// Provider information
	Name() string
	Version() string

	// Lifecycle management
	Initialize(ctx context.Context, config map[string]interface{}) error
	Close() error
	IsHealthy() bool

	// Attest returns evidence over statement.
	Attest(ctx context.Context, statement []byte) ([]byte, error)
	// Verify checks evidence produced by Attest.
	Verify(ctx context.Context, statement, evidence []byte) (bool, error)
}

// AttestationRequest is the request type exchanged with attestor plugins.
type AttestationRequest struct {
	Operation string `json:"operation"` // "attest" or "verify"
	DeviceID  string `json:"device_id"`
	Statement []byte `json:"statement"`
	Evidence  []byte `json:"evidence,omitempty"`
}

// AttestationResponse is the response type returned by attestor plugins.
type AttestationResponse struct {
	Success  bool   `json:"success"`
	Evidence []byte `json:"evidence,omitempty"`
	Error    string `json:"error,omitempty"`
}

// AttestationManagerConfig configures an AttestationManager.
type AttestationManagerConfig struct {
	DefaultProvider  string                            `json:"default_provider"`
	ProviderConfigs  map[string]map[string]interface{} `json:"provider_configs"`
	OperationTimeout time.Duration                     `json:"operation_timeout"`
}

// Attestor errors with codes for auditing
var (
	ErrAttestorNotFound  = goerrors.New("ATTEST_001", "attestation provider not found")
	ErrAttestorUnhealthy = goerrors.New("ATTEST_002", "attestation provider health check failed")
	ErrAttestorFailed    = goerrors.New("ATTEST_003", "attestation provider operation failed")
)

// AttestationManager keeps the registered hardware attestors.
type AttestationManager struct {
	mu              sync.RWMutex
	pluginManager   *goplugins.Manager[AttestationRequest, AttestationResponse]
	providers       map[string]HardwareAttestor
	defaultProvider string
	config          *AttestationManagerConfig
}

// NewAttestationManager creates a manager. Every plugin already loaded in
// pluginManager is registered as a provider. pluginManager may be nil when
// only in-process attestors are used.
func NewAttestationManager(config *AttestationManagerConfig, pluginManager *goplugins.Manager[AttestationRequest, AttestationResponse]) *AttestationManager {
	if config == nil {
		config = &AttestationManagerConfig{OperationTimeout: 10 * time.Second}
	}
	m := &AttestationManager{
		pluginManager: pluginManager,
		providers:     make(map[string]HardwareAttestor),
		config:        config,
	}
	if pluginManager != nil {
		m.registerManagedPlugins()
	}
	return m
}

// PluginManager returns the go-plugins manager the attestor plugins are
// loaded through, or nil.
func (m *AttestationManager) PluginManager() *goplugins.Manager[AttestationRequest, AttestationResponse] {
	return m.pluginManager
}

// RegisterProvider initializes provider and makes it available under name.
// The first registered provider becomes the default unless the configuration
// names another.
func (m *AttestationManager) RegisterProvider(name string, provider HardwareAttestor) error {
	if provider == nil {
		return fmt.Errorf("provider cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := m.operationContext(context.Background())
	defer cancel()

	if err := provider.Initialize(ctx, m.config.ProviderConfigs[name]); err != nil {
		return fmt.Errorf("failed to initialize attestation provider %s: %w", name, err)
	}

	m.providers[name] = provider
	if m.defaultProvider == "" || m.config.DefaultProvider == name {
		m.defaultProvider = name
	}
	return nil
}

// GetProvider returns a healthy provider by name; an empty name selects the
// default provider.
func (m *AttestationManager) GetProvider(name string) (HardwareAttestor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "" {
		name = m.defaultProvider
	}
	provider, exists := m.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: provider %s", ErrAttestorNotFound, name)
	}
	if !provider.IsHealthy() {
		return nil, fmt.Errorf("%w: provider %s", ErrAttestorUnhealthy, name)
	}
	return provider, nil
}

// Providers lists the registered provider names.
func (m *AttestationManager) Providers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close shuts down every provider.
func (m *AttestationManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, provider := range m.providers {
		if err := provider.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close attestation provider %s: %w", name, err))
		}
	}
	m.providers = make(map[string]HardwareAttestor)
	m.defaultProvider = ""
	return errors.Join(errs...)
}

// attest asks the default provider for evidence.
func (m *AttestationManager) attest(ctx context.Context, statement []byte) (string, []byte, error) {
	provider, err := m.GetProvider("")
	if err != nil {
		return "", nil, err
	}
	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	evidence, err := provider.Attest(ctx, statement)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrAttestorFailed, err)
	}
	return provider.Name(), evidence, nil
}

// verify checks evidence with the named provider.
func (m *AttestationManager) verify(ctx context.Context, name string, statement, evidence []byte) bool {
	provider, err := m.GetProvider(name)
	if err != nil {
		return false
	}
	ctx, cancel := m.operationContext(ctx)
	defer cancel()

	ok, err := provider.Verify(ctx, statement, evidence)
	return err == nil && ok
}

func (m *AttestationManager) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if timeout := m.config.OperationTimeout; timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}

// matchesKeys reports whether a carries exactly the given public keys.
func (a *Attestation) matchesKeys(keys *DeviceKeys) bool {
	return a.DeviceID == keys.DeviceID &&
		bytes.Equal(a.SigningKey, keys.Signing.Public) &&
		bytes.Equal(a.EncryptionKey, keys.Encryption.Public) &&
		a.Suite == keys.Encryption.Suite
}
