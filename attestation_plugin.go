// attestation_plugin.go: HardwareAttestor adapter over go-plugins.
//
// Attestors loaded through a go-plugins manager (in-process, gRPC, HTTP or
// unix socket transports) are exposed to the AttestationManager as ordinary
// HardwareAttestors. Every call is routed through the manager, so its
// circuit breaker and health checks apply to attestation as well.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package xipr

import (
	"context"
	"fmt"
	"sort"
	"time"

	goplugins "github.com/agilira/go-plugins"
	"github.com/google/uuid"
)

// Plugin operations carried in AttestationRequest.Operation.
const (
	AttestationOpAttest = "attest"
	AttestationOpVerify = "verify"
)

const defaultPluginTimeout = 10 * time.Second

// pluginAttestor is a HardwareAttestor backed by a go-plugins plugin.
type pluginAttestor struct {
	name    string
	version string
	manager *goplugins.Manager[AttestationRequest, AttestationResponse]
	timeout time.Duration
}

func newPluginAttestor(manager *goplugins.Manager[AttestationRequest, AttestationResponse], name string, timeout time.Duration) (*pluginAttestor, error) {
	plugin, err := manager.GetPlugin(name)
	if err != nil {
		return nil, fmt.Errorf("%w: plugin %s", ErrAttestorNotFound, name)
	}
	if timeout <= 0 {
		timeout = defaultPluginTimeout
	}
	return &pluginAttestor{
		name:    name,
		version: plugin.Info().Version,
		manager: manager,
		timeout: timeout,
	}, nil
}

func (p *pluginAttestor) Name() string    { return p.name }
func (p *pluginAttestor) Version() string { return p.version }

// Initialize is a no-op: the plugin was initialized when it was registered
// with the go-plugins manager.
func (p *pluginAttestor) Initialize(ctx context.Context, config map[string]interface{}) error {
	_, err := p.manager.GetPlugin(p.name)
	if err != nil {
		return fmt.Errorf("%w: plugin %s", ErrAttestorNotFound, p.name)
	}
	return nil
}

// Close leaves the plugin registered; its lifecycle belongs to the manager.
func (p *pluginAttestor) Close() error { return nil }

func (p *pluginAttestor) IsHealthy() bool {
	if _, err := p.manager.GetPlugin(p.name); err != nil {
		return false
	}
	status, ok := p.manager.Health()[p.name]
	return ok && status.Status == goplugins.StatusHealthy
}

func (p *pluginAttestor) Attest(ctx context.Context, statement []byte) ([]byte, error) {
	resp, err := p.execute(ctx, AttestationRequest{Operation: AttestationOpAttest, Statement: statement})
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%w: plugin %s: %s", ErrAttestorFailed, p.name, resp.Error)
	}
	if len(resp.Evidence) == 0 {
		return nil, fmt.Errorf("%w: plugin %s returned no evidence", ErrAttestorFailed, p.name)
	}
	return resp.Evidence, nil
}

func (p *pluginAttestor) Verify(ctx context.Context, statement, evidence []byte) (bool, error) {
	resp, err := p.execute(ctx, AttestationRequest{
		Operation: AttestationOpVerify,
		Statement: statement,
		Evidence:  evidence,
	})
	if err != nil {
		return false, err
	}
	return resp.Success, nil
}

// execute sends one request without retries: a refused attestation is an
// answer, not a transient fault.
func (p *pluginAttestor) execute(ctx context.Context, req AttestationRequest) (AttestationResponse, error) {
	execCtx := goplugins.ExecutionContext{
		RequestID: uuid.NewString(),
		Timeout:   p.timeout,
	}
	resp, err := p.manager.ExecuteWithOptions(ctx, p.name, execCtx, req)
	if err != nil {
		return AttestationResponse{}, fmt.Errorf("%w: plugin %s: %w", ErrAttestorFailed, p.name, err)
	}
	return resp, nil
}

// RegisterPlugin registers plugin with the go-plugins manager and exposes
// it as a provider under its plugin name.
func (m *AttestationManager) RegisterPlugin(plugin goplugins.Plugin[AttestationRequest, AttestationResponse]) error {
	if m.pluginManager == nil {
		return fmt.Errorf("attestation manager has no plugin manager")
	}
	if plugin == nil {
		return fmt.Errorf("plugin cannot be nil")
	}
	if err := m.pluginManager.Register(plugin); err != nil {
		return fmt.Errorf("failed to register attestation plugin: %w", err)
	}
	name := plugin.Info().Name
	adapter, err := newPluginAttestor(m.pluginManager, name, m.config.OperationTimeout)
	if err != nil {
		return err
	}
	return m.RegisterProvider(name, adapter)
}

// registerManagedPlugins exposes every plugin already loaded in the
// go-plugins manager.
func (m *AttestationManager) registerManagedPlugins() {
	names := make([]string, 0)
	for name := range m.pluginManager.ListPlugins() {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		adapter, err := newPluginAttestor(m.pluginManager, name, m.config.OperationTimeout)
		if err != nil {
			continue
		}
		_ = m.RegisterProvider(name, adapter)
	}
}
