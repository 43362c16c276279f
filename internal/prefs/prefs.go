// Package prefs exposes the persisted user preferences the injection
// pipeline reads at kernel-ready time. The storage mechanics behind the
// getters belong to the settings surface; this core only reads them,
// except for clearing the active mode when credentials are deleted.
package prefs

import "pkt.systems/cellbook/schema"

// Store is the read-mostly preference interface consumed by injection.
type Store interface {
	SimulatorEnabled() bool
	SimulatorBackend() string
	SimulatorDevice() string
	CredentialToken() string
	CredentialInstance() string
	ActiveMode() schema.ActiveMode
	// ClearActiveMode is the single setter: the settings UI calls it
	// when the stored credential is deleted.
	ClearActiveMode() error
}

// Values is the serialized preference payload.
type Values struct {
	SimulatorEnabled   bool              `json:"simulator_enabled"`
	SimulatorBackend   string            `json:"simulator_backend,omitempty"`
	SimulatorDevice    string            `json:"simulator_device,omitempty"`
	CredentialToken    string            `json:"credential_token,omitempty"`
	CredentialInstance string            `json:"credential_instance,omitempty"`
	ActiveMode         schema.ActiveMode `json:"active_mode,omitempty"`
}

// Memory is an in-memory Store for tests and probes.
type Memory struct {
	Values Values
}

// SimulatorEnabled reports whether the simulator is configured.
func (m *Memory) SimulatorEnabled() bool { return m.Values.SimulatorEnabled }

// SimulatorBackend returns the chosen simulator backend.
func (m *Memory) SimulatorBackend() string { return m.Values.SimulatorBackend }

// SimulatorDevice returns the chosen simulator device.
func (m *Memory) SimulatorDevice() string { return m.Values.SimulatorDevice }

// CredentialToken returns the stored credential token.
func (m *Memory) CredentialToken() string { return m.Values.CredentialToken }

// CredentialInstance returns the stored credential instance.
func (m *Memory) CredentialInstance() string { return m.Values.CredentialInstance }

// ActiveMode returns the explicit mode override.
func (m *Memory) ActiveMode() schema.ActiveMode { return m.Values.ActiveMode }

// ClearActiveMode resets the explicit mode override.
func (m *Memory) ClearActiveMode() error {
	m.Values.ActiveMode = schema.ActiveModeUnset
	return nil
}
