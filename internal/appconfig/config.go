// Package appconfig loads and validates the YAML configuration file.
package appconfig

import (
	"os"
	"path/filepath"
	"time"

	"pkt.systems/cellbook/schema"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	Environment   string           `mapstructure:"environment" yaml:"environment"`
	Kernel        KernelConfig     `mapstructure:"kernel" yaml:"kernel"`
	Session       SessionConfig    `mapstructure:"session" yaml:"session"`
	Classifier    ClassifierConfig `mapstructure:"classifier" yaml:"classifier"`
	Backends      BackendsConfig   `mapstructure:"backends" yaml:"backends"`
	Prefs         PrefsConfig      `mapstructure:"prefs" yaml:"prefs"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// KernelConfig configures the kernel gateway connection.
type KernelConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Token    string `mapstructure:"token" yaml:"token"`
	Name     string `mapstructure:"name" yaml:"name"`
}

// SessionConfig configures execution settlement and remediation.
type SessionConfig struct {
	SettleDebounceMS      int    `mapstructure:"settle_debounce_ms" yaml:"settle_debounce_ms"`
	SettleFallbackSeconds int    `mapstructure:"settle_fallback_seconds" yaml:"settle_fallback_seconds"`
	InstallCommand        string `mapstructure:"install_command" yaml:"install_command"`
	Label                 string `mapstructure:"label" yaml:"label"`
}

// ClassifierConfig extends the built-in error patterns.
type ClassifierConfig struct {
	ExtraPatterns []schema.PatternConfig `mapstructure:"extra_patterns" yaml:"extra_patterns"`
}

// BackendsConfig configures the static backend fallback list.
type BackendsConfig struct {
	Static []schema.Backend `mapstructure:"static" yaml:"static"`
}

// PrefsConfig locates the persisted preference store.
type PrefsConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Environment:   string(schema.EnvDirect),
		Kernel: KernelConfig{
			Endpoint: "ws://127.0.0.1:8888/kernels",
			Name:     "python3",
		},
		Session: SessionConfig{
			SettleDebounceMS:      int(schema.DefaultSettleDebounce / time.Millisecond),
			SettleFallbackSeconds: int(schema.DefaultSettleFallback / time.Second),
			InstallCommand:        schema.DefaultInstallCommand,
			Label:                 "kernel",
		},
		Backends: BackendsConfig{
			Static: append([]schema.Backend(nil), schema.DefaultStaticBackends...),
		},
		Prefs: PrefsConfig{
			Path: filepath.Join(home, ".cellbook", "prefs.json"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".cellbook", "config.yaml"), nil
}

// SessionConfig maps the file representation onto the runtime config.
func (c Config) SessionConfig() schema.SessionConfig {
	return schema.SessionConfig{
		Environment: schema.Environment(c.Environment),
		Kernel: schema.KernelConfig{
			Endpoint: c.Kernel.Endpoint,
			Token:    c.Kernel.Token,
			Name:     c.Kernel.Name,
		},
		SettleDebounce: time.Duration(c.Session.SettleDebounceMS) * time.Millisecond,
		SettleFallback: time.Duration(c.Session.SettleFallbackSeconds) * time.Second,
		InstallCommand: c.Session.InstallCommand,
		ExtraPatterns:  append([]schema.PatternConfig(nil), c.Classifier.ExtraPatterns...),
		StaticBackends: append([]schema.Backend(nil), c.Backends.Static...),
		Label:          c.Session.Label,
	}
}
