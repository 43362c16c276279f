package schema

import (
	"strings"
	"time"
)

// Environment selects how kernel launch options are resolved.
type Environment string

const (
	// EnvSandbox connects through the remote sandbox gateway.
	EnvSandbox Environment = "sandbox"
	// EnvDirect connects directly to a kernel endpoint.
	EnvDirect Environment = "direct"
)

// KernelConfig carries the bootstrap options for the remote kernel.
type KernelConfig struct {
	Endpoint string
	Token    string
	Name     string
}

// PatternConfig declares one additional classifier pattern.
type PatternConfig struct {
	Kind ClassificationKind `mapstructure:"kind" yaml:"kind"`
	Expr string             `mapstructure:"expr" yaml:"expr"`
}

// SessionConfig configures the page session coordination.
type SessionConfig struct {
	// Environment is reported by the embedding page, not computed here.
	Environment Environment
	// Kernel carries the bootstrap options for the configured environment.
	Kernel KernelConfig
	// SettleDebounce is the uninterrupted idle duration required before
	// an execution counts as complete.
	SettleDebounce time.Duration
	// SettleFallback force-settles an execution that never reports idle.
	SettleFallback time.Duration
	// InstallCommand prefixes the module name for install remediation.
	InstallCommand string
	// ExtraPatterns extend the default classifier pattern list.
	ExtraPatterns []PatternConfig
	// StaticBackends is the fallback list when discovery reports nothing.
	StaticBackends []Backend
	// Label names the page's kernel in injection notices.
	Label string
}

const (
	// DefaultSettleDebounce bridges gaps between sub-phases of one
	// logical execution (input echo, intermediate result, final idle).
	DefaultSettleDebounce = 1500 * time.Millisecond
	// DefaultSettleFallback is the silent-protocol safety net.
	DefaultSettleFallback = 2 * time.Minute
	// DefaultInstallCommand is the in-kernel install magic.
	DefaultInstallCommand = "%pip install"
)

// DefaultStaticBackends is the discovery fallback list.
var DefaultStaticBackends = []Backend{
	{Name: "local_simulator", Simulator: true, Status: "available"},
}

// NormalizeSessionConfig applies defaults and validates the config.
func NormalizeSessionConfig(cfg SessionConfig) (SessionConfig, error) {
	switch cfg.Environment {
	case "":
		cfg.Environment = EnvDirect
	case EnvSandbox, EnvDirect:
	default:
		return SessionConfig{}, ErrInvalidEnvironment
	}
	if cfg.SettleDebounce <= 0 {
		cfg.SettleDebounce = DefaultSettleDebounce
	}
	if cfg.SettleFallback <= 0 {
		cfg.SettleFallback = DefaultSettleFallback
	}
	if cfg.SettleFallback < cfg.SettleDebounce {
		cfg.SettleFallback = cfg.SettleDebounce
	}
	if strings.TrimSpace(cfg.Kernel.Name) == "" {
		cfg.Kernel.Name = "python3"
	}
	if strings.TrimSpace(cfg.InstallCommand) == "" {
		cfg.InstallCommand = DefaultInstallCommand
	}
	if len(cfg.StaticBackends) == 0 {
		cfg.StaticBackends = append([]Backend(nil), DefaultStaticBackends...)
	}
	if strings.TrimSpace(cfg.Label) == "" {
		cfg.Label = "kernel"
	}
	return cfg, nil
}
