package appconfig

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"pkt.systems/cellbook/schema"
)

// Load reads configuration from the provided path. If path is empty,
// uses DefaultConfigPath. A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("environment", cfg.Environment)
	v.SetDefault("kernel.endpoint", cfg.Kernel.Endpoint)
	v.SetDefault("kernel.token", cfg.Kernel.Token)
	v.SetDefault("kernel.name", cfg.Kernel.Name)
	v.SetDefault("session.settle_debounce_ms", cfg.Session.SettleDebounceMS)
	v.SetDefault("session.settle_fallback_seconds", cfg.Session.SettleFallbackSeconds)
	v.SetDefault("session.install_command", cfg.Session.InstallCommand)
	v.SetDefault("session.label", cfg.Session.Label)
	v.SetDefault("prefs.path", cfg.Prefs.Path)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	if len(cfg.Backends.Static) == 0 {
		cfg.Backends.Static = append([]schema.Backend(nil), schema.DefaultStaticBackends...)
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch schema.Environment(cfg.Environment) {
	case schema.EnvSandbox, schema.EnvDirect:
	default:
		return fmt.Errorf("unsupported environment %q", cfg.Environment)
	}
	endpoint := strings.TrimSpace(cfg.Kernel.Endpoint)
	if endpoint != "" {
		parsed, err := url.Parse(endpoint)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("kernel.endpoint must include scheme and host (e.g. ws://gateway:8888/kernels)")
		}
		switch parsed.Scheme {
		case "ws", "wss", "http", "https":
		default:
			return fmt.Errorf("kernel.endpoint scheme %q is not supported", parsed.Scheme)
		}
	}
	if cfg.Session.SettleDebounceMS < 0 || cfg.Session.SettleFallbackSeconds < 0 {
		return fmt.Errorf("settlement durations must not be negative")
	}
	for _, pattern := range cfg.Classifier.ExtraPatterns {
		if strings.TrimSpace(pattern.Expr) == "" {
			return fmt.Errorf("classifier.extra_patterns entries require an expr")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Kernel.Endpoint = expandEnv(cfg.Kernel.Endpoint)
	cfg.Kernel.Token = expandEnv(cfg.Kernel.Token)
	cfg.Prefs.Path = expandEnv(cfg.Prefs.Path)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := os.LookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
