package config

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// UnlockMode selects the permanent unlock path installed on first boot.
type UnlockMode int

const (
	// ModeTPM seals unlock to measured boot state; no passphrase is asked.
	ModeTPM UnlockMode = iota
	// ModePassphrase is the fallback when no usable TPM is present.
	ModePassphrase
)

func (m UnlockMode) String() string {
	if m == ModePassphrase {
		return "passphrase"
	}
	return "tpm"
}

func ParseUnlockMode(s string) (UnlockMode, error) {
	switch s {
	case "", "tpm", "default":
		return ModeTPM, nil
	case "passphrase", "fallback":
		return ModePassphrase, nil
	}
	return ModeTPM, fmt.Errorf("unknown unlock mode %q", s)
}

type Config struct {
	Device     string
	MappedName string
	KeyFile    string
	Target     string
	Mode       UnlockMode
	LogLevel   zerolog.Level
}

type fileConfig struct {
	Device     string `yaml:"device"`
	MappedName string `yaml:"mapped_name"`
	KeyFile    string `yaml:"key_file"`
	Target     string `yaml:"target"`
	UnlockMode string `yaml:"unlock_mode"`
}

// Load reads the YAML config at path (missing file is fine, defaults apply)
// and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Config{
		MappedName: "nos-root",
		KeyFile:    "/var/lib/nos/firstboot.key",
		Target:     "/mnt",
		Mode:       ModeTPM,
		LogLevel:   zerolog.InfoLevel,
	}

	if b, err := os.ReadFile(path); err == nil {
		var fc fileConfig
		if err := yaml.Unmarshal(b, &fc); err != nil {
			return cfg, fmt.Errorf("parsing %s: %w", path, err)
		}
		if fc.Device != "" {
			cfg.Device = fc.Device
		}
		if fc.MappedName != "" {
			cfg.MappedName = fc.MappedName
		}
		if fc.KeyFile != "" {
			cfg.KeyFile = fc.KeyFile
		}
		if fc.Target != "" {
			cfg.Target = fc.Target
		}
		if fc.UnlockMode != "" {
			m, err := ParseUnlockMode(fc.UnlockMode)
			if err != nil {
				return cfg, err
			}
			cfg.Mode = m
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	if v := os.Getenv("NOS_FIRSTBOOT_MODE"); v != "" {
		m, err := ParseUnlockMode(v)
		if err != nil {
			return cfg, err
		}
		cfg.Mode = m
	}
	if v := os.Getenv("NOS_LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			cfg.LogLevel = l
		}
	}

	return cfg, nil
}

func (c Config) Validate() error {
	if c.Device == "" {
		return fmt.Errorf("no target device configured")
	}
	if c.MappedName == "" {
		return fmt.Errorf("no mapped name configured")
	}
	return nil
}
