// Package config loads and validates the orchestrator's YAML
// configuration (§6), grounded on controller_src/main.go's Config
// struct and gopkg.in/yaml.v2 unmarshalling.
package config

import (
	"fmt"
	"os"

	"github.com/modelingevolution/autoupdater/internal/version"
	"gopkg.in/yaml.v2"
)

// AuthMethod enumerates the SSH authentication strategies of §4.1/§6.
type AuthMethod string

const (
	AuthPassword                 AuthMethod = "Password"
	AuthPrivateKey               AuthMethod = "PrivateKey"
	AuthPrivateKeyWithPassphrase AuthMethod = "PrivateKeyWithPassphrase"
	AuthKeyWithPasswordFallback  AuthMethod = "KeyWithPasswordFallback"
)

// PackageConfig is one entry of the Packages[] array in §6.
type PackageConfig struct {
	Name                   string `yaml:"Name"`
	RepositoryUrl          string `yaml:"RepositoryUrl"`
	RepositoryLocation     string `yaml:"RepositoryLocation"`
	DockerComposeDirectory string `yaml:"DockerComposeDirectory"`
	DockerAuth             string `yaml:"DockerAuth,omitempty"`
	DockerRegistryUrl      string `yaml:"DockerRegistryUrl,omitempty"`
	MergerName             string `yaml:"MergerName,omitempty"`
	MergerEmail            string `yaml:"MergerEmail,omitempty"`
}

// Config is the top-level YAML document described in §6.
type Config struct {
	SSHHost              string          `yaml:"SshHost"`
	SSHUser              string          `yaml:"SshUser"`
	SSHPwd               string          `yaml:"SshPwd,omitempty"`
	SSHKeyPath           string          `yaml:"SshKeyPath,omitempty"`
	SSHKeyPassphrase     string          `yaml:"SshKeyPassphrase,omitempty"`
	SSHAuthMethod        AuthMethod      `yaml:"SshAuthMethod"`
	SSHPort              int             `yaml:"SshPort"`
	SSHTimeoutSeconds    int             `yaml:"SshTimeoutSeconds"`
	SSHKeepAliveSeconds  int             `yaml:"SshKeepAliveSeconds"`
	SSHEnableCompression bool            `yaml:"SshEnableCompression"`
	Packages             []PackageConfig `yaml:"Packages"`
	PollIntervalSeconds  int             `yaml:"PollIntervalSeconds"`
	LogToJournald        bool            `yaml:"LogToJournald"`
	Verbosity            int             `yaml:"Verbosity"`
	BackupArchiveDir     string          `yaml:"BackupArchiveDir,omitempty"`
}

// Defaults, matching §6.
const (
	DefaultSSHPort             = 22
	DefaultSSHTimeoutSeconds   = 30
	DefaultSSHKeepAliveSeconds = 30
	DefaultPollIntervalSeconds = 60
)

// Load reads and parses the YAML configuration at path, applies
// defaults for omitted fields, and validates required fields are
// present.
func Load(path string) (cfg Config, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("reading controller config file: %v", err)
		return
	}

	if err = yaml.Unmarshal(raw, &cfg); err != nil {
		err = fmt.Errorf("unmarshaling controller config file: %v", err)
		return
	}

	applyDefaults(&cfg)

	if err = validate(cfg); err != nil {
		err = fmt.Errorf("invalid configuration: %v", err)
		return
	}

	return
}

func applyDefaults(cfg *Config) {
	if cfg.SSHPort == 0 {
		cfg.SSHPort = DefaultSSHPort
	}
	if cfg.SSHTimeoutSeconds == 0 {
		cfg.SSHTimeoutSeconds = DefaultSSHTimeoutSeconds
	}
	if cfg.SSHKeepAliveSeconds == 0 {
		cfg.SSHKeepAliveSeconds = DefaultSSHKeepAliveSeconds
	}
	if cfg.PollIntervalSeconds == 0 {
		cfg.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
}

// validate checks for empty values in critical configuration fields,
// mirroring the teacher's checkConfigForEmpty pass (controller_src).
func validate(cfg Config) error {
	if cfg.SSHHost == "" {
		return fmt.Errorf("SshHost must not be empty")
	}
	if cfg.SSHUser == "" {
		return fmt.Errorf("SshUser must not be empty")
	}

	switch cfg.SSHAuthMethod {
	case AuthPassword:
		if cfg.SSHPwd == "" {
			return fmt.Errorf("SshPwd must not be empty for SshAuthMethod Password")
		}
	case AuthPrivateKey, AuthPrivateKeyWithPassphrase, AuthKeyWithPasswordFallback:
		if cfg.SSHKeyPath == "" {
			return fmt.Errorf("SshKeyPath must not be empty for SshAuthMethod %s", cfg.SSHAuthMethod)
		}
	default:
		return fmt.Errorf("SshAuthMethod must be one of Password, PrivateKey, PrivateKeyWithPassphrase, KeyWithPasswordFallback, got %q", cfg.SSHAuthMethod)
	}

	if len(cfg.Packages) == 0 {
		return fmt.Errorf("Packages must contain at least one entry")
	}

	seen := make(map[string]struct{}, len(cfg.Packages))
	for i, pkg := range cfg.Packages {
		if pkg.Name == "" {
			return fmt.Errorf("Packages[%d].Name must not be empty", i)
		}
		if pkg.RepositoryUrl == "" {
			return fmt.Errorf("Packages[%d].RepositoryUrl must not be empty", i)
		}
		if pkg.RepositoryLocation == "" {
			return fmt.Errorf("Packages[%d].RepositoryLocation must not be empty", i)
		}
		key := version.PackageName(pkg.Name).Key()
		if _, dup := seen[key]; dup {
			return fmt.Errorf("duplicate package name %q", pkg.Name)
		}
		seen[key] = struct{}{}
	}

	return nil
}
