// Package config handles mcphost configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/TangGee/go-mcphost"
	"gopkg.in/yaml.v3"
)

// Discovery modes.
const (
	DiscoveryManager  = "manager"
	DiscoveryManifest = "manifest"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from the --config flag) is checked first.
// Then: ./mcphost.yaml, ~/.config/mcphost/config.yaml, /etc/mcphost/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"mcphost.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcphost", "config.yaml"))
	}

	paths = append(paths, "/etc/mcphost/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcphost configuration.
type Config struct {
	LogLevel  string          `yaml:"log_level"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Host      HostConfig      `yaml:"host"`
	Provider  ProviderConfig  `yaml:"provider"`
	Manager   ManagerConfig   `yaml:"manager"`
}

// DiscoveryConfig selects how providers are found.
type DiscoveryConfig struct {
	// Mode is either "manager" or "manifest".
	Mode string `yaml:"mode"`
	// ManagerURL is the base URL of the service manager.
	ManagerURL string `yaml:"manager_url"`
	// ManifestDir is the directory providers drop their manifests into.
	ManifestDir string `yaml:"manifest_dir"`
	// Contract is the tag providers must advertise.
	Contract string `yaml:"contract"`
	// PollInterval is how often the manifest directory is rescanned.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// HostConfig tunes the host side.
type HostConfig struct {
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency"`
	// CallTimeout bounds every tool call. Zero means no timeout.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// ProviderConfig describes the provider run by the weather command.
type ProviderConfig struct {
	ID          string        `yaml:"id"`
	Network     string        `yaml:"network"` // unix or tcp
	Address     string        `yaml:"address"`
	Workers     int           `yaml:"workers"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	// AllowedMethods lists glob patterns of admitted methods. Empty admits every method.
	AllowedMethods []string `yaml:"allowed_methods"`
}

// ManagerConfig describes the service manager.
type ManagerConfig struct {
	Listen string `yaml:"listen"`
}

// Load reads configuration from a YAML file. Fields missing from the file keep their
// Default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Discovery: DiscoveryConfig{
			Mode:         DiscoveryManager,
			ManagerURL:   "http://127.0.0.1:7070",
			ManifestDir:  filepath.Join(os.TempDir(), "mcphost", "providers"),
			Contract:     mcp.ProviderContract,
			PollInterval: 2 * time.Second,
		},
		Host: HostConfig{
			ProbeTimeout:     5 * time.Second,
			ProbeConcurrency: 4,
		},
		Provider: ProviderConfig{
			ID:          "weather",
			Network:     "unix",
			Address:     filepath.Join(os.TempDir(), "mcphost-weather.sock"),
			Workers:     4,
			CallTimeout: 10 * time.Second,
		},
		Manager: ManagerConfig{
			Listen: "127.0.0.1:7070",
		},
	}
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	switch c.Discovery.Mode {
	case DiscoveryManager:
		if c.Discovery.ManagerURL == "" {
			return errors.New("discovery.manager_url is required in manager mode")
		}
	case DiscoveryManifest:
		if c.Discovery.ManifestDir == "" {
			return errors.New("discovery.manifest_dir is required in manifest mode")
		}
	default:
		return fmt.Errorf("unknown discovery mode %q (valid: %s, %s)", c.Discovery.Mode, DiscoveryManager, DiscoveryManifest)
	}

	if c.Host.ProbeConcurrency < 0 {
		return errors.New("host.probe_concurrency must not be negative")
	}

	switch c.Provider.Network {
	case "unix", "tcp":
	default:
		return fmt.Errorf("unknown provider network %q (valid: unix, tcp)", c.Provider.Network)
	}
	if c.Provider.Workers < 0 {
		return errors.New("provider.workers must not be negative")
	}
	if len(c.Provider.AllowedMethods) > 0 {
		if _, err := mcp.MethodAuthorizer(c.Provider.AllowedMethods...); err != nil {
			return fmt.Errorf("invalid provider.allowed_methods: %w", err)
		}
	}

	return nil
}
