// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration for Tether.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Presence configures the presence actor and its HTTP surface.
	Presence PresenceConfig `yaml:"presence"`

	// Publisher configures the isolated publisher process.
	Publisher PublisherConfig `yaml:"publisher"`

	// Relay configures the session relay router.
	Relay RelayConfig `yaml:"relay"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
type ConfigOverrides struct {
	Paths     *PathsConfig     `yaml:"paths,omitempty"`
	Presence  *PresenceConfig  `yaml:"presence,omitempty"`
	Publisher *PublisherConfig `yaml:"publisher,omitempty"`
	Relay     *RelayConfig     `yaml:"relay,omitempty"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for Tether data.
	Root string `yaml:"root"`

	// State is where runtime state is stored: the device keystore,
	// trust store, presence database, and commit log.
	State string `yaml:"state"`

	// Run is where Unix sockets are created.
	Run string `yaml:"run"`
}

// PresenceConfig configures the presence actor and HTTP service.
type PresenceConfig struct {
	// BatchWindowMS is the keep-alive coalescing window in
	// milliseconds. Default: 1000.
	BatchWindowMS int `yaml:"batch_window_ms"`

	// HTTPListen is the listen address for the heartbeat and stream
	// endpoints. Default: 127.0.0.1:7600
	HTTPListen string `yaml:"http_listen"`
}

// PublisherConfig configures the isolated publisher process.
type PublisherConfig struct {
	// SocketPath is the Unix socket the daemon connects to for
	// side-effect frames. Default: /run/tether/publisher.sock
	SocketPath string `yaml:"socket_path"`

	// SidecarSocketPath is the Unix socket of the network sidecar the
	// publisher forwards to. Default: /run/tether/sidecar.sock
	SidecarSocketPath string `yaml:"sidecar_socket_path"`

	// PublishTimeoutMS is the per-publish sidecar timeout in
	// milliseconds. Default: 10000.
	PublishTimeoutMS int `yaml:"publish_timeout_ms"`

	// RoutesFile is an optional JSONC file mapping effect types to
	// channel and event overrides.
	RoutesFile string `yaml:"routes_file"`

	// AllowMissingSidecar continues without the hot path when the
	// sidecar socket is absent.
	// Default: true (development), false (production)
	AllowMissingSidecar bool `yaml:"allow_missing_sidecar"`
}

// RelayConfig configures the session relay router.
type RelayConfig struct {
	// Listen is the relay listen address. Default: 127.0.0.1:7601
	Listen string `yaml:"listen"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist primarily to ensure all fields have sensible zero-values,
// not as a fallback - the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "tether")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: filepath.Join(defaultRoot, "state"),
			Run:   filepath.Join(defaultRoot, "run"),
		},
		Presence: PresenceConfig{
			BatchWindowMS: 1000,
			HTTPListen:    "127.0.0.1:7600",
		},
		Publisher: PublisherConfig{
			SocketPath:          filepath.Join(defaultRoot, "run", "publisher.sock"),
			SidecarSocketPath:   filepath.Join(defaultRoot, "run", "sidecar.sock"),
			PublishTimeoutMS:    10000,
			RoutesFile:          "",
			AllowMissingSidecar: true,
		},
		Relay: RelayConfig{
			Listen: "127.0.0.1:7601",
		},
	}
}

// Load loads configuration from TETHER_CONFIG environment variable.
//
// This is the only way to load configuration without an explicit path.
// There are no fallbacks or defaults - if TETHER_CONFIG is not set, this fails.
// This ensures deterministic, auditable configuration with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("TETHER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("TETHER_CONFIG environment variable not set; " +
			"set it to the path of your tether.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables do not
// override config values - this ensures deterministic, auditable configuration.
// The only expansion performed is ${HOME} and similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	// Expand ${HOME} and similar variables in paths for portability.
	cfg.expandVariables()

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, c)
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: the hot path is required, not optional.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Publisher: &PublisherConfig{
					AllowMissingSidecar: false,
				},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Paths != nil {
		if overrides.Paths.Root != "" {
			c.Paths.Root = overrides.Paths.Root
		}
		if overrides.Paths.State != "" {
			c.Paths.State = overrides.Paths.State
		}
		if overrides.Paths.Run != "" {
			c.Paths.Run = overrides.Paths.Run
		}
	}

	if overrides.Presence != nil {
		if overrides.Presence.BatchWindowMS != 0 {
			c.Presence.BatchWindowMS = overrides.Presence.BatchWindowMS
		}
		if overrides.Presence.HTTPListen != "" {
			c.Presence.HTTPListen = overrides.Presence.HTTPListen
		}
	}

	if overrides.Publisher != nil {
		if overrides.Publisher.SocketPath != "" {
			c.Publisher.SocketPath = overrides.Publisher.SocketPath
		}
		if overrides.Publisher.SidecarSocketPath != "" {
			c.Publisher.SidecarSocketPath = overrides.Publisher.SidecarSocketPath
		}
		if overrides.Publisher.PublishTimeoutMS != 0 {
			c.Publisher.PublishTimeoutMS = overrides.Publisher.PublishTimeoutMS
		}
		if overrides.Publisher.RoutesFile != "" {
			c.Publisher.RoutesFile = overrides.Publisher.RoutesFile
		}
		// AllowMissingSidecar is a bool, so we always apply it from overrides.
		c.Publisher.AllowMissingSidecar = overrides.Publisher.AllowMissingSidecar
	}

	if overrides.Relay != nil {
		if overrides.Relay.Listen != "" {
			c.Relay.Listen = overrides.Relay.Listen
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"TETHER_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["TETHER_ROOT"] = c.Paths.Root // Update for dependent paths.

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Run = expandVars(c.Paths.Run, vars)
	c.Publisher.SocketPath = expandVars(c.Publisher.SocketPath, vars)
	c.Publisher.SidecarSocketPath = expandVars(c.Publisher.SidecarSocketPath, vars)
	c.Publisher.RoutesFile = expandVars(c.Publisher.RoutesFile, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.Paths.Root == "" {
		errs = append(errs, fmt.Errorf("paths.root is required"))
	}
	if c.Paths.State == "" {
		errs = append(errs, fmt.Errorf("paths.state is required"))
	}

	if c.Presence.BatchWindowMS <= 0 {
		errs = append(errs, fmt.Errorf("presence.batch_window_ms must be positive"))
	}
	if c.Presence.HTTPListen == "" {
		errs = append(errs, fmt.Errorf("presence.http_listen is required"))
	}

	if c.Publisher.SocketPath == "" {
		errs = append(errs, fmt.Errorf("publisher.socket_path is required"))
	}
	if c.Publisher.PublishTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("publisher.publish_timeout_ms must be positive"))
	}

	if c.Relay.Listen == "" {
		errs = append(errs, fmt.Errorf("relay.listen is required"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsurePaths creates all configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.Run,
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
