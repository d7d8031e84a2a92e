// Package config handles module configuration from YAML/env/options.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath   = "/etc/qkd/sifting-bb84.yaml"
	DefaultLogLevel     = "info"
	DefaultSyncTTLSec   = 10
	DefaultTimeoutMS    = 2500
	DefaultRawKeyLength = 1024
	DefaultKeyIDScheme  = "0/0"
)

// Endpoints holds the per-role endpoint URLs. The initiator (alice)
// connects out to the peer; the responder (bob) listens.
type Endpoints struct {
	URLPipeIn  string `yaml:"url_pipe_in"`
	URLPipeOut string `yaml:"url_pipe_out"`
	URLPeer    string `yaml:"url_peer"`   // alice only
	URLListen  string `yaml:"url_listen"` // bob only
}

// Config defines the module configuration.
type Config struct {
	// Module identity
	ModuleID string `yaml:"module_id"`
	Pipeline string `yaml:"pipeline"` // logical pipeline name, groups modules

	// Endpoints by role
	Alice Endpoints `yaml:"alice"`
	Bob   Endpoints `yaml:"bob"`

	// Randomness
	RandomURL string `yaml:"random_url"` // see internal/randsrc

	// Key synchronization
	SynchronizeKeys   bool `yaml:"synchronize_keys"`
	SynchronizeTTLSec int  `yaml:"synchronize_ttl"` // out-of-sync TTL in seconds

	// Transport timeouts (ms); -1 infinite, 0 non-blocking
	TimeoutNetworkMS int `yaml:"timeout_network"`
	TimeoutPipeMS    int `yaml:"timeout_pipe"`

	// Security
	PQCChannel bool `yaml:"pqc_channel"` // ML-KEM-768 secured peer channel

	// BB84 sifting
	RawKeyLength int    `yaml:"raw_key_length"` // bytes per emitted sifted key
	KeyIDScheme  string `yaml:"key_id_scheme"`  // "<shift>/<add>"
	QAuth        bool   `yaml:"qauth"`

	// Lifecycle
	TerminateAfter uint64 `yaml:"terminate_after"` // stop after N keys, 0 = never

	// Logging
	LogLevel string `yaml:"log_level"` // debug|info|warn|error
}

// DefaultConfig returns a Config with sane defaults.
func DefaultConfig() *Config {
	return &Config{
		SynchronizeKeys:   true,
		SynchronizeTTLSec: DefaultSyncTTLSec,
		TimeoutNetworkMS:  DefaultTimeoutMS,
		TimeoutPipeMS:     DefaultTimeoutMS,
		RawKeyLength:      DefaultRawKeyLength,
		KeyIDScheme:       DefaultKeyIDScheme,
		LogLevel:          DefaultLogLevel,
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil // use defaults
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Env vars: QKD_MODULE_ID, QKD_PIPELINE, QKD_RANDOM_URL, QKD_LOG_LEVEL.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("QKD_MODULE_ID"); v != "" {
		c.ModuleID = v
	}
	if v := os.Getenv("QKD_PIPELINE"); v != "" {
		c.Pipeline = v
	}
	if v := os.Getenv("QKD_RANDOM_URL"); v != "" {
		c.RandomURL = v
	}
	if v := os.Getenv("QKD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// ApplyOptions applies launcher-style flat options of the form
// "module.<id>.<key>" (e.g. "module.bb84.alice.url_peer"). Options
// for other modules are skipped; unknown keys under our prefix are
// warned but tolerated. The returned list names the tolerated keys
// so the caller can log them.
func (c *Config) ApplyOptions(opts map[string]string) ([]string, error) {
	prefix := "module." + c.ModuleID + "."
	var unknown []string

	for key, value := range opts {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		var err error
		switch strings.TrimPrefix(key, prefix) {
		case "alice.url_pipe_in":
			c.Alice.URLPipeIn = value
		case "alice.url_pipe_out":
			c.Alice.URLPipeOut = value
		case "alice.url_peer":
			c.Alice.URLPeer = value
		case "bob.url_pipe_in":
			c.Bob.URLPipeIn = value
		case "bob.url_pipe_out":
			c.Bob.URLPipeOut = value
		case "bob.url_listen":
			c.Bob.URLListen = value
		case "pipeline":
			c.Pipeline = value
		case "random_url":
			c.RandomURL = value
		case "synchronize_keys":
			c.SynchronizeKeys, err = strconv.ParseBool(value)
		case "synchronize_ttl":
			c.SynchronizeTTLSec, err = strconv.Atoi(value)
		case "timeout_network":
			c.TimeoutNetworkMS, err = strconv.Atoi(value)
		case "timeout_pipe":
			c.TimeoutPipeMS, err = strconv.Atoi(value)
		case "pqc_channel":
			c.PQCChannel, err = strconv.ParseBool(value)
		case "raw_key_length":
			c.RawKeyLength, err = strconv.Atoi(value)
		case "key_id_scheme":
			c.KeyIDScheme = value
		case "qauth":
			c.QAuth, err = strconv.ParseBool(value)
		case "terminate_after":
			c.TerminateAfter, err = strconv.ParseUint(value, 10, 64)
		default:
			unknown = append(unknown, key)
		}
		if err != nil {
			return unknown, fmt.Errorf("malformed option %s=%q: %w", key, value, err)
		}
	}

	return unknown, nil
}

// Validate checks that the config is valid.
func (c *Config) Validate() error {
	if c.ModuleID == "" {
		return fmt.Errorf("module_id must be set")
	}
	if c.SynchronizeTTLSec < 1 {
		return fmt.Errorf("invalid synchronize_ttl: %d", c.SynchronizeTTLSec)
	}
	if c.TimeoutNetworkMS < -1 || c.TimeoutPipeMS < -1 {
		return fmt.Errorf("timeouts must be >= -1")
	}
	if c.RawKeyLength < 1 {
		return fmt.Errorf("invalid raw_key_length: %d", c.RawKeyLength)
	}
	if _, _, err := ParseKeyIDScheme(c.KeyIDScheme); err != nil {
		return err
	}

	validLevel := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevel[c.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (valid: debug, info, warn, error)", c.LogLevel)
	}

	return nil
}

// ParseKeyIDScheme parses the "<shift>/<add>" key-id generation
// pattern.
func ParseKeyIDScheme(scheme string) (shift uint32, add uint32, err error) {
	parts := strings.Split(scheme, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid key_id_scheme %q: want \"<shift>/<add>\"", scheme)
	}
	s, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid key_id_scheme shift %q: %w", parts[0], err)
	}
	a, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid key_id_scheme add %q: %w", parts[1], err)
	}
	return uint32(s), uint32(a), nil
}

// SaveToFile writes config to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
