package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.SynchronizeKeys {
		t.Error("key synchronization should default to on")
	}
	if cfg.SynchronizeTTLSec != DefaultSyncTTLSec {
		t.Errorf("SynchronizeTTLSec = %d, want %d", cfg.SynchronizeTTLSec, DefaultSyncTTLSec)
	}
	if cfg.RawKeyLength != DefaultRawKeyLength {
		t.Errorf("RawKeyLength = %d, want %d", cfg.RawKeyLength, DefaultRawKeyLength)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "module.yaml")
	data := `
module_id: bb84-test
pipeline: default
alice:
  url_pipe_in: stdin://
  url_peer: tcp://peer.example.com:17000
bob:
  url_listen: tcp://*:17000
random_url: "cong:42"
qauth: true
raw_key_length: 256
key_id_scheme: "8/1"
`
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ModuleID != "bb84-test" {
		t.Errorf("ModuleID = %s", cfg.ModuleID)
	}
	if cfg.Alice.URLPeer != "tcp://peer.example.com:17000" {
		t.Errorf("Alice.URLPeer = %s", cfg.Alice.URLPeer)
	}
	if cfg.Bob.URLListen != "tcp://*:17000" {
		t.Errorf("Bob.URLListen = %s", cfg.Bob.URLListen)
	}
	if !cfg.QAuth {
		t.Error("QAuth should be enabled")
	}
	if cfg.RawKeyLength != 256 {
		t.Errorf("RawKeyLength = %d", cfg.RawKeyLength)
	}
	// unset values keep defaults
	if cfg.TimeoutNetworkMS != DefaultTimeoutMS {
		t.Errorf("TimeoutNetworkMS = %d, want default", cfg.TimeoutNetworkMS)
	}
}

func TestLoadFromFile_MissingUsesDefaults(t *testing.T) {
	cfg, err := LoadFromFile(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RawKeyLength != DefaultRawKeyLength {
		t.Error("missing file should fall back to defaults")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("QKD_MODULE_ID", "env-module")
	t.Setenv("QKD_RANDOM_URL", "cong:7")
	t.Setenv("QKD_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.ModuleID != "env-module" {
		t.Errorf("ModuleID = %s", cfg.ModuleID)
	}
	if cfg.RandomURL != "cong:7" {
		t.Errorf("RandomURL = %s", cfg.RandomURL)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s", cfg.LogLevel)
	}
}

func TestApplyOptions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModuleID = "bb84"

	unknown, err := cfg.ApplyOptions(map[string]string{
		"module.bb84.alice.url_peer":    "tcp://10.0.0.2:17000",
		"module.bb84.bob.url_listen":    "tcp://*:17000",
		"module.bb84.pipeline":          "production",
		"module.bb84.synchronize_keys":  "false",
		"module.bb84.synchronize_ttl":   "30",
		"module.bb84.timeout_network":   "5000",
		"module.bb84.qauth":             "true",
		"module.bb84.raw_key_length":    "512",
		"module.bb84.no_such_option":    "x",
		"module.other.alice.url_peer":   "tcp://ignored:1", // different module
		"unrelated.key":                 "ignored",
	})
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Alice.URLPeer != "tcp://10.0.0.2:17000" {
		t.Errorf("Alice.URLPeer = %s", cfg.Alice.URLPeer)
	}
	if cfg.Pipeline != "production" {
		t.Errorf("Pipeline = %s", cfg.Pipeline)
	}
	if cfg.SynchronizeKeys {
		t.Error("SynchronizeKeys should be off")
	}
	if cfg.SynchronizeTTLSec != 30 || cfg.TimeoutNetworkMS != 5000 {
		t.Error("numeric options not applied")
	}
	if !cfg.QAuth || cfg.RawKeyLength != 512 {
		t.Error("bb84 options not applied")
	}

	if len(unknown) != 1 || unknown[0] != "module.bb84.no_such_option" {
		t.Errorf("unknown = %v, want the one tolerated key", unknown)
	}
}

func TestApplyOptions_MalformedValue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModuleID = "bb84"

	if _, err := cfg.ApplyOptions(map[string]string{"module.bb84.synchronize_ttl": "soon"}); err == nil {
		t.Error("malformed numeric option should fail")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.ModuleID = "bb84"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty module id", func(c *Config) { c.ModuleID = "" }},
		{"zero ttl", func(c *Config) { c.SynchronizeTTLSec = 0 }},
		{"bad timeout", func(c *Config) { c.TimeoutNetworkMS = -2 }},
		{"zero raw key length", func(c *Config) { c.RawKeyLength = 0 }},
		{"bad key id scheme", func(c *Config) { c.KeyIDScheme = "8" }},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }},
	}
	for _, c := range cases {
		cfg := valid()
		c.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", c.name)
		}
	}
}

func TestParseKeyIDScheme(t *testing.T) {
	shift, add, err := ParseKeyIDScheme("8/3")
	if err != nil {
		t.Fatal(err)
	}
	if shift != 8 || add != 3 {
		t.Errorf("parsed %d/%d, want 8/3", shift, add)
	}

	for _, bad := range []string{"", "8", "a/b", "1/2/3", "-1/0"} {
		if _, _, err := ParseKeyIDScheme(bad); err == nil {
			t.Errorf("ParseKeyIDScheme(%q) should fail", bad)
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "module.yaml")

	cfg := DefaultConfig()
	cfg.ModuleID = "roundtrip"
	cfg.QAuth = true
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ModuleID != "roundtrip" || !loaded.QAuth {
		t.Error("round trip lost fields")
	}
}
