// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "syncshell.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Transport.Backend != "auto" {
		t.Errorf("expected backend=auto, got %s", cfg.Transport.Backend)
	}
	if cfg.Membership.Quorum != 1 {
		t.Errorf("expected quorum=1, got %d", cfg.Membership.Quorum)
	}
	if cfg.Cache.Compression != "auto" {
		t.Errorf("expected compression=auto, got %s", cfg.Cache.Compression)
	}
	if cfg.Metrics.Listen != "" {
		t.Errorf("expected metrics disabled by default, got %s", cfg.Metrics.Listen)
	}
}

func TestDefaultIsValidOnceExpanded(t *testing.T) {
	cfg := Default()
	cfg.ExpandVariables()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if strings.Contains(cfg.Paths.State, "${") || strings.Contains(cfg.Identity.KeyFile, "${") {
		t.Errorf("variables left unexpanded: state=%s key_file=%s", cfg.Paths.State, cfg.Identity.KeyFile)
	}
	if filepath.Dir(cfg.Identity.KeyFile) != cfg.Paths.Root {
		t.Errorf("key file %s not under root %s", cfg.Identity.KeyFile, cfg.Paths.Root)
	}
}

func TestLoad_RequiresSyncshellConfig(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when SYNCSHELL_CONFIG not set, got nil")
	}
	if !strings.HasPrefix(err.Error(), "SYNCSHELL_CONFIG environment variable not set") {
		t.Errorf("unexpected error message: %q", err.Error())
	}
}

func TestLoad_WithSyncshellConfig(t *testing.T) {
	path := writeConfig(t, `
paths:
  root: /test/root
transport:
  backend: loopback
membership:
  quorum: 2
  gossip_interval: 10s
cache:
  soft_limit: 1048576
  hard_limit: 2097152
  compression: zstd
metrics:
  listen: localhost:9090
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Transport.Backend != "loopback" {
		t.Errorf("expected backend=loopback, got %s", cfg.Transport.Backend)
	}
	if cfg.Membership.Quorum != 2 {
		t.Errorf("expected quorum=2, got %d", cfg.Membership.Quorum)
	}
	if cfg.Membership.GossipInterval != 10*time.Second {
		t.Errorf("expected gossip_interval=10s, got %s", cfg.Membership.GossipInterval)
	}
	if cfg.Cache.Compression != "zstd" || cfg.Cache.HardLimit != 2<<20 {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Metrics.Listen != "localhost:9090" {
		t.Errorf("expected metrics listen localhost:9090, got %s", cfg.Metrics.Listen)
	}

	// Fields the file omits keep their defaults.
	if cfg.Membership.InviteTTL != 10*time.Minute {
		t.Errorf("expected default invite_ttl=10m, got %s", cfg.Membership.InviteTTL)
	}
	if cfg.Paths.State != "/test/root/state" {
		t.Errorf("expected state under the configured root, got %s", cfg.Paths.State)
	}
}

func TestLoadFile_EmptyFileKeepsDefaults(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.Sync.Interval != Default().Sync.Interval {
		t.Errorf("expected default sync interval, got %s", cfg.Sync.Interval)
	}
}

func TestLoadFile_RejectsUnknownFields(t *testing.T) {
	_, err := LoadFile(writeConfig(t, "membership:\n  quorom: 2\n"))
	if err == nil {
		t.Fatal("expected an error for a misspelled field")
	}
	if !strings.Contains(err.Error(), "quorom") {
		t.Errorf("error does not name the unknown field: %v", err)
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if !os.IsNotExist(err) {
		t.Errorf("expected a not-exist error, got %v", err)
	}
}

func TestValidateReportsEveryViolationByYAMLPath(t *testing.T) {
	path := writeConfig(t, `
transport:
  backend: carrier-pigeon
relay:
  urls: ["not a url"]
membership:
  quorum: 0
sync:
  interval: 1s
  min_interval: 5s
cache:
  soft_limit: 2048
  hard_limit: 1024
log:
  level: loud
`)

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected validation errors")
	}
	message := err.Error()
	for _, field := range []string{
		"transport.backend",
		"relay.urls[0]",
		"membership.quorum",
		"sync.min_interval",
		"cache.hard_limit",
		"log.level",
	} {
		if !strings.Contains(message, field) {
			t.Errorf("validation error does not mention %s:\n%s", field, message)
		}
	}
	if strings.Contains(message, "Config.") {
		t.Errorf("validation error leaks the Go struct name:\n%s", message)
	}
}

func TestValidateTURNServersNeedURLs(t *testing.T) {
	cfg := Default()
	cfg.ExpandVariables()
	cfg.Transport.TURN = []TURNConfig{{Username: "user", Credential: "pass"}}

	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "transport.turn[0].urls") {
		t.Errorf("expected a turn urls violation, got %v", err)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("SYNCSHELL_TEST_VAR", "from-env")
	vars := map[string]string{"SYNCSHELL_ROOT": "/data"}

	tests := []struct {
		input string
		want  string
	}{
		{"${SYNCSHELL_ROOT}/state", "/data/state"},
		{"${SYNCSHELL_TEST_VAR}/x", "from-env/x"},
		{"${SYNCSHELL_UNSET_VAR:-fallback}/x", "fallback/x"},
		{"/plain/path", "/plain/path"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestEnsurePathsCreatesDirectories(t *testing.T) {
	root := filepath.Join(t.TempDir(), "syncshell")
	cfg := Default()
	cfg.Paths.Root = root
	cfg.ExpandVariables()

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths() failed: %v", err)
	}
	for _, path := range []string{root, cfg.Paths.State, cfg.Paths.Apply} {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", path, err)
		}
	}
}
