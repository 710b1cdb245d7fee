// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when no --config flag is
// given.
const EnvironmentVariable = "SYNCSHELL_CONFIG"

// Config is the configuration of one syncshell node.
type Config struct {
	// Identity configures the node's key file.
	Identity IdentityConfig `yaml:"identity"`

	// Paths configures directory locations.
	Paths PathsConfig `yaml:"paths"`

	// Transport configures how links to other members are made.
	Transport TransportConfig `yaml:"transport"`

	// Relay configures signaling relays, both the ones named in
	// invites and the one this node may host.
	Relay RelayConfig `yaml:"relay"`

	// Membership configures ledger maintenance and group tokens.
	Membership MembershipConfig `yaml:"membership"`

	// Sync configures component synchronization and apply history.
	Sync SyncConfig `yaml:"sync"`

	// Cache configures the component cache.
	Cache CacheConfig `yaml:"cache"`

	// Metrics configures the Prometheus endpoint.
	Metrics MetricsConfig `yaml:"metrics"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log"`
}

// IdentityConfig configures the identity key file.
type IdentityConfig struct {
	// KeyFile is where the Ed25519 seed is kept.
	// Default: ${SYNCSHELL_ROOT}/identity.key
	KeyFile string `yaml:"key_file" validate:"required"`

	// PassphraseFile, when set, holds the key file passphrase. With
	// Encrypted set and no PassphraseFile the passphrase is prompted
	// for on the terminal.
	PassphraseFile string `yaml:"passphrase_file"`

	// Encrypted marks the key file as passphrase-protected.
	Encrypted bool `yaml:"encrypted"`
}

// PathsConfig configures directory locations.
type PathsConfig struct {
	// Root is the base directory for syncshell data.
	Root string `yaml:"root" validate:"required"`

	// State holds the sealed ledger, token, and group store.
	State string `yaml:"state" validate:"required"`

	// Apply is where other members' components are written.
	Apply string `yaml:"apply" validate:"required"`

	// Manifest is the JSONC manifest listing the local components.
	// Empty means the node declares nothing until told to.
	Manifest string `yaml:"manifest"`
}

// TransportConfig configures the link backend.
type TransportConfig struct {
	// Backend is "auto", "webrtc", or "loopback".
	// Default: auto
	Backend string `yaml:"backend" validate:"oneof=auto webrtc loopback"`

	// STUN lists STUN server URLs.
	STUN []string `yaml:"stun" validate:"dive,required"`

	// TURN lists TURN relays with their credentials.
	TURN []TURNConfig `yaml:"turn" validate:"dive"`

	// GatherTimeout bounds ICE candidate gathering.
	// Default: 10s
	GatherTimeout time.Duration `yaml:"gather_timeout" validate:"gt=0"`

	// Address and Port are advertised in bootstrap invites and join
	// requests.
	Address string `yaml:"address"`
	Port    int    `yaml:"port" validate:"min=0,max=65535"`

	// PollInterval is how often signalers are polled.
	// Default: 2s
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// TURNConfig is one TURN relay.
type TURNConfig struct {
	URLs       []string `yaml:"urls" validate:"required,min=1,dive,required"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// RelayConfig configures signaling relays.
type RelayConfig struct {
	// URLs are the relays named in relay invites this node generates.
	URLs []string `yaml:"urls" validate:"dive,url"`

	// Listen is the address `syncshell relay` serves on.
	// Default: :8470
	Listen string `yaml:"listen" validate:"required"`

	// MailboxTTL is how long an untouched relay mailbox survives.
	// Default: 5m
	MailboxTTL time.Duration `yaml:"mailbox_ttl" validate:"gt=0"`
}

// MembershipConfig configures the membership ledger.
type MembershipConfig struct {
	// Quorum is the number of distinct members whose signatures a
	// removal needs.
	// Default: 1
	Quorum int `yaml:"quorum" validate:"min=1"`

	// TokenValidity is how long issued member tokens stay valid.
	// Default: 4320h (180 days)
	TokenValidity time.Duration `yaml:"token_validity" validate:"gt=0"`

	// MemberTTL is how long a member may go unseen before its entry
	// is pruned.
	// Default: 24h
	MemberTTL time.Duration `yaml:"member_ttl" validate:"gt=0"`

	// InviteTTL is how long an unanswered invite stays valid.
	// Default: 10m
	InviteTTL time.Duration `yaml:"invite_ttl" validate:"gt=0"`

	// GossipInterval is the period of ledger gossip.
	// Default: 30s
	GossipInterval time.Duration `yaml:"gossip_interval" validate:"gt=0"`

	// MaintenanceInterval is the period of ledger pruning.
	// Default: 5m
	MaintenanceInterval time.Duration `yaml:"maintenance_interval" validate:"gt=0"`

	// KeyRotation is the broadcast key epoch length.
	// Default: 1h
	KeyRotation time.Duration `yaml:"key_rotation" validate:"gt=0"`
}

// SyncConfig configures component synchronization.
type SyncConfig struct {
	// Interval is the period between unprompted sync passes.
	// Default: 5s
	Interval time.Duration `yaml:"interval" validate:"gt=0"`

	// MinInterval is the minimum spacing between passes.
	// Default: 1s
	MinInterval time.Duration `yaml:"min_interval" validate:"gt=0,ltefield=Interval"`

	// HistoryDepth bounds the apply transactions kept per node.
	// Default: 10
	HistoryDepth int `yaml:"history_depth" validate:"min=1"`
}

// CacheConfig configures the component cache.
type CacheConfig struct {
	// SoftLimit is the stored size above which unused entries are
	// evicted.
	// Default: 256MiB
	SoftLimit int64 `yaml:"soft_limit" validate:"gt=0"`

	// HardLimit is the stored size the cache never exceeds.
	// Default: 512MiB
	HardLimit int64 `yaml:"hard_limit" validate:"gtefield=SoftLimit"`

	// Compression is "auto", "none", "lz4", or "zstd".
	// Default: auto
	Compression string `yaml:"compression" validate:"oneof=auto none lz4 zstd"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Listen is the address metrics are served on. Empty disables the
	// endpoint.
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is "debug", "info", "warn", or "error".
	// Default: info
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// Default returns the default configuration. Load and LoadFile start
// from it before reading the file.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "syncshell")

	return &Config{
		Identity: IdentityConfig{
			KeyFile: filepath.Join("${SYNCSHELL_ROOT}", "identity.key"),
		},
		Paths: PathsConfig{
			Root:  defaultRoot,
			State: filepath.Join("${SYNCSHELL_ROOT}", "state"),
			Apply: filepath.Join("${SYNCSHELL_ROOT}", "applied"),
		},
		Transport: TransportConfig{
			Backend:       "auto",
			GatherTimeout: 10 * time.Second,
			PollInterval:  2 * time.Second,
		},
		Relay: RelayConfig{
			Listen:     ":8470",
			MailboxTTL: 5 * time.Minute,
		},
		Membership: MembershipConfig{
			Quorum:              1,
			TokenValidity:       180 * 24 * time.Hour,
			MemberTTL:           24 * time.Hour,
			InviteTTL:           10 * time.Minute,
			GossipInterval:      30 * time.Second,
			MaintenanceInterval: 5 * time.Minute,
			KeyRotation:         time.Hour,
		},
		Sync: SyncConfig{
			Interval:     5 * time.Second,
			MinInterval:  time.Second,
			HistoryDepth: 10,
		},
		Cache: CacheConfig{
			SoftLimit:   256 << 20,
			HardLimit:   512 << 20,
			Compression: "auto",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the file named by SYNCSHELL_CONFIG.
//
// There is no discovery: if SYNCSHELL_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your syncshell.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from path over Default, expands path
// variables, and validates the result.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.ExpandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating %s: %w", path, err)
	}
	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		// An empty file leaves the defaults in place.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ExpandVariables expands ${HOME}, ${SYNCSHELL_ROOT}, and
// ${VAR:-default} patterns in path fields. LoadFile calls it; callers
// building a Config from Default call it themselves.
func (c *Config) ExpandVariables() {
	vars := map[string]string{
		"SYNCSHELL_ROOT": c.Paths.Root,
		"HOME":           os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["SYNCSHELL_ROOT"] = c.Paths.Root

	c.Paths.State = expandVars(c.Paths.State, vars)
	c.Paths.Apply = expandVars(c.Paths.Apply, vars)
	c.Paths.Manifest = expandVars(c.Paths.Manifest, vars)
	c.Identity.KeyFile = expandVars(c.Identity.KeyFile, vars)
	c.Identity.PassphraseFile = expandVars(c.Identity.PassphraseFile, vars)
}

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

// validate is shared; validator caches struct metadata per instance.
var validate = sync.OnceValue(func() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
})

// Validate checks the configuration for errors. Every violated field
// is reported by its YAML path.
func (c *Config) Validate() error {
	err := validate().Struct(c)
	if err == nil {
		return nil
	}
	var violations validator.ValidationErrors
	if !errors.As(err, &violations) {
		return err
	}
	errs := make([]error, 0, len(violations))
	for _, violation := range violations {
		errs = append(errs, fmt.Errorf("%s: %s", fieldPath(violation), describe(violation)))
	}
	return errors.Join(errs...)
}

// fieldPath drops the root struct name from a namespace such as
// "Config.membership.quorum".
func fieldPath(violation validator.FieldError) string {
	_, path, found := strings.Cut(violation.Namespace(), ".")
	if !found {
		return violation.Namespace()
	}
	return path
}

func describe(violation validator.FieldError) string {
	switch violation.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of: %s", violation.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", violation.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", violation.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", violation.Param())
	case "gtefield", "ltefield":
		return fmt.Sprintf("conflicts with %s", violation.Param())
	case "url":
		return fmt.Sprintf("%q is not a URL", violation.Value())
	case "hostname_port":
		return fmt.Sprintf("%q is not host:port", violation.Value())
	default:
		return fmt.Sprintf("failed %s validation", violation.Tag())
	}
}

// EnsurePaths creates the configured directories if they don't exist.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.Paths.Root,
		c.Paths.State,
		c.Paths.Apply,
		filepath.Dir(c.Identity.KeyFile),
	}

	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
