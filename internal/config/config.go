// Package config provides configuration parsing and validation for wraith.
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete node configuration.
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Identity   IdentityConfig   `yaml:"identity"`
	Session    SessionConfig    `yaml:"session"`
	Transfer   TransferConfig   `yaml:"transfer"`
	Congestion CongestionConfig `yaml:"congestion"`
	PMTU       PMTUConfig       `yaml:"pmtu"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// NodeConfig contains node identity and listener settings.
type NodeConfig struct {
	ListenAddress string `yaml:"listen_address"` // UDP address to bind, e.g. "0.0.0.0:7777"
	DataDir       string `yaml:"data_dir"`        // directory for identity file, resume journals
	LogLevel      string `yaml:"log_level"`       // debug, info, warn, error
	LogFormat     string `yaml:"log_format"`      // text, json
}

// IdentityConfig controls how the node's long-term static keypair is
// stored and unlocked.
type IdentityConfig struct {
	// Path is checked to be non-empty but not otherwise read: the
	// identity package always stores the key file as "identity.wraith"
	// inside DataDir. Default: "identity.json".
	Path string `yaml:"path"`

	// PassphraseEnv names an environment variable holding the passphrase
	// used to derive the Argon2id key that encrypts the identity file at
	// rest. If empty, or if the variable is unset, an empty passphrase is
	// used; the identity file is still encrypted.
	PassphraseEnv string `yaml:"passphrase_env"`
}

// SessionConfig tunes the handshake/ratchet session layer.
type SessionConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	MigrationWindow  time.Duration `yaml:"migration_window"` // path-probe window after a migration; validated, not read by the session layer
}

// TransferConfig tunes the chunking and multi-peer transfer engine.
type TransferConfig struct {
	// ChunkSize is the Merkle leaf chunk size in bytes. Default 256 KiB.
	ChunkSize uint32 `yaml:"chunk_size"`

	// MaxConcurrentTransfers sizes the node's worker pool, which bounds
	// how many chunk-hashing and chunk-write jobs run at once; it does
	// not cap the number of transfers. 0 is treated as 1.
	MaxConcurrentTransfers int `yaml:"max_concurrent_transfers"`

	// JournalDir is not read: resume journal sidecars are written next
	// to the destination file as <file>.wraith-resume. Default:
	// "journals".
	JournalDir string `yaml:"journal_dir"`

	// RetransmitTimeout is not read: Sender.Pending takes its timeout as
	// an argument, and no caller passes this value to it.
	RetransmitTimeout time.Duration `yaml:"retransmit_timeout"`

	// StealFactor is validated (it must exceed 1.0) but not read:
	// transfer.Assigner reclaims an outstanding assignment after a fixed
	// 2x the peer's estimated per-chunk time.
	StealFactor float64 `yaml:"steal_factor"`
}

// CongestionConfig holds BBR controller and pacer settings. Validate
// checks them, but congestion.Controller does not read them: it uses
// its own built-in constants.
type CongestionConfig struct {
	// InitialWindowBytes is the send window before any bandwidth sample
	// has been taken.
	InitialWindowBytes int `yaml:"initial_window_bytes"`

	// MinPacingRateBytesPerSec floors the pacer so ProbeRTT and cold
	// starts don't stall indefinitely.
	MinPacingRateBytesPerSec int `yaml:"min_pacing_rate_bytes_per_sec"`

	// MaxPacingRateBytesPerSec caps outbound pacing, 0 = unlimited.
	MaxPacingRateBytesPerSec int `yaml:"max_pacing_rate_bytes_per_sec"`
}

// PMTUConfig tunes path MTU discovery.
type PMTUConfig struct {
	Enabled    bool `yaml:"enabled"`
	InitialMTU int  `yaml:"initial_mtu"` // conservative starting size, default 1200
	MaxMTU     int  `yaml:"max_mtu"`     // ceiling to probe toward, default 1452
	MinMTU     int  `yaml:"min_mtu"`     // floor if every probe blackholes, default 576
}

// RateLimitConfig describes a per-peer outbound bandwidth limit.
// Validate checks it, but nothing else reads it: no per-peer rate
// limit is applied.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	BytesPerSecond    int  `yaml:"bytes_per_second"`
	BurstBytes        int  `yaml:"burst_bytes"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ListenAddress: "0.0.0.0:7777",
			DataDir:       "./data",
			LogLevel:      "info",
			LogFormat:     "text",
		},
		Identity: IdentityConfig{
			Path: "identity.json",
		},
		Session: SessionConfig{
			HandshakeTimeout: 10 * time.Second,
			IdleTimeout:      180 * time.Second,
			MigrationWindow:  3 * time.Second,
		},
		Transfer: TransferConfig{
			ChunkSize:              256 * 1024,
			MaxConcurrentTransfers: 4,
			JournalDir:             "journals",
			RetransmitTimeout:      2 * time.Second,
			StealFactor:            2.0,
		},
		Congestion: CongestionConfig{
			InitialWindowBytes:       65536,
			MinPacingRateBytesPerSec: 16 * 1024,
			MaxPacingRateBytesPerSec: 0,
		},
		PMTU: PMTUConfig{
			Enabled:    true,
			InitialMTU: 1200,
			MaxMTU:     1452,
			MinMTU:     576,
		},
		RateLimit: RateLimitConfig{
			Enabled:        false,
			BytesPerSecond: 0,
			BurstBytes:     0,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9090",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}
	if c.Node.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(c.Node.ListenAddress); err != nil {
			errs = append(errs, fmt.Sprintf("node.listen_address invalid: %v", err))
		}
	}

	if c.Identity.Path == "" {
		errs = append(errs, "identity.path is required")
	}

	if c.Session.HandshakeTimeout <= 0 {
		errs = append(errs, "session.handshake_timeout must be positive")
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, "session.idle_timeout must be positive")
	}
	if c.Session.MigrationWindow <= 0 {
		errs = append(errs, "session.migration_window must be positive")
	}

	if c.Transfer.ChunkSize < 1024 {
		errs = append(errs, "transfer.chunk_size must be at least 1024")
	}
	if c.Transfer.MaxConcurrentTransfers < 0 {
		errs = append(errs, "transfer.max_concurrent_transfers must not be negative")
	}
	if c.Transfer.StealFactor <= 1.0 {
		errs = append(errs, "transfer.steal_factor must be greater than 1.0")
	}

	if c.Congestion.InitialWindowBytes < 1 {
		errs = append(errs, "congestion.initial_window_bytes must be positive")
	}
	if c.Congestion.MaxPacingRateBytesPerSec != 0 && c.Congestion.MaxPacingRateBytesPerSec < c.Congestion.MinPacingRateBytesPerSec {
		errs = append(errs, "congestion.max_pacing_rate_bytes_per_sec must be >= min_pacing_rate_bytes_per_sec")
	}

	if c.PMTU.Enabled {
		if c.PMTU.MinMTU < 1 || c.PMTU.MinMTU > c.PMTU.InitialMTU {
			errs = append(errs, "pmtu.min_mtu must be positive and <= initial_mtu")
		}
		if c.PMTU.MaxMTU < c.PMTU.InitialMTU {
			errs = append(errs, "pmtu.max_mtu must be >= initial_mtu")
		}
	}

	if c.RateLimit.Enabled && c.RateLimit.BytesPerSecond <= 0 {
		errs = append(errs, "rate_limit.bytes_per_second must be positive when enabled")
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		errs = append(errs, "metrics.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// String returns a YAML representation of the config. The config
// carries no passwords or private key material directly (the identity
// passphrase lives in an environment variable, not the file), so no
// redaction pass is needed before logging it.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}
