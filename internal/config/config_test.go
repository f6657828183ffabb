package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
}

func TestDefaultValues(t *testing.T) {
	cfg := Default()

	if cfg.Node.ListenAddress != "0.0.0.0:7777" {
		t.Errorf("ListenAddress = %q, want 0.0.0.0:7777", cfg.Node.ListenAddress)
	}
	if cfg.Transfer.ChunkSize != 256*1024 {
		t.Errorf("ChunkSize = %d, want %d", cfg.Transfer.ChunkSize, 256*1024)
	}
	if cfg.Session.IdleTimeout != 180*time.Second {
		t.Errorf("IdleTimeout = %v, want 180s", cfg.Session.IdleTimeout)
	}
	if cfg.PMTU.InitialMTU != 1200 {
		t.Errorf("InitialMTU = %d, want 1200", cfg.PMTU.InitialMTU)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	data := []byte(`
node:
  listen_address: "127.0.0.1:9999"
  data_dir: /var/lib/wraith
transfer:
  chunk_size: 65536
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Node.ListenAddress != "127.0.0.1:9999" {
		t.Errorf("ListenAddress = %q", cfg.Node.ListenAddress)
	}
	if cfg.Node.DataDir != "/var/lib/wraith" {
		t.Errorf("DataDir = %q", cfg.Node.DataDir)
	}
	if cfg.Transfer.ChunkSize != 65536 {
		t.Errorf("ChunkSize = %d", cfg.Transfer.ChunkSize)
	}
	// Untouched sections keep their defaults.
	if cfg.Session.IdleTimeout != 180*time.Second {
		t.Errorf("IdleTimeout should retain default, got %v", cfg.Session.IdleTimeout)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("node: [unterminated"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestExpandEnvVars(t *testing.T) {
	os.Setenv("WRAITH_TEST_ADDR", "10.0.0.5:7777")
	defer os.Unsetenv("WRAITH_TEST_ADDR")

	data := []byte(`
node:
  listen_address: "${WRAITH_TEST_ADDR}"
  data_dir: ./data
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Node.ListenAddress != "10.0.0.5:7777" {
		t.Errorf("ListenAddress = %q, want expanded env value", cfg.Node.ListenAddress)
	}
}

func TestExpandEnvVarsWithDefault(t *testing.T) {
	os.Unsetenv("WRAITH_MISSING_VAR")

	data := []byte(`
node:
  listen_address: "${WRAITH_MISSING_VAR:-0.0.0.0:7777}"
  data_dir: ./data
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Node.ListenAddress != "0.0.0.0:7777" {
		t.Errorf("ListenAddress = %q, want default fallback", cfg.Node.ListenAddress)
	}
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Node.LogLevel = "verbose"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("expected log_level validation error, got %v", err)
	}
}

func TestValidateRejectsMissingDataDir(t *testing.T) {
	cfg := Default()
	cfg.Node.DataDir = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "data_dir") {
		t.Fatalf("expected data_dir validation error, got %v", err)
	}
}

func TestValidateRejectsBadListenAddress(t *testing.T) {
	cfg := Default()
	cfg.Node.ListenAddress = "not-an-address"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "listen_address") {
		t.Fatalf("expected listen_address validation error, got %v", err)
	}
}

func TestValidateRejectsTinyChunkSize(t *testing.T) {
	cfg := Default()
	cfg.Transfer.ChunkSize = 16
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "chunk_size") {
		t.Fatalf("expected chunk_size validation error, got %v", err)
	}
}

func TestValidateRejectsStealFactorTooLow(t *testing.T) {
	cfg := Default()
	cfg.Transfer.StealFactor = 1.0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "steal_factor") {
		t.Fatalf("expected steal_factor validation error, got %v", err)
	}
}

func TestValidateRejectsInvertedPacingRates(t *testing.T) {
	cfg := Default()
	cfg.Congestion.MinPacingRateBytesPerSec = 1000
	cfg.Congestion.MaxPacingRateBytesPerSec = 500
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "pacing_rate") {
		t.Fatalf("expected pacing rate validation error, got %v", err)
	}
}

func TestValidatePMTUBounds(t *testing.T) {
	cfg := Default()
	cfg.PMTU.MaxMTU = 1000
	cfg.PMTU.InitialMTU = 1200
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "max_mtu") {
		t.Fatalf("expected max_mtu validation error, got %v", err)
	}
}

func TestValidateRateLimitRequiresBytesPerSecond(t *testing.T) {
	cfg := Default()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.BytesPerSecond = 0
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "bytes_per_second") {
		t.Fatalf("expected bytes_per_second validation error, got %v", err)
	}
}

func TestValidateMetricsRequiresAddress(t *testing.T) {
	cfg := Default()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = ""
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "metrics.address") {
		t.Fatalf("expected metrics.address validation error, got %v", err)
	}
}

func TestStringProducesYAML(t *testing.T) {
	cfg := Default()
	out := cfg.String()
	if !strings.Contains(out, "listen_address") {
		t.Errorf("expected YAML output to contain listen_address, got: %s", out)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/wraith.yaml")
	if err == nil {
		t.Fatal("expected error loading nonexistent file")
	}
}
