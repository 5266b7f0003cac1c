package config_test

import (
	"PrivateMarkets/internal/config"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pm.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// ============================================================================
// Test: Load
// ============================================================================

func TestLoad_DefaultsAreValid(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
	if cfg.Engine.PersistFlushTimeout.Duration != 10*time.Millisecond {
		t.Errorf("flush timeout: got %s", cfg.Engine.PersistFlushTimeout.Duration)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeTOML(t, `
log_level = "debug"

[server]
http_addr = ":18080"

[engine]
credit_policy = "opposite_side"
persist_flush_timeout = "25ms"

[auth]
operators = ["ops"]
`)
	t.Setenv("PM_HTTP_ADDR", ":28080")
	t.Setenv("PM_OPERATORS", "ops, root ,")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level: got %s", cfg.LogLevel)
	}
	if cfg.Server.HTTPAddr != ":28080" {
		t.Errorf("env override lost: %s", cfg.Server.HTTPAddr)
	}
	if cfg.Engine.CreditPolicy != "opposite_side" || cfg.Engine.PersistFlushTimeout.Duration != 25*time.Millisecond {
		t.Errorf("engine: %+v", cfg.Engine)
	}
	if !cfg.IsOperator("root") || cfg.IsOperator("mallory") {
		t.Errorf("operators: %v", cfg.Auth.Operators)
	}
	if cfg.Server.GRPCAddr != ":9090" {
		t.Errorf("unset key lost its default: %s", cfg.Server.GRPCAddr)
	}
}

func TestLoad_MalformedFile(t *testing.T) {
	if _, err := config.Load(writeTOML(t, "[server\n")); err == nil {
		t.Fatal("malformed toml accepted")
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "loud"
	cfg.Compute.Mode = "nats"
	cfg.Engine.CreditPolicy = "both"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"log_level", "nats.enabled", "cluster_public_key", "credit_policy"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}
