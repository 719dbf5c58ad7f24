package config

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	dserrors "github.com/drivesentry/drivesentry/internal/errors"
)

const validYAML = `
version: "1"
oauth:
  client_id: test-client
  client_secret: test-secret
  redirect_url: http://localhost:8318/oauth/callback
monitor:
  check_interval: 15m
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(validYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.Server.HTTPPort != 8318 {
		t.Errorf("Expected default port 8318, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.ShutdownTimeout != 30*time.Second {
		t.Errorf("Unexpected shutdown timeout %v", cfg.Server.ShutdownTimeout)
	}
	if cfg.Monitor.CheckInterval != 15*time.Minute {
		t.Errorf("Explicit value should override default, got %v", cfg.Monitor.CheckInterval)
	}
	if cfg.Monitor.RecoveryInterval != 5*time.Minute {
		t.Errorf("Expected default recovery interval, got %v", cfg.Monitor.RecoveryInterval)
	}
	if cfg.Monitor.Retry.Attempts != 3 {
		t.Errorf("Expected default retry attempts 3, got %d", cfg.Monitor.Retry.Attempts)
	}
	if cfg.API.Auth.HeaderName != "X-API-Key" {
		t.Errorf("Unexpected auth header %q", cfg.API.Auth.HeaderName)
	}
}

func TestValidateRejectsShortInterval(t *testing.T) {
	yaml := `
oauth:
  client_id: test-client
  client_secret: test-secret
  redirect_url: http://localhost:8318/oauth/callback
monitor:
  check_interval: 1m
`
	_, err := Parse([]byte(yaml))
	var ce *dserrors.ConfigError
	if !stderrors.As(err, &ce) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if ce.Kind != dserrors.ConfigInvalidInterval {
		t.Errorf("Expected invalid_interval, got %s", ce.Kind)
	}
	if ce.Field != "monitor.check_interval" {
		t.Errorf("Unexpected field %q", ce.Field)
	}
}

func TestValidateRejectsMissingOAuthCredentials(t *testing.T) {
	yaml := `
oauth:
  client_id: test-client
`
	_, err := Parse([]byte(yaml))
	var ce *dserrors.ConfigError
	if !stderrors.As(err, &ce) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
	if ce.Kind != dserrors.ConfigMissingCredentials {
		t.Errorf("Expected missing_credentials, got %s", ce.Kind)
	}
}

func TestParseRejectsMalformedYAML(t *testing.T) {
	_, err := Parse([]byte("oauth: [not a map"))
	var pe *dserrors.ErrConfigParse
	if !stderrors.As(err, &pe) {
		t.Fatalf("Expected ErrConfigParse, got %v", err)
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	os.Setenv("TEST_DS_SECRET", "secret-from-env")
	defer os.Unsetenv("TEST_DS_SECRET")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
oauth:
  client_id: test-client
  client_secret: ${TEST_DS_SECRET}
  redirect_url: http://localhost:8318/oauth/callback
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	loader := NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.OAuth.ClientSecret != "secret-from-env" {
		t.Errorf("Env substitution failed, got %q", cfg.OAuth.ClientSecret)
	}
	if loader.Get() != cfg {
		t.Error("Get should return the loaded config")
	}
}

func TestLoadMissingFile(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := loader.Load()
	var nf *dserrors.ErrConfigNotFound
	if !stderrors.As(err, &nf) {
		t.Fatalf("Expected ErrConfigNotFound, got %v", err)
	}
}

func TestReloadInvokesOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	called := make(chan *Config, 1)
	loader.SetOnChange(func(c *Config) {
		called <- c
	})

	if _, err := loader.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	select {
	case c := <-called:
		if c.OAuth.ClientID != "test-client" {
			t.Errorf("Unexpected config in callback: %q", c.OAuth.ClientID)
		}
	default:
		t.Fatal("OnChange callback was not invoked")
	}
}
