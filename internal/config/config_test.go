package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"EDRCP_DATA_DIR", "EDRCP_PING_TIMEOUT", "EDRCP_CHECK_INTERVAL",
		"EDRCP_SAVE_INTERVAL", "EDRCP_LOG_JSON", "EDRCP_GRPC_ADDR",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.DataDir != "/data/edrcp" {
		t.Errorf("DataDir = %q, want /data/edrcp", cfg.DataDir)
	}
	if cfg.GRPCAddr != ":9443" {
		t.Errorf("GRPCAddr = %q, want :9443", cfg.GRPCAddr)
	}
	if cfg.PingTimeout() != 600*time.Second {
		t.Errorf("PingTimeout = %s, want 600s", cfg.PingTimeout())
	}
	if cfg.CheckInterval() != 60*time.Second {
		t.Errorf("CheckInterval = %s, want 60s", cfg.CheckInterval())
	}
	if cfg.SaveInterval() != 60*time.Second {
		t.Errorf("SaveInterval = %s, want 60s", cfg.SaveInterval())
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EDRCP_PING_TIMEOUT", "1h")
	t.Setenv("EDRCP_CHECK_INTERVAL", "10s")
	t.Setenv("EDRCP_DATA_DIR", "/tmp/edrcp-test")
	t.Setenv("EDRCP_LOG_JSON", "false")

	cfg := Load()
	if cfg.PingTimeout() != time.Hour {
		t.Errorf("PingTimeout = %s, want 1h", cfg.PingTimeout())
	}
	if cfg.CheckInterval() != 10*time.Second {
		t.Errorf("CheckInterval = %s, want 10s", cfg.CheckInterval())
	}
	if cfg.DataDir != "/tmp/edrcp-test" {
		t.Errorf("DataDir = %q, want /tmp/edrcp-test", cfg.DataDir)
	}
	if cfg.LogJSON {
		t.Error("LogJSON = true, want false")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(_ *Config) {}, false},
		{"zero ping timeout", func(c *Config) { c.SetPingTimeout(0) }, true},
		{"zero check interval", func(c *Config) { c.SetCheckInterval(0) }, true},
		{"empty data dir", func(c *Config) { c.DataDir = "" }, true},
		{"cert without key", func(c *Config) { c.TLSCert = "/tmp/cert.pem" }, true},
		{"ca without cert", func(c *Config) { c.TLSCACert = "/tmp/ca.pem" }, true},
		{"cert and key and ca valid", func(c *Config) {
			c.TLSCert = "/tmp/cert.pem"
			c.TLSKey = "/tmp/key.pem"
			c.TLSCACert = "/tmp/ca.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewTestConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvStr(t *testing.T) {
	const key = "EDRCP_TEST_ENV_STR"
	t.Setenv(key, "custom")

	if got := envStr(key, "default"); got != "custom" {
		t.Errorf("got %q, want %q", got, "custom")
	}
	if got := envStr("EDRCP_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("got %q, want %q", got, "fallback")
	}
}

func TestEnvBool(t *testing.T) {
	const key = "EDRCP_TEST_ENV_BOOL"

	t.Setenv(key, "true")
	if got := envBool(key, false); !got {
		t.Errorf("got false, want true")
	}

	t.Setenv(key, "invalid")
	if got := envBool(key, true); !got {
		t.Errorf("got false, want true (default on parse failure)")
	}
}

func TestEnvDuration(t *testing.T) {
	const key = "EDRCP_TEST_ENV_DUR"

	t.Setenv(key, "5m")
	if got := envDuration(key, time.Hour); got != 5*time.Minute {
		t.Errorf("got %s, want 5m", got)
	}

	t.Setenv(key, "notaduration")
	if got := envDuration(key, time.Hour); got != time.Hour {
		t.Errorf("got %s, want 1h (default on parse failure)", got)
	}
}

func TestLoadFromFileOverlay(t *testing.T) {
	for _, k := range []string{"EDRCP_DATA_DIR", "EDRCP_GRPC_ADDR", "EDRCP_CHECK_INTERVAL"} {
		os.Unsetenv(k)
	}

	path := t.TempDir() + "/edrcp.yaml"
	if err := os.WriteFile(path, []byte("data_dir: /var/lib/edrcp\ngrpc_addr: \":9999\"\ncheck_interval: 30s\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("EDRCP_CONFIG_FILE", path)

	cfg := Load()
	if cfg.DataDir != "/var/lib/edrcp" {
		t.Errorf("DataDir = %q, want /var/lib/edrcp", cfg.DataDir)
	}
	if cfg.GRPCAddr != ":9999" {
		t.Errorf("GRPCAddr = %q, want :9999", cfg.GRPCAddr)
	}
	if cfg.CheckInterval() != 30*time.Second {
		t.Errorf("CheckInterval = %s, want 30s", cfg.CheckInterval())
	}
}

func TestEnvOverridesFileOverlay(t *testing.T) {
	os.Unsetenv("EDRCP_DATA_DIR")

	path := t.TempDir() + "/edrcp.yaml"
	if err := os.WriteFile(path, []byte("data_dir: /from-file\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("EDRCP_CONFIG_FILE", path)
	t.Setenv("EDRCP_DATA_DIR", "/from-env")

	cfg := Load()
	if cfg.DataDir != "/from-env" {
		t.Errorf("DataDir = %q, want /from-env (env must win over file)", cfg.DataDir)
	}
}

func TestLoadMissingConfigFileIsNotFatal(t *testing.T) {
	t.Setenv("EDRCP_CONFIG_FILE", "/nonexistent/edrcp.yaml")
	cfg := Load()
	if cfg.DataDir != "/data/edrcp" {
		t.Errorf("DataDir = %q, want default /data/edrcp when config file is absent", cfg.DataDir)
	}
}

func TestMTLSRequired(t *testing.T) {
	cfg := NewTestConfig()
	if cfg.MTLSRequired() {
		t.Error("MTLSRequired() = true with no CA cert configured")
	}
	cfg.TLSCACert = "/tmp/ca.pem"
	if !cfg.MTLSRequired() {
		t.Error("MTLSRequired() = false with CA cert configured")
	}
}
