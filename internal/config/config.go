package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// fileOverlay is the optional YAML bootstrap config format: every
// field is a pointer so an absent key in the file leaves the built-in
// default in place rather than zeroing it out. Environment variables are
// read after the overlay is applied and always take precedence, so a file
// is a convenience for setting fleet-wide defaults, not a way to lock a
// value down.
type fileOverlay struct {
	DataDir            *string `yaml:"data_dir"`
	LogJSON            *bool   `yaml:"log_json"`
	GRPCAddr           *string `yaml:"grpc_addr"`
	TLSCert            *string `yaml:"tls_cert"`
	TLSKey             *string `yaml:"tls_key"`
	TLSCACert          *string `yaml:"tls_ca_cert"`
	AdminAddr          *string `yaml:"admin_addr"`
	AdminToken         *string `yaml:"admin_token"`
	MetricsEnabled     *bool   `yaml:"metrics_enabled"`
	MetricsTextfile    *string `yaml:"metrics_textfile"`
	EnrollHMACKeyHex   *string `yaml:"enroll_hmac_key"`
	EnrollTokenTTL     *string `yaml:"enroll_token_ttl"`
	PingTimeout        *string `yaml:"ping_timeout"`
	CheckInterval      *string `yaml:"check_interval"`
	SaveInterval       *string `yaml:"save_interval"`
	StreamHeartbeat    *string `yaml:"stream_heartbeat"`
	StreamInactivity   *string `yaml:"stream_inactivity"`
	IOCRecheckInterval *string `yaml:"ioc_recheck_interval"`
}

// loadFileOverlay reads and parses the YAML config file at path. A missing
// path is not an error -- the overlay is entirely optional -- but a present,
// malformed file is, since silently ignoring it would mask an operator
// typo in EDRCP_CONFIG_FILE's target.
func loadFileOverlay(path string) (*fileOverlay, error) {
	if path == "" {
		return &fileOverlay{}, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &fileOverlay{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &overlay, nil
}

func overlayStr(v *string, def string) string {
	if v != nil {
		return *v
	}
	return def
}

func overlayBool(v *bool, def bool) bool {
	if v != nil {
		return *v
	}
	return def
}

func overlayDuration(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// Config holds all control-plane configuration from environment variables.
// Mutable fields (PingTimeout, CheckInterval, SaveInterval) are protected by
// an RWMutex and must be accessed via getter/setter methods at runtime, since
// the liveness monitor and persistence layer read them while the admin
// surface may write them.
type Config struct {
	// Persistence
	DataDir string

	// Logging
	LogJSON bool

	// gRPC transport
	GRPCAddr string

	// mTLS
	TLSCert   string // server certificate PEM path
	TLSKey    string // server private key PEM path
	TLSCACert string // CA certificate PEM path; presence requires client certs

	// Admin HTTP surface
	AdminAddr  string
	AdminToken string

	MetricsEnabled  bool
	MetricsTextfile string // optional path for node_exporter textfile collector output

	// Enrollment: one-time tokens are HMAC'd with this key rather than
	// stored in plaintext. A hex-encoded 32-byte key; if unset at
	// Load time main generates an ephemeral one and logs a warning, since
	// restarting without a persisted key invalidates outstanding tokens.
	EnrollHMACKeyHex string
	EnrollTokenTTL   time.Duration

	// mu protects the mutable runtime fields below.
	mu                 sync.RWMutex
	pingTimeout        time.Duration // last_seen staleness before OFFLINE demotion
	checkInterval      time.Duration // liveness sweep cadence
	saveInterval       time.Duration // persistence throttle window
	streamHeartbeat    time.Duration // stream writer ping cadence
	streamInactivity   time.Duration // stream writer close-on-silence threshold
	iocRecheckInterval time.Duration // stream-local IOC version re-check cadence
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		DataDir:            os.TempDir(),
		pingTimeout:        600 * time.Second,
		checkInterval:      60 * time.Second,
		saveInterval:       60 * time.Second,
		streamHeartbeat:    60 * time.Second,
		streamInactivity:   180 * time.Second,
		iocRecheckInterval: 15 * time.Second,
		EnrollTokenTTL:     15 * time.Minute,
	}
}

// Load reads all configuration from an optional YAML bootstrap file
// (EDRCP_CONFIG_FILE) layered under environment variables, which always
// win on conflict. A file parse error is fatal; a missing file is not.
func Load() *Config {
	overlay, err := loadFileOverlay(os.Getenv("EDRCP_CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	return &Config{
		DataDir:            envStr("EDRCP_DATA_DIR", overlayStr(overlay.DataDir, "/data/edrcp")),
		LogJSON:            envBool("EDRCP_LOG_JSON", overlayBool(overlay.LogJSON, true)),
		GRPCAddr:           envStr("EDRCP_GRPC_ADDR", overlayStr(overlay.GRPCAddr, ":9443")),
		TLSCert:            envStr("EDRCP_TLS_CERT", overlayStr(overlay.TLSCert, "")),
		TLSKey:             envStr("EDRCP_TLS_KEY", overlayStr(overlay.TLSKey, "")),
		TLSCACert:          envStr("EDRCP_TLS_CA_CERT", overlayStr(overlay.TLSCACert, "")),
		AdminAddr:          envStr("EDRCP_ADMIN_ADDR", overlayStr(overlay.AdminAddr, ":8081")),
		AdminToken:         envStr("EDRCP_ADMIN_TOKEN", overlayStr(overlay.AdminToken, "")),
		MetricsEnabled:     envBool("EDRCP_METRICS", overlayBool(overlay.MetricsEnabled, true)),
		MetricsTextfile:    envStr("EDRCP_METRICS_TEXTFILE", overlayStr(overlay.MetricsTextfile, "")),
		EnrollHMACKeyHex:   envStr("EDRCP_ENROLL_HMAC_KEY", overlayStr(overlay.EnrollHMACKeyHex, "")),
		EnrollTokenTTL:     envDuration("EDRCP_ENROLL_TOKEN_TTL", overlayDuration(overlay.EnrollTokenTTL, 15*time.Minute)),
		pingTimeout:        envDuration("EDRCP_PING_TIMEOUT", overlayDuration(overlay.PingTimeout, 600*time.Second)),
		checkInterval:      envDuration("EDRCP_CHECK_INTERVAL", overlayDuration(overlay.CheckInterval, 60*time.Second)),
		saveInterval:       envDuration("EDRCP_SAVE_INTERVAL", overlayDuration(overlay.SaveInterval, 60*time.Second)),
		streamHeartbeat:    envDuration("EDRCP_STREAM_HEARTBEAT", overlayDuration(overlay.StreamHeartbeat, 60*time.Second)),
		streamInactivity:   envDuration("EDRCP_STREAM_INACTIVITY", overlayDuration(overlay.StreamInactivity, 180*time.Second)),
		iocRecheckInterval: envDuration("EDRCP_IOC_RECHECK_INTERVAL", overlayDuration(overlay.IOCRecheckInterval, 15*time.Second)),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	pt := c.pingTimeout
	ci := c.checkInterval
	si := c.saveInterval
	c.mu.RUnlock()

	var errs []error
	if c.DataDir == "" {
		errs = append(errs, fmt.Errorf("EDRCP_DATA_DIR must not be empty"))
	}
	if pt <= 0 {
		errs = append(errs, fmt.Errorf("EDRCP_PING_TIMEOUT must be > 0, got %s", pt))
	}
	if ci <= 0 {
		errs = append(errs, fmt.Errorf("EDRCP_CHECK_INTERVAL must be > 0, got %s", ci))
	}
	if si <= 0 {
		errs = append(errs, fmt.Errorf("EDRCP_SAVE_INTERVAL must be > 0, got %s", si))
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		errs = append(errs, fmt.Errorf("EDRCP_TLS_CERT and EDRCP_TLS_KEY must both be set or both empty"))
	}
	if c.TLSCACert != "" && c.TLSCert == "" {
		errs = append(errs, fmt.Errorf("EDRCP_TLS_CA_CERT requires EDRCP_TLS_CERT and EDRCP_TLS_KEY to also be set"))
	}
	if c.EnrollTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("EDRCP_ENROLL_TOKEN_TTL must be > 0, got %s", c.EnrollTokenTTL))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	pt := c.pingTimeout
	ci := c.checkInterval
	si := c.saveInterval
	sh := c.streamHeartbeat
	sia := c.streamInactivity
	ir := c.iocRecheckInterval
	c.mu.RUnlock()

	return map[string]string{
		"EDRCP_DATA_DIR":             c.DataDir,
		"EDRCP_LOG_JSON":             fmt.Sprintf("%t", c.LogJSON),
		"EDRCP_GRPC_ADDR":            c.GRPCAddr,
		"EDRCP_TLS_CERT":             redactPath(c.TLSCert),
		"EDRCP_TLS_KEY":              redactPath(c.TLSKey),
		"EDRCP_TLS_CA_CERT":          redactPath(c.TLSCACert),
		"EDRCP_ADMIN_ADDR":           c.AdminAddr,
		"EDRCP_ADMIN_TOKEN":          redactPath(c.AdminToken),
		"EDRCP_METRICS":              fmt.Sprintf("%t", c.MetricsEnabled),
		"EDRCP_METRICS_TEXTFILE":     c.MetricsTextfile,
		"EDRCP_ENROLL_HMAC_KEY":      redactPath(c.EnrollHMACKeyHex),
		"EDRCP_ENROLL_TOKEN_TTL":     c.EnrollTokenTTL.String(),
		"EDRCP_PING_TIMEOUT":         pt.String(),
		"EDRCP_CHECK_INTERVAL":       ci.String(),
		"EDRCP_SAVE_INTERVAL":        si.String(),
		"EDRCP_STREAM_HEARTBEAT":     sh.String(),
		"EDRCP_STREAM_INACTIVITY":    sia.String(),
		"EDRCP_IOC_RECHECK_INTERVAL": ir.String(),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// PingTimeout returns the current agent liveness timeout (thread-safe).
func (c *Config) PingTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pingTimeout
}

// SetPingTimeout updates the liveness timeout at runtime (thread-safe).
func (c *Config) SetPingTimeout(d time.Duration) {
	c.mu.Lock()
	c.pingTimeout = d
	c.mu.Unlock()
}

// CheckInterval returns the current liveness sweep cadence (thread-safe).
func (c *Config) CheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.checkInterval
}

// SetCheckInterval updates the liveness sweep cadence at runtime (thread-safe).
func (c *Config) SetCheckInterval(d time.Duration) {
	c.mu.Lock()
	c.checkInterval = d
	c.mu.Unlock()
}

// SaveInterval returns the current persistence throttle window (thread-safe).
func (c *Config) SaveInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveInterval
}

// SetSaveInterval updates the persistence throttle window at runtime (thread-safe).
func (c *Config) SetSaveInterval(d time.Duration) {
	c.mu.Lock()
	c.saveInterval = d
	c.mu.Unlock()
}

// StreamHeartbeat returns the stream writer's ping cadence (thread-safe).
func (c *Config) StreamHeartbeat() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamHeartbeat
}

// StreamInactivity returns the stream writer's close-on-silence threshold (thread-safe).
func (c *Config) StreamInactivity() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamInactivity
}

// IOCRecheckInterval returns the stream-local IOC version re-check cadence (thread-safe).
func (c *Config) IOCRecheckInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.iocRecheckInterval
}

// redactPath returns "(set)" if the value is non-empty, empty string otherwise.
func redactPath(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// MTLSRequired returns true when a CA cert is configured, meaning the gRPC
// server requires client certificates rather than merely presenting its own.
func (c *Config) MTLSRequired() bool {
	return c.TLSCACert != ""
}

// TLSEnabled returns true when the server presents a TLS certificate at all.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}
