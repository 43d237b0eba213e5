// Package config provides configuration parsing and validation for the
// tunnel server and client.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete process configuration. A single binary can
// run as either server or client; cmd/wsocks5 selects which section applies.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Admin   AdminConfig   `yaml:"admin"`
	Server  ServerConfig  `yaml:"server"`
	Client  ClientConfig  `yaml:"client"`
}

// LoggingConfig controls the process-wide structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// MetricsConfig controls the Prometheus /metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AdminConfig controls the administrative token-management HTTP API.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ServerConfig configures the WebSocket tunnel server.
type ServerConfig struct {
	// Address is the WebSocket listen address, e.g. ":8443".
	Address string `yaml:"address"`
	// Path is the HTTP path the tunnel session upgrade is served on.
	Path string `yaml:"path"`

	TLS   TLSConfig       `yaml:"tls"`
	Ports PortRangeConfig `yaml:"ports"`

	SOCKS5 SOCKS5Config `yaml:"socks5"`
	Limits LimitsConfig `yaml:"limits"`

	// Tokens seeds the token registry at startup. Additional tokens can be
	// added at runtime through the administrative API.
	Tokens []SeedTokenConfig `yaml:"tokens"`
}

// PortRangeConfig bounds the port pool used for reverse-mode listeners.
type PortRangeConfig struct {
	Min uint16 `yaml:"min"`
	Max uint16 `yaml:"max"`
}

// SOCKS5Config defines the server's RFC 1928 ingress settings, used by
// reverse-mode per-token listeners that don't override auth. Forward-mode
// listeners on the client use ClientSOCKS5Config instead.
type SOCKS5Config struct {
	// Host is the address reverse SOCKS5 listeners bind on.
	Host           string           `yaml:"host"`
	Auth           SOCKS5AuthConfig `yaml:"auth"`
	ConnectTimeout time.Duration    `yaml:"connect_timeout"`
}

// SOCKS5AuthConfig defines SOCKS5 authentication settings.
type SOCKS5AuthConfig struct {
	Enabled bool               `yaml:"enabled"`
	Users   []SOCKS5UserConfig `yaml:"users"`
}

// SOCKS5UserConfig defines a SOCKS5 RFC 1929 user.
type SOCKS5UserConfig struct {
	Username string `yaml:"username"`
	// PasswordHash is the bcrypt hash of the password (recommended).
	// Generate with: wsocks5 hash-password <password>
	PasswordHash string `yaml:"password_hash,omitempty"`
	// Password is the plaintext password (convenience for local testing;
	// hashed in memory when the server or client is constructed, never
	// compared in plaintext).
	Password string `yaml:"password,omitempty"`
}

// SeedTokenConfig declares a token to register at server startup.
type SeedTokenConfig struct {
	Kind  string `yaml:"kind"` // forward, reverse, connector
	Token string `yaml:"token"`

	// Reverse-only fields.
	Port                 uint16 `yaml:"port"`
	AllowManageConnector bool   `yaml:"allow_manage_connector"`
	SocksWaitClient      bool   `yaml:"socks_wait_client"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	RateLimitBytesPerSec int64  `yaml:"rate_limit_bytes_per_sec"`

	// Connector-only field: the reverse token this connector resolves to.
	ReverseToken string `yaml:"reverse_token"`
}

// LimitsConfig defines resource limits and buffer sizing.
type LimitsConfig struct {
	BufferSize            int           `yaml:"buffer_size"`
	ChannelOpenTimeout    time.Duration `yaml:"channel_open_timeout"`
	MaxChannelsPerSession int           `yaml:"max_channels_per_session"`
}

// ClientConfig configures the tunnel client process.
type ClientConfig struct {
	// ServerURL is the ws:// or wss:// URL of the tunnel server.
	ServerURL string `yaml:"server_url"`
	Token     string `yaml:"token"`
	// Mode is "forward" (client runs local SOCKS5 ingress) or "reverse"
	// (client serves CONNECT frames dispatched by the server).
	Mode string `yaml:"mode"`

	// SOCKS5 is the local ingress listener used in forward mode.
	SOCKS5 ClientSOCKS5Config `yaml:"socks5"`

	TLS       TLSConfig       `yaml:"tls"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ClientSOCKS5Config configures the client's local forward-mode listener.
type ClientSOCKS5Config struct {
	Address string           `yaml:"address"`
	Auth    SOCKS5AuthConfig `yaml:"auth"`
}

// TLSConfig defines TLS settings for either the server listener or the
// client's dial. Certificates may be given as a file path or inline PEM;
// inline PEM takes precedence.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	CertPEM string `yaml:"cert_pem"`
	KeyPEM  string `yaml:"key_pem"`

	CA    string `yaml:"ca"`
	CAPEM string `yaml:"ca_pem"`

	InsecureSkipVerify bool `yaml:"insecure_skip_verify"` // dev only
}

// GetCertPEM returns the certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCertPEM() ([]byte, error) {
	if t.CertPEM != "" {
		return []byte(t.CertPEM), nil
	}
	if t.Cert != "" {
		return os.ReadFile(t.Cert)
	}
	return nil, nil
}

// GetKeyPEM returns the private key PEM content, reading from file if necessary.
func (t *TLSConfig) GetKeyPEM() ([]byte, error) {
	if t.KeyPEM != "" {
		return []byte(t.KeyPEM), nil
	}
	if t.Key != "" {
		return os.ReadFile(t.Key)
	}
	return nil, nil
}

// GetCAPEM returns the CA certificate PEM content, reading from file if necessary.
func (t *TLSConfig) GetCAPEM() ([]byte, error) {
	if t.CAPEM != "" {
		return []byte(t.CAPEM), nil
	}
	if t.CA != "" {
		return os.ReadFile(t.CA)
	}
	return nil, nil
}

// HasCert returns true if a certificate is configured (file or inline PEM).
func (t *TLSConfig) HasCert() bool { return t.Cert != "" || t.CertPEM != "" }

// HasKey returns true if a private key is configured (file or inline PEM).
func (t *TLSConfig) HasKey() bool { return t.Key != "" || t.KeyPEM != "" }

// HasCA returns true if a CA certificate is configured (file or inline PEM).
func (t *TLSConfig) HasCA() bool { return t.CA != "" || t.CAPEM != "" }

// ReconnectConfig defines client reconnection backoff behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: false, Address: ":9090"},
		Admin:   AdminConfig{Enabled: false, Address: "127.0.0.1:8088"},
		Server: ServerConfig{
			Address: ":8765",
			Path:    "/tunnel",
			Ports:   PortRangeConfig{Min: 1024, Max: 10240},
			SOCKS5: SOCKS5Config{
				Host:           "127.0.0.1",
				ConnectTimeout: 10 * time.Second,
			},
			Limits: LimitsConfig{
				BufferSize:            8192,
				ChannelOpenTimeout:    10 * time.Second,
				MaxChannelsPerSession: 1000,
			},
			Tokens: []SeedTokenConfig{},
		},
		Client: ClientConfig{
			Mode: "forward",
			SOCKS5: ClientSOCKS5Config{
				Address: "127.0.0.1:9870",
			},
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     30 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
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

	if !isValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level: invalid value %q (must be debug, info, warn, or error)", c.Logging.Level))
	}
	if !isValidLogFormat(c.Logging.Format) {
		errs = append(errs, fmt.Sprintf("logging.format: invalid value %q (must be text or json)", c.Logging.Format))
	}

	if c.Server.Address != "" {
		if err := c.validateServer(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.Client.ServerURL != "" {
		if err := c.validateClient(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (c *Config) validateServer() error {
	var errs []string

	if c.Server.Ports.Min == 0 || c.Server.Ports.Max == 0 {
		errs = append(errs, "server.ports.min and server.ports.max are required")
	} else if c.Server.Ports.Min >= c.Server.Ports.Max {
		errs = append(errs, "server.ports.min must be less than server.ports.max")
	}

	if c.Server.Limits.BufferSize < 4096 {
		errs = append(errs, "server.limits.buffer_size must be at least 4096")
	}
	if c.Server.Limits.MaxChannelsPerSession < 1 {
		errs = append(errs, "server.limits.max_channels_per_session must be positive")
	}

	for i, tok := range c.Server.Tokens {
		if err := validateSeedToken(tok); err != nil {
			errs = append(errs, fmt.Sprintf("server.tokens[%d]: %v", i, err))
		}
	}

	if c.Server.TLS.Enabled && (c.Server.TLS.HasCert() != c.Server.TLS.HasKey()) {
		errs = append(errs, "server.tls.cert and server.tls.key must both be specified")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateSeedToken(tok SeedTokenConfig) error {
	if tok.Token == "" {
		return fmt.Errorf("token is required")
	}
	switch tok.Kind {
	case "forward":
	case "reverse":
		if tok.Port == 0 && !tok.AllowManageConnector {
			return fmt.Errorf("reverse token requires a port unless allow_manage_connector is set")
		}
	case "connector":
		if tok.ReverseToken == "" {
			return fmt.Errorf("connector token requires reverse_token")
		}
	default:
		return fmt.Errorf("invalid kind %q (must be forward, reverse, or connector)", tok.Kind)
	}
	return nil
}

func (c *Config) validateClient() error {
	var errs []string

	if c.Client.Token == "" {
		errs = append(errs, "client.token is required")
	}
	switch c.Client.Mode {
	case "forward", "reverse":
	default:
		errs = append(errs, fmt.Sprintf("client.mode: invalid value %q (must be forward or reverse)", c.Client.Mode))
	}
	if c.Client.Mode == "forward" && c.Client.SOCKS5.Address == "" {
		errs = append(errs, "client.socks5.address is required in forward mode")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
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

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// String returns a YAML representation of the config with sensitive values
// redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a YAML representation including sensitive values.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Redacted returns a copy of the config with sensitive values redacted,
// safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Server.TLS.Key != "" {
		redacted.Server.TLS.Key = redactedValue
	}
	if redacted.Server.TLS.KeyPEM != "" {
		redacted.Server.TLS.KeyPEM = redactedValue
	}
	if redacted.Client.TLS.Key != "" {
		redacted.Client.TLS.Key = redactedValue
	}
	if redacted.Client.TLS.KeyPEM != "" {
		redacted.Client.TLS.KeyPEM = redactedValue
	}

	for i := range redacted.Server.Tokens {
		if redacted.Server.Tokens[i].Token != "" {
			redacted.Server.Tokens[i].Token = redactedValue
		}
		if redacted.Server.Tokens[i].Password != "" {
			redacted.Server.Tokens[i].Password = redactedValue
		}
	}
	for i := range redacted.Server.SOCKS5.Auth.Users {
		if redacted.Server.SOCKS5.Auth.Users[i].Password != "" {
			redacted.Server.SOCKS5.Auth.Users[i].Password = redactedValue
		}
		if redacted.Server.SOCKS5.Auth.Users[i].PasswordHash != "" {
			redacted.Server.SOCKS5.Auth.Users[i].PasswordHash = redactedValue
		}
	}
	for i := range redacted.Client.SOCKS5.Auth.Users {
		if redacted.Client.SOCKS5.Auth.Users[i].Password != "" {
			redacted.Client.SOCKS5.Auth.Users[i].Password = redactedValue
		}
		if redacted.Client.SOCKS5.Auth.Users[i].PasswordHash != "" {
			redacted.Client.SOCKS5.Auth.Users[i].PasswordHash = redactedValue
		}
	}
	if redacted.Client.Token != "" {
		redacted.Client.Token = redactedValue
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any sensitive data.
func (c *Config) HasSensitiveData() bool {
	if c.Client.Token != "" {
		return true
	}
	for _, tok := range c.Server.Tokens {
		if tok.Token != "" || tok.Password != "" {
			return true
		}
	}
	for _, u := range c.Server.SOCKS5.Auth.Users {
		if u.Password != "" || u.PasswordHash != "" {
			return true
		}
	}
	for _, u := range c.Client.SOCKS5.Auth.Users {
		if u.Password != "" || u.PasswordHash != "" {
			return true
		}
	}
	return false
}
