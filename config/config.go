package config

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/multierr"
)

// DefaultPort is the IANA assigned ManageSieve port.
const DefaultPort = "4190"

// TLS modes for ServerConfig.TLSMode.
const (
	TLSModeStartTLS = "starttls"
	TLSModeImplicit = "implicit"
	TLSModeNone     = "none"
)

// ServerConfig describes how to reach the ManageSieve server.
type ServerConfig struct {
	Address            string `toml:"address"`              // host or host:port, port defaults to 4190
	TLSMode            string `toml:"tls_mode"`             // "starttls" (default), "implicit" or "none"
	ServerName         string `toml:"server_name"`          // TLS server name, defaults to the address host
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"` // Do not verify the server certificate
	CAFile             string `toml:"ca_file"`              // PEM bundle used instead of the system roots
	DialTimeout        string `toml:"dial_timeout"`         // default: 10s
	CommandTimeout     string `toml:"command_timeout"`      // per command, default: 1m
	MaxLiteralSize     int64  `toml:"max_literal_size"`     // largest literal accepted from the server, default: 16MiB
}

// AuthConfig holds the credentials for AUTHENTICATE.
type AuthConfig struct {
	Username   string `toml:"username"`
	AuthzID    string `toml:"authz_id"`  // authorization identity, empty to act as Username
	Mechanism  string `toml:"mechanism"` // PLAIN (default), LOGIN, EXTERNAL, ANONYMOUS or OAUTHBEARER
	Password   string `toml:"password"`
	OAuthToken string `toml:"oauth_token"`
}

// SieveConfig controls local script handling.
type SieveConfig struct {
	// Extensions enabled when checking scripts locally. Empty means every
	// extension the local parser supports.
	Extensions []string `toml:"extensions"`
	// CheckLocally validates scripts before uploading them.
	CheckLocally bool `toml:"check_locally"`
}

// RetryConfig controls reconnect attempts when dialing.
type RetryConfig struct {
	MaxRetries      int    `toml:"max_retries"`
	InitialInterval string `toml:"initial_interval"` // default: 500ms
	MaxInterval     string `toml:"max_interval"`     // default: 5s
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// Config is the sievectl configuration file.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Auth    AuthConfig    `toml:"auth"`
	Sieve   SieveConfig   `toml:"sieve"`
	Retry   RetryConfig   `toml:"retry"`
	Logging LoggingConfig `toml:"logging"`
}

// NewDefaultConfig returns the configuration used when no file is given.
func NewDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:        "localhost:" + DefaultPort,
			TLSMode:        TLSModeStartTLS,
			DialTimeout:    "10s",
			CommandTimeout: "1m",
			MaxLiteralSize: 16 << 20,
		},
		Auth: AuthConfig{
			Mechanism: "PLAIN",
		},
		Sieve: SieveConfig{
			CheckLocally: true,
		},
		Retry: RetryConfig{
			MaxRetries:      2,
			InitialInterval: "500ms",
			MaxInterval:     "5s",
		},
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "warn",
		},
	}
}

// envOverrides lists the environment variables that override file
// settings. Empty variables leave the file value alone.
type envOverrides struct {
	Address    string `env:"SIEVECTL_ADDRESS"`
	TLSMode    string `env:"SIEVECTL_TLS_MODE"`
	ServerName string `env:"SIEVECTL_SERVER_NAME"`
	Insecure   string `env:"SIEVECTL_INSECURE"`
	CAFile     string `env:"SIEVECTL_CA_FILE"`
	Username   string `env:"SIEVECTL_USERNAME"`
	AuthzID    string `env:"SIEVECTL_AUTHZ_ID"`
	Mechanism  string `env:"SIEVECTL_MECHANISM"`
	Password   string `env:"SIEVECTL_PASSWORD"`
	OAuthToken string `env:"SIEVECTL_OAUTH_TOKEN"`
	LogLevel   string `env:"SIEVECTL_LOG_LEVEL"`
}

// LoadConfigFromFile decodes the TOML file at configPath into cfg, which
// should hold defaults. Unknown keys are logged, not rejected.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if len(metadata.Undecoded()) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range metadata.Undecoded() {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// ApplyEnv overlays SIEVECTL_* variables onto cfg. If envFile is set and
// exists it is loaded first; variables already in the environment win.
func ApplyEnv(ctx context.Context, cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	var env envOverrides
	if err := envconfig.Process(ctx, &env); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(&cfg.Server.Address, env.Address)
	set(&cfg.Server.TLSMode, env.TLSMode)
	set(&cfg.Server.ServerName, env.ServerName)
	set(&cfg.Server.CAFile, env.CAFile)
	set(&cfg.Auth.Username, env.Username)
	set(&cfg.Auth.AuthzID, env.AuthzID)
	set(&cfg.Auth.Mechanism, env.Mechanism)
	set(&cfg.Auth.Password, env.Password)
	set(&cfg.Auth.OAuthToken, env.OAuthToken)
	set(&cfg.Logging.Level, env.LogLevel)

	if env.Insecure != "" {
		insecure, err := strconv.ParseBool(env.Insecure)
		if err != nil {
			return fmt.Errorf("invalid SIEVECTL_INSECURE value %q: %w", env.Insecure, err)
		}
		cfg.Server.InsecureSkipVerify = insecure
	}
	return nil
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	var errs error

	if _, err := c.Server.GetAddress(); err != nil {
		errs = multierr.Append(errs, err)
	}
	switch c.Server.GetTLSMode() {
	case TLSModeStartTLS, TLSModeImplicit, TLSModeNone:
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid tls_mode '%s', must be one of: starttls, implicit, none", c.Server.TLSMode))
	}
	if _, err := c.Server.GetDialTimeout(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.Server.GetCommandTimeout(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Server.MaxLiteralSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max_literal_size must not be negative"))
	}

	switch c.Auth.GetMechanism() {
	case "PLAIN", "LOGIN":
		if c.Auth.Username == "" {
			errs = multierr.Append(errs, fmt.Errorf("auth username is required for %s", c.Auth.GetMechanism()))
		}
	case "OAUTHBEARER":
		if c.Auth.Username == "" {
			errs = multierr.Append(errs, fmt.Errorf("auth username is required for OAUTHBEARER"))
		}
	case "EXTERNAL", "ANONYMOUS":
	default:
		errs = multierr.Append(errs, fmt.Errorf("unsupported SASL mechanism '%s'", c.Auth.Mechanism))
	}

	if c.Retry.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("retry max_retries must not be negative"))
	}
	if _, err := c.Retry.GetInitialInterval(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if _, err := c.Retry.GetMaxInterval(); err != nil {
		errs = multierr.Append(errs, err)
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		errs = multierr.Append(errs, fmt.Errorf("invalid logging format '%s', must be json or console", c.Logging.Format))
	}
	return errs
}

// GetAddress returns host:port, adding the default port when missing.
func (s *ServerConfig) GetAddress() (string, error) {
	addr := strings.TrimSpace(s.Address)
	if addr == "" {
		return "", fmt.Errorf("server address is required")
	}
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr, nil
	}
	if strings.Count(addr, ":") > 1 && !strings.HasPrefix(addr, "[") {
		// bare IPv6 literal
		return net.JoinHostPort(addr, DefaultPort), nil
	}
	if strings.Contains(addr, ":") && !strings.HasSuffix(addr, "]") {
		return "", fmt.Errorf("invalid server address '%s'", s.Address)
	}
	return net.JoinHostPort(strings.Trim(addr, "[]"), DefaultPort), nil
}

// GetServerName returns the name to verify the certificate against.
func (s *ServerConfig) GetServerName() string {
	if s.ServerName != "" {
		return s.ServerName
	}
	addr, err := s.GetAddress()
	if err != nil {
		return ""
	}
	host, _, _ := net.SplitHostPort(addr)
	return host
}

func (s *ServerConfig) GetTLSMode() string {
	if s.TLSMode == "" {
		return TLSModeStartTLS
	}
	return strings.ToLower(s.TLSMode)
}

// GetDialTimeout parses the dial timeout duration
func (s *ServerConfig) GetDialTimeout() (time.Duration, error) {
	return parseDuration("dial_timeout", s.DialTimeout, 10*time.Second)
}

// GetCommandTimeout parses the per-command timeout duration
func (s *ServerConfig) GetCommandTimeout() (time.Duration, error) {
	return parseDuration("command_timeout", s.CommandTimeout, time.Minute)
}

func (a *AuthConfig) GetMechanism() string {
	if a.Mechanism == "" {
		return "PLAIN"
	}
	return strings.ToUpper(a.Mechanism)
}

func (r *RetryConfig) GetInitialInterval() (time.Duration, error) {
	return parseDuration("initial_interval", r.InitialInterval, 500*time.Millisecond)
}

func (r *RetryConfig) GetMaxInterval() (time.Duration, error) {
	return parseDuration("max_interval", r.MaxInterval, 5*time.Second)
}

func parseDuration(key, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s '%s': %w", key, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid %s '%s': must not be negative", key, value)
	}
	return d, nil
}

func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file.\n"+
			"Please check your configuration file and remove or comment out the duplicate entry.", err)
	}

	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: Invalid boolean value in your TOML configuration file\n"+
			"In TOML, boolean values must be exactly 'true' or 'false' (lowercase, unquoted)", err)
	}

	if strings.Contains(errMsg, "expected") || strings.Contains(errMsg, "invalid") {
		return fmt.Errorf("%w\n\nHINT: There is a syntax error in your TOML configuration file.\n"+
			"Please check that all strings are quoted and section headers use [section] format", err)
	}

	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	}
}
