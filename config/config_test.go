package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sievectl.toml")

	content := `
[server]
address = "  sieve.example.com  "
tls_mode = "implicit"
command_timeout = "30s"

[auth]
username = "alice@example.com"
mechanism = "login"

[sieve]
extensions = ["fileinto", "vacation"]

# Unknown keys are ignored
typo_setting = 123
`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(configPath, &cfg))

	assert.Equal(t, "sieve.example.com", cfg.Server.Address)
	assert.Equal(t, TLSModeImplicit, cfg.Server.GetTLSMode())
	assert.Equal(t, "LOGIN", cfg.Auth.GetMechanism())
	assert.Equal(t, []string{"fileinto", "vacation"}, cfg.Sieve.Extensions)

	timeout, err := cfg.Server.GetCommandTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	// Defaults survive for keys the file does not set.
	dial, err := cfg.Server.GetDialTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, dial)
	assert.True(t, cfg.Sieve.CheckLocally)
}

func TestLoadConfigFromFile_SyntaxError(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "broken.toml")
	require.NoError(t, os.WriteFile(configPath, []byte("[server]\ninsecure_skip_verify = t\n"), 0644))

	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(configPath, &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HINT")
}

func TestLoadConfigFromFile_Missing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
	assert.True(t, os.IsNotExist(err))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("SIEVECTL_ADDRESS", "mail.example.org:4190")
	t.Setenv("SIEVECTL_USERNAME", "bob")
	t.Setenv("SIEVECTL_INSECURE", "true")

	cfg := NewDefaultConfig()
	cfg.Auth.Password = "from-file"
	require.NoError(t, ApplyEnv(context.Background(), &cfg, ""))

	assert.Equal(t, "mail.example.org:4190", cfg.Server.Address)
	assert.Equal(t, "bob", cfg.Auth.Username)
	assert.True(t, cfg.Server.InsecureSkipVerify)
	assert.Equal(t, "from-file", cfg.Auth.Password, "unset variables must not clear file values")
}

func TestApplyEnv_DotEnvFile(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SIEVECTL_PASSWORD_DOTENV_TEST=unused\nSIEVECTL_AUTHZ_ID=admin\n"), 0600))
	t.Cleanup(func() {
		os.Unsetenv("SIEVECTL_AUTHZ_ID")
		os.Unsetenv("SIEVECTL_PASSWORD_DOTENV_TEST")
	})

	cfg := NewDefaultConfig()
	require.NoError(t, ApplyEnv(context.Background(), &cfg, envFile))
	assert.Equal(t, "admin", cfg.Auth.AuthzID)

	// A missing file is not an error.
	require.NoError(t, ApplyEnv(context.Background(), &cfg, filepath.Join(t.TempDir(), "absent.env")))
}

func TestApplyEnv_BadBool(t *testing.T) {
	t.Setenv("SIEVECTL_INSECURE", "maybe")
	cfg := NewDefaultConfig()
	err := ApplyEnv(context.Background(), &cfg, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIEVECTL_INSECURE")
}

func TestServerConfig_GetAddress(t *testing.T) {
	tests := []struct {
		address  string
		expected string
		wantErr  bool
	}{
		{address: "sieve.example.com", expected: "sieve.example.com:4190"},
		{address: "sieve.example.com:2000", expected: "sieve.example.com:2000"},
		{address: "::1", expected: "[::1]:4190"},
		{address: "[::1]", expected: "[::1]:4190"},
		{address: "[::1]:5190", expected: "[::1]:5190"},
		{address: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			s := ServerConfig{Address: tt.address}
			got, err := s.GetAddress()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestServerConfig_GetServerName(t *testing.T) {
	s := ServerConfig{Address: "sieve.example.com:4190"}
	assert.Equal(t, "sieve.example.com", s.GetServerName())

	s.ServerName = "mx.example.com"
	assert.Equal(t, "mx.example.com", s.GetServerName())
}

func TestConfig_Validate(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Username = "alice"
	require.NoError(t, cfg.Validate())

	cfg.Server.TLSMode = "sometimes"
	cfg.Server.CommandTimeout = "soon"
	cfg.Auth.Mechanism = "CRAM-MD5"
	err := cfg.Validate()
	require.Error(t, err)

	// Every problem is reported, not just the first.
	msg := err.Error()
	assert.True(t, strings.Contains(msg, "tls_mode"), msg)
	assert.True(t, strings.Contains(msg, "command_timeout"), msg)
	assert.True(t, strings.Contains(msg, "CRAM-MD5"), msg)
}

func TestConfig_ValidateRequiresUsername(t *testing.T) {
	cfg := NewDefaultConfig()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username is required")

	cfg.Auth.Mechanism = "EXTERNAL"
	assert.NoError(t, cfg.Validate())
}
