package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	warnings, err := Validate(Default())
	require.NoError(t, err)
	require.Empty(t, warnings)
}

func TestValidateRejectsInvalidFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "bare identifier", mutate: func(c *Config) { c.Identifier = "powerrelay" }, wantErr: "reverse-DNS"},
		{name: "identifier with slash", mutate: func(c *Config) { c.Identifier = "io.example/evil" }, wantErr: "reverse-DNS"},
		{name: "relative socket", mutate: func(c *Config) { c.SocketPath = "run/helper.sock" }, wantErr: "socket_path must be an absolute path"},
		{name: "empty binary path", mutate: func(c *Config) { c.Install.BinaryPath = "" }, wantErr: "install.binary_path must not be empty"},
		{name: "long socket", mutate: func(c *Config) { c.SocketPath = "/" + strings.Repeat("s", 120) }, wantErr: "unix sockets allow"},
		{name: "zero connect timeout", mutate: func(c *Config) { c.Channel.ConnectTimeout = 0 }, wantErr: "connect_timeout_ms"},
		{name: "negative reply timeout", mutate: func(c *Config) { c.Channel.ReplyTimeout = -1 }, wantErr: "reply_timeout_ms"},
		{name: "negative malformed limit", mutate: func(c *Config) { c.Channel.MalformedLimit = -1 }, wantErr: "malformed_limit"},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "log_level"},
		{name: "commented wake cmd", mutate: func(c *Config) { c.Power.WakeCmd = CommandConfig{Raw: "# rtcwake"} }, wantErr: "power.wake_cmd is configured but empty"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			_, err := Validate(cfg)
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestValidateWarnsOnWakeCommandWithoutPlaceholder(t *testing.T) {
	cfg := Default()
	cfg.Power.WakeCmd = CommandConfig{Raw: "wake-now", Argv: []string{"wake-now"}}

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	require.Contains(t, warnings[0].Message, "placeholder")
}

func TestValidateWarnsWhenMalformedLimitDisabled(t *testing.T) {
	cfg := Default()
	cfg.Channel.MalformedLimit = 0

	warnings, err := Validate(cfg)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
}
