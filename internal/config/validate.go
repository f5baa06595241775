package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*(\.[A-Za-z0-9][A-Za-z0-9-]*)+$`)

// maxSocketPath is the smallest sun_path limit among supported platforms, minus the NUL.
const maxSocketPath = 103

// Validate enforces config invariants and returns non-fatal warnings.
func Validate(cfg Config) ([]Warning, error) {
	warnings := make([]Warning, 0)

	if !identifierPattern.MatchString(cfg.Identifier) {
		return nil, fmt.Errorf("identifier %q must be reverse-DNS (e.g. %s)", cfg.Identifier, DefaultIdentifier)
	}

	for _, p := range []struct {
		key   string
		value string
	}{
		{"socket_path", cfg.SocketPath},
		{"install.binary_path", cfg.Install.BinaryPath},
		{"install.descriptor_path", cfg.Install.DescriptorPath},
		{"install.receipt_path", cfg.Install.ReceiptPath},
		{"install.lock_path", cfg.Install.LockPath},
	} {
		if strings.TrimSpace(p.value) == "" {
			return nil, fmt.Errorf("%s must not be empty", p.key)
		}
		if !filepath.IsAbs(p.value) {
			return nil, fmt.Errorf("%s must be an absolute path, got %q", p.key, p.value)
		}
	}
	if len(cfg.SocketPath) > maxSocketPath {
		return nil, fmt.Errorf("socket_path is %d bytes; unix sockets allow at most %d", len(cfg.SocketPath), maxSocketPath)
	}

	if cfg.Channel.ConnectTimeout <= 0 {
		return nil, fmt.Errorf("channel.connect_timeout_ms must be > 0")
	}
	if cfg.Channel.ReplyTimeout <= 0 {
		return nil, fmt.Errorf("channel.reply_timeout_ms must be > 0")
	}
	if cfg.Channel.MalformedLimit < 0 {
		return nil, fmt.Errorf("channel.malformed_limit must be >= 0")
	}
	if cfg.Channel.MalformedLimit == 0 {
		warnings = append(warnings, Warning{Message: "channel.malformed_limit=0 never fails a channel on malformed replies"})
	}

	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}

	if cfg.Power.WakeCmd.Raw != "" && len(cfg.Power.WakeCmd.Argv) == 0 {
		return nil, fmt.Errorf("power.wake_cmd is configured but empty")
	}
	if cfg.Power.SleepCmd.Raw != "" && len(cfg.Power.SleepCmd.Argv) == 0 {
		return nil, fmt.Errorf("power.sleep_cmd is configured but empty")
	}
	if raw := cfg.Power.WakeCmd.Raw; raw != "" && !strings.Contains(raw, "{seconds}") && !strings.Contains(raw, "{date}") {
		warnings = append(warnings, Warning{Message: "power.wake_cmd has no {seconds} or {date} placeholder; the requested delay is ignored"})
	}

	return warnings, nil
}
