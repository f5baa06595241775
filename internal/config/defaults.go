package config

import (
	"path/filepath"
	"runtime"
	"time"
)

// DefaultIdentifier names the helper when the config does not.
const DefaultIdentifier = "io.github.rbright.powerrelay.helper"

const (
	defaultConnectTimeout = 3 * time.Second
	defaultReplyTimeout   = 10 * time.Second
	defaultMalformedLimit = 3
	defaultLogLevel       = "info"
)

// Default returns the canonical runtime configuration used when no file is present.
func Default() Config {
	return materialize(base(), runtime.GOOS)
}

func base() Config {
	return Config{
		Identifier: DefaultIdentifier,
		LogLevel:   defaultLogLevel,
		Channel: ChannelConfig{
			ConnectTimeout: defaultConnectTimeout,
			ReplyTimeout:   defaultReplyTimeout,
			MalformedLimit: defaultMalformedLimit,
		},
	}
}

// Layout is the set of OS-specific artifact locations for one identifier.
type Layout struct {
	BinaryPath     string
	DescriptorPath string
	ReceiptPath    string
	SocketPath     string
	LockPath       string
}

// LayoutFor returns the default artifact locations on goos.
func LayoutFor(goos, identifier string) Layout {
	if goos == "darwin" {
		return Layout{
			BinaryPath:     filepath.Join("/Library/PrivilegedHelperTools", identifier),
			DescriptorPath: filepath.Join("/Library/LaunchDaemons", identifier+".plist"),
			ReceiptPath:    filepath.Join("/Library/Application Support/powerrelay", identifier+".yaml"),
			SocketPath:     filepath.Join("/var/run", identifier+".sock"),
			LockPath:       filepath.Join("/var/run/powerrelay", identifier+".lock"),
		}
	}
	return Layout{
		BinaryPath:     filepath.Join("/usr/local/libexec", identifier),
		DescriptorPath: filepath.Join("/etc/systemd/system", identifier+".service"),
		ReceiptPath:    filepath.Join("/var/lib/powerrelay", identifier+".yaml"),
		SocketPath:     filepath.Join("/run/powerrelay", identifier+".sock"),
		LockPath:       filepath.Join("/run/powerrelay", identifier+".lock"),
	}
}

// materialize fills unset paths from the identifier's default layout.
func materialize(cfg Config, goos string) Config {
	layout := LayoutFor(goos, cfg.Identifier)
	fill := func(dst *string, value string) {
		if *dst == "" {
			*dst = value
		}
	}
	fill(&cfg.SocketPath, layout.SocketPath)
	fill(&cfg.Install.BinaryPath, layout.BinaryPath)
	fill(&cfg.Install.DescriptorPath, layout.DescriptorPath)
	fill(&cfg.Install.ReceiptPath, layout.ReceiptPath)
	fill(&cfg.Install.LockPath, layout.LockPath)
	return cfg
}
