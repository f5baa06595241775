// Package config resolves, parses, validates, and defaults powerrelay configuration.
package config

import "time"

// Config is the fully materialized runtime configuration.
type Config struct {
	// Identifier is the reverse-DNS service name shared by the unit/label,
	// the installed binary, and the socket.
	Identifier string
	SocketPath string
	LogLevel   string
	Install    InstallConfig
	Channel    ChannelConfig
	Peer       PeerConfig
	Power      PowerConfig
}

// InstallConfig locates the installed helper's artifacts.
type InstallConfig struct {
	BinaryPath     string
	DescriptorPath string
	ReceiptPath    string
	LockPath       string
}

// ChannelConfig tunes the client side of the helper channel.
type ChannelConfig struct {
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
	// MalformedLimit consecutive malformed replies fail the channel; 0 disables.
	MalformedLimit int
}

// PeerConfig controls who may talk to whom over the socket.
type PeerConfig struct {
	// AllowUIDs are permitted clients in addition to root.
	AllowUIDs []uint32
	// HelperUID is the uid the client expects the helper to run as.
	HelperUID uint32
}

// PowerConfig overrides the helper's power commands. Empty commands use the
// platform defaults.
type PowerConfig struct {
	WakeCmd  CommandConfig
	SleepCmd CommandConfig
}

// CommandConfig stores a raw command string and its parsed argv form.
type CommandConfig struct {
	Raw  string
	Argv []string
}

// Warning is a non-fatal parse/validation message.
type Warning struct {
	Line    int
	Message string
}
