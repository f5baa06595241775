//go:build darwin

package power

// DefaultCommands returns the commands for this platform.
func DefaultCommands() Commands {
	return DarwinCommands()
}
