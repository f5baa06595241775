//go:build !linux && !darwin

package power

// DefaultCommands returns no commands; every action fails until configured.
func DefaultCommands() Commands {
	return Commands{}
}
