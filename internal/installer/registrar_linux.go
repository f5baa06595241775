//go:build linux

package installer

// DefaultRegistrar returns the service manager for this platform.
func DefaultRegistrar() Registrar {
	return Systemd{}
}
