//go:build darwin

package installer

// DefaultRegistrar returns the service manager for this platform.
func DefaultRegistrar() Registrar {
	return Launchd{}
}
