//go:build !linux && !darwin

package installer

import (
	"context"
	"errors"
)

var errNoServiceManager = errors.New("no supported service manager on this platform")

type unsupportedRegistrar struct{}

// DefaultRegistrar returns a registrar that refuses every operation.
func DefaultRegistrar() Registrar {
	return unsupportedRegistrar{}
}

func (unsupportedRegistrar) Name() string { return "unsupported" }

func (unsupportedRegistrar) Descriptor(Record) ([]byte, error) {
	return nil, errNoServiceManager
}

func (unsupportedRegistrar) Register(context.Context, Session, Record) error {
	return errNoServiceManager
}

func (unsupportedRegistrar) Stop(context.Context, Session, Record) error {
	return errNoServiceManager
}

func (unsupportedRegistrar) Unregister(context.Context, Session, Record) error {
	return errNoServiceManager
}

func (unsupportedRegistrar) Reload(context.Context, Session) error {
	return errNoServiceManager
}
