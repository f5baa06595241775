//go:build !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

func peerCredential(net.Conn) (Peer, error) {
	return Peer{}, errors.New("peer credentials are not supported on this platform")
}
