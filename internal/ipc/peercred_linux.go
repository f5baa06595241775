//go:build linux

package ipc

import (
	"errors"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

func peerCredential(conn net.Conn) (Peer, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return Peer{}, errors.New("connection does not expose a socket descriptor")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return Peer{}, err
	}

	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return Peer{}, err
	}
	if credErr != nil {
		return Peer{}, credErr
	}
	return Peer{UID: cred.Uid, PID: cred.Pid}, nil
}
