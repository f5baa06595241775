//go:build darwin

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
		cred    *unix.Xucred
		pid     int
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if credErr == nil {
			// pid is informational only
			pid, _ = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
		}
	}); err != nil {
		return Peer{}, err
	}
	if credErr != nil {
		return Peer{}, credErr
	}
	return Peer{UID: cred.Uid, PID: int32(pid)}, nil
}
