package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"

	"google.golang.org/grpc/credentials"
)

// ErrPeerRejected reports a unix-socket peer whose uid is not permitted.
var ErrPeerRejected = errors.New("peer rejected")

// Peer is the kernel-reported identity of the other end of a unix socket.
type Peer struct {
	UID uint32
	PID int32
}

// PeerAuthInfo is attached to authenticated gRPC connections.
type PeerAuthInfo struct {
	credentials.CommonAuthInfo
	Peer Peer
}

func (PeerAuthInfo) AuthType() string { return "peercred" }

// PeerCredentials authenticates unix-socket peers by uid during the transport
// handshake. The connection itself is not wrapped.
type PeerCredentials struct {
	allow map[uint32]struct{}
}

// NewPeerCredentials accepts peers running as any of uids.
func NewPeerCredentials(uids ...uint32) *PeerCredentials {
	allow := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		allow[uid] = struct{}{}
	}
	return &PeerCredentials{allow: allow}
}

// Allowed lists the permitted uids in ascending order.
func (c *PeerCredentials) Allowed() []uint32 {
	out := make([]uint32, 0, len(c.allow))
	for uid := range c.allow {
		out = append(out, uid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *PeerCredentials) ClientHandshake(_ context.Context, _ string, conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return c.handshake(conn)
}

func (c *PeerCredentials) ServerHandshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	return c.handshake(conn)
}

func (c *PeerCredentials) handshake(conn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	peer, err := peerCredential(conn)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read peer credentials: %v", ErrPeerRejected, err)
	}
	if _, ok := c.allow[peer.UID]; !ok {
		return nil, nil, fmt.Errorf("%w: uid %d (pid %d) is not permitted", ErrPeerRejected, peer.UID, peer.PID)
	}

	info := PeerAuthInfo{
		CommonAuthInfo: credentials.CommonAuthInfo{SecurityLevel: credentials.PrivacyAndIntegrity},
		Peer:           peer,
	}
	return conn, info, nil
}

func (c *PeerCredentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{SecurityProtocol: "peercred"}
}

func (c *PeerCredentials) Clone() credentials.TransportCredentials {
	return NewPeerCredentials(c.Allowed()...)
}

func (c *PeerCredentials) OverrideServerName(string) error { return nil }
