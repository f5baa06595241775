package ipc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Helper frames ride a single bidirectional gRPC stream. Each message is a
// BytesValue holding one protocol frame.
const (
	serviceName = "powerrelay.v1.Helper"
	streamName  = "Frames"
	frameMethod = "/" + serviceName + "/" + streamName
)

var frameStreamDesc = grpc.StreamDesc{
	StreamName:    streamName,
	ServerStreams: true,
	ClientStreams: true,
}

// Stream is one open frame stream to the helper.
type Stream interface {
	Send(frame []byte) error
	Recv() ([]byte, error)
	Close() error
}

// Dialer opens frame streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(context.Context) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context) (Stream, error) {
	return f(ctx)
}

// GRPCDialer connects to the helper's unix socket.
type GRPCDialer struct {
	SocketPath  string
	Credentials credentials.TransportCredentials
}

// Dial establishes a gRPC connection, waits for readiness within ctx, and opens
// the frame stream. The stream outlives ctx; it ends on Close.
func (d GRPCDialer) Dial(ctx context.Context) (Stream, error) {
	path := strings.TrimSpace(d.SocketPath)
	if path == "" {
		return nil, errors.New("helper socket path is empty")
	}
	if d.Credentials == nil {
		return nil, errors.New("helper transport credentials are not configured")
	}

	conn, err := grpc.NewClient("unix://"+path, grpc.WithTransportCredentials(d.Credentials))
	if err != nil {
		return nil, fmt.Errorf("dial helper %q: %w", path, err)
	}

	conn.Connect()
	if err := waitForReady(ctx, conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("wait for helper readiness: %w", err)
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	cs, err := conn.NewStream(streamCtx, &frameStreamDesc, frameMethod)
	if err != nil {
		cancel()
		_ = conn.Close()
		return nil, fmt.Errorf("open helper stream: %w", err)
	}

	return &grpcStream{conn: conn, stream: cs, cancel: cancel}, nil
}

type grpcStream struct {
	conn   *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

func (s *grpcStream) Send(frame []byte) error {
	return s.stream.SendMsg(wrapperspb.Bytes(frame))
}

func (s *grpcStream) Recv() ([]byte, error) {
	var msg wrapperspb.BytesValue
	if err := s.stream.RecvMsg(&msg); err != nil {
		return nil, err
	}
	return msg.GetValue(), nil
}

func (s *grpcStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.stream.CloseSend()
		s.cancel()
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// waitForReady blocks until the connection is Ready. A handshake rejection or
// refused dial surfaces as TransientFailure and ends the wait.
func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Shutdown:
			return errors.New("grpc connection entered shutdown state")
		case connectivity.TransientFailure:
			return errors.New("grpc connection failed")
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("grpc readiness wait timed out in state %s", state.String())
		}
	}
}

// defaultConnectTimeout bounds Connect when Options leave it unset.
const defaultConnectTimeout = 3 * time.Second
