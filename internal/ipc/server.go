package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/rbright/powerrelay/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Handler executes one decoded command inside the helper.
type Handler interface {
	Handle(context.Context, protocol.Command) protocol.Reply
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(context.Context, protocol.Command) protocol.Reply

func (f HandlerFunc) Handle(ctx context.Context, cmd protocol.Command) protocol.Reply {
	return f(ctx, cmd)
}

// ServerOptions configures Serve.
type ServerOptions struct {
	// Credentials authenticate connecting clients. Nil accepts any peer.
	Credentials credentials.TransportCredentials
	Logger      *slog.Logger
}

// Serve runs the helper's gRPC server on listener until ctx is cancelled.
func Serve(ctx context.Context, listener net.Listener, handler Handler, opts ServerOptions) error {
	creds := opts.Credentials
	if creds == nil {
		creds = insecure.NewCredentials()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	srv := grpc.NewServer(grpc.Creds(creds))
	srv.RegisterService(&helperServiceDesc, &frameService{handler: handler, logger: logger})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		srv.Stop()
		<-serveErr
		return nil
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve helper: %w", err)
	}
}

// frameServer is the handler type gRPC checks the registered service against.
type frameServer interface {
	Frames(grpc.ServerStream) error
}

var helperServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*frameServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: streamName,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(frameServer).Frames(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "powerrelay/v1/helper",
}

type frameService struct {
	handler Handler
	logger  *slog.Logger
}

// Frames answers every command frame on one client stream with exactly one
// reply. Commands run concurrently; replies are written as they complete.
func (s *frameService) Frames(stream grpc.ServerStream) error {
	ctx := stream.Context()

	var (
		sendMu sync.Mutex
		wg     sync.WaitGroup
	)
	defer wg.Wait()

	send := func(reply protocol.Reply) {
		data, err := protocol.EncodeReply(reply)
		if err != nil {
			s.logger.Error("encode reply", "id", reply.ID, "error", err.Error())
			return
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		if err := stream.SendMsg(wrapperspb.Bytes(data)); err != nil {
			s.logger.Warn("send reply", "id", reply.ID, "error", err.Error())
		}
	}

	for {
		var in wrapperspb.BytesValue
		if err := stream.RecvMsg(&in); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		cmd, err := protocol.DecodeCommand(in.GetValue())
		if err != nil {
			s.logger.Warn("rejected command", "id", cmd.ID, "command", string(cmd.Name), "error", err.Error())
			send(protocol.Reply{
				ID:      cmd.ID,
				Command: cmd.Name,
				Result:  protocol.ResultRejected,
				Message: err.Error(),
			})
			continue
		}

		wg.Add(1)
		go func(cmd protocol.Command) {
			defer wg.Done()
			reply := s.handler.Handle(ctx, cmd)
			reply.ID = cmd.ID
			if reply.Command == "" {
				reply.Command = cmd.Name
			}
			s.logger.Info("command handled",
				"id", cmd.ID,
				"command", string(cmd.Name),
				"result", reply.Result,
			)
			send(reply)
		}(cmd)
	}
}
