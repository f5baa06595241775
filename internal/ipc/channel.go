// Package ipc connects the unprivileged client to the privileged helper over an
// authenticated unix-socket gRPC stream.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/rbright/powerrelay/internal/fsm"
	"github.com/rbright/powerrelay/internal/protocol"
)

var (
	// ErrConnectionFailed reports that the helper could not be reached.
	ErrConnectionFailed = errors.New("connection to helper failed")
	// ErrNotConnected reports a send on a channel that is not connected.
	ErrNotConnected = errors.New("channel not connected")
	// ErrChannelClosed reports a channel that was closed or lost its stream.
	ErrChannelClosed = errors.New("channel closed")
)

// ReplyHandler receives inbound traffic from the receive goroutine.
type ReplyHandler interface {
	// Reply is called once per well-formed reply frame.
	Reply(protocol.Reply)
	// Malformed is called for a frame that failed to decode. The partial reply
	// carries whatever correlation fields were readable.
	Malformed(protocol.Reply, error)
	// Lost is called once each time the connection ends.
	Lost(error)
}

// Options configures a Channel.
type Options struct {
	Dialer         Dialer
	ConnectTimeout time.Duration
	// MalformedLimit consecutive malformed frames fail the channel. Zero disables the limit.
	MalformedLimit int
	Logger         *slog.Logger
}

// Channel owns at most one live stream to the helper and drives it through the
// fsm connection states.
type Channel struct {
	dialer         Dialer
	connectTimeout time.Duration
	malformedLimit int
	logger         *slog.Logger
	handler        ReplyHandler

	connectMu sync.Mutex
	sendMu    sync.Mutex

	mu     sync.Mutex
	state  fsm.State
	stream Stream
	gen    uint64
}

// NewChannel builds a disconnected channel delivering inbound traffic to handler.
func NewChannel(opts Options, handler ReplyHandler) *Channel {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if handler == nil {
		handler = discardHandler{}
	}
	return &Channel{
		dialer:         opts.Dialer,
		connectTimeout: opts.ConnectTimeout,
		malformedLimit: opts.MalformedLimit,
		logger:         opts.Logger,
		handler:        handler,
		state:          fsm.StateDisconnected,
	}
}

// State reports the current connection state.
func (c *Channel) State() fsm.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the helper unless the channel is already connected. Concurrent
// callers wait for the dial in flight and share its outcome when it succeeds.
func (c *Channel) Connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	switch c.state {
	case fsm.StateConnected:
		c.mu.Unlock()
		return nil
	case fsm.StateClosed:
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if err := c.transition(fsm.EventDial); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if c.dialer == nil {
		return c.dialFailed(errors.New("no dialer configured"))
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	stream, err := c.dialer.Dial(dialCtx)
	cancel()
	if err != nil {
		return c.dialFailed(err)
	}

	c.mu.Lock()
	if c.state == fsm.StateClosed {
		c.mu.Unlock()
		_ = stream.Close()
		return ErrChannelClosed
	}
	_ = c.transition(fsm.EventEstablished)
	c.stream = stream
	c.gen++
	gen := c.gen
	c.mu.Unlock()

	c.logger.Debug("helper channel connected")
	go c.recvLoop(stream, gen)
	return nil
}

func (c *Channel) dialFailed(cause error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == fsm.StateClosed {
		return ErrChannelClosed
	}
	_ = c.transition(fsm.EventDialFailed)
	c.logger.Warn("helper channel connect failed", "error", cause.Error())
	return fmt.Errorf("%w: %v", ErrConnectionFailed, cause)
}

// Send writes one frame. Sends are serialized.
func (c *Channel) Send(frame []byte) error {
	c.mu.Lock()
	state, stream, gen := c.state, c.stream, c.gen
	c.mu.Unlock()

	switch state {
	case fsm.StateConnected:
	case fsm.StateClosed:
		return ErrChannelClosed
	default:
		return fmt.Errorf("%w (state %s)", ErrNotConnected, state)
	}

	c.sendMu.Lock()
	err := stream.Send(frame)
	c.sendMu.Unlock()
	if err != nil {
		c.lose(gen, err)
		return fmt.Errorf("%w: send: %v", ErrChannelClosed, err)
	}
	return nil
}

// Close tears the channel down. Only the first call has an effect.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.state == fsm.StateClosed {
		c.mu.Unlock()
		return nil
	}
	_ = c.transition(fsm.EventClose)
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	var err error
	if stream != nil {
		err = stream.Close()
	}
	c.logger.Debug("helper channel closed")
	c.handler.Lost(ErrChannelClosed)
	return err
}

func (c *Channel) recvLoop(stream Stream, gen uint64) {
	malformed := 0
	for {
		frame, err := stream.Recv()
		if err != nil {
			c.lose(gen, err)
			return
		}

		reply, err := protocol.DecodeReply(frame)
		if err != nil {
			malformed++
			c.logger.Warn("malformed helper reply",
				"error", err.Error(),
				"id", reply.ID,
				"consecutive", malformed,
			)
			c.handler.Malformed(reply, err)
			if c.malformedLimit > 0 && malformed >= c.malformedLimit {
				c.lose(gen, fmt.Errorf("%d consecutive malformed replies", malformed))
				return
			}
			continue
		}

		malformed = 0
		c.handler.Reply(reply)
	}
}

// lose discards the stream of generation gen. Stale generations are ignored so
// a reconnect is never torn down by its predecessor's receive loop.
func (c *Channel) lose(gen uint64, cause error) {
	c.mu.Lock()
	if c.gen != gen || c.state != fsm.StateConnected {
		c.mu.Unlock()
		return
	}
	event := fsm.EventFail
	if errors.Is(cause, io.EOF) {
		event = fsm.EventDrop
	}
	_ = c.transition(event)
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	_ = stream.Close()
	c.logger.Warn("helper channel lost", "error", cause.Error())
	c.handler.Lost(fmt.Errorf("%w: %v", ErrChannelClosed, cause))
}

// transition must be called with mu held.
func (c *Channel) transition(event fsm.Event) error {
	next, err := fsm.Transition(c.state, event)
	if err != nil {
		return err
	}
	c.state = next
	return nil
}

type discardHandler struct{}

func (discardHandler) Reply(protocol.Reply)            {}
func (discardHandler) Malformed(protocol.Reply, error) {}
func (discardHandler) Lost(error)                      {}
