// Package dispatch issues helper commands and correlates their replies.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rbright/powerrelay/internal/fsm"
	"github.com/rbright/powerrelay/internal/ipc"
	"github.com/rbright/powerrelay/internal/protocol"
)

// ErrReplyTimeout reports a call that received no reply in time.
var ErrReplyTimeout = errors.New("reply timeout")

const defaultReplyTimeout = 10 * time.Second

// Options configures a Dispatcher.
type Options struct {
	Channel      ipc.Options
	ReplyTimeout time.Duration
	Logger       *slog.Logger
	// NewID returns correlation keys. Defaults to random UUIDs.
	NewID func() string
}

// Dispatcher owns one helper channel and the calls outstanding on it.
type Dispatcher struct {
	channel      *ipc.Channel
	replyTimeout time.Duration
	logger       *slog.Logger
	newID        func() string

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*Call
	closed  bool

	// testHookSend runs once the channel is connected, before the call is marked sent.
	testHookSend func()
}

// New builds a Dispatcher and its channel. Nothing is dialed until the first call.
func New(opts Options) *Dispatcher {
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Channel.Logger == nil {
		opts.Channel.Logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		replyTimeout: opts.ReplyTimeout,
		logger:       opts.Logger,
		newID:        opts.NewID,
		ctx:          ctx,
		cancel:       cancel,
		pending:      make(map[string]*Call),
	}
	d.channel = ipc.NewChannel(opts.Channel, replySink{d})
	return d
}

// State reports the channel's connection state.
func (d *Dispatcher) State() fsm.State {
	return d.channel.State()
}

// Issue starts cmd and returns immediately. The command is validated and
// encoded on the caller's goroutine; connecting and sending happen in the
// background. cmd.ID is replaced with a fresh correlation key.
func (d *Dispatcher) Issue(cmd protocol.Command) *Call {
	cmd.ID = d.newID()
	call := newCall(cmd)

	frame, err := protocol.EncodeCommand(cmd)
	if err != nil {
		call.finish(protocol.Reply{}, err)
		return call
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		call.finish(protocol.Reply{}, ipc.ErrChannelClosed)
		return call
	}
	d.pending[cmd.ID] = call
	d.mu.Unlock()

	go d.deliver(call, frame)
	return call
}

// Do issues cmd and waits for its outcome. Cancelling ctx resolves the call
// with ctx's error.
func (d *Dispatcher) Do(ctx context.Context, cmd protocol.Command) (protocol.Reply, error) {
	call := d.Issue(cmd)
	select {
	case <-call.Done():
	case <-ctx.Done():
		d.resolve(call.Command.ID, protocol.Reply{}, ctx.Err())
		<-call.Done()
	}
	return call.Result()
}

// Go issues cmd and invokes fn with the outcome on its own goroutine.
func (d *Dispatcher) Go(cmd protocol.Command, fn func(protocol.Reply, error)) *Call {
	call := d.Issue(cmd)
	go func() {
		<-call.Done()
		fn(call.Result())
	}()
	return call
}

// Close closes the channel and resolves every outstanding call with
// ipc.ErrChannelClosed.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	err := d.channel.Close()
	d.failPending(ipc.ErrChannelClosed, false)
	return err
}

// Pending reports the number of unresolved calls.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func (d *Dispatcher) deliver(call *Call, frame []byte) {
	id := call.Command.ID

	for attempt := 0; ; attempt++ {
		if !fsm.Usable(d.channel.State()) {
			if err := d.channel.Connect(d.ctx); err != nil {
				d.resolve(id, protocol.Reply{}, err)
				return
			}
		}
		if d.testHookSend != nil {
			d.testHookSend()
		}
		if !d.markSent(call, true) {
			return
		}

		d.logger.Debug("command sent", "id", id, "command", string(call.Command.Name))
		err := d.channel.Send(frame)
		if err == nil {
			return
		}
		// The stream went away between connect and send, so the frame never
		// left. Redial once.
		if attempt == 0 && errors.Is(err, ipc.ErrNotConnected) && d.markSent(call, false) {
			d.logger.Debug("channel dropped before send, redialing", "id", id)
			continue
		}
		d.resolve(id, protocol.Reply{}, err)
		return
	}
}

// markSent flags call as sent or unsent and arms its reply timer on first
// send. It reports false once the call is resolved.
func (d *Dispatcher) markSent(call *Call, sent bool) bool {
	id := call.Command.ID
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.pending[id]; !ok {
		return false
	}
	call.sent = sent
	if sent && call.timer == nil {
		call.timer = time.AfterFunc(d.replyTimeout, func() {
			d.resolve(id, protocol.Reply{}, fmt.Errorf("%w after %s", ErrReplyTimeout, d.replyTimeout))
		})
	}
	return true
}

// resolve completes the call with id exactly once. It reports false when the
// id is unknown or already resolved.
func (d *Dispatcher) resolve(id string, reply protocol.Reply, err error) bool {
	d.mu.Lock()
	call, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	call.finish(reply, err)
	return true
}

// failPending resolves outstanding calls with err. With sentOnly, calls still
// waiting for a connection are left to dial again.
func (d *Dispatcher) failPending(err error, sentOnly bool) {
	d.mu.Lock()
	var victims []*Call
	for id, call := range d.pending {
		if sentOnly && !call.sent {
			continue
		}
		delete(d.pending, id)
		victims = append(victims, call)
	}
	d.mu.Unlock()

	for _, call := range victims {
		call.finish(protocol.Reply{}, err)
	}
}

// correlate returns the id of the call reply answers. A reply without an id
// belongs to the one sent call for the command it echoes, or to the only sent
// call when it echoes none. Ambiguous replies correlate to "".
func (d *Dispatcher) correlate(reply protocol.Reply) string {
	if reply.ID != "" {
		return reply.ID
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	match := ""
	for id, call := range d.pending {
		if !call.sent {
			continue
		}
		if reply.Command != "" && call.Command.Name != reply.Command {
			continue
		}
		if match != "" {
			return ""
		}
		match = id
	}
	return match
}

// replySink adapts Dispatcher to ipc.ReplyHandler without exporting the callbacks.
type replySink struct {
	d *Dispatcher
}

func (s replySink) Reply(reply protocol.Reply) {
	id := s.d.correlate(reply)
	if id == "" {
		s.d.logger.Warn("dropping uncorrelated reply", "command", string(reply.Command))
		return
	}
	if !s.d.resolve(id, reply, nil) {
		s.d.logger.Warn("dropping unmatched reply", "id", id, "command", string(reply.Command))
	}
}

func (s replySink) Malformed(reply protocol.Reply, err error) {
	id := s.d.correlate(reply)
	if id == "" {
		return
	}
	if !s.d.resolve(id, reply, err) {
		s.d.logger.Warn("dropping unmatched malformed reply", "id", id)
	}
}

func (s replySink) Lost(err error) {
	s.d.failPending(err, true)
}
