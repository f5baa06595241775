package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rbright/powerrelay/internal/protocol"
)

// Call is one issued command awaiting its outcome.
type Call struct {
	// Command is the command as sent, including its correlation ID.
	Command protocol.Command

	done chan struct{}
	once sync.Once

	reply protocol.Reply
	err   error

	// guarded by Dispatcher.mu
	sent  bool
	timer *time.Timer
}

func newCall(cmd protocol.Command) *Call {
	return &Call{Command: cmd, done: make(chan struct{})}
}

// Done is closed once the call is resolved.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result blocks until the call resolves and returns its outcome. A reply with
// a nonzero Result is still a delivered reply and carries a nil error.
func (c *Call) Result() (protocol.Reply, error) {
	<-c.done
	return c.reply, c.err
}

// Wait blocks until the call resolves or ctx ends. Abandoning the wait does not
// cancel the call.
func (c *Call) Wait(ctx context.Context) (protocol.Reply, error) {
	select {
	case <-c.done:
		return c.reply, c.err
	case <-ctx.Done():
		return protocol.Reply{}, ctx.Err()
	}
}

func (c *Call) finish(reply protocol.Reply, err error) {
	c.once.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		c.reply = reply
		c.err = err
		close(c.done)
	})
}
