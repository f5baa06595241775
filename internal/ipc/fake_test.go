package ipc

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/rbright/powerrelay/internal/protocol"
)

// fakeStream is an in-memory Stream. Tests push inbound frames with deliver and
// read outbound frames from sent.
type fakeStream struct {
	sent    chan []byte
	inbound chan []byte
	done    chan struct{}

	mu       sync.Mutex
	closed   bool
	recvErr  error
	sendErr  error
	closures int
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		sent:    make(chan []byte, 16),
		inbound: make(chan []byte, 16),
		done:    make(chan struct{}),
	}
}

func (s *fakeStream) Send(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent <- append([]byte(nil), frame...)
	return nil
}

func (s *fakeStream) Recv() ([]byte, error) {
	select {
	case frame := <-s.inbound:
		return frame, nil
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.recvErr != nil {
			return nil, s.recvErr
		}
		return nil, errors.New("stream closed")
	}
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closures++
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	return nil
}

// fail ends the receive side with err as if the connection dropped.
func (s *fakeStream) fail(err error) {
	s.mu.Lock()
	s.recvErr = err
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	s.mu.Unlock()
}

func (s *fakeStream) deliver(frame []byte) {
	s.inbound <- frame
}

func (s *fakeStream) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closures
}

// fakeDialer hands out queued streams, or fails with err when set.
type fakeDialer struct {
	mu      sync.Mutex
	streams []*fakeStream
	err     error
	dials   int
}

func (d *fakeDialer) Dial(context.Context) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	if len(d.streams) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	s := d.streams[0]
	d.streams = d.streams[1:]
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// recordingHandler collects channel callbacks.
type recordingHandler struct {
	replies   chan protocol.Reply
	malformed chan error
	lost      chan error
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		replies:   make(chan protocol.Reply, 16),
		malformed: make(chan error, 16),
		lost:      make(chan error, 16),
	}
}

func (h *recordingHandler) Reply(r protocol.Reply)              { h.replies <- r }
func (h *recordingHandler) Malformed(_ protocol.Reply, e error) { h.malformed <- e }
func (h *recordingHandler) Lost(err error)                      { h.lost <- err }
