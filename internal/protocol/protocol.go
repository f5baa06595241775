// Package protocol defines the command and reply messages exchanged with the privileged helper.
package protocol

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnsupportedCommand reports a command name outside the registered set.
	ErrUnsupportedCommand = errors.New("unsupported command")
	// ErrInvalidParams reports missing, unknown, or mistyped command parameters.
	ErrInvalidParams = errors.New("invalid command parameters")
	// ErrMalformedReply reports a reply frame missing required fields or carrying wrong types.
	ErrMalformedReply = errors.New("malformed reply")
	// ErrMalformedCommand reports a command frame that could not be decoded.
	ErrMalformedCommand = errors.New("malformed command")
)

// Name identifies a command kind.
type Name string

const (
	NameWake  Name = "wake"
	NameSleep Name = "sleep"
)

// ParamSeconds is the wake delay parameter.
const ParamSeconds = "seconds"

// Command is one request sent to the privileged helper.
type Command struct {
	// ID is the correlation key echoed back in the matching Reply.
	ID     string
	Name   Name
	Params map[string]any
}

// Wake builds a command asking the helper to schedule a wake in seconds.
func Wake(seconds int) Command {
	return Command{Name: NameWake, Params: map[string]any{ParamSeconds: int64(seconds)}}
}

// Sleep builds a command asking the helper to put the machine to sleep.
func Sleep() Command {
	return Command{Name: NameSleep}
}

// Int returns an integer parameter value.
func (c Command) Int(key string) (int64, bool) {
	v, ok := c.Params[key]
	if !ok {
		return 0, false
	}
	return asInt(v)
}

// Text returns a string parameter value.
func (c Command) Text(key string) (string, bool) {
	v, ok := c.Params[key].(string)
	return v, ok
}

// Result codes the helper reports. Any nonzero value is a failure.
const (
	ResultOK       = 0
	ResultFailed   = 1
	ResultRejected = 2
)

// Reply is the helper's answer to one Command.
type Reply struct {
	ID      string
	Command Name
	Result  int
	Message string
}

// OK reports whether the helper completed the command.
func (r Reply) OK() bool {
	return r.Result == ResultOK
}

// ReplyError converts a failed reply into an error; successful replies return nil.
func ReplyError(r Reply) error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("%s failed (result=%d): %s", r.Command, r.Result, r.Message)
}

// asInt accepts the integer forms callers and the decoder produce.
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if !isIntegral(n, maxSafeInt) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}

// maxSafeInt is the largest integer a float64 wire number carries exactly.
const maxSafeInt = 1 << 53

func isIntegral(f float64, limit float64) bool {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return false
	}
	if math.Trunc(f) != f {
		return false
	}
	return f >= -limit && f <= limit
}
