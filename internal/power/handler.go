package power

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/rbright/powerrelay/internal/protocol"
)

// Handler answers helper commands with an Executor.
type Handler struct {
	executor Executor
	logger   *slog.Logger
}

// NewHandler builds a Handler. A nil logger discards output.
func NewHandler(executor Executor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{executor: executor, logger: logger}
}

// Handle runs cmd and reports the outcome as a reply.
func (h *Handler) Handle(ctx context.Context, cmd protocol.Command) protocol.Reply {
	reply := protocol.Reply{ID: cmd.ID, Command: cmd.Name}

	var (
		message string
		err     error
	)
	switch cmd.Name {
	case protocol.NameWake:
		seconds, _ := cmd.Int(protocol.ParamSeconds)
		message, err = h.executor.ScheduleWake(ctx, seconds)
	case protocol.NameSleep:
		message, err = h.executor.Sleep(ctx)
	default:
		reply.Result = protocol.ResultRejected
		reply.Message = fmt.Sprintf("%v: %q", protocol.ErrUnsupportedCommand, cmd.Name)
		return reply
	}

	if err != nil {
		h.logger.Error("power command failed", "command", string(cmd.Name), "error", err.Error())
		reply.Result = protocol.ResultFailed
		reply.Message = err.Error()
		return reply
	}

	reply.Result = protocol.ResultOK
	reply.Message = message
	return reply
}
