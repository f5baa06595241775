package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rbright/powerrelay/internal/cli"
	"github.com/rbright/powerrelay/internal/config"
	"github.com/rbright/powerrelay/internal/ipc"
	"github.com/rbright/powerrelay/internal/power"
	"github.com/rbright/powerrelay/internal/version"
)

// acquireRetries bounds stale-socket replacement attempts at helper start.
const acquireRetries = 8

// commandServe runs the privileged helper until ctx ends.
func (r Runner) commandServe(ctx context.Context, args cli.ServeArgs, cfg config.Config, logger *slog.Logger) int {
	if args.Identifier != "" {
		cfg.Identifier = args.Identifier
	}
	if args.SocketPath != "" {
		cfg.SocketPath = args.SocketPath
	}

	allowed := []uint32{0}
	allowed = append(allowed, cfg.Peer.AllowUIDs...)
	for _, uid := range args.AllowUIDs {
		allowed = append(allowed, uint32(uid))
	}

	listener, err := ipc.Acquire(ctx, cfg.SocketPath, cfg.Channel.ConnectTimeout, acquireRetries)
	if err != nil {
		if errors.Is(err, ipc.ErrAlreadyRunning) {
			err = fmt.Errorf("%w at %s", err, cfg.SocketPath)
		}
		return r.fail(logger, "helper socket unavailable", err)
	}
	defer func() {
		_ = listener.Close()
		_ = os.Remove(cfg.SocketPath)
	}()

	executor := r.Executor
	if executor == nil {
		executor = power.NewCommandExecutor(r.powerCommands(cfg), nil)
	}
	creds := ipc.NewPeerCredentials(allowed...)

	logger.Info("helper serving",
		"identifier", cfg.Identifier,
		"socket", cfg.SocketPath,
		"allow_uids", creds.Allowed(),
		"version", version.Version,
		"protocol", version.Protocol,
	)

	err = ipc.Serve(ctx, listener, power.NewHandler(executor, logger), ipc.ServerOptions{
		Credentials: creds,
		Logger:      logger,
	})
	if err != nil {
		return r.fail(logger, "helper server failed", err)
	}
	logger.Info("helper stopped", "identifier", cfg.Identifier)
	return 0
}
