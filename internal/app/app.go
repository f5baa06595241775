// Package app runs one powerrelay invocation: it parses argv, loads config,
// and drives the installer, the dispatcher, or the helper server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rbright/powerrelay/internal/cli"
	"github.com/rbright/powerrelay/internal/config"
	"github.com/rbright/powerrelay/internal/dispatch"
	"github.com/rbright/powerrelay/internal/doctor"
	"github.com/rbright/powerrelay/internal/installer"
	"github.com/rbright/powerrelay/internal/ipc"
	"github.com/rbright/powerrelay/internal/logging"
	"github.com/rbright/powerrelay/internal/power"
	"github.com/rbright/powerrelay/internal/protocol"
	"github.com/rbright/powerrelay/internal/version"
)

// Runner executes commands against injectable IO and platform bindings.
// Nil bindings use the real ones for this OS.
type Runner struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Logger *slog.Logger

	Authorizer installer.Authorizer
	Registrar  installer.Registrar
	// SourceBinary is the file installed as the helper. Empty means this executable.
	SourceBinary string
	Dialer       ipc.Dialer
	Executor     power.Executor
}

func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	r := Runner{Stdin: os.Stdin, Stdout: stdout, Stderr: stderr}
	return r.Execute(ctx, args)
}

func (r Runner) Execute(ctx context.Context, args []string) int {
	parsed, err := cli.Parse(args)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n\n", err)
		fmt.Fprint(r.Stderr, cli.HelpText("powerrelay"))
		return 2
	}

	if parsed.ShowHelp {
		fmt.Fprint(r.Stdout, cli.HelpText("powerrelay"))
		return 0
	}

	if parsed.Command == cli.CommandVersion {
		fmt.Fprintln(r.Stdout, version.String())
		return 0
	}

	cfgLoaded, err := config.Load(parsed.ConfigPath)
	if err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		return 1
	}

	if parsed.Command == cli.CommandServe {
		logger := r.Logger
		if logger == nil {
			logger = logging.NewWriter(r.Stderr, cfgLoaded.Config.LogLevel)
		}
		logWarnings(logger, cfgLoaded.Warnings)
		return r.commandServe(ctx, parsed.Serve, cfgLoaded.Config, logger)
	}

	logger := r.Logger
	if logger == nil {
		logRuntime, err := logging.New(cfgLoaded.Config.LogLevel)
		if err != nil {
			fmt.Fprintf(r.Stderr, "error: setup logging: %v\n", err)
			return 1
		}
		defer func() { _ = logRuntime.Close() }()
		logger = logRuntime.Logger.With("log", logRuntime.Path)
	}

	for _, w := range cfgLoaded.Warnings {
		msg := w.Message
		if w.Line > 0 {
			msg = fmt.Sprintf("line %d: %s", w.Line, w.Message)
		}
		fmt.Fprintf(r.Stderr, "warning: %s\n", msg)
	}
	logWarnings(logger, cfgLoaded.Warnings)

	logger.Info("command start",
		"command", parsed.Command,
		"config", cfgLoaded.Path,
	)

	cfg := cfgLoaded.Config
	switch parsed.Command {
	case cli.CommandInstall:
		return r.commandInstall(ctx, cfg, logger)
	case cli.CommandUninstall:
		return r.commandUninstall(ctx, cfg, logger)
	case cli.CommandStatus:
		return r.commandStatus(ctx, cfg, parsed.Watch, logger)
	case cli.CommandWake:
		return r.relay(ctx, cfg, protocol.Wake(int(parsed.Seconds)), logger)
	case cli.CommandSleep:
		return r.relay(ctx, cfg, protocol.Sleep(), logger)
	case cli.CommandDoctor:
		return r.commandDoctor(ctx, cfgLoaded, logger)
	default:
		fmt.Fprintf(r.Stderr, "error: unsupported command %q\n", parsed.Command)
		return 2
	}
}

func (r Runner) commandInstall(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	inst, err := r.newInstaller(cfg, logger)
	if err != nil {
		return r.fail(logger, "installer setup failed", err)
	}

	already, err := inst.IsComplete()
	if err != nil {
		return r.fail(logger, "install check failed", err)
	}
	if err := inst.Install(ctx); err != nil {
		return r.fail(logger, "install failed", err)
	}

	if already {
		fmt.Fprintf(r.Stdout, "%s is already installed\n", cfg.Identifier)
		return 0
	}
	fmt.Fprintf(r.Stdout, "installed %s (%s)\n", cfg.Identifier, inst.Registrar().Name())
	return 0
}

func (r Runner) commandUninstall(ctx context.Context, cfg config.Config, logger *slog.Logger) int {
	inst, err := r.newInstaller(cfg, logger)
	if err != nil {
		return r.fail(logger, "installer setup failed", err)
	}
	if err := inst.Uninstall(ctx); err != nil {
		return r.fail(logger, "uninstall failed", err)
	}
	fmt.Fprintf(r.Stdout, "uninstalled %s\n", cfg.Identifier)
	return 0
}

func (r Runner) commandStatus(ctx context.Context, cfg config.Config, watch bool, logger *slog.Logger) int {
	inst, err := r.newInstaller(cfg, logger)
	if err != nil {
		return r.fail(logger, "installer setup failed", err)
	}

	st, err := inst.Status(ctx)
	if err != nil {
		return r.fail(logger, "status failed", err)
	}
	alive, _ := ipc.Probe(ctx, cfg.SocketPath, cfg.Channel.ConnectTimeout)
	fmt.Fprint(r.Stdout, renderStatus(st, cfg.SocketPath, alive))

	if !watch {
		return 0
	}
	err = inst.Watch(ctx, func(installed bool) {
		fmt.Fprintf(r.Stdout, "%s installed=%s\n", time.Now().Format(time.RFC3339), yesNo(installed))
	})
	if err != nil {
		return r.fail(logger, "watch failed", err)
	}
	return 0
}

func renderStatus(st installer.Status, socketPath string, socketAlive bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "identifier: %s\n", st.Record.Identifier)
	fmt.Fprintf(&b, "installed:  %s (%s)\n", yesNo(st.Installed), st.Record.DescriptorPath)
	fmt.Fprintf(&b, "binary:     %s (%s)\n", presence(st.BinaryPresent), st.Record.BinaryPath)
	if st.Receipt != nil {
		fmt.Fprintf(&b, "receipt:    version %s, installed %s\n", st.Receipt.Version, st.Receipt.InstalledAt.Format(time.RFC3339))
	} else {
		b.WriteString("receipt:    none\n")
	}
	if st.Running {
		fmt.Fprintf(&b, "process:    running (pid %d)\n", st.PID)
	} else {
		b.WriteString("process:    not running\n")
	}
	listening := "not listening"
	if socketAlive {
		listening = "listening"
	}
	fmt.Fprintf(&b, "socket:     %s (%s)\n", listening, socketPath)
	return b.String()
}

// relay sends one command to the helper and renders its reply.
func (r Runner) relay(ctx context.Context, cfg config.Config, cmd protocol.Command, logger *slog.Logger) int {
	d := dispatch.New(dispatch.Options{
		Channel: ipc.Options{
			Dialer:         r.dialer(cfg),
			ConnectTimeout: cfg.Channel.ConnectTimeout,
			MalformedLimit: cfg.Channel.MalformedLimit,
		},
		ReplyTimeout: cfg.Channel.ReplyTimeout,
		Logger:       logger,
	})
	defer func() { _ = d.Close() }()

	reply, err := d.Do(ctx, cmd)
	if err != nil {
		return r.fail(logger, "command failed", fmt.Errorf("%s: %w", cmd.Name, err))
	}

	logger.Info("helper replied",
		"command", reply.Command,
		"id", reply.ID,
		"result", reply.Result,
		"message", reply.Message,
	)
	if err := protocol.ReplyError(reply); err != nil {
		fmt.Fprintf(r.Stderr, "error: %v\n", err)
		if reply.Result == protocol.ResultRejected {
			fmt.Fprintf(r.Stderr, "hint: %s\n", hintVersionMismatch)
		}
		return 1
	}
	if reply.Message != "" {
		fmt.Fprintln(r.Stdout, reply.Message)
	}
	return 0
}

func (r Runner) commandDoctor(ctx context.Context, loaded config.Loaded, logger *slog.Logger) int {
	opts := doctor.Options{
		Loaded: loaded,
		Power:  r.powerCommands(loaded.Config),
	}
	if inst, err := r.newInstaller(loaded.Config, logger); err == nil {
		opts.Inspector = inst
		opts.Registrar = inst.Registrar()
	}

	report := doctor.Run(ctx, opts)
	fmt.Fprintln(r.Stdout, report.String())
	if report.OK() {
		return 0
	}
	return 1
}

func (r Runner) newInstaller(cfg config.Config, logger *slog.Logger) (*installer.Installer, error) {
	authorizer := r.Authorizer
	if authorizer == nil {
		authorizer = installer.Auto(r.Stdin, r.Stderr)
	}
	registrar := r.Registrar
	if registrar == nil {
		registrar = installer.DefaultRegistrar()
	}

	return installer.New(installer.Options{
		Record: installer.Record{
			Identifier:     cfg.Identifier,
			BinaryPath:     cfg.Install.BinaryPath,
			DescriptorPath: cfg.Install.DescriptorPath,
			ReceiptPath:    cfg.Install.ReceiptPath,
			Arguments:      serveArguments(cfg, clientUIDs(cfg)),
		},
		SourceBinary: r.SourceBinary,
		LockPath:     cfg.Install.LockPath,
		Version:      version.Version,
		Authorizer:   authorizer,
		Registrar:    registrar,
		Logger:       logger,
	})
}

func (r Runner) dialer(cfg config.Config) ipc.Dialer {
	if r.Dialer != nil {
		return r.Dialer
	}
	return ipc.GRPCDialer{
		SocketPath:  cfg.SocketPath,
		Credentials: ipc.NewPeerCredentials(cfg.Peer.HelperUID),
	}
}

func (r Runner) powerCommands(cfg config.Config) power.Commands {
	return power.DefaultCommands().Override(cfg.Power.WakeCmd.Argv, cfg.Power.SleepCmd.Argv)
}

// serveArguments are the flags the service manager passes to the installed helper.
func serveArguments(cfg config.Config, uids []uint32) []string {
	args := []string{"serve", "--identifier", cfg.Identifier, "--socket", cfg.SocketPath}
	for _, uid := range uids {
		args = append(args, "--allow-uid", strconv.FormatUint(uint64(uid), 10))
	}
	return args
}

// clientUIDs returns the configured client uids plus the invoking user. Under
// sudo the invoking user is SUDO_UID.
func clientUIDs(cfg config.Config) []uint32 {
	uids := append([]uint32(nil), cfg.Peer.AllowUIDs...)

	uid := os.Getuid()
	if uid == 0 {
		if v, err := strconv.ParseUint(os.Getenv("SUDO_UID"), 10, 32); err == nil {
			uid = int(v)
		}
	}
	if uid > 0 {
		uids = append(uids, uint32(uid))
	}

	seen := make(map[uint32]struct{}, len(uids))
	out := uids[:0]
	for _, u := range uids {
		if _, ok := seen[u]; ok || u == 0 {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (r Runner) fail(logger *slog.Logger, msg string, err error) int {
	fmt.Fprintf(r.Stderr, "error: %v\n", err)
	if h := hint(err); h != "" {
		fmt.Fprintf(r.Stderr, "hint: %s\n", h)
	}
	logger.Error(msg, "error", err.Error())
	return 1
}

const (
	hintRetryable       = "retryable: run the same command again"
	hintReconnect       = "reconnect: the helper is not reachable; check `powerrelay status` or reinstall"
	hintVersionMismatch = "version mismatch: the installed helper does not understand this client; run `powerrelay install` after `powerrelay uninstall`"
	hintDenied          = "authorization was denied; nothing was changed"
)

// hint classifies err for the user.
func hint(err error) string {
	switch {
	case errors.Is(err, installer.ErrAuthorizationDenied):
		return hintDenied
	case errors.Is(err, protocol.ErrMalformedReply),
		errors.Is(err, protocol.ErrUnsupportedCommand):
		return hintVersionMismatch
	case errors.Is(err, dispatch.ErrReplyTimeout),
		errors.Is(err, installer.ErrRemovalFailed),
		errors.Is(err, installer.ErrRegistrationFailed):
		return hintRetryable
	case errors.Is(err, ipc.ErrConnectionFailed),
		errors.Is(err, ipc.ErrChannelClosed),
		errors.Is(err, ipc.ErrNotConnected):
		return hintReconnect
	default:
		return ""
	}
}

func logWarnings(logger *slog.Logger, warnings []config.Warning) {
	for _, w := range warnings {
		logger.Warn("config warning", "line", w.Line, "message", w.Message)
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

func presence(v bool) string {
	if v {
		return "present"
	}
	return "missing"
}
