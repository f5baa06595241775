package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rbright/powerrelay/internal/config"
	"github.com/rbright/powerrelay/internal/dispatch"
	"github.com/rbright/powerrelay/internal/installer"
	"github.com/rbright/powerrelay/internal/ipc"
	"github.com/rbright/powerrelay/internal/protocol"
	"github.com/stretchr/testify/require"
)

const testIdentifier = "io.example.helper"

type runnerPaths struct {
	dir        string
	configPath string
	socketPath string
	descriptor string
	binary     string
	source     string
}

func setupRunnerEnv(t *testing.T) runnerPaths {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv(config.EnvSocket, "")
	t.Setenv(config.EnvLogLevel, "")

	paths := runnerPaths{
		dir:        dir,
		configPath: filepath.Join(dir, "powerrelay.jsonc"),
		socketPath: filepath.Join(dir, "helper.sock"),
		descriptor: filepath.Join(dir, "units", testIdentifier+".service"),
		binary:     filepath.Join(dir, "libexec", testIdentifier),
		source:     filepath.Join(dir, "powerrelay-build"),
	}
	require.NoError(t, os.WriteFile(paths.source, []byte("#!/bin/sh\nexit 0\n"), 0o755))

	contents := fmt.Sprintf(`{
  // test helper
  "identifier": %q,
  "socket_path": %q,
  "log_level": "debug",
  "install": {
    "binary_path": %q,
    "descriptor_path": %q,
    "receipt_path": %q,
    "lock_path": %q,
  },
  "channel": {"connect_timeout_ms": 500, "reply_timeout_ms": 2000},
  "peer": {"helper_uid": %d},
}`,
		testIdentifier,
		paths.socketPath,
		paths.binary,
		paths.descriptor,
		filepath.Join(dir, "receipts", testIdentifier+".yaml"),
		filepath.Join(dir, "install.lock"),
		os.Getuid(),
	)
	require.NoError(t, os.WriteFile(paths.configPath, []byte(contents), 0o600))
	return paths
}

// localSession applies privileged operations directly and records commands.
type localSession struct {
	mu  sync.Mutex
	ran [][]string
}

func (s *localSession) InstallFile(ctx context.Context, src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return s.WriteFile(ctx, dst, data, mode)
}

func (s *localSession) WriteFile(_ context.Context, dst string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

func (s *localSession) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *localSession) Run(_ context.Context, argv ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ran = append(s.ran, argv)
	return nil
}

func (s *localSession) Release() error { return nil }

type localAuthorizer struct {
	session *localSession
	deny    bool
}

func (a *localAuthorizer) Authorize(context.Context, string) (installer.Session, error) {
	if a.deny {
		return nil, installer.ErrAuthorizationDenied
	}
	return a.session, nil
}

type scriptedExecutor struct {
	wakes    chan int64
	sleepErr error
}

func (e *scriptedExecutor) ScheduleWake(_ context.Context, seconds int64) (string, error) {
	e.wakes <- seconds
	return fmt.Sprintf("wake scheduled in %ds", seconds), nil
}

func (e *scriptedExecutor) Sleep(context.Context) (string, error) {
	if e.sleepErr != nil {
		return "", e.sleepErr
	}
	return "sleep requested", nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func installRunner(paths runnerPaths, auth *localAuthorizer) (Runner, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	return Runner{
		Stdout:       &stdout,
		Stderr:       &stderr,
		Authorizer:   auth,
		Registrar:    installer.Systemd{},
		SourceBinary: paths.source,
	}, &stdout, &stderr
}

func TestExecuteHelp(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"--help"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "Usage:")
	require.Empty(t, stderr.String())
}

func TestExecuteVersion(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"version"}, &stdout, &stderr)
	require.Equal(t, 0, exitCode)
	require.Contains(t, stdout.String(), "powerrelay")
	require.Empty(t, stderr.String())
}

func TestExecuteUnknownCommand(t *testing.T) {
	var stdout bytes.Buffer
	var stderr bytes.Buffer

	exitCode := Execute(context.Background(), []string{"definitely-not-a-command"}, &stdout, &stderr)
	require.Equal(t, 2, exitCode)
	require.Contains(t, stderr.String(), "unknown command")
	require.Contains(t, stderr.String(), "Usage:")
}

func TestExecuteInvalidConfigFails(t *testing.T) {
	paths := setupRunnerEnv(t)
	require.NoError(t, os.WriteFile(paths.configPath, []byte(`{"identifier": "nodots"}`), 0o600))

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "status"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "reverse-DNS")
}

func TestRunnerInstallStatusUninstall(t *testing.T) {
	paths := setupRunnerEnv(t)
	session := &localSession{}
	runner, stdout, stderr := installRunner(paths, &localAuthorizer{session: session})

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "install"})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stdout.String(), "installed "+testIdentifier+" (systemd)")

	unit, err := os.ReadFile(paths.descriptor)
	require.NoError(t, err)
	require.Contains(t, string(unit), "serve")
	require.Contains(t, string(unit), "--socket")
	require.FileExists(t, paths.binary)
	require.Contains(t, session.ran, []string{"systemctl", "enable", testIdentifier + ".service"})

	stdout.Reset()
	exitCode = runner.Execute(context.Background(), []string{"--config", paths.configPath, "install"})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stdout.String(), "already installed")

	stdout.Reset()
	exitCode = runner.Execute(context.Background(), []string{"--config", paths.configPath, "status"})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stdout.String(), "installed:  yes")
	require.Contains(t, stdout.String(), "binary:     present")
	require.Contains(t, stdout.String(), "socket:     not listening")

	stdout.Reset()
	exitCode = runner.Execute(context.Background(), []string{"--config", paths.configPath, "uninstall"})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Contains(t, stdout.String(), "uninstalled "+testIdentifier)
	require.NoFileExists(t, paths.descriptor)
	require.NoFileExists(t, paths.binary)
}

func TestRunnerInstallDeniedShowsHint(t *testing.T) {
	paths := setupRunnerEnv(t)
	runner, _, stderr := installRunner(paths, &localAuthorizer{deny: true})

	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "install"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "authorization denied")
	require.Contains(t, stderr.String(), "hint: "+hintDenied)
	require.NoFileExists(t, paths.descriptor)
}

func TestRunnerWakeWithoutHelperSuggestsReconnect(t *testing.T) {
	paths := setupRunnerEnv(t)

	var stdout, stderr bytes.Buffer
	runner := Runner{Stdout: &stdout, Stderr: &stderr}
	exitCode := runner.Execute(context.Background(), []string{"--config", paths.configPath, "wake"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "connection to helper failed")
	require.Contains(t, stderr.String(), "hint: reconnect")
	require.Empty(t, stdout.String())
}

func TestRunnerServeRelaysWakeAndSleep(t *testing.T) {
	paths := setupRunnerEnv(t)
	executor := &scriptedExecutor{wakes: make(chan int64, 1), sleepErr: errors.New("suspend inhibited")}

	serveCtx, stopServe := context.WithCancel(context.Background())
	defer stopServe()

	var serveErr bytes.Buffer
	helper := Runner{Stdout: io.Discard, Stderr: &serveErr, Logger: discardLogger(), Executor: executor}
	served := make(chan int, 1)
	go func() {
		served <- helper.Execute(serveCtx, []string{
			"--config", paths.configPath,
			"serve", "--allow-uid", strconv.Itoa(os.Getuid()),
		})
	}()

	require.Eventually(t, func() bool {
		alive, _ := ipc.Probe(context.Background(), paths.socketPath, 100*time.Millisecond)
		return alive
	}, 5*time.Second, 20*time.Millisecond)

	var stdout, stderr bytes.Buffer
	client := Runner{Stdout: &stdout, Stderr: &stderr, Logger: discardLogger()}

	exitCode := client.Execute(context.Background(), []string{"--config", paths.configPath, "wake", "-s", "7"})
	require.Equal(t, 0, exitCode, stderr.String())
	require.Equal(t, "wake scheduled in 7s\n", stdout.String())
	require.Equal(t, int64(7), <-executor.wakes)

	stdout.Reset()
	exitCode = client.Execute(context.Background(), []string{"--config", paths.configPath, "sleep"})
	require.Equal(t, 1, exitCode)
	require.Contains(t, stderr.String(), "sleep failed (result=1): suspend inhibited")

	stopServe()
	select {
	case code := <-served:
		require.Equal(t, 0, code, serveErr.String())
	case <-time.After(5 * time.Second):
		t.Fatal("helper did not stop")
	}
	require.NoFileExists(t, paths.socketPath)
}

func TestServeArguments(t *testing.T) {
	cfg := config.Default()
	cfg.Identifier = testIdentifier
	cfg.SocketPath = "/run/powerrelay/io.example.helper.sock"

	args := serveArguments(cfg, []uint32{501, 502})
	require.Equal(t, []string{
		"serve",
		"--identifier", testIdentifier,
		"--socket", "/run/powerrelay/io.example.helper.sock",
		"--allow-uid", "501",
		"--allow-uid", "502",
	}, args)
}

func TestClientUIDsDedupesAndDropsRoot(t *testing.T) {
	cfg := config.Default()
	cfg.Peer.AllowUIDs = []uint32{501, 0, 501}

	uids := clientUIDs(cfg)
	require.NotContains(t, uids, uint32(0))
	count := 0
	for _, uid := range uids {
		if uid == 501 {
			count++
		}
	}
	require.Equal(t, 1, count)
}

func TestHintClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "timeout", err: fmt.Errorf("wake: %w", dispatch.ErrReplyTimeout), want: hintRetryable},
		{name: "connect", err: fmt.Errorf("%w: refused", ipc.ErrConnectionFailed), want: hintReconnect},
		{name: "closed", err: ipc.ErrChannelClosed, want: hintReconnect},
		{name: "malformed", err: fmt.Errorf("%w: result missing", protocol.ErrMalformedReply), want: hintVersionMismatch},
		{name: "removal", err: &installer.RemovalError{Step: installer.StepRemoveBinary, Err: errors.New("busy")}, want: hintRetryable},
		{name: "denied", err: installer.ErrAuthorizationDenied, want: hintDenied},
		{name: "other", err: errors.New("boom"), want: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, hint(tc.err))
		})
	}
}

func TestRenderStatus(t *testing.T) {
	text := renderStatus(installer.Status{
		Record:  installer.Record{Identifier: testIdentifier, BinaryPath: "/usr/local/libexec/x", DescriptorPath: "/etc/systemd/system/x.service"},
		Running: true,
		PID:     99,
	}, "/run/x.sock", true)

	require.Contains(t, text, "identifier: "+testIdentifier)
	require.Contains(t, text, "installed:  no")
	require.Contains(t, text, "receipt:    none")
	require.Contains(t, text, "process:    running (pid 99)")
	require.Contains(t, text, "socket:     listening (/run/x.sock)")
}
