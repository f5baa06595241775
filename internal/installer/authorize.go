package installer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Session performs privileged filesystem and process work for one transaction.
type Session interface {
	// InstallFile copies src to dst with mode, creating parent directories.
	InstallFile(ctx context.Context, src, dst string, mode os.FileMode) error
	// WriteFile writes data to dst with mode, creating parent directories.
	WriteFile(ctx context.Context, dst string, data []byte, mode os.FileMode) error
	// Remove deletes path. A missing path is not an error.
	Remove(ctx context.Context, path string) error
	// Run executes a command with elevated rights.
	Run(ctx context.Context, argv ...string) error
	// Release gives up the elevated rights.
	Release() error
}

// Authorizer obtains a Session. Each call is a fresh authorization.
type Authorizer interface {
	Authorize(ctx context.Context, reason string) (Session, error)
}

// Auto returns RootAuthorizer when already running as root, SudoAuthorizer otherwise.
func Auto(stdin io.Reader, stderr io.Writer) Authorizer {
	if os.Geteuid() == 0 {
		return RootAuthorizer{}
	}
	return &SudoAuthorizer{Stdin: stdin, Stderr: stderr}
}

// RootAuthorizer grants a direct Session when the process runs as root.
type RootAuthorizer struct{}

func (RootAuthorizer) Authorize(context.Context, string) (Session, error) {
	if os.Geteuid() != 0 {
		return nil, fmt.Errorf("%w: root privileges required", ErrAuthorizationDenied)
	}
	return rootSession{}, nil
}

type rootSession struct{}

func (rootSession) InstallFile(_ context.Context, src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %q: %w", src, err)
	}
	defer in.Close()
	return writeAtomic(dst, mode, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return err
	})
}

func (rootSession) WriteFile(_ context.Context, dst string, data []byte, mode os.FileMode) error {
	return writeAtomic(dst, mode, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

func (rootSession) Remove(_ context.Context, path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %q: %w", path, err)
	}
	return nil
}

func (rootSession) Run(ctx context.Context, argv ...string) error {
	return runCommand(ctx, nil, nil, argv)
}

func (rootSession) Release() error { return nil }

// writeAtomic writes through a temp file in dst's directory and renames it in place.
func writeAtomic(dst string, mode os.FileMode, fill func(io.Writer) error) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %q: %w", dst, err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write %q: %w", dst, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %q: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %q: %w", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename into %q: %w", dst, err)
	}
	return nil
}

// CommandFunc runs argv. A nil stderr folds error output into the returned error.
type CommandFunc func(ctx context.Context, stdin io.Reader, stderr io.Writer, argv []string) error

// SudoAuthorizer elevates through sudo. Authorize prompts once with
// "sudo -v"; the session runs every step non-interactively and drops the
// cached credential on Release.
type SudoAuthorizer struct {
	// Path is the sudo binary. Empty means "sudo" from PATH.
	Path   string
	Stdin  io.Reader
	Stderr io.Writer
	// Run overrides command execution.
	Run CommandFunc
}

func (a *SudoAuthorizer) Authorize(ctx context.Context, reason string) (Session, error) {
	sudo := a.Path
	if sudo == "" {
		sudo = "sudo"
	}
	run := a.Run
	if run == nil {
		run = runCommand
	}

	prompt := fmt.Sprintf("[powerrelay] password for %%u to %s: ", reason)
	if err := run(ctx, a.Stdin, a.Stderr, []string{sudo, "-v", "-p", prompt}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
	}
	return &sudoSession{sudo: sudo, run: run}, nil
}

type sudoSession struct {
	sudo string
	run  CommandFunc
}

func (s *sudoSession) exec(ctx context.Context, argv ...string) error {
	return s.run(ctx, nil, nil, append([]string{s.sudo, "-n", "--"}, argv...))
}

func (s *sudoSession) InstallFile(ctx context.Context, src, dst string, mode os.FileMode) error {
	if err := s.exec(ctx, "mkdir", "-p", filepath.Dir(dst)); err != nil {
		return err
	}
	return s.exec(ctx, "install", "-m", strconv.FormatUint(uint64(mode.Perm()), 8), src, dst)
}

func (s *sudoSession) WriteFile(ctx context.Context, dst string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp("", "powerrelay-*")
	if err != nil {
		return fmt.Errorf("stage %q: %w", dst, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("stage %q: %w", dst, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage %q: %w", dst, err)
	}
	return s.InstallFile(ctx, tmp.Name(), dst, mode)
}

func (s *sudoSession) Remove(ctx context.Context, path string) error {
	return s.exec(ctx, "rm", "-f", path)
}

func (s *sudoSession) Run(ctx context.Context, argv ...string) error {
	return s.exec(ctx, argv...)
}

func (s *sudoSession) Release() error {
	return s.run(context.Background(), nil, nil, []string{s.sudo, "-k"})
}

func runCommand(ctx context.Context, stdin io.Reader, stderr io.Writer, argv []string) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdin = stdin
	cmd.Stdout = &out
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = &out
	}
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(out.String())
		if detail != "" {
			return fmt.Errorf("running %s: %w: %s", strings.Join(argv, " "), err, detail)
		}
		return fmt.Errorf("running %s: %w", strings.Join(argv, " "), err)
	}
	return nil
}
