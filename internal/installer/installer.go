// Package installer puts the privileged helper in place and takes it away again.
package installer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Record locates one installed helper.
type Record struct {
	Identifier     string
	BinaryPath     string
	DescriptorPath string
	ReceiptPath    string
	// Arguments follow BinaryPath when the service manager starts the helper.
	Arguments []string
}

// Options configures an Installer.
type Options struct {
	Record Record
	// SourceBinary is copied to Record.BinaryPath. Empty means the running executable.
	SourceBinary string
	// LockPath is the machine-wide transaction lock file.
	LockPath   string
	Version    string
	Authorizer Authorizer
	Registrar  Registrar
	Logger     *slog.Logger
}

// Installer manages the Absent ↔ Installed lifecycle of one helper.
type Installer struct {
	rec          Record
	sourceBinary string
	lockPath     string
	version      string
	authorizer   Authorizer
	registrar    Registrar
	logger       *slog.Logger
	now          func() time.Time

	mu sync.Mutex
}

// New validates opts and builds an Installer.
func New(opts Options) (*Installer, error) {
	rec := opts.Record
	if strings.TrimSpace(rec.Identifier) == "" {
		return nil, errors.New("helper identifier is required")
	}
	for name, path := range map[string]string{
		"binary path":     rec.BinaryPath,
		"descriptor path": rec.DescriptorPath,
		"lock path":       opts.LockPath,
	} {
		if !filepath.IsAbs(path) {
			return nil, fmt.Errorf("%s must be absolute, got %q", name, path)
		}
	}
	if opts.Authorizer == nil {
		return nil, errors.New("authorizer is required")
	}
	if opts.Registrar == nil {
		opts.Registrar = DefaultRegistrar()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Installer{
		rec:          rec,
		sourceBinary: opts.SourceBinary,
		lockPath:     opts.LockPath,
		version:      opts.Version,
		authorizer:   opts.Authorizer,
		registrar:    opts.Registrar,
		logger:       opts.Logger,
		now:          time.Now,
	}, nil
}

// Record returns the helper's install locations.
func (i *Installer) Record() Record {
	return i.rec
}

// Registrar returns the service manager binding.
func (i *Installer) Registrar() Registrar {
	return i.registrar
}

// IsInstalled reports whether the registration descriptor exists.
func (i *Installer) IsInstalled() (bool, error) {
	return exists(i.rec.DescriptorPath)
}

// IsComplete reports whether every install artifact is present. A helper left
// behind by an interrupted uninstall has lost its receipt and is incomplete.
func (i *Installer) IsComplete() (bool, error) {
	paths := []string{i.rec.DescriptorPath, i.rec.BinaryPath}
	if i.rec.ReceiptPath != "" {
		paths = append(paths, i.rec.ReceiptPath)
	}
	for _, path := range paths {
		ok, err := exists(path)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Install copies the helper into place and registers it. A complete install
// is left untouched; a partial one is installed and registered again. A
// registration failure rolls back what was written.
func (i *Installer) Install(ctx context.Context) error {
	unlock, err := i.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	complete, err := i.IsComplete()
	if err != nil {
		return err
	}
	if complete {
		i.logger.Info("helper already installed", "identifier", i.rec.Identifier)
		return nil
	}
	if installed, _ := i.IsInstalled(); installed {
		i.logger.Warn("repairing partial helper install", "identifier", i.rec.Identifier)
	}

	source, err := i.resolveSource()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	descriptor, err := i.registrar.Descriptor(i.rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}

	session, err := i.authorize(ctx, "install "+i.rec.Identifier)
	if err != nil {
		return err
	}
	defer i.release(session)

	var written []string
	if err := session.InstallFile(ctx, source, i.rec.BinaryPath, 0o755); err != nil {
		return i.rollback(ctx, session, fmt.Errorf("%w: install binary: %v", ErrRegistrationFailed, err), []string{i.rec.BinaryPath})
	}
	written = append(written, i.rec.BinaryPath)

	if err := session.WriteFile(ctx, i.rec.DescriptorPath, descriptor, 0o644); err != nil {
		return i.rollback(ctx, session, fmt.Errorf("%w: write descriptor: %v", ErrRegistrationFailed, err), append(written, i.rec.DescriptorPath))
	}
	written = append(written, i.rec.DescriptorPath)

	if err := i.registrar.Register(ctx, session, i.rec); err != nil {
		_ = i.registrar.Unregister(ctx, session, i.rec)
		return i.rollback(ctx, session, fmt.Errorf("%w: %s register: %v", ErrRegistrationFailed, i.registrar.Name(), err), written)
	}

	i.writeReceipt(ctx, session, source)
	i.logger.Info("helper installed",
		"identifier", i.rec.Identifier,
		"binary", i.rec.BinaryPath,
		"descriptor", i.rec.DescriptorPath,
		"manager", i.registrar.Name(),
	)
	return nil
}

// Uninstall stops and removes the helper. An absent helper is a no-op.
func (i *Installer) Uninstall(ctx context.Context) error {
	unlock, err := i.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	installed, err := i.IsInstalled()
	if err != nil {
		return err
	}
	binary, err := exists(i.rec.BinaryPath)
	if err != nil {
		return err
	}
	receipt := false
	if i.rec.ReceiptPath != "" {
		if receipt, err = exists(i.rec.ReceiptPath); err != nil {
			return err
		}
	}
	if !installed && !binary && !receipt {
		i.logger.Info("helper not installed", "identifier", i.rec.Identifier)
		return nil
	}

	session, err := i.authorize(ctx, "uninstall "+i.rec.Identifier)
	if err != nil {
		return err
	}
	defer i.release(session)

	tx := NewRemovalTransaction(i.registrar, i.rec, i.logger)
	report, err := tx.Run(ctx, session)
	if err != nil {
		i.logger.Error("helper removal failed", "identifier", i.rec.Identifier, "error", err.Error())
		return err
	}
	i.logger.Info("helper uninstalled",
		"identifier", i.rec.Identifier,
		"steps", len(report.Completed),
		"warnings", len(report.Warnings),
	)
	return nil
}

func (i *Installer) acquire(ctx context.Context) (func(), error) {
	i.mu.Lock()
	release, err := lockFile(ctx, i.lockPath)
	if errors.Is(err, fs.ErrPermission) {
		if err = i.prepareLock(ctx); err == nil {
			release, err = lockFile(ctx, i.lockPath)
		}
	}
	if err != nil {
		i.mu.Unlock()
		return nil, fmt.Errorf("acquire install lock: %w", err)
	}
	return func() {
		release()
		i.mu.Unlock()
	}, nil
}

// prepareLock creates the lock file through an authorized session when its
// directory is not writable by this process.
func (i *Installer) prepareLock(ctx context.Context) error {
	session, err := i.authorize(ctx, "prepare "+i.rec.Identifier+" install lock")
	if err != nil {
		return err
	}
	defer i.release(session)
	return session.WriteFile(ctx, i.lockPath, nil, 0o644)
}

func (i *Installer) authorize(ctx context.Context, reason string) (Session, error) {
	session, err := i.authorizer.Authorize(ctx, reason)
	if err != nil {
		if errors.Is(err, ErrAuthorizationDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrAuthorizationDenied, err)
	}
	return session, nil
}

func (i *Installer) release(session Session) {
	if err := session.Release(); err != nil {
		i.logger.Warn("release authorization", "error", err.Error())
	}
}

func (i *Installer) resolveSource() (string, error) {
	source := i.sourceBinary
	if source == "" {
		exe, err := os.Executable()
		if err != nil {
			return "", fmt.Errorf("locate running executable: %w", err)
		}
		source = exe
	}
	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		return "", fmt.Errorf("resolve helper source %q: %w", source, err)
	}
	return resolved, nil
}

// rollback removes paths in reverse order and returns cause, or a
// *RollbackError naming what could not be removed.
func (i *Installer) rollback(ctx context.Context, session Session, cause error, paths []string) error {
	var (
		remaining []string
		errs      []error
	)
	for idx := len(paths) - 1; idx >= 0; idx-- {
		if err := session.Remove(ctx, paths[idx]); err != nil {
			remaining = append(remaining, paths[idx])
			errs = append(errs, err)
		}
	}
	if err := i.registrar.Reload(ctx, session); err != nil {
		i.logger.Warn("reload after rollback", "error", err.Error())
	}

	if len(remaining) == 0 {
		i.logger.Warn("install rolled back", "identifier", i.rec.Identifier, "cause", cause.Error())
		return cause
	}
	i.logger.Error("install rollback incomplete", "identifier", i.rec.Identifier, "remaining", remaining)
	return &RollbackError{Cause: cause, Remaining: remaining, Err: errors.Join(errs...)}
}

// writeReceipt records the install. Receipt failures are logged only; the
// helper is already registered.
func (i *Installer) writeReceipt(ctx context.Context, session Session, source string) {
	if i.rec.ReceiptPath == "" {
		return
	}
	sum, err := FileSHA256(source)
	if err != nil {
		i.logger.Warn("hash helper binary", "error", err.Error())
	}
	data, err := Receipt{
		Identifier:     i.rec.Identifier,
		BinaryPath:     i.rec.BinaryPath,
		DescriptorPath: i.rec.DescriptorPath,
		BinarySHA256:   sum,
		Version:        i.version,
		InstalledAt:    i.now().UTC().Truncate(time.Second),
	}.Marshal()
	if err == nil {
		err = session.WriteFile(ctx, i.rec.ReceiptPath, data, 0o644)
	}
	if err != nil {
		i.logger.Warn("write install receipt", "path", i.rec.ReceiptPath, "error", err.Error())
	}
}

func exists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat %q: %w", path, err)
}
