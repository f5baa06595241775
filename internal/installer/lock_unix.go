//go:build linux || darwin

package installer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

const lockPollInterval = 50 * time.Millisecond

// lockFile takes an exclusive flock on path, waiting until ctx ends. The lock
// must be a regular file owned by root or the caller; symlinks are refused.
func lockFile(ctx context.Context, path string) (func(), error) {
	f, err := openLock(path)
	if err != nil {
		return nil, err
	}

	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %q: %w", path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}

	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}

func openLock(path string) (*os.File, error) {
	// A read-only descriptor suffices for flock and lets any user share the file.
	flags := os.O_RDONLY | unix.O_NOFOLLOW
	f, err := os.OpenFile(path, flags, 0)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create lock dir: %w", err)
		}
		f, err = os.OpenFile(path, flags|os.O_CREATE, 0o644)
	}
	if err != nil {
		return nil, fmt.Errorf("open lock %q: %w", path, err)
	}

	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat lock %q: %w", path, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFREG {
		_ = f.Close()
		return nil, fmt.Errorf("lock %q is not a regular file", path)
	}
	if st.Uid != 0 && int(st.Uid) != os.Geteuid() {
		_ = f.Close()
		return nil, fmt.Errorf("lock %q is owned by uid %d", path, st.Uid)
	}
	return f, nil
}
