package installer

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/process"
)

// Status is a read-only snapshot of the helper on this machine.
type Status struct {
	Record        Record
	Installed     bool
	BinaryPresent bool
	// Receipt is nil when no readable receipt exists.
	Receipt *Receipt
	Running bool
	PID     int32
}

// Status inspects the filesystem and process table.
func (i *Installer) Status(ctx context.Context) (Status, error) {
	st := Status{Record: i.rec}

	var err error
	if st.Installed, err = i.IsInstalled(); err != nil {
		return st, err
	}
	if st.BinaryPresent, err = exists(i.rec.BinaryPath); err != nil {
		return st, err
	}
	if i.rec.ReceiptPath != "" {
		if r, err := ReadReceipt(i.rec.ReceiptPath); err == nil {
			st.Receipt = &r
		}
	}

	pid, running, err := FindProcess(ctx, i.rec.BinaryPath)
	if err != nil {
		i.logger.Debug("process scan failed", "error", err.Error())
	}
	st.Running, st.PID = running, pid
	return st, nil
}

// FindProcess looks for a process started from binary. The command line is
// checked first since another user's executable link is often unreadable.
func FindProcess(ctx context.Context, binary string) (int32, bool, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("list processes: %w", err)
	}
	want := filepath.Clean(binary)

	for _, p := range procs {
		if args, err := p.CmdlineSliceWithContext(ctx); err == nil && len(args) > 0 {
			if filepath.Clean(args[0]) == want {
				return p.Pid, true, nil
			}
		}
		if exe, err := p.ExeWithContext(ctx); err == nil && filepath.Clean(exe) == want {
			return p.Pid, true, nil
		}
	}
	return 0, false, nil
}
