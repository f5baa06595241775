// Package doctor runs readiness diagnostics for config, the installed helper, and host tools.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rbright/powerrelay/internal/config"
	"github.com/rbright/powerrelay/internal/installer"
	"github.com/rbright/powerrelay/internal/ipc"
	"github.com/rbright/powerrelay/internal/power"
)

// Check is one doctor assertion result.
type Check struct {
	Name    string
	Pass    bool
	Message string
}

// Report is the full doctor output contract.
type Report struct {
	Checks []Check
}

// OK returns true when all checks pass.
func (r Report) OK() bool {
	for _, check := range r.Checks {
		if !check.Pass {
			return false
		}
	}
	return true
}

// String renders the report as user-facing text output.
func (r Report) String() string {
	var b strings.Builder
	for _, check := range r.Checks {
		status := "OK"
		if !check.Pass {
			status = "FAIL"
		}
		b.WriteString(fmt.Sprintf("[%s] %s: %s\n", status, check.Name, check.Message))
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Inspector reports the helper's installed state.
type Inspector interface {
	Status(ctx context.Context) (installer.Status, error)
}

// Options feeds Run.
type Options struct {
	Loaded    config.Loaded
	Inspector Inspector
	// Registrar selects the service manager tool that must be on PATH.
	Registrar installer.Registrar
	Power     power.Commands
	// ProbeTimeout bounds the socket liveness probe.
	ProbeTimeout time.Duration
}

// Run executes environment, install, and runtime checks.
func Run(ctx context.Context, opts Options) Report {
	cfg := opts.Loaded.Config
	checks := []Check{checkConfig(opts.Loaded)}

	if opts.Inspector != nil {
		checks = append(checks, checkInstall(ctx, opts.Inspector)...)
	}

	timeout := opts.ProbeTimeout
	if timeout <= 0 {
		timeout = cfg.Channel.ConnectTimeout
	}
	checks = append(checks, checkSocket(ctx, cfg.SocketPath, timeout))

	if opts.Registrar != nil {
		if tool := managerTool(opts.Registrar.Name()); tool != "" {
			checks = append(checks, checkBinary(tool, opts.Registrar.Name()+" service manager"))
		}
	}
	if os.Geteuid() != 0 {
		checks = append(checks, checkBinary("sudo", "install/uninstall elevate through sudo"))
	}
	checks = append(checks, checkCommand(opts.Power.WakeArgv, "wake_cmd"))
	checks = append(checks, checkCommand(opts.Power.SleepArgv, "sleep_cmd"))

	return Report{Checks: checks}
}

func checkConfig(loaded config.Loaded) Check {
	if !loaded.Exists {
		return Check{Name: "config", Pass: true, Message: fmt.Sprintf("using defaults (%q not found)", loaded.Path)}
	}
	return Check{Name: "config", Pass: true, Message: fmt.Sprintf("loaded %q", loaded.Path)}
}

// checkInstall reports descriptor, binary, receipt, and process state.
func checkInstall(ctx context.Context, inspector Inspector) []Check {
	st, err := inspector.Status(ctx)
	if err != nil {
		return []Check{{Name: "helper.installed", Pass: false, Message: err.Error()}}
	}

	checks := make([]Check, 0, 4)
	if st.Installed {
		checks = append(checks, Check{Name: "helper.installed", Pass: true, Message: st.Record.DescriptorPath})
	} else {
		checks = append(checks, Check{Name: "helper.installed", Pass: false, Message: "not installed; run `powerrelay install`"})
		return checks
	}

	if !st.BinaryPresent {
		checks = append(checks, Check{Name: "helper.binary", Pass: false, Message: fmt.Sprintf("%s is missing", st.Record.BinaryPath)})
	} else {
		checks = append(checks, Check{Name: "helper.binary", Pass: true, Message: st.Record.BinaryPath})
		checks = append(checks, checkReceipt(st))
	}

	if st.Running {
		checks = append(checks, Check{Name: "helper.process", Pass: true, Message: fmt.Sprintf("running (pid %d)", st.PID)})
	} else {
		checks = append(checks, Check{Name: "helper.process", Pass: false, Message: "not running"})
	}
	return checks
}

// checkReceipt compares the installed binary against the digest recorded at install.
func checkReceipt(st installer.Status) Check {
	if st.Receipt == nil {
		return Check{Name: "helper.receipt", Pass: false, Message: "no readable install receipt"}
	}
	sum, err := installer.FileSHA256(st.Record.BinaryPath)
	if err != nil {
		return Check{Name: "helper.receipt", Pass: false, Message: err.Error()}
	}
	if sum != st.Receipt.BinarySHA256 {
		return Check{Name: "helper.receipt", Pass: false, Message: "installed binary differs from receipt; reinstall"}
	}
	return Check{Name: "helper.receipt", Pass: true, Message: fmt.Sprintf("version %s installed %s", st.Receipt.Version, st.Receipt.InstalledAt.Format(time.RFC3339))}
}

func checkSocket(ctx context.Context, path string, timeout time.Duration) Check {
	alive, err := ipc.Probe(ctx, path, timeout)
	switch {
	case alive:
		return Check{Name: "helper.socket", Pass: true, Message: fmt.Sprintf("accepting connections at %s", path)}
	case err != nil:
		return Check{Name: "helper.socket", Pass: false, Message: err.Error()}
	default:
		return Check{Name: "helper.socket", Pass: false, Message: fmt.Sprintf("nothing listening at %s", path)}
	}
}

func managerTool(registrar string) string {
	switch registrar {
	case "systemd":
		return "systemctl"
	case "launchd":
		return "launchctl"
	default:
		return ""
	}
}

// checkCommand validates that argv contains a runnable command.
func checkCommand(argv []string, name string) Check {
	if len(argv) == 0 {
		return Check{Name: name, Pass: false, Message: "command is empty"}
	}
	return checkBinary(argv[0], fmt.Sprintf("%s command is available", name))
}

// checkBinary validates that a binary exists in PATH.
func checkBinary(bin string, okMsg string) Check {
	path, err := exec.LookPath(bin)
	if err != nil {
		return Check{Name: bin, Pass: false, Message: fmt.Sprintf("binary not found in PATH: %s", bin)}
	}
	return Check{Name: bin, Pass: true, Message: fmt.Sprintf("found at %s (%s)", path, okMsg)}
}
