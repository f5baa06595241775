// Package power carries out wake and sleep requests inside the privileged helper.
package power

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Executor performs power actions on the local machine.
type Executor interface {
	// ScheduleWake arms a wake-up seconds from now.
	ScheduleWake(ctx context.Context, seconds int64) (string, error)
	// Sleep puts the machine to sleep.
	Sleep(ctx context.Context) (string, error)
}

// Runner executes one external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, argv []string) ([]byte, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(context.Context, []string) ([]byte, error)

func (f RunnerFunc) Run(ctx context.Context, argv []string) ([]byte, error) {
	return f(ctx, argv)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, argv []string) ([]byte, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(out.String())
		if detail != "" {
			return out.Bytes(), fmt.Errorf("%s: %w: %s", argv[0], err, detail)
		}
		return out.Bytes(), fmt.Errorf("%s: %w", argv[0], err)
	}
	return out.Bytes(), nil
}

// Commands names the argv templates an executor runs. "{seconds}" in
// WakeArgv is replaced by the delay, "{date}" by the absolute wake time.
type Commands struct {
	WakeArgv  []string
	SleepArgv []string
}

// LinuxCommands schedules the RTC alarm with rtcwake and suspends via systemd.
func LinuxCommands() Commands {
	return Commands{
		WakeArgv:  []string{"rtcwake", "-m", "no", "-s", "{seconds}"},
		SleepArgv: []string{"systemctl", "suspend"},
	}
}

// DarwinCommands drives pmset.
func DarwinCommands() Commands {
	return Commands{
		WakeArgv:  []string{"pmset", "schedule", "wake", "{date}"},
		SleepArgv: []string{"pmset", "sleepnow"},
	}
}

// Override replaces the templates that are set.
func (c Commands) Override(wake, sleep []string) Commands {
	if len(wake) > 0 {
		c.WakeArgv = append([]string(nil), wake...)
	}
	if len(sleep) > 0 {
		c.SleepArgv = append([]string(nil), sleep...)
	}
	return c
}

// pmsetDateLayout is the date format pmset schedule accepts.
const pmsetDateLayout = "01/02/06 15:04:05"

// CommandExecutor runs configured commands through a Runner.
type CommandExecutor struct {
	commands Commands
	runner   Runner
	now      func() time.Time
}

// NewCommandExecutor builds an executor. A nil runner uses ExecRunner.
func NewCommandExecutor(commands Commands, runner Runner) *CommandExecutor {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CommandExecutor{commands: commands, runner: runner, now: time.Now}
}

func (e *CommandExecutor) ScheduleWake(ctx context.Context, seconds int64) (string, error) {
	if seconds <= 0 {
		return "", fmt.Errorf("wake delay must be positive, got %d", seconds)
	}
	at := e.now().Add(time.Duration(seconds) * time.Second)
	argv, err := expand(e.commands.WakeArgv, map[string]string{
		"{seconds}": strconv.FormatInt(seconds, 10),
		"{date}":    at.Format(pmsetDateLayout),
	})
	if err != nil {
		return "", fmt.Errorf("wake command: %w", err)
	}
	if _, err := e.runner.Run(ctx, argv); err != nil {
		return "", fmt.Errorf("schedule wake: %w", err)
	}
	return fmt.Sprintf("wake scheduled in %ds (at %s)", seconds, at.Format(time.RFC3339)), nil
}

func (e *CommandExecutor) Sleep(ctx context.Context) (string, error) {
	argv, err := expand(e.commands.SleepArgv, nil)
	if err != nil {
		return "", fmt.Errorf("sleep command: %w", err)
	}
	if _, err := e.runner.Run(ctx, argv); err != nil {
		return "", fmt.Errorf("sleep: %w", err)
	}
	return "sleep requested", nil
}

func expand(template []string, values map[string]string) ([]string, error) {
	if len(template) == 0 {
		return nil, errors.New("command is not configured")
	}
	out := make([]string, len(template))
	for i, arg := range template {
		for placeholder, value := range values {
			arg = strings.ReplaceAll(arg, placeholder, value)
		}
		out[i] = arg
	}
	return out, nil
}
