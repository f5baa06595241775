// Package cli defines the powerrelay command tree and parses argv into a
// Parsed invocation without running anything.
package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type Command string

const (
	CommandInstall   Command = "install"
	CommandUninstall Command = "uninstall"
	CommandStatus    Command = "status"
	CommandWake      Command = "wake"
	CommandSleep     Command = "sleep"
	CommandDoctor    Command = "doctor"
	CommandServe     Command = "serve"
	CommandVersion   Command = "version"
	CommandHelp      Command = "help"
)

// DefaultWakeSeconds is the wake delay used when --seconds is not given.
const DefaultWakeSeconds = 5

// Parsed is one validated invocation.
type Parsed struct {
	Command    Command
	ConfigPath string
	ShowHelp   bool

	// Seconds is the wake delay for CommandWake.
	Seconds int64
	// Watch keeps CommandStatus running and reports installed-state changes.
	Watch bool
	Serve ServeArgs
}

// ServeArgs are the helper's own flags. The installer renders them into the
// service descriptor.
type ServeArgs struct {
	Identifier string
	SocketPath string
	AllowUIDs  []uint
}

// Parse resolves args against the command tree. Usage mistakes are returned
// as errors; help requests set ShowHelp.
func Parse(args []string) (Parsed, error) {
	if args == nil {
		args = []string{}
	}

	parsed := Parsed{Command: CommandHelp, ShowHelp: true}
	root := newRoot("powerrelay", &parsed)
	root.SetArgs(args)
	if _, err := root.ExecuteC(); err != nil {
		return Parsed{}, err
	}
	return parsed, nil
}

// HelpText renders root usage for binaryName.
func HelpText(binaryName string) string {
	var parsed Parsed
	root := newRoot(binaryName, &parsed)
	root.InitDefaultHelpCmd()
	return root.Long + "\n\n" + root.UsageString()
}

func newRoot(binaryName string, parsed *Parsed) *cobra.Command {
	var (
		configPath  string
		showVersion bool
	)

	root := &cobra.Command{
		Use:   binaryName,
		Short: "Install a privileged power helper and relay commands to it",
		Long: `powerrelay installs a root-owned helper service and relays power commands
(wake, sleep) to it over an authenticated local socket.`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				*parsed = Parsed{Command: CommandVersion}
			}
			parsed.ConfigPath = configPath
			return nil
		},
	}
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default: $XDG_CONFIG_HOME/powerrelay/config.jsonc)")
	root.Flags().BoolVar(&showVersion, "version", false, "show version")
	root.SetHelpFunc(func(*cobra.Command, []string) {
		*parsed = Parsed{Command: CommandHelp, ShowHelp: true, ConfigPath: configPath}
	})

	simple := func(name Command, short string) *cobra.Command {
		return &cobra.Command{
			Use:   string(name),
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(*cobra.Command, []string) error {
				*parsed = Parsed{Command: name, ConfigPath: configPath}
				return nil
			},
		}
	}

	var seconds int64
	wake := &cobra.Command{
		Use:   string(CommandWake),
		Short: "Ask the helper to schedule a wake after --seconds",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if seconds <= 0 {
				return fmt.Errorf("--seconds must be > 0, got %d", seconds)
			}
			*parsed = Parsed{Command: CommandWake, ConfigPath: configPath, Seconds: seconds}
			return nil
		},
	}
	wake.Flags().Int64VarP(&seconds, "seconds", "s", DefaultWakeSeconds, "seconds until wake")

	var watch bool
	status := &cobra.Command{
		Use:   string(CommandStatus),
		Short: "Print helper install and process state",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			*parsed = Parsed{Command: CommandStatus, ConfigPath: configPath, Watch: watch}
			return nil
		},
	}
	status.Flags().BoolVarP(&watch, "watch", "w", false, "keep running and report install changes")

	var serveArgs ServeArgs
	serve := &cobra.Command{
		Use:    string(CommandServe),
		Short:  "Run the privileged helper (started by the service manager)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(*cobra.Command, []string) error {
			serveArgs.Identifier = strings.TrimSpace(serveArgs.Identifier)
			serveArgs.SocketPath = strings.TrimSpace(serveArgs.SocketPath)
			*parsed = Parsed{Command: CommandServe, ConfigPath: configPath, Serve: serveArgs}
			return nil
		},
	}
	serve.Flags().StringVar(&serveArgs.Identifier, "identifier", "", "service identifier (default from config)")
	serve.Flags().StringVar(&serveArgs.SocketPath, "socket", "", "socket path (default from config)")
	serve.Flags().UintSliceVar(&serveArgs.AllowUIDs, "allow-uid", nil, "uid allowed to connect in addition to root (repeatable)")

	root.AddCommand(
		simple(CommandInstall, "Install and register the privileged helper"),
		simple(CommandUninstall, "Stop, unregister and remove the privileged helper"),
		status,
		wake,
		simple(CommandSleep, "Ask the helper to put the machine to sleep"),
		simple(CommandDoctor, "Run configuration and environment checks"),
		serve,
		simple(CommandVersion, "Print version information"),
	)
	return root
}
