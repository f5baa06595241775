package installer

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"text/template"
)

// Registrar binds a helper to the OS service manager.
type Registrar interface {
	// Name identifies the service manager for logs and diagnostics.
	Name() string
	// Descriptor renders the registration file for rec.
	Descriptor(rec Record) ([]byte, error)
	// Register loads and starts the service after its descriptor is written.
	Register(ctx context.Context, s Session, rec Record) error
	// Stop halts a running service.
	Stop(ctx context.Context, s Session, rec Record) error
	// Unregister removes the service from the manager's boot set.
	Unregister(ctx context.Context, s Session, rec Record) error
	// Reload tells the manager its descriptors changed.
	Reload(ctx context.Context, s Session) error
}

// Systemd registers the helper as a system unit.
type Systemd struct{}

const systemdUnitTemplate = `[Unit]
Description=powerrelay privileged helper ({{ .Identifier }})
After=local-fs.target

[Service]
Type=simple
ExecStart={{ .ExecStart }}
Restart=on-failure
RestartSec=2
StandardOutput=journal
StandardError=journal
SyslogIdentifier={{ .Identifier }}
NoNewPrivileges=true
PrivateTmp=true

[Install]
WantedBy=multi-user.target
`

var systemdUnit = template.Must(template.New("unit").Parse(systemdUnitTemplate))

func (Systemd) Name() string { return "systemd" }

func (Systemd) unit(rec Record) string {
	return rec.Identifier + ".service"
}

func (Systemd) Descriptor(rec Record) ([]byte, error) {
	argv := append([]string{rec.BinaryPath}, rec.Arguments...)
	quoted := make([]string, len(argv))
	for i, arg := range argv {
		quoted[i] = systemdQuote(arg)
	}

	var buf bytes.Buffer
	err := systemdUnit.Execute(&buf, struct {
		Identifier string
		ExecStart  string
	}{rec.Identifier, strings.Join(quoted, " ")})
	if err != nil {
		return nil, fmt.Errorf("render systemd unit: %w", err)
	}
	return buf.Bytes(), nil
}

func (sd Systemd) Register(ctx context.Context, s Session, rec Record) error {
	for _, argv := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", sd.unit(rec)},
		{"systemctl", "start", sd.unit(rec)},
	} {
		if err := s.Run(ctx, argv...); err != nil {
			return err
		}
	}
	return nil
}

func (sd Systemd) Stop(ctx context.Context, s Session, rec Record) error {
	return s.Run(ctx, "systemctl", "stop", sd.unit(rec))
}

func (sd Systemd) Unregister(ctx context.Context, s Session, rec Record) error {
	return s.Run(ctx, "systemctl", "disable", sd.unit(rec))
}

func (Systemd) Reload(ctx context.Context, s Session) error {
	return s.Run(ctx, "systemctl", "daemon-reload")
}

// systemdQuote quotes arguments containing whitespace or quotes for ExecStart.
func systemdQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"'\\") {
		return arg
	}
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return `"` + r.Replace(arg) + `"`
}

// Launchd registers the helper as a LaunchDaemon.
type Launchd struct{}

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{ xml .Identifier }}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Argv }}
        <string>{{ xml . }}</string>
{{- end }}
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardErrorPath</key>
    <string>/var/log/{{ xml .Identifier }}.log</string>
</dict>
</plist>
`

var launchdPlist = template.Must(template.New("plist").Funcs(template.FuncMap{
	"xml": xmlEscape,
}).Parse(launchdPlistTemplate))

func (Launchd) Name() string { return "launchd" }

func (Launchd) Descriptor(rec Record) ([]byte, error) {
	var buf bytes.Buffer
	err := launchdPlist.Execute(&buf, struct {
		Identifier string
		Argv       []string
	}{rec.Identifier, append([]string{rec.BinaryPath}, rec.Arguments...)})
	if err != nil {
		return nil, fmt.Errorf("render launchd plist: %w", err)
	}
	return buf.Bytes(), nil
}

func (Launchd) Register(ctx context.Context, s Session, rec Record) error {
	return s.Run(ctx, "launchctl", "load", "-w", rec.DescriptorPath)
}

func (Launchd) Stop(ctx context.Context, s Session, rec Record) error {
	return s.Run(ctx, "launchctl", "unload", rec.DescriptorPath)
}

// Unregister is a no-op: unloading in Stop already drops the job and removing
// the plist keeps it from loading at boot.
func (Launchd) Unregister(context.Context, Session, Record) error { return nil }

func (Launchd) Reload(context.Context, Session) error { return nil }

func xmlEscape(s string) (string, error) {
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(s)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
