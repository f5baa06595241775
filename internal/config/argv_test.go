package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgv(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		wantErr string
	}{
		{name: "empty", input: "", want: nil},
		{name: "simple", input: "systemctl suspend", want: []string{"systemctl", "suspend"}},
		{name: "placeholder", input: "rtcwake -m mem -s {seconds}", want: []string{"rtcwake", "-m", "mem", "-s", "{seconds}"}},
		{name: "quoted spaces", input: `pmset schedule wake "{date}"`, want: []string{"pmset", "schedule", "wake", "{date}"}},
		{name: "single quote", input: `/opt/power tools/sleep --reason 'lid closed'`, want: []string{"/opt/power", "tools/sleep", "--reason", "lid closed"}},
		{name: "escaped space", input: `/opt/power\ tools/sleep`, want: []string{"/opt/power tools/sleep"}},
		{name: "empty quoted argument", input: `helper --reason ""`, want: []string{"helper", "--reason", ""}},
		{name: "backslash literal in single quotes", input: `printf '%s\n'`, want: []string{"printf", `%s\n`}},
		{name: "leading comment", input: `# systemctl hibernate`, want: nil},
		{name: "unterminated quote", input: `pmset "oops`, wantErr: "unterminated quote"},
		{name: "unterminated escape", input: `pmset sleepnow\`, wantErr: "unterminated escape"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseArgv(tc.input)
			if tc.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tc.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}
