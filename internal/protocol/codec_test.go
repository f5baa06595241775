package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func rawFrame(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	require.NoError(t, err)
	data, err := proto.Marshal(s)
	require.NoError(t, err)
	return data
}

func TestCommandRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{name: "wake", cmd: Command{ID: "req-1", Name: NameWake, Params: map[string]any{ParamSeconds: int64(5)}}},
		{name: "sleep", cmd: Command{ID: "req-2", Name: NameSleep}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := EncodeCommand(tc.cmd)
			require.NoError(t, err)

			got, err := DecodeCommand(data)
			require.NoError(t, err)
			require.Equal(t, tc.cmd, got)
		})
	}
}

func TestWakeHelperNormalizesSeconds(t *testing.T) {
	data, err := EncodeCommand(Wake(30))
	require.NoError(t, err)

	got, err := DecodeCommand(data)
	require.NoError(t, err)
	seconds, ok := got.Int(ParamSeconds)
	require.True(t, ok)
	require.Equal(t, int64(30), seconds)
}

func TestEncodeCommandRejectsUnknownName(t *testing.T) {
	data, err := EncodeCommand(Command{Name: "reboot"})
	require.ErrorIs(t, err, ErrUnsupportedCommand)
	require.Nil(t, data)
}

func TestEncodeCommandRejectsBadParams(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{name: "wake missing seconds", cmd: Command{Name: NameWake}},
		{name: "wake string seconds", cmd: Command{Name: NameWake, Params: map[string]any{ParamSeconds: "5"}}},
		{name: "wake zero seconds", cmd: Wake(0)},
		{name: "wake fractional seconds", cmd: Command{Name: NameWake, Params: map[string]any{ParamSeconds: 1.5}}},
		{name: "sleep extra param", cmd: Command{Name: NameSleep, Params: map[string]any{ParamSeconds: 1}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EncodeCommand(tc.cmd)
			require.ErrorIs(t, err, ErrInvalidParams)
		})
	}
}

func TestDecodeCommandKeepsIDOnUnsupportedName(t *testing.T) {
	data := rawFrame(t, map[string]any{"id": "abc", "command": "reboot"})

	cmd, err := DecodeCommand(data)
	require.ErrorIs(t, err, ErrUnsupportedCommand)
	require.Equal(t, "abc", cmd.ID)
	require.Equal(t, Name("reboot"), cmd.Name)
}

func TestDecodeCommandMissingName(t *testing.T) {
	_, err := DecodeCommand(rawFrame(t, map[string]any{"id": "abc"}))
	require.ErrorIs(t, err, ErrMalformedCommand)

	_, err = DecodeCommand([]byte{0xff, 0xff, 0xff})
	require.ErrorIs(t, err, ErrMalformedCommand)
}

func TestDecodeCommandIgnoresUnknownKeys(t *testing.T) {
	data := rawFrame(t, map[string]any{"id": "x", "command": "sleep", "priority": "high"})

	cmd, err := DecodeCommand(data)
	require.NoError(t, err)
	require.Equal(t, NameSleep, cmd.Name)
	require.Empty(t, cmd.Params)
}

func TestReplyRoundTrip(t *testing.T) {
	want := Reply{ID: "req-1", Command: NameWake, Result: 0, Message: "scheduled"}

	data, err := EncodeReply(want)
	require.NoError(t, err)

	got, err := DecodeReply(data)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.True(t, got.OK())
	require.NoError(t, ReplyError(got))
}

func TestDecodeReplyToleratesUnknownKeys(t *testing.T) {
	data := rawFrame(t, map[string]any{
		"id":      "r1",
		"command": "sleep",
		"result":  0,
		"message": "sleeping",
		"took_ms": 12,
	})

	got, err := DecodeReply(data)
	require.NoError(t, err)
	require.Equal(t, Reply{ID: "r1", Command: NameSleep, Message: "sleeping"}, got)
}

func TestDecodeReplyMalformed(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{name: "missing result", fields: map[string]any{"id": "r1", "command": "wake", "message": "scheduled"}},
		{name: "string result", fields: map[string]any{"id": "r1", "command": "wake", "result": "0", "message": "scheduled"}},
		{name: "fractional result", fields: map[string]any{"id": "r1", "command": "wake", "result": 0.5, "message": "scheduled"}},
		{name: "missing message", fields: map[string]any{"id": "r1", "command": "wake", "result": 0}},
		{name: "numeric message", fields: map[string]any{"id": "r1", "command": "wake", "result": 0, "message": 7}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := DecodeReply(rawFrame(t, tc.fields))
			require.ErrorIs(t, err, ErrMalformedReply)
			require.Equal(t, "r1", got.ID)
			require.Equal(t, NameWake, got.Command)
		})
	}
}

func TestDecodeReplyGarbage(t *testing.T) {
	_, err := DecodeReply([]byte("not a protobuf frame \xff"))
	require.ErrorIs(t, err, ErrMalformedReply)
}

func TestReplyErrorDescribesFailure(t *testing.T) {
	err := ReplyError(Reply{Command: NameSleep, Result: 3, Message: "denied by policy"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "sleep failed (result=3): denied by policy")
}

func TestRegisterNewCommandKeepsOldRepliesDecodable(t *testing.T) {
	require.NoError(t, Register(Spec{
		Name:   "test-label",
		Params: []Param{{Name: "label", Kind: KindString, Required: true}},
	}))

	data, err := EncodeCommand(Command{Name: "test-label", Params: map[string]any{"label": "nightly"}})
	require.NoError(t, err)
	cmd, err := DecodeCommand(data)
	require.NoError(t, err)
	label, ok := cmd.Text("label")
	require.True(t, ok)
	require.Equal(t, "nightly", label)

	old, err := EncodeReply(Reply{Command: NameSleep, Message: "ok"})
	require.NoError(t, err)
	_, err = DecodeReply(old)
	require.NoError(t, err)
	require.Contains(t, Names(), Name("test-label"))
}

func TestRegisterRejectsReservedParam(t *testing.T) {
	err := Register(Spec{Name: "bad", Params: []Param{{Name: "id", Kind: KindString}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserved")
}
