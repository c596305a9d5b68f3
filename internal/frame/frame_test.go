package frame

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClassifiesControlFrames(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Frame
	}{
		{
			name: "status",
			in:   `{"status":"connected","mode":"restricted","allowed_commands":["df","uptime"]}`,
			want: Status{Status: StatusConnected, Mode: ModeRestricted, AllowedCommands: []string{"df", "uptime"}},
		},
		{
			name: "status with session id",
			in:   ` {"status":"connected","session_id":"abc"}` + "\n",
			want: Status{Status: StatusConnected, SessionID: "abc"},
		},
		{
			name: "error with code",
			in:   `{"error":"Break-glass required","code":"BREAKGLASS_REQUIRED"}`,
			want: Error{Error: "Break-glass required", Code: CodeBreakglassRequired},
		},
		{
			name: "error without code",
			in:   `{"error":"No token provided"}`,
			want: Error{Error: "No token provided"},
		},
		{
			name: "output",
			in:   `{"type":"output","command":"false","output":"","exit_code":1}`,
			want: Output{Type: TypeOutput, Command: "false", ExitCode: 1},
		},
		{
			name: "command",
			in:   `{"type":"command","command":"uptime"}`,
			want: Command{Type: TypeCommand, Command: "uptime"},
		},
		{
			name: "resize",
			in:   `{"resize":{"cols":120,"rows":40}}`,
			want: Resize{Resize: Size{Cols: 120, Rows: 40}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.in))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestDecodeFallsBackToRaw(t *testing.T) {
	for _, in := range []string{
		"",
		"ls -la\r\n",
		"\x1b[31mred\x1b[0m",
		`{"unknown":"shape"}`,
		`{"status":`,
		`[1,2,3]`,
		`{"type":"command"}`,
	} {
		_, err := Decode([]byte(in))
		assert.ErrorIs(t, err, ErrNotControl, "input %q", in)
	}
}

func TestErrorElevation(t *testing.T) {
	assert.True(t, Error{Code: CodeBreakglassRequired}.Elevation())
	assert.True(t, Error{Code: CodeBreakglassInvalid}.Elevation())
	assert.False(t, Error{Code: "UNAUTHORIZED"}.Elevation())
	assert.False(t, Error{}.Elevation())
}

func TestHandshakeWireShape(t *testing.T) {
	b, err := json.Marshal(Handshake{Token: "t", Mode: ModeFull, Cols: 80, Rows: 24})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"t","mode":"full","cols":80,"rows":24}`, string(b))

	b, err = json.Marshal(Handshake{Token: "t", Mode: ModeFull, BreakglassToken: "bg", Cols: 80, Rows: 24})
	require.NoError(t, err)
	assert.JSONEq(t, `{"token":"t","mode":"full","breakglass_token":"bg","cols":80,"rows":24}`, string(b))
}

func TestDecodeHandshakeDefaultsMode(t *testing.T) {
	hs, err := DecodeHandshake([]byte(`{"token":"t","cols":80,"rows":24}`))
	require.NoError(t, err)
	assert.Equal(t, ModeRestricted, hs.Mode)

	_, err = DecodeHandshake(nil)
	assert.Error(t, err)
}

func TestCommandAndResizeWireShape(t *testing.T) {
	b, err := json.Marshal(NewCommand("df -h"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"command","command":"df -h"}`, string(b))

	b, err = json.Marshal(NewResize(100, 30))
	require.NoError(t, err)
	assert.JSONEq(t, `{"resize":{"cols":100,"rows":30}}`, string(b))
}
