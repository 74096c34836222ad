package mcp_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/MegaGrindStone/craftcoach"
)

func TestJSONRPCMessageRequestID(t *testing.T) {
	type testCase struct {
		name     string
		raw      string
		wantID   mcp.MustString
		wantNote bool
		wantErr  bool
	}

	testCases := []testCase{
		{
			name:   "string id",
			raw:    `{"jsonrpc":"2.0","id":"call-1","method":"tools/call"}`,
			wantID: "call-1",
		},
		{
			name:   "numeric id",
			raw:    `{"jsonrpc":"2.0","id":7,"method":"tools/call"}`,
			wantID: "7",
		},
		{
			name:   "numeric id with fraction zero",
			raw:    `{"jsonrpc":"2.0","id":7.0,"method":"ping"}`,
			wantID: "7",
		},
		{
			name:     "null id is a notification",
			raw:      `{"jsonrpc":"2.0","id":null,"method":"notifications/initialized"}`,
			wantNote: true,
		},
		{
			name:     "missing id is a notification",
			raw:      `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":7}}`,
			wantNote: true,
		},
		{
			name:    "object id",
			raw:     `{"jsonrpc":"2.0","id":{"n":7},"method":"ping"}`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg mcp.JSONRPCMessage
			err := json.Unmarshal([]byte(tc.raw), &msg)
			if (err != nil) != tc.wantErr {
				t.Fatalf("got error %v, want error %v", err, tc.wantErr)
			}
			if tc.wantErr {
				return
			}
			if msg.ID != tc.wantID {
				t.Errorf("got id %q, want %q", msg.ID, tc.wantID)
			}
			if tc.wantNote && msg.ID != "" {
				t.Errorf("got id %q on a notification", msg.ID)
			}

			// Responses echo the id as a string, whatever form the caller used.
			resp := mcp.JSONRPCMessage{JSONRPC: mcp.JSONRPCVersion, ID: msg.ID, Result: json.RawMessage(`{}`)}
			bs, err := json.Marshal(resp)
			if err != nil {
				t.Fatalf("failed to marshal response: %v", err)
			}
			if !tc.wantNote && !strings.Contains(string(bs), `"id":"`+string(tc.wantID)+`"`) {
				t.Errorf("got response %s, want string id %q", bs, tc.wantID)
			}
		})
	}
}

func TestProgressTokenForms(t *testing.T) {
	type testCase struct {
		name      string
		params    string
		wantToken mcp.MustString
	}

	testCases := []testCase{
		{
			name:      "string token",
			params:    `{"name":"price_tool","_meta":{"progressToken":"tok-1"}}`,
			wantToken: "tok-1",
		},
		{
			name:      "numeric token",
			params:    `{"name":"price_tool","_meta":{"progressToken":12}}`,
			wantToken: "12",
		},
		{
			name:   "no meta",
			params: `{"name":"price_tool"}`,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var params mcp.CallToolParams
			if err := json.Unmarshal([]byte(tc.params), &params); err != nil {
				t.Fatalf("failed to unmarshal params: %v", err)
			}
			if params.Meta.ProgressToken != tc.wantToken {
				t.Errorf("got token %q, want %q", params.Meta.ProgressToken, tc.wantToken)
			}
			if tc.wantToken == "" {
				return
			}

			bs, err := json.Marshal(mcp.ProgressParams{ProgressToken: params.Meta.ProgressToken, Progress: 1, Total: 3})
			if err != nil {
				t.Fatalf("failed to marshal progress: %v", err)
			}
			if want := `"progressToken":"` + string(tc.wantToken) + `"`; !strings.Contains(string(bs), want) {
				t.Errorf("got progress %s, want %s", bs, want)
			}
		})
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		name     string
		level    mcp.LogLevel
		expected string
	}{
		{
			name:     "Debug level",
			level:    mcp.LogLevelDebug,
			expected: "debug",
		},
		{
			name:     "Info level",
			level:    mcp.LogLevelInfo,
			expected: "info",
		},
		{
			name:     "Notice level",
			level:    mcp.LogLevelNotice,
			expected: "notice",
		},
		{
			name:     "Warning level",
			level:    mcp.LogLevelWarning,
			expected: "warning",
		},
		{
			name:     "Error level",
			level:    mcp.LogLevelError,
			expected: "error",
		},
		{
			name:     "Critical level",
			level:    mcp.LogLevelCritical,
			expected: "critical",
		},
		{
			name:     "Alert level",
			level:    mcp.LogLevelAlert,
			expected: "alert",
		},
		{
			name:     "Emergency level",
			level:    mcp.LogLevelEmergency,
			expected: "emergency",
		},
		{
			name:     "Unknown level",
			level:    mcp.LogLevel(999),
			expected: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("LogLevel.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestLogLevel_JSON(t *testing.T) {
	tests := []struct {
		input   string
		want    mcp.LogLevel
		wantErr bool
	}{
		{input: `"debug"`, want: mcp.LogLevelDebug},
		{input: `"WARNING"`, want: mcp.LogLevelWarning},
		{input: `"emergency"`, want: mcp.LogLevelEmergency},
		{input: `"verbose"`, wantErr: true},
		{input: `3`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var got mcp.LogLevel
			err := json.Unmarshal([]byte(tt.input), &got)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LogLevel.UnmarshalJSON() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if got != tt.want {
				t.Errorf("LogLevel.UnmarshalJSON() = %v, want %v", got, tt.want)
			}

			bs, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("LogLevel.MarshalJSON() error = %v", err)
			}
			if want := `"` + tt.want.String() + `"`; string(bs) != want {
				t.Errorf("LogLevel.MarshalJSON() = %s, want %s", bs, want)
			}
		})
	}
}

func TestSetLevelParams(t *testing.T) {
	var params mcp.SetLevelParams
	if err := json.Unmarshal([]byte(`{"level":"error"}`), &params); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if params.Level != mcp.LogLevelError {
		t.Errorf("got level %v, want %v", params.Level, mcp.LogLevelError)
	}
}
