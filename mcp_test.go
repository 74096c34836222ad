package mcp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/craftcoach"
)

type mockToolServer struct {
	started chan string
}

type mockLogHandler struct {
	mu    sync.Mutex
	level mcp.LogLevel
	calls int
}

type testSuite struct {
	toolServer *mockToolServer
	logHandler *mockLogHandler
	server     *mcp.StreamableServer
	httpServer *httptest.Server
	endpoint   string
}

var mockTools = []mcp.Tool{
	{
		Name:        "echo",
		Description: "Echoes back the message argument",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"}}}`),
	},
	{
		Name:        "progress",
		Description: "Reports two progress steps",
	},
	{
		Name:        "block",
		Description: "Blocks until cancelled",
	},
	{
		Name:        "fail",
		Description: "Always fails",
	},
	{
		Name:        "panic",
		Description: "Panics while handling the call",
	},
}

func newMockToolServer() *mockToolServer {
	return &mockToolServer{started: make(chan string, 16)}
}

func (m *mockToolServer) ListTools(
	context.Context,
	mcp.ListToolsParams,
	mcp.CallContext,
) (mcp.ListToolsResult, error) {
	return mcp.ListToolsResult{Tools: mockTools}, nil
}

func (m *mockToolServer) CallTool(
	ctx context.Context,
	params mcp.CallToolParams,
	cc mcp.CallContext,
) (mcp.CallToolResult, error) {
	select {
	case m.started <- params.Name:
	default:
	}

	switch params.Name {
	case "echo":
		var args struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(params.Arguments, &args); err != nil {
			return mcp.CallToolResult{}, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		return textResult(args.Message), nil
	case "progress":
		cc.ReportProgress(mcp.ProgressParams{Progress: 1, Total: 2, Message: "first"})
		cc.ReportProgress(mcp.ProgressParams{Progress: 2, Total: 2, Message: "second"})
		return textResult("done"), nil
	case "block":
		<-ctx.Done()
		return mcp.CallToolResult{}, ctx.Err()
	case "fail":
		return mcp.CallToolResult{}, fmt.Errorf("tool failed on purpose")
	case "panic":
		panic("inventory index out of range")
	default:
		return mcp.CallToolResult{}, fmt.Errorf("tool not found: %s", params.Name)
	}
}

func (m *mockToolServer) waitStarted(t *testing.T, name string) {
	t.Helper()

	select {
	case got := <-m.started:
		if got != name {
			t.Fatalf("got tool %q started, want %q", got, name)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for tool %q to start", name)
	}
}

func (m *mockLogHandler) SetLogLevel(level mcp.LogLevel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.level = level
	m.calls++
}

func (m *mockLogHandler) get() (mcp.LogLevel, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.level, m.calls
}

func textResult(text string) mcp.CallToolResult {
	return mcp.CallToolResult{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

func newTestSuite(t *testing.T, options ...mcp.StreamableServerOption) *testSuite {
	t.Helper()

	ts := &testSuite{
		toolServer: newMockToolServer(),
		logHandler: &mockLogHandler{},
	}
	srv := mcp.NewServer(mcp.Info{Name: "test-server", Version: "1.0"},
		mcp.WithToolServer(ts.toolServer),
		mcp.WithLogHandler(ts.logHandler),
		mcp.WithInstructions("test instructions"),
	)
	ts.server = mcp.NewStreamableServer(srv, options...)
	ts.httpServer = httptest.NewServer(ts.server.Handler("/mcp"))
	ts.endpoint = ts.httpServer.URL + "/mcp"

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := ts.server.Shutdown(ctx); err != nil {
			t.Errorf("failed to shutdown server: %v", err)
		}
		ts.httpServer.Close()
	})

	return ts
}

func (ts *testSuite) client() *mcp.StreamableClient {
	return mcp.NewStreamableClient(ts.endpoint, mcp.Info{Name: "test-client", Version: "1.0"},
		ts.httpServer.Client())
}

// initialize opens a session with a raw request and returns its id.
func (ts *testSuite) initialize(t *testing.T) string {
	t.Helper()

	resp := ts.post(t, "", request("init-1", "initialize", mcp.InitializeParams{
		ProtocolVersion: mcp.LatestProtocolVersion,
		ClientInfo:      mcp.Info{Name: "raw-client", Version: "1.0"},
	}), "application/json")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("got status %d, want %d: %s", resp.StatusCode, http.StatusOK, body)
	}
	id := resp.Header.Get(mcp.SessionIDHeader)
	if id == "" {
		t.Fatal("initialize response carries no session id")
	}
	return id
}

func (ts *testSuite) post(t *testing.T, sessID string, msg mcp.JSONRPCMessage, accept string) *http.Response {
	t.Helper()

	return ts.postContext(t, context.Background(), sessID, msg, accept)
}

func (ts *testSuite) postContext(
	t *testing.T,
	ctx context.Context,
	sessID string,
	msg mcp.JSONRPCMessage,
	accept string,
) *http.Response {
	t.Helper()

	msgBs, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if sessID != "" {
		req.Header.Set(mcp.SessionIDHeader, sessID)
	}

	resp, err := ts.httpServer.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	return resp
}

func (ts *testSuite) delete(t *testing.T, sessID string) int {
	t.Helper()

	req, err := http.NewRequest(http.MethodDelete, ts.endpoint, nil)
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	if sessID != "" {
		req.Header.Set(mcp.SessionIDHeader, sessID)
	}
	resp, err := ts.httpServer.Client().Do(req)
	if err != nil {
		t.Fatalf("failed to send request: %v", err)
	}
	resp.Body.Close()

	return resp.StatusCode
}

func request(id, method string, params any) mcp.JSONRPCMessage {
	msg := mcp.JSONRPCMessage{
		JSONRPC: mcp.JSONRPCVersion,
		ID:      mcp.MustString(id),
		Method:  method,
	}
	if params != nil {
		paramsBs, _ := json.Marshal(params)
		msg.Params = paramsBs
	}
	return msg
}

func notification(method string, params any) mcp.JSONRPCMessage {
	msg := request("", method, params)
	msg.ID = ""
	return msg
}

func decodeMessage(t *testing.T, r io.Reader) mcp.JSONRPCMessage {
	t.Helper()

	var msg mcp.JSONRPCMessage
	if err := json.NewDecoder(r).Decode(&msg); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return msg
}

type transportErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeTransportError(t *testing.T, r io.Reader) string {
	t.Helper()

	var body transportErrorBody
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body.Error.Code
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
