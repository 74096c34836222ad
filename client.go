package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// StreamableClientOption is a function that configures a StreamableClient.
type StreamableClientOption func(*StreamableClient)

// StreamableClient is the caller side of the session transport. It opens a session with
// Initialize, sends requests tagged with the session id, and can re-attach to the session's
// event stream with Events.
//
// A StreamableClient must be created using NewStreamableClient and is safe for concurrent use.
// Terminate should be called once the session is no longer needed.
type StreamableClient struct {
	httpClient *http.Client
	endpoint   string
	info       Info
	logger     *slog.Logger

	protocolVersion string
	maxPayloadSize  int
	cancelTimeout   time.Duration

	mu                 sync.RWMutex
	sessionID          string
	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
}

var defaultClientCancelTimeout = 5 * time.Second

// NewStreamableClient creates a client for the session endpoint at endpoint, for example
// "http://localhost:8081/mcp". If httpClient is nil, http.DefaultClient is used.
func NewStreamableClient(endpoint string, info Info, httpClient *http.Client,
	options ...StreamableClientOption,
) *StreamableClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &StreamableClient{
		httpClient:      cli,
		endpoint:        strings.TrimRight(endpoint, "/"),
		info:            info,
		logger:          slog.Default(),
		protocolVersion: LatestProtocolVersion,
		cancelTimeout:   defaultClientCancelTimeout,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithStreamableClientLogger sets the logger for the client.
func WithStreamableClientLogger(logger *slog.Logger) StreamableClientOption {
	return func(c *StreamableClient) {
		c.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "client"),
		)
	}
}

// WithProtocolVersion sets the protocol version the client initializes with.
func WithProtocolVersion(version string) StreamableClientOption {
	return func(c *StreamableClient) {
		c.protocolVersion = version
	}
}

// WithStreamableClientMaxPayloadSize sets the maximum size of one event read from a stream.
func WithStreamableClientMaxPayloadSize(size int) StreamableClientOption {
	return func(c *StreamableClient) {
		c.maxPayloadSize = size
	}
}

// Initialize opens a new session. Any session the client held before is forgotten, not
// terminated.
func (c *StreamableClient) Initialize(ctx context.Context) (InitializeResult, error) {
	paramsBs, err := json.Marshal(InitializeParams{
		ProtocolVersion: c.protocolVersion,
		ClientInfo:      c.info,
	})
	if err != nil {
		return InitializeResult{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	res, header, err := c.post(ctx, "", JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  methodInitialize,
		Params:  paramsBs,
	}, nil)
	if err != nil {
		return InitializeResult{}, err
	}
	if res.Error != nil {
		return InitializeResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to unmarshal initialize result: %w", err)
	}
	sessID := header.Get(SessionIDHeader)
	if sessID == "" {
		return InitializeResult{}, errors.New("server didn't assign a session id")
	}

	c.mu.Lock()
	c.sessionID = sessID
	c.serverInfo = result.ServerInfo
	c.serverCapabilities = result.Capabilities
	c.instructions = result.Instructions
	c.mu.Unlock()

	if err := c.notify(ctx, methodNotificationsInitialized, nil); err != nil {
		return InitializeResult{}, fmt.Errorf("failed to send initialized notification: %w", err)
	}

	return result, nil
}

// SessionID returns the id of the current session, or an empty string.
func (c *StreamableClient) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.sessionID
}

// ServerInfo returns the server's info.
func (c *StreamableClient) ServerInfo() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.serverInfo
}

// Instructions returns the instructions the server sent during initialize.
func (c *StreamableClient) Instructions() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.instructions
}

// Ping checks that the session is alive.
func (c *StreamableClient) Ping(ctx context.Context) error {
	res, err := c.request(ctx, methodPing, nil, nil)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// ListTools retrieves the tools the server offers.
func (c *StreamableClient) ListTools(ctx context.Context, params ListToolsParams) (ListToolsResult, error) {
	res, err := c.request(ctx, MethodToolsList, params, nil)
	if err != nil {
		return ListToolsResult{}, err
	}
	if res.Error != nil {
		return ListToolsResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result ListToolsResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return ListToolsResult{}, err
	}

	return result, nil
}

// CallTool executes a tool and returns its result. A tool failure is not an error, it is
// reported through CallToolResult.IsError.
//
// The request can be cancelled via the context. When cancelled, a cancellation notification
// is sent to the server to stop processing.
func (c *StreamableClient) CallTool(ctx context.Context, params CallToolParams) (CallToolResult, error) {
	return c.callTool(ctx, params, nil)
}

// CallToolStream executes a tool asking the server to stream the response. Progress
// notifications are passed to onProgress as they arrive. If the server answers inline, which it
// does when another stream is attached to the session, no progress is reported.
func (c *StreamableClient) CallToolStream(
	ctx context.Context,
	params CallToolParams,
	onProgress func(ProgressParams),
) (CallToolResult, error) {
	if onProgress == nil {
		onProgress = func(ProgressParams) {}
	}
	if params.Meta.ProgressToken == "" {
		params.Meta.ProgressToken = MustString(uuid.New().String())
	}
	return c.callTool(ctx, params, onProgress)
}

// SetLogLevel configures the logging level for the server.
func (c *StreamableClient) SetLogLevel(ctx context.Context, level LogLevel) error {
	res, err := c.request(ctx, MethodLoggingSetLevel, SetLevelParams{Level: level}, nil)
	if err != nil {
		return err
	}
	if res.Error != nil {
		return fmt.Errorf("result error: %w", res.Error)
	}
	return nil
}

// Terminate ends the session on the server.
func (c *StreamableClient) Terminate(ctx context.Context) error {
	sessID := c.SessionID()
	if sessID == "" {
		return errors.New("client not initialized")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(SessionIDHeader, sessID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to terminate session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	c.mu.Lock()
	if c.sessionID == sessID {
		c.sessionID = ""
	}
	c.mu.Unlock()

	return nil
}

// Events re-attaches to the session's event stream and yields every event after the given
// sequence, then new events as the server produces them. The iteration ends when ctx is
// cancelled, the server closes the stream, or an error is yielded.
func (c *StreamableClient) Events(ctx context.Context, after uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		sessID := c.SessionID()
		if sessID == "" {
			yield(Event{}, errors.New("client not initialized"))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"/stream", nil)
		if err != nil {
			yield(Event{}, fmt.Errorf("failed to create request: %w", err))
			return
		}
		req.Header.Set(SessionIDHeader, sessID)
		req.Header.Set("Accept", "text/event-stream")
		if after > 0 {
			req.Header.Set(lastEventIDHeader, strconv.FormatUint(after, 10))
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			yield(Event{}, fmt.Errorf("failed to connect to event stream: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			yield(Event{}, responseError(resp))
			return
		}

		for ev, err := range c.readEvents(resp.Body) {
			if err != nil {
				if errors.Is(err, context.Canceled) || ctx.Err() != nil {
					return
				}
				yield(Event{}, err)
				return
			}
			ev.SessionID = sessID
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (c *StreamableClient) callTool(
	ctx context.Context,
	params CallToolParams,
	onProgress func(ProgressParams),
) (CallToolResult, error) {
	res, err := c.request(ctx, MethodToolsCall, params, onProgress)
	if err != nil {
		return CallToolResult{}, err
	}
	if res.Error != nil {
		return CallToolResult{}, fmt.Errorf("result error: %w", res.Error)
	}

	var result CallToolResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return CallToolResult{}, err
	}

	return result, nil
}

func (c *StreamableClient) request(
	ctx context.Context,
	method string,
	params any,
	onProgress func(ProgressParams),
) (JSONRPCMessage, error) {
	sessID := c.SessionID()
	if sessID == "" {
		return JSONRPCMessage{}, errors.New("client not initialized")
	}

	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}

	res, _, err := c.post(ctx, sessID, msg, onProgress)
	if err != nil && ctx.Err() != nil {
		c.cancelRequest(msg.ID, ctx.Err())
	}
	return res, err
}

func (c *StreamableClient) cancelRequest(id MustString, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cancelTimeout)
	defer cancel()

	if err := c.notify(ctx, methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: id,
		Reason:    cause.Error(),
	}); err != nil {
		c.logger.Warn("failed to send cancellation", slog.String("err", err.Error()))
	}
}

func (c *StreamableClient) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
	}
	if params != nil {
		paramsBs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = paramsBs
	}
	_, _, err := c.post(ctx, c.SessionID(), msg, nil)
	return err
}

// post sends msg and waits for the reply. When onProgress is set, the client accepts a streamed
// reply and passes the progress notifications it carries to onProgress.
func (c *StreamableClient) post(
	ctx context.Context,
	sessID string,
	msg JSONRPCMessage,
	onProgress func(ProgressParams),
) (JSONRPCMessage, http.Header, error) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return JSONRPCMessage{}, nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return JSONRPCMessage{}, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if onProgress != nil {
		req.Header.Set("Accept", "application/json, text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	if sessID != "" {
		req.Header.Set(SessionIDHeader, sessID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return JSONRPCMessage{}, nil, fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return JSONRPCMessage{}, resp.Header, nil
	case resp.StatusCode == http.StatusBadRequest && msg.Method == methodInitialize:
		// A rejected initialize still carries a JSON-RPC error envelope.
	case resp.StatusCode != http.StatusOK:
		return JSONRPCMessage{}, resp.Header, responseError(resp)
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		res, err := c.readStreamedResponse(resp.Body, msg.ID, onProgress)
		return res, resp.Header, err
	}

	var res JSONRPCMessage
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return JSONRPCMessage{}, resp.Header, fmt.Errorf("failed to decode response: %w", err)
	}
	return res, resp.Header, nil
}

func (c *StreamableClient) readStreamedResponse(
	body io.Reader,
	id MustString,
	onProgress func(ProgressParams),
) (JSONRPCMessage, error) {
	for ev, err := range c.readEvents(body) {
		if err != nil {
			return JSONRPCMessage{}, err
		}

		var msg JSONRPCMessage
		if err := json.Unmarshal(ev.Payload, &msg); err != nil {
			c.logger.Error("failed to unmarshal message", "err", err)
			continue
		}

		switch {
		case msg.Method == methodNotificationsProgress:
			var params ProgressParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				c.logger.Error("failed to unmarshal progress params", "err", err)
				continue
			}
			if onProgress != nil {
				onProgress(params)
			}
		case msg.Method == "" && msg.ID == id:
			return msg, nil
		}
	}
	return JSONRPCMessage{}, errors.New("stream ended before the response arrived")
}

func (c *StreamableClient) readEvents(body io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		var config *sse.ReadConfig
		if c.maxPayloadSize > 0 {
			config = &sse.ReadConfig{
				MaxEventSize: c.maxPayloadSize,
			}
		}

		for ev, err := range sse.Read(body, config) {
			if err != nil {
				yield(Event{}, fmt.Errorf("failed to read event: %w", err))
				return
			}
			if ev.Type != "" && ev.Type != "message" {
				c.logger.Error("unhandled event type", "type", ev.Type)
				continue
			}

			seq, err := strconv.ParseUint(ev.LastEventID, 10, 64)
			if err != nil {
				yield(Event{}, fmt.Errorf("invalid event id %q: %w", ev.LastEventID, err))
				return
			}
			if !yield(Event{Sequence: seq, Payload: json.RawMessage(ev.Data), ProducedAt: time.Now()}, nil) {
				return
			}
		}
	}
}

// responseError turns a non-successful response into an error wrapping the matching
// transport error, so callers can test it with errors.Is.
func responseError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var te transportError
	if err := json.Unmarshal(body, &te); err == nil && te.Error.Code != "" {
		if sentinel := errorFromCode(te.Error.Code); sentinel != nil {
			return fmt.Errorf("unexpected status code %d: %w", resp.StatusCode, sentinel)
		}
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, te.Error.Message)
	}

	var msg JSONRPCMessage
	if err := json.Unmarshal(body, &msg); err == nil && msg.Error != nil {
		return fmt.Errorf("unexpected status code %d: %w", resp.StatusCode, msg.Error)
	}

	return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}
