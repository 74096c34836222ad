package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server dispatches the JSON-RPC requests of a session to the configured ToolServer and
// LogHandler. It holds no per-session state, the Transport passed with every request does.
type Server struct {
	info Info

	instructions string
	capabilities ServerCapabilities

	toolServer      ToolServer
	toolListChanged bool
	logHandler      LogHandler

	tracer trace.Tracer
	logger *slog.Logger
}

const tracerName = "github.com/MegaGrindStone/craftcoach"

// NewServer creates a Server announcing the given info during initialize.
func NewServer(info Info, options ...ServerOption) Server {
	s := Server{
		info:   info,
		tracer: noop.NewTracerProvider().Tracer(tracerName),
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&s)
	}

	s.capabilities = ServerCapabilities{}
	if s.toolServer != nil {
		s.capabilities.Tools = &ToolsCapability{ListChanged: s.toolListChanged}
	}
	if s.logHandler != nil {
		s.capabilities.Logging = &LoggingCapability{}
	}

	return s
}

// WithToolServer returns a ServerOption that configures the tool server implementation.
func WithToolServer(srv ToolServer) ServerOption {
	return func(s *Server) {
		s.toolServer = srv
	}
}

// WithToolListChanged announces the tools listChanged capability.
func WithToolListChanged() ServerOption {
	return func(s *Server) {
		s.toolListChanged = true
	}
}

// WithLogHandler returns a ServerOption that configures the log handler implementation.
func WithLogHandler(handler LogHandler) ServerOption {
	return func(s *Server) {
		s.logHandler = handler
	}
}

// WithInstructions returns a ServerOption that configures the server instructions.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithTracerProvider sets the provider of the tracer that spans every dispatched request.
func WithTracerProvider(tp trace.TracerProvider) ServerOption {
	return func(s *Server) {
		s.tracer = tp.Tracer(tracerName)
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "server"),
		)
	}
}

// initialize validates an initialize request. The returned error is always a JSONRPCError.
func (s Server) initialize(msg JSONRPCMessage) (InitializeParams, InitializeResult, error) {
	var params InitializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return InitializeParams{}, InitializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("failed to unmarshal params: %s", err.Error()),
		}
	}

	if !supportedProtocolVersion(params.ProtocolVersion) {
		return InitializeParams{}, InitializeResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("unsupported protocol version: %q", params.ProtocolVersion),
			Data: map[string]any{
				"supported": SupportedProtocolVersions,
			},
		}
	}

	return params, InitializeResult{
		ProtocolVersion: params.ProtocolVersion,
		Capabilities:    s.capabilities,
		ServerInfo:      s.info,
		Instructions:    s.instructions,
	}, nil
}

// dispatch handles one request of an active session and returns the response envelope.
// Notifications produced while handling, such as progress, go to notify.
func (s Server) dispatch(
	ctx context.Context,
	sess *Transport,
	msg JSONRPCMessage,
	notify func(JSONRPCMessage),
) (resMsg JSONRPCMessage) {
	ctx, span := s.tracer.Start(ctx, "mcp."+msg.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.session_id", sess.ID()),
			attribute.String("mcp.method", msg.Method),
			attribute.String("mcp.request_id", string(msg.ID)),
		))
	defer span.End()

	// A panicking handler answers its own request with an internal error, the session lives on.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered panic while handling request",
				slog.String("sessionID", sess.ID()),
				slog.String("method", msg.Method),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			span.SetStatus(codes.Error, fmt.Sprint(r))
			resMsg = JSONRPCMessage{
				JSONRPC: JSONRPCVersion,
				ID:      msg.ID,
				Error:   &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: errMsgInternalError},
			}
		}
	}()

	var result any
	var err error

	switch msg.Method {
	case methodPing:
		result = struct{}{}
	case MethodToolsList:
		result, err = s.callListTools(ctx, sess, msg, notify)
	case MethodToolsCall:
		result, err = s.callCallTool(ctx, sess, msg, notify, span)
	case MethodLoggingSetLevel:
		err = s.callSetLogLevel(msg)
		result = struct{}{}
	default:
		err = JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		}
	}

	resMsg = JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: errMsgInternalError}
		}
		s.logger.Error("failed to call server implementation",
			slog.String("sessionID", sess.ID()),
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
		resMsg.Error = &jsonErr
		return resMsg
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		resMsg.Error = &JSONRPCError{Code: jsonRPCInternalErrorCode, Message: errMsgInternalError}
		return resMsg
	}
	resMsg.Result = resBs

	return resMsg
}

func (s Server) callContext(sess *Transport, token MustString, notify func(JSONRPCMessage)) CallContext {
	return CallContext{
		SessionID:      sess.ID(),
		ClientInfo:     sess.ClientInfo(),
		ReportProgress: s.progressReporter(token, notify),
	}
}

func (s Server) progressReporter(token MustString, notify func(JSONRPCMessage)) ProgressReporter {
	return func(params ProgressParams) {
		if token == "" || notify == nil {
			return
		}
		params.ProgressToken = token

		paramsBs, err := json.Marshal(params)
		if err != nil {
			s.logger.Error("failed to marshal progress params", "err", err)
			return
		}

		notify(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			Method:  methodNotificationsProgress,
			Params:  paramsBs,
		})
	}
}

func (s Server) callListTools(
	ctx context.Context,
	sess *Transport,
	msg JSONRPCMessage,
	notify func(JSONRPCMessage),
) (ListToolsResult, error) {
	if s.toolServer == nil {
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params ListToolsParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return ListToolsResult{}, JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
			}
		}
	}

	ts, err := s.toolServer.ListTools(ctx, params, s.callContext(sess, params.Meta.ProgressToken, notify))
	if err != nil {
		nErr := fmt.Errorf("failed to list tools: %w", err)
		return ListToolsResult{}, JSONRPCError{
			Code:    jsonRPCInternalErrorCode,
			Message: nErr.Error(),
		}
	}

	return ts, nil
}

func (s Server) callCallTool(
	ctx context.Context,
	sess *Transport,
	msg JSONRPCMessage,
	notify func(JSONRPCMessage),
	span trace.Span,
) (CallToolResult, error) {
	if s.toolServer == nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "tools not supported by server",
		}
	}

	var params CallToolParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return CallToolResult{}, JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}
	span.SetAttributes(attribute.String("mcp.tool", params.Name))

	result, err := s.invokeTool(ctx, sess, params, notify)
	if err != nil {
		span.RecordError(err)
		result = CallToolResult{
			Content: []Content{
				{
					Type: ContentTypeText,
					Text: err.Error(),
				},
			},
			IsError: true,
		}
	}

	return result, nil
}

// invokeTool calls the tool server. A panic comes back as an error.
func (s Server) invokeTool(
	ctx context.Context,
	sess *Transport,
	params CallToolParams,
	notify func(JSONRPCMessage),
) (result CallToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tool panicked",
				slog.String("sessionID", sess.ID()),
				slog.String("tool", params.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			result = CallToolResult{}
			err = fmt.Errorf("tool %s panicked: %v", params.Name, r)
		}
	}()

	return s.toolServer.CallTool(ctx, params, s.callContext(sess, params.Meta.ProgressToken, notify))
}

func (s Server) callSetLogLevel(msg JSONRPCMessage) error {
	if s.logHandler == nil {
		return JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: "logging not supported by server",
		}
	}

	var params SetLevelParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return JSONRPCError{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Errorf("failed to unmarshal params: %w", err).Error(),
		}
	}

	s.logHandler.SetLogLevel(params.Level)

	return nil
}
