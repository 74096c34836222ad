package mcp

import (
	"context"
)

// ToolServer defines the interface for managing tools in the MCP protocol.
type ToolServer interface {
	// ListTools returns a paginated list of available tools.
	// Returns error if operation fails or context is cancelled.
	ListTools(context.Context, ListToolsParams, CallContext) (ListToolsResult, error)

	// CallTool executes a specific tool with the given arguments. The CallContext identifies the
	// session the call belongs to and can be used to report progress.
	//
	// An error returned here is delivered to the caller as a CallToolResult with IsError set, it
	// never fails the session. Implementations must not keep state between calls beyond what the
	// CallContext carries.
	CallTool(context.Context, CallToolParams, CallContext) (CallToolResult, error)
}

// LogHandler receives the minimum severity level a caller asked for via logging/setLevel.
type LogHandler interface {
	SetLogLevel(level LogLevel)
}

// CallContext is the session context passed to the handlers of one request.
type CallContext struct {
	// SessionID is the id of the session the request arrived on.
	SessionID string
	// ClientInfo is what the caller announced during initialize.
	ClientInfo Info
	// ReportProgress emits a progress notification to the caller. It is a no-op when the
	// request carried no progress token.
	ReportProgress ProgressReporter
}

// ProgressReporter is a function type used to report progress updates for long-running operations.
// When Total is non-zero in the params, progress percentage can be calculated as (Progress/Total)*100.
type ProgressReporter func(progress ProgressParams)
