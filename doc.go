// Package mcp implements a session-multiplexed, resumable MCP server transport over plain HTTP.
//
// A caller opens a session with an initialize request and then addresses every further request
// to it with the Mcp-Session-Id header. Requests of one session run one at a time, every message
// the server sends is recorded in the session's EventLog, and a caller that lost its stream can
// re-attach through the fallback endpoints and resume from the last event it saw.
//
// StreamableServer provides the http.Handlers, Server dispatches the JSON-RPC methods to a
// ToolServer, and StreamableClient is the matching caller side.
package mcp
