package mcp

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Transport-level errors. Handler failures never surface as one of these, they are delivered
// as a CallToolResult with IsError set.
var (
	// ErrMissingOrInvalidSession is returned when a request carries no session id, or an id
	// that the Registry doesn't know, for anything other than an initialize request.
	ErrMissingOrInvalidSession = errors.New("missing or invalid session id")

	// ErrDuplicateSession is returned by Registry.Register when the id is already present.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrSessionTerminated is returned for any message addressed to a session that is closing
	// or closed.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrSessionBusy is returned when the per-session request queue is full.
	ErrSessionBusy = errors.New("session busy")

	// ErrAlreadyStreaming is returned when a second stream is attached to a session whose
	// current stream is still alive.
	ErrAlreadyStreaming = errors.New("session already streaming")

	// ErrResumptionExpired is returned when the requested resumption point has been evicted
	// from the event log. The caller must re-initialize.
	ErrResumptionExpired = errors.New("resumption point expired")

	// ErrInvalidResumption is returned when the requested resumption point lies beyond the
	// last event the session produced.
	ErrInvalidResumption = errors.New("invalid resumption point")
)

type transportError struct {
	Error transportErrorBody `json:"error"`
}

type transportErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

var transportErrorCodes = []struct {
	err    error
	code   string
	status int
}{
	{ErrMissingOrInvalidSession, "MissingOrInvalidSession", http.StatusBadRequest},
	{ErrInvalidResumption, "InvalidResumption", http.StatusBadRequest},
	{ErrDuplicateSession, "DuplicateSession", http.StatusInternalServerError},
	{ErrSessionTerminated, "SessionTerminated", http.StatusGone},
	{ErrSessionBusy, "SessionBusy", http.StatusConflict},
	{ErrAlreadyStreaming, "AlreadyStreaming", http.StatusConflict},
	{ErrResumptionExpired, "ResumptionExpired", http.StatusGone},
}

func errorCode(err error) (string, int) {
	for _, c := range transportErrorCodes {
		if errors.Is(err, c.err) {
			return c.code, c.status
		}
	}
	return "InternalError", http.StatusInternalServerError
}

func errorFromCode(code string) error {
	for _, c := range transportErrorCodes {
		if c.code == code {
			return c.err
		}
	}
	return nil
}

func writeTransportError(w http.ResponseWriter, err error) {
	code, status := errorCode(err)
	msg := err.Error()
	if status == http.StatusInternalServerError && code == "InternalError" {
		msg = errMsgInternalError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(transportError{Error: transportErrorBody{Code: code, Message: msg}})
}

func writeJSONRPCError(w http.ResponseWriter, status int, id MustString, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error: &JSONRPCError{
			Code:    code,
			Message: message,
		},
	})
}
