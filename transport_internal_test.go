package mcp

import (
	"errors"
	"testing"
)

func TestAttachStreamExclusive(t *testing.T) {
	tr := NewTransport()
	if err := tr.Activate(Info{}, LatestProtocolVersion); err != nil {
		t.Fatalf("failed to activate: %v", err)
	}

	closed := 0
	h, err := tr.attachStream("sse", func() error {
		closed++
		return errors.New("broken pipe")
	})
	if err != nil {
		t.Fatalf("failed to attach: %v", err)
	}

	if _, err := tr.attachStream("ws", nil); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("got error %v, want %v", err, ErrAlreadyStreaming)
	}

	// A failing close is logged and the handle still counts as released.
	h.release()
	h.release()
	if closed != 1 {
		t.Errorf("got %d close calls, want 1", closed)
	}
	if !h.dead() {
		t.Error("released handle not dead")
	}

	h2, err := tr.attachStream("ws", nil)
	if err != nil {
		t.Fatalf("failed to attach after release: %v", err)
	}

	// A stale release must not free the new holder's slot.
	h.release()
	if _, err := tr.attachStream("post", nil); !errors.Is(err, ErrAlreadyStreaming) {
		t.Fatalf("got error %v, want %v", err, ErrAlreadyStreaming)
	}

	tr.Close("test")
	if !h2.dead() {
		t.Error("close didn't release the attached stream")
	}
	if _, err := tr.attachStream("sse", nil); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("got error %v, want %v", err, ErrSessionTerminated)
	}
}

func TestAttachStreamInactive(t *testing.T) {
	tr := NewTransport()

	if _, err := tr.attachStream("sse", nil); !errors.Is(err, ErrSessionTerminated) {
		t.Errorf("got error %v, want %v", err, ErrSessionTerminated)
	}
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err        error
		wantCode   string
		wantStatus int
	}{
		{ErrMissingOrInvalidSession, "MissingOrInvalidSession", 400},
		{ErrInvalidResumption, "InvalidResumption", 400},
		{ErrDuplicateSession, "DuplicateSession", 500},
		{ErrSessionTerminated, "SessionTerminated", 410},
		{ErrSessionBusy, "SessionBusy", 409},
		{ErrAlreadyStreaming, "AlreadyStreaming", 409},
		{ErrResumptionExpired, "ResumptionExpired", 410},
		{errors.New("boom"), "InternalError", 500},
	}

	for _, tt := range tests {
		code, status := errorCode(tt.err)
		if code != tt.wantCode || status != tt.wantStatus {
			t.Errorf("errorCode(%v) = %s, %d, want %s, %d", tt.err, code, status, tt.wantCode, tt.wantStatus)
		}
		if tt.wantCode != "InternalError" && !errors.Is(errorFromCode(code), tt.err) {
			t.Errorf("errorFromCode(%s) = %v, want %v", code, errorFromCode(code), tt.err)
		}
	}
}
