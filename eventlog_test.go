package mcp_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MegaGrindStone/craftcoach"
)

func appendN(t *testing.T, l *mcp.EventLog, n int) {
	t.Helper()

	for i := 0; i < n; i++ {
		if _, err := l.Append(json.RawMessage(fmt.Sprintf(`{"n":%d}`, i+1))); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}
}

func collect(t *testing.T, l *mcp.EventLog, after uint64) ([]mcp.Event, error) {
	t.Helper()

	var events []mcp.Event
	for ev, err := range l.ReplayFrom(after) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestEventLogAppend(t *testing.T) {
	l := mcp.NewEventLog("sess-1", 10)

	for i := uint64(1); i <= 3; i++ {
		ev, err := l.Append(json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if ev.Sequence != i {
			t.Errorf("got sequence %d, want %d", ev.Sequence, i)
		}
		if ev.SessionID != "sess-1" {
			t.Errorf("got session id %q, want %q", ev.SessionID, "sess-1")
		}
	}

	if got := l.LastSequence(); got != 3 {
		t.Errorf("got last sequence %d, want 3", got)
	}
}

func TestEventLogOldest(t *testing.T) {
	l := mcp.NewEventLog("sess-1", 3)
	if got := l.Oldest(); got != 1 {
		t.Errorf("got oldest %d on empty log, want 1", got)
	}

	appendN(t, l, 5)
	if got := l.Oldest(); got != 3 {
		t.Errorf("got oldest %d, want 3", got)
	}

	// Replaying from just before the oldest retained event is never expired.
	events, err := collect(t, l, l.Oldest()-1)
	if err != nil {
		t.Fatalf("failed to replay: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Sequence != 3 {
		t.Errorf("got first event %d, want 3", events[0].Sequence)
	}
}

func TestEventLogReplayFrom(t *testing.T) {
	type testCase struct {
		name      string
		retention int
		appends   int
		after     uint64
		wantSeqs  []uint64
		wantErr   error
	}

	testCases := []testCase{
		{
			name:      "from the beginning",
			retention: 10,
			appends:   5,
			after:     0,
			wantSeqs:  []uint64{1, 2, 3, 4, 5},
		},
		{
			name:      "from the middle",
			retention: 10,
			appends:   5,
			after:     3,
			wantSeqs:  []uint64{4, 5},
		},
		{
			name:      "from the last event",
			retention: 10,
			appends:   5,
			after:     5,
			wantSeqs:  nil,
		},
		{
			name:      "empty log",
			retention: 10,
			appends:   0,
			after:     0,
			wantSeqs:  nil,
		},
		{
			name:      "beyond the last event",
			retention: 10,
			appends:   5,
			after:     6,
			wantErr:   mcp.ErrInvalidResumption,
		},
		{
			name:      "oldest retained boundary",
			retention: 3,
			appends:   5,
			after:     2,
			wantSeqs:  []uint64{3, 4, 5},
		},
		{
			name:      "evicted resumption point",
			retention: 3,
			appends:   5,
			after:     1,
			wantErr:   mcp.ErrResumptionExpired,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l := mcp.NewEventLog("sess", tc.retention)
			appendN(t, l, tc.appends)

			events, err := collect(t, l, tc.after)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("got error %v, want %v", err, tc.wantErr)
				}
				if err := l.CheckResumption(tc.after); !errors.Is(err, tc.wantErr) {
					t.Errorf("CheckResumption: got error %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if len(events) != len(tc.wantSeqs) {
				t.Fatalf("got %d events, want %d", len(events), len(tc.wantSeqs))
			}
			for i, ev := range events {
				if ev.Sequence != tc.wantSeqs[i] {
					t.Errorf("event %d: got sequence %d, want %d", i, ev.Sequence, tc.wantSeqs[i])
				}
			}
		})
	}
}

func TestEventLogReplayIsGapless(t *testing.T) {
	l := mcp.NewEventLog("sess", 0)
	appendN(t, l, 300)

	events, err := collect(t, l, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 200 {
		t.Fatalf("got %d events, want 200", len(events))
	}
	for i, ev := range events {
		want := uint64(101 + i)
		if ev.Sequence != want {
			t.Fatalf("got sequence %d at %d, want %d", ev.Sequence, i, want)
		}
	}

	// Default retention keeps 256 events.
	if _, err := collect(t, l, 43); !errors.Is(err, mcp.ErrResumptionExpired) {
		t.Errorf("got error %v, want %v", err, mcp.ErrResumptionExpired)
	}
	if _, err := collect(t, l, 44); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestEventLogChanged(t *testing.T) {
	l := mcp.NewEventLog("sess", 10)

	changed := l.Changed()
	select {
	case <-changed:
		t.Fatal("changed fired before append")
	default:
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		appendN(t, l, 1)
	}()

	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for changed")
	}

	if l.Changed() == changed {
		t.Error("got the same changed channel after append")
	}
}

func TestEventLogDiscard(t *testing.T) {
	l := mcp.NewEventLog("sess", 10)
	appendN(t, l, 2)
	changed := l.Changed()

	l.Discard()
	l.Discard()

	select {
	case <-changed:
	default:
		t.Error("discard didn't wake followers")
	}

	if _, err := l.Append(json.RawMessage(`{}`)); !errors.Is(err, mcp.ErrSessionTerminated) {
		t.Errorf("got error %v, want %v", err, mcp.ErrSessionTerminated)
	}
	if _, err := collect(t, l, 0); !errors.Is(err, mcp.ErrSessionTerminated) {
		t.Errorf("got error %v, want %v", err, mcp.ErrSessionTerminated)
	}
}
