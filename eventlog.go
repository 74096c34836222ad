package mcp

import (
	"encoding/json"
	"iter"
	"sync"
	"time"
)

// Event is one outbound message recorded in a session's EventLog.
type Event struct {
	SessionID  string          `json:"sessionId"`
	Sequence   uint64          `json:"sequence"`
	Payload    json.RawMessage `json:"payload"`
	ProducedAt time.Time       `json:"producedAt"`
}

// EventLog is the bounded, append-only history of the messages a session sent to its caller.
// Sequences start at 1 and are gapless. Once more than the retention cap is stored, the oldest
// events are evicted and resuming from before the retained window fails with
// ErrResumptionExpired.
//
// Appends and reads may come from different goroutines (a handler producing output while a
// fallback stream drains it), they are serialized by the log's own lock.
type EventLog struct {
	sessionID string
	retention int

	mu        sync.RWMutex
	events    []Event
	last      uint64
	changed   chan struct{}
	discarded bool
}

const defaultEventRetention = 256

// NewEventLog creates an empty log for the given session. A non-positive retention falls back
// to the default cap of 256 events.
func NewEventLog(sessionID string, retention int) *EventLog {
	if retention <= 0 {
		retention = defaultEventRetention
	}
	return &EventLog{
		sessionID: sessionID,
		retention: retention,
		changed:   make(chan struct{}),
	}
}

// Append records payload as the next event and wakes every goroutine waiting on Changed.
func (l *EventLog) Append(payload json.RawMessage) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.discarded {
		return Event{}, ErrSessionTerminated
	}

	l.last++
	ev := Event{
		SessionID:  l.sessionID,
		Sequence:   l.last,
		Payload:    payload,
		ProducedAt: time.Now(),
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.retention {
		l.events = l.events[len(l.events)-l.retention:]
	}

	close(l.changed)
	l.changed = make(chan struct{})

	return ev, nil
}

// ReplayFrom returns an iterator over every retained event with a sequence greater than after.
// Each iteration reads a snapshot of the log taken when the iteration starts, so the iterator
// may be ranged over more than once. If the resumption point can't be served, the iterator
// yields a single error: ErrResumptionExpired, ErrInvalidResumption or ErrSessionTerminated.
func (l *EventLog) ReplayFrom(after uint64) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		events, err := l.snapshot(after)
		if err != nil {
			yield(Event{}, err)
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// CheckResumption reports whether replay from after can be served right now.
func (l *EventLog) CheckResumption(after uint64) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.checkLocked(after)
}

// LastSequence returns the sequence of the most recently appended event, or 0.
func (l *EventLog) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.last
}

// Oldest returns the sequence of the oldest retained event. With nothing retained it is the
// sequence the next Append will get.
func (l *EventLog) Oldest() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.events) > 0 {
		return l.events[0].Sequence
	}
	return l.last + 1
}

// Changed returns a channel that is closed on the next Append or on Discard. Followers must
// take the channel before replaying, so an append racing with the replay is never missed.
func (l *EventLog) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.changed
}

// Discard drops the history and wakes all followers. Later appends and replays fail with
// ErrSessionTerminated. Calling Discard more than once is a no-op.
func (l *EventLog) Discard() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.discarded {
		return
	}
	l.discarded = true
	l.events = nil
	close(l.changed)
}

func (l *EventLog) snapshot(after uint64) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if err := l.checkLocked(after); err != nil {
		return nil, err
	}

	if len(l.events) == 0 {
		return nil, nil
	}
	first := l.events[0].Sequence
	start := 0
	if after >= first {
		start = int(after - first + 1)
	}
	out := make([]Event, len(l.events)-start)
	copy(out, l.events[start:])

	return out, nil
}

func (l *EventLog) checkLocked(after uint64) error {
	if l.discarded {
		return ErrSessionTerminated
	}
	if after > l.last {
		return ErrInvalidResumption
	}
	oldest := l.last + 1
	if len(l.events) > 0 {
		oldest = l.events[0].Sequence
	}
	// Everything after the resumption point must still be retained.
	if after+1 < oldest {
		return ErrResumptionExpired
	}
	return nil
}
