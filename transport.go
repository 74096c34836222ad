package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a session Transport.
type State int

// Session states. A Transport only moves forward through them.
const (
	StateInitializing State = iota
	StateActive
	StateClosing
	StateClosed
)

// Transition describes a state change of a Transport. Transitions are published synchronously,
// in order, to every TransitionObserver of the Transport.
type Transition struct {
	Transport *Transport
	From      State
	To        State
	Reason    string
	At        time.Time
}

// TransitionObserver receives the state transitions of a Transport. An error returned while the
// Transport activates aborts the activation, errors for other transitions are logged.
type TransitionObserver interface {
	Observe(Transition) error
}

// TransitionObserverFunc adapts an ordinary function to a TransitionObserver.
type TransitionObserverFunc func(Transition) error

// TransportOption represents the options for the Transport.
type TransportOption func(*Transport)

// Transport is the server side of one caller session. It serializes the requests of the session,
// owns its EventLog, and arbitrates which connection may stream to the caller.
//
// Requests acquire the session before invoking a handler. At most one handler runs at a time,
// further requests wait in a bounded FIFO queue and are rejected with ErrSessionBusy when the
// queue is full. Closing a Transport cancels the running handler and rejects the waiters; the
// Transport reaches StateClosed once the running handler released the session.
type Transport struct {
	id         string
	createdAt  time.Time
	events     *EventLog
	logger     *slog.Logger
	observers  []TransitionObserver
	queueDepth int
	retention  int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu              sync.Mutex
	state           State
	lastActivity    time.Time
	inflight        bool
	closeAnnounced  bool
	closeReason     string
	waiting         []chan error
	stream          *streamHandle
	requests        map[MustString]context.CancelFunc
	clientInfo      Info
	protocolVersion string
}

type streamHandle struct {
	kind      string
	transport *Transport
	closeFn   func() error
	once      sync.Once
	done      chan struct{}
}

const defaultQueueDepth = 4

// NewTransport creates a Transport in StateInitializing with a freshly generated id.
func NewTransport(options ...TransportOption) *Transport {
	now := time.Now()
	t := &Transport{
		id:           uuid.New().String(),
		createdAt:    now,
		lastActivity: now,
		logger:       slog.Default(),
		queueDepth:   defaultQueueDepth,
		done:         make(chan struct{}),
		requests:     make(map[MustString]context.CancelFunc),
	}
	for _, opt := range options {
		opt(t)
	}
	t.events = NewEventLog(t.id, t.retention)
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.logger = t.logger.With(slog.String("sessionID", t.id))

	return t
}

// WithTransportLogger sets the logger for the Transport.
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithQueueDepth sets how many requests may wait behind the running one. Zero means a request
// arriving while another one runs is rejected straight away.
func WithQueueDepth(depth int) TransportOption {
	return func(t *Transport) {
		if depth >= 0 {
			t.queueDepth = depth
		}
	}
}

// WithEventRetention sets the number of events kept in the session's EventLog.
func WithEventRetention(n int) TransportOption {
	return func(t *Transport) {
		t.retention = n
	}
}

// WithTransitionObserver adds an observer of the Transport's state transitions.
func WithTransitionObserver(o TransitionObserver) TransportOption {
	return func(t *Transport) {
		t.observers = append(t.observers, o)
	}
}

// ID returns the session id.
func (t *Transport) ID() string { return t.id }

// CreatedAt returns the creation time of the session.
func (t *Transport) CreatedAt() time.Time { return t.createdAt }

// Events returns the session's EventLog.
func (t *Transport) Events() *EventLog { return t.events }

// Done returns a channel that is closed once the Transport reached StateClosed.
func (t *Transport) Done() <-chan struct{} { return t.done }

// State returns the current state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.state
}

// ClientInfo returns the client info announced during initialize.
func (t *Transport) ClientInfo() Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.clientInfo
}

// ProtocolVersion returns the protocol version negotiated during initialize.
func (t *Transport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.protocolVersion
}

// Touch resets the idle clock of the session.
func (t *Transport) Touch() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	t.mu.Unlock()
}

// LastActivity returns the time the session last accepted a message.
func (t *Transport) LastActivity() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.lastActivity
}

// Activate moves the Transport from StateInitializing to StateActive and publishes the
// transition. If an observer rejects the transition, the Transport is closed and the observer's
// error is returned.
func (t *Transport) Activate(clientInfo Info, protocolVersion string) error {
	t.mu.Lock()
	if t.state != StateInitializing {
		t.mu.Unlock()
		return fmt.Errorf("failed to activate session in state %s: %w", t.state, ErrSessionTerminated)
	}
	t.state = StateActive
	t.clientInfo = clientInfo
	t.protocolVersion = protocolVersion
	t.mu.Unlock()

	tr := Transition{Transport: t, From: StateInitializing, To: StateActive, Reason: "initialized", At: time.Now()}
	for _, o := range t.observers {
		if err := o.Observe(tr); err != nil {
			t.abort("activation rejected")
			return fmt.Errorf("failed to activate session: %w", err)
		}
	}
	return nil
}

// Close starts closing the session. The running handler, if any, is cancelled and every queued
// request fails with ErrSessionTerminated. Close doesn't wait, use Done for that. Calling Close
// on a session that is already closing is a no-op, so Close may be called from inside a request
// of the same session.
func (t *Transport) Close(reason string) {
	t.mu.Lock()
	from := t.state
	if from == StateClosing || from == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosing
	t.closeReason = reason
	waiting := t.waiting
	t.waiting = nil
	t.mu.Unlock()

	t.cancel()
	for _, w := range waiting {
		w <- ErrSessionTerminated
	}

	t.publish(Transition{Transport: t, From: from, To: StateClosing, Reason: reason, At: time.Now()})

	// StateClosed must not be published before StateClosing, so the running request only
	// finishes the close once the transition above went out.
	t.mu.Lock()
	t.closeAnnounced = true
	finish := !t.inflight
	t.mu.Unlock()

	if finish {
		t.finishClose(reason)
	}
}

// abort closes a Transport whose activation was rejected. Queued requests can't exist yet, the
// initialize request still holds the session.
func (t *Transport) abort(reason string) {
	t.mu.Lock()
	if t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	stream := t.stream
	t.mu.Unlock()

	t.cancel()
	if stream != nil {
		stream.release()
	}
	t.events.Discard()
	t.publish(Transition{Transport: t, From: StateActive, To: StateClosed, Reason: reason, At: time.Now()})
	close(t.done)
}

func (t *Transport) finishClose(reason string) {
	t.mu.Lock()
	if t.state != StateClosing {
		t.mu.Unlock()
		return
	}
	t.state = StateClosed
	stream := t.stream
	t.mu.Unlock()

	if stream != nil {
		stream.release()
	}
	t.events.Discard()
	// Observers see StateClosed before Done fires, so a woken waiter never finds the session
	// still registered.
	t.publish(Transition{Transport: t, From: StateClosing, To: StateClosed, Reason: reason, At: time.Now()})
	close(t.done)
}

func (t *Transport) publish(tr Transition) {
	for _, o := range t.observers {
		if err := o.Observe(tr); err != nil {
			t.logger.Warn("failed to publish session transition",
				slog.String("from", tr.From.String()),
				slog.String("to", tr.To.String()),
				slog.String("err", err.Error()))
		}
	}
}

// Acquire waits for the session's turn to run a handler and returns the function that gives the
// turn back. It fails with ErrSessionBusy if the queue is full, ErrSessionTerminated if the
// session is closing, or the context's error if ctx ends first.
func (t *Transport) Acquire(ctx context.Context) (func(), error) {
	t.mu.Lock()
	if t.state != StateInitializing && t.state != StateActive {
		t.mu.Unlock()
		return nil, ErrSessionTerminated
	}
	t.lastActivity = time.Now()
	if !t.inflight && len(t.waiting) == 0 {
		t.inflight = true
		t.mu.Unlock()
		return t.releaser(), nil
	}
	if len(t.waiting) >= t.queueDepth {
		t.mu.Unlock()
		return nil, ErrSessionBusy
	}
	ticket := make(chan error, 1)
	t.waiting = append(t.waiting, ticket)
	t.mu.Unlock()

	select {
	case err := <-ticket:
		if err != nil {
			return nil, err
		}
		return t.releaser(), nil
	case <-ctx.Done():
	}

	t.mu.Lock()
	for i, w := range t.waiting {
		if w == ticket {
			t.waiting = append(t.waiting[:i], t.waiting[i+1:]...)
			t.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	t.mu.Unlock()

	// The ticket was answered while ctx ended, hand the turn on if we got it.
	if err := <-ticket; err == nil {
		t.releaser()()
	}
	return nil, ctx.Err()
}

func (t *Transport) releaser() func() {
	var once sync.Once
	return func() {
		once.Do(t.release)
	}
}

func (t *Transport) release() {
	t.mu.Lock()
	t.lastActivity = time.Now()
	if len(t.waiting) > 0 && t.state != StateClosing && t.state != StateClosed {
		next := t.waiting[0]
		t.waiting = t.waiting[1:]
		t.mu.Unlock()
		next <- nil
		return
	}
	t.inflight = false
	closing := t.state == StateClosing && t.closeAnnounced
	reason := t.closeReason
	t.mu.Unlock()

	if closing {
		t.finishClose(reason)
	}
}

// RequestContext derives the context of one handler invocation. The context ends when parent
// ends, when the session starts closing, or when the caller cancels the request id through a
// notifications/cancelled message.
func (t *Transport) RequestContext(parent context.Context, id MustString) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(t.ctx, cancel)

	t.mu.Lock()
	t.requests[id] = cancel
	t.mu.Unlock()

	return ctx, func() {
		stop()
		cancel()
		t.mu.Lock()
		delete(t.requests, id)
		t.mu.Unlock()
	}
}

// CancelRequest cancels the handler running for the given request id. It reports whether such a
// request was found.
func (t *Transport) CancelRequest(id MustString) bool {
	t.mu.Lock()
	cancel, ok := t.requests[id]
	t.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// attachStream hands the exclusive outbound stream of the session to the caller. closeFn is
// called once when the handle is released, its error is logged only.
func (t *Transport) attachStream(kind string, closeFn func() error) (*streamHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		return nil, ErrSessionTerminated
	}
	if t.stream != nil && !t.stream.dead() {
		return nil, ErrAlreadyStreaming
	}
	h := &streamHandle{
		kind:      kind,
		transport: t,
		closeFn:   closeFn,
		done:      make(chan struct{}),
	}
	t.stream = h

	return h, nil
}

func (t *Transport) closing() <-chan struct{} {
	return t.ctx.Done()
}

func (h *streamHandle) dead() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// release gives the stream slot back. It is safe to call from every cleanup path.
func (h *streamHandle) release() {
	h.once.Do(func() {
		close(h.done)

		t := h.transport
		t.mu.Lock()
		if t.stream == h {
			t.stream = nil
		}
		t.mu.Unlock()

		if h.closeFn == nil {
			return
		}
		if err := h.closeFn(); err != nil {
			t.logger.Warn("failed to close stream, treating as closed",
				slog.String("kind", h.kind),
				slog.String("err", err.Error()))
		}
	})
}

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observe implements TransitionObserver.
func (f TransitionObserverFunc) Observe(tr Transition) error {
	return f(tr)
}
