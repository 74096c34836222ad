package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tmaxmax/go-sse"
)

// SessionIDHeader carries the session id on every request after initialize.
const SessionIDHeader = "Mcp-Session-Id"

const (
	lastEventIDHeader = "Last-Event-ID"

	defaultMaxBodyBytes = 4 << 20
	defaultCallTimeout  = 2 * time.Minute
	defaultIdleTimeout  = 30 * time.Minute
	wsWriteTimeout      = 10 * time.Second
)

var localOrigin = regexp.MustCompile(`^https?://(localhost|127\.0\.0\.1|\[::1\])(:\d+)?$`)

// StreamableServerOption represents the options for the StreamableServer.
type StreamableServerOption func(*StreamableServer)

// StreamableServer implements the framework-agnostic HTTP side of the session transport. It
// creates a session for every successful initialize request, routes later requests to the
// session named by the Mcp-Session-Id header, and lets callers re-attach to the outbound event
// stream of a session through HandleStream (server-sent events) or HandleWebSocket.
//
// A tools/call request whose Accept header includes text/event-stream is answered as an event
// stream carrying its progress notifications and the final response. If another stream is
// already attached to the session, the response is sent inline as JSON instead, the attached
// stream still sees every event.
//
// Instances should be created using NewStreamableServer and shut down using Shutdown.
type StreamableServer struct {
	server   Server
	registry *Registry
	logger   *slog.Logger

	observers    []TransitionObserver
	queueDepth   int
	retention    int
	idleTimeout  time.Duration
	callTimeout  time.Duration
	maxBodyBytes int64
	jsonOnly     bool
	allowOrigin  func(origin string) bool

	upgrader websocket.Upgrader

	done         chan struct{}
	reaperClosed chan struct{}
	shutdownOnce sync.Once
}

// NewStreamableServer creates a StreamableServer dispatching requests to server. The idle reaper
// starts immediately, Shutdown stops it.
func NewStreamableServer(server Server, options ...StreamableServerOption) *StreamableServer {
	s := &StreamableServer{
		server:       server,
		logger:       slog.Default(),
		queueDepth:   defaultQueueDepth,
		retention:    defaultEventRetention,
		idleTimeout:  defaultIdleTimeout,
		callTimeout:  defaultCallTimeout,
		maxBodyBytes: defaultMaxBodyBytes,
		allowOrigin:  localOrigin.MatchString,
		done:         make(chan struct{}),
		reaperClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.registry == nil {
		s.registry = NewRegistry()
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	go s.reap()

	return s
}

// WithRegistry makes the server keep its sessions in r.
func WithRegistry(r *Registry) StreamableServerOption {
	return func(s *StreamableServer) {
		s.registry = r
	}
}

// WithStreamableServerLogger sets the logger for the StreamableServer and the sessions it creates.
func WithStreamableServerLogger(logger *slog.Logger) StreamableServerOption {
	return func(s *StreamableServer) {
		s.logger = logger.With(
			slog.String("package", "mcp"),
			slog.String("component", "streamable"),
		)
	}
}

// WithSessionObserver adds an observer to every session the server creates.
func WithSessionObserver(o TransitionObserver) StreamableServerOption {
	return func(s *StreamableServer) {
		s.observers = append(s.observers, o)
	}
}

// WithSessionQueueDepth sets how many requests of one session may wait behind the running one.
func WithSessionQueueDepth(depth int) StreamableServerOption {
	return func(s *StreamableServer) {
		s.queueDepth = depth
	}
}

// WithSessionEventRetention sets how many events each session keeps for resumption.
func WithSessionEventRetention(n int) StreamableServerOption {
	return func(s *StreamableServer) {
		s.retention = n
	}
}

// WithIdleTimeout sets after how long without activity a session is closed. Zero disables it.
func WithIdleTimeout(d time.Duration) StreamableServerOption {
	return func(s *StreamableServer) {
		s.idleTimeout = d
	}
}

// WithCallTimeout bounds the time one request may hold its session. Zero disables it.
func WithCallTimeout(d time.Duration) StreamableServerOption {
	return func(s *StreamableServer) {
		s.callTimeout = d
	}
}

// WithMaxBodyBytes limits the size of a request body.
func WithMaxBodyBytes(n int64) StreamableServerOption {
	return func(s *StreamableServer) {
		s.maxBodyBytes = n
	}
}

// WithJSONResponseOnly disables streamed responses, every request is answered inline.
func WithJSONResponseOnly() StreamableServerOption {
	return func(s *StreamableServer) {
		s.jsonOnly = true
	}
}

// WithAllowedOrigin sets the predicate deciding which browser origins may use the endpoints.
// By default only localhost origins are allowed.
func WithAllowedOrigin(allow func(origin string) bool) StreamableServerOption {
	return func(s *StreamableServer) {
		s.allowOrigin = allow
	}
}

// Registry returns the Registry holding the server's sessions.
func (s *StreamableServer) Registry() *Registry {
	return s.registry
}

// Handler returns an http.Handler serving all endpoints under basePath: POST and DELETE on
// basePath itself, the event stream on basePath/stream and the WebSocket on basePath/ws.
func (s *StreamableServer) Handler(basePath string) http.Handler {
	base := "/" + strings.Trim(basePath, "/")

	mux := http.NewServeMux()
	mux.Handle("POST "+base, s.HandlePost())
	mux.Handle("DELETE "+base, s.HandleDelete())
	mux.Handle("GET "+base+"/stream", s.HandleStream())
	mux.Handle("GET "+base+"/ws", s.HandleWebSocket())

	return s.cors(mux)
}

// HandlePost returns an http.Handler for the JSON-RPC messages of a caller.
func (s *StreamableServer) HandlePost() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		default:
		}

		r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

		var msg JSONRPCMessage
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			writeJSONRPCError(w, http.StatusBadRequest, "", jsonRPCParseErrorCode,
				fmt.Sprintf("failed to decode message: %s", err))
			return
		}
		// Reading up to EOF lets net/http notice when the caller goes away mid-request.
		if _, err := io.Copy(io.Discard, r.Body); err != nil {
			writeJSONRPCError(w, http.StatusBadRequest, msg.ID, jsonRPCParseErrorCode,
				fmt.Sprintf("failed to read message: %s", err))
			return
		}
		if msg.JSONRPC != JSONRPCVersion {
			writeJSONRPCError(w, http.StatusBadRequest, msg.ID, jsonRPCInvalidRequestCode,
				fmt.Sprintf("unsupported jsonrpc version %q", msg.JSONRPC))
			return
		}

		var sess *Transport
		known := false
		if id := r.Header.Get(SessionIDHeader); id != "" {
			sess, known = s.registry.Lookup(id)
		}

		switch {
		case msg.Method == methodInitialize && known:
			writeJSONRPCError(w, http.StatusBadRequest, msg.ID, jsonRPCInvalidRequestCode,
				"session already initialized")
		case msg.Method == methodInitialize:
			s.handleInitialize(w, r, msg)
		case !known:
			s.logger.Warn("rejected message without valid session",
				slog.String("method", msg.Method),
				slog.String("sessionID", r.Header.Get(SessionIDHeader)))
			writeTransportError(w, ErrMissingOrInvalidSession)
		case sess.State() != StateActive:
			writeTransportError(w, ErrSessionTerminated)
		case msg.isNotification():
			s.handleNotification(w, sess, msg)
		case msg.isResponse():
			sess.Touch()
			w.WriteHeader(http.StatusAccepted)
		default:
			s.handleRequest(w, r, sess, msg)
		}
	})
}

// HandleDelete returns an http.Handler terminating the session named by the Mcp-Session-Id
// header. It replies 204 once the session is closed and 400 if the session is unknown.
func (s *StreamableServer) HandleDelete() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(SessionIDHeader)
		sess, ok := s.registry.Lookup(id)
		if id == "" || !ok {
			writeTransportError(w, ErrMissingOrInvalidSession)
			return
		}

		sess.Close("terminated by caller")

		select {
		case <-sess.Done():
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
}

// HandleStream returns an http.Handler re-attaching a caller to the event stream of an active
// session with server-sent events. Events after the Last-Event-ID header (or the lastEventId
// query parameter) are replayed first, then new events are forwarded until either side closes.
// The session id may be given as header or as the sessionId query parameter.
func (s *StreamableServer) HandleStream() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, after, given, err := s.prepareAttach(r)
		if err != nil {
			writeTransportError(w, err)
			return
		}

		h, err := sess.attachStream("sse", nil)
		if err != nil {
			writeTransportError(w, err)
			return
		}
		defer h.release()

		stream, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", "err", nErr)
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}
		if err := stream.Flush(); err != nil {
			s.logger.Warn("failed to flush stream", slog.String("err", err.Error()))
			return
		}

		err = s.follow(r.Context(), sess, h, after, !given, func(ev Event) error {
			return writeEvent(stream, ev)
		})
		s.logger.Debug("event stream detached",
			slog.String("sessionID", sess.ID()),
			slog.Any("reason", err))
	})
}

// HandleWebSocket returns an http.Handler re-attaching a caller to the event stream of an active
// session over a WebSocket. It follows the same rules as HandleStream, every event is sent as a
// JSON encoded Event text message.
func (s *StreamableServer) HandleWebSocket() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, after, given, err := s.prepareAttach(r)
		if err != nil {
			writeTransportError(w, err)
			return
		}

		var conn atomic.Pointer[websocket.Conn]
		h, err := sess.attachStream("ws", func() error {
			if c := conn.Load(); c != nil {
				return c.Close()
			}
			return nil
		})
		if err != nil {
			writeTransportError(w, err)
			return
		}
		defer h.release()

		c, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("failed to upgrade websocket", slog.String("err", err.Error()))
			return
		}
		conn.Store(c)
		if h.dead() {
			// Released while upgrading, the close function saw no connection yet.
			_ = c.Close()
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Reads only detect the peer going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := c.ReadMessage(); err != nil {
					return
				}
			}
		}()

		err = s.follow(ctx, sess, h, after, !given, func(ev Event) error {
			if err := c.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
				return err
			}
			return c.WriteJSON(ev)
		})
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.logger.Debug("websocket detached",
			slog.String("sessionID", sess.ID()),
			slog.Any("reason", err))
	})
}

// Shutdown closes every session and stops the idle reaper. It returns an error if ctx ends
// before all sessions reached StateClosed.
func (s *StreamableServer) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		close(s.done)
	})

	sessions := s.registry.Snapshot()
	for _, sess := range sessions {
		sess.Close("server shutdown")
	}
	for _, sess := range sessions {
		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to close sessions: %w", ctx.Err())
		case <-sess.Done():
		}
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to stop idle reaper: %w", ctx.Err())
	case <-s.reaperClosed:
	}
	return nil
}

func (s *StreamableServer) newTransport() *Transport {
	opts := []TransportOption{
		WithTransportLogger(s.logger),
		WithQueueDepth(s.queueDepth),
		WithEventRetention(s.retention),
		WithTransitionObserver(s.registry),
		WithTransitionObserver(transitionLogger{logger: s.logger}),
	}
	for _, o := range s.observers {
		opts = append(opts, WithTransitionObserver(o))
	}
	return NewTransport(opts...)
}

func (s *StreamableServer) handleInitialize(w http.ResponseWriter, r *http.Request, msg JSONRPCMessage) {
	sess := s.newTransport()

	release, err := sess.Acquire(r.Context())
	if err != nil {
		sess.Close("initialize aborted")
		writeTransportError(w, err)
		return
	}
	defer release()

	params, result, err := s.server.initialize(msg)
	if err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		sess.Close("initialize failed")

		jsonErr := JSONRPCError{}
		if !errors.As(err, &jsonErr) {
			jsonErr = JSONRPCError{Code: jsonRPCInternalErrorCode, Message: errMsgInternalError}
		}
		s.writeJSONMessage(w, http.StatusBadRequest, JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error:   &jsonErr,
		})
		return
	}

	if err := sess.Activate(params.ClientInfo, params.ProtocolVersion); err != nil {
		s.logger.Error("failed to activate session", slog.String("err", err.Error()))
		writeTransportError(w, err)
		return
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		sess.Close("initialize failed")
		writeTransportError(w, fmt.Errorf("failed to marshal initialize result: %w", err))
		return
	}
	resMsg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msg.ID,
		Result:  resBs,
	}
	s.record(sess, resMsg)

	w.Header().Set(SessionIDHeader, sess.ID())
	s.writeJSONMessage(w, http.StatusOK, resMsg)
}

func (s *StreamableServer) handleNotification(w http.ResponseWriter, sess *Transport, msg JSONRPCMessage) {
	sess.Touch()

	switch msg.Method {
	case methodNotificationsCancelled:
		var params notificationsCancelledParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			s.logger.Warn("failed to unmarshal cancel params", slog.String("err", err.Error()))
			break
		}
		if sess.CancelRequest(params.RequestID) {
			s.logger.Debug("request cancelled by caller",
				slog.String("sessionID", sess.ID()),
				slog.String("requestID", string(params.RequestID)),
				slog.String("reason", params.Reason))
		}
	case methodNotificationsInitialized:
	default:
		s.logger.Debug("ignored notification", slog.String("method", msg.Method))
	}

	w.WriteHeader(http.StatusAccepted)
}

func (s *StreamableServer) handleRequest(w http.ResponseWriter, r *http.Request, sess *Transport, msg JSONRPCMessage) {
	release, err := sess.Acquire(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			// The caller is gone, there is nobody to answer.
			return
		}
		writeTransportError(w, err)
		return
	}
	defer release()

	ctx, cancel := sess.RequestContext(r.Context(), msg.ID)
	defer cancel()
	if s.callTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, s.callTimeout)
		defer cancelTimeout()
	}

	if s.wantsStream(r, msg) {
		h, err := sess.attachStream("post", nil)
		switch {
		case err == nil:
			s.streamResponse(ctx, cancel, w, r, sess, h, msg)
			return
		case errors.Is(err, ErrAlreadyStreaming):
			s.logger.Debug("stream already attached, replying inline", slog.String("sessionID", sess.ID()))
		default:
			writeTransportError(w, err)
			return
		}
	}

	resMsg := s.server.dispatch(ctx, sess, msg, func(n JSONRPCMessage) {
		s.record(sess, n)
	})
	s.record(sess, resMsg)

	w.Header().Set(SessionIDHeader, sess.ID())
	s.writeJSONMessage(w, http.StatusOK, resMsg)
}

// streamResponse owns the connection of the request until the response was written. A failed
// write means the peer disconnected: the handler is cancelled and the session closed.
func (s *StreamableServer) streamResponse(
	ctx context.Context,
	cancel context.CancelFunc,
	w http.ResponseWriter,
	r *http.Request,
	sess *Transport,
	h *streamHandle,
	msg JSONRPCMessage,
) {
	defer h.release()

	w.Header().Set(SessionIDHeader, sess.ID())
	stream, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	var mu sync.Mutex
	disconnected := false
	disconnect := func(err error) {
		disconnected = true
		s.logger.Warn("peer disconnected during streaming response",
			slog.String("sessionID", sess.ID()),
			slog.String("err", err.Error()))
		cancel()
		sess.Close("peer disconnected")
	}

	send := func(m JSONRPCMessage) {
		ev, ok := s.record(sess, m)
		if !ok {
			return
		}

		mu.Lock()
		defer mu.Unlock()

		if disconnected {
			return
		}
		if err := writeEvent(stream, ev); err != nil {
			disconnect(err)
		}
	}

	resMsg := s.server.dispatch(ctx, sess, msg, send)
	send(resMsg)

	mu.Lock()
	defer mu.Unlock()
	if !disconnected && r.Context().Err() != nil {
		disconnect(r.Context().Err())
	}
}

// follow replays the session's events after the given sequence through write, then keeps
// forwarding new events until ctx ends, the handle is released or the session closes.
// With fromOldest set, a first replay that finds the start evicted moves on to the oldest
// retained event instead of failing.
func (s *StreamableServer) follow(
	ctx context.Context,
	sess *Transport,
	h *streamHandle,
	after uint64,
	fromOldest bool,
	write func(Event) error,
) error {
	events := sess.Events()
	cursor := after
	closing := false

	for {
		changed := events.Changed()
		expired := false
		for ev, err := range events.ReplayFrom(cursor) {
			if fromOldest && errors.Is(err, ErrResumptionExpired) {
				expired = true
				break
			}
			if err != nil {
				return err
			}
			if err := write(ev); err != nil {
				return fmt.Errorf("failed to write event %d: %w", ev.Sequence, err)
			}
			cursor = ev.Sequence
			sess.Touch()
		}
		if expired {
			cursor = events.Oldest() - 1
			continue
		}
		fromOldest = false
		if closing {
			return ErrSessionTerminated
		}

		select {
		case <-changed:
		case <-sess.closing():
			// Forward what was appended before the close, then stop.
			closing = true
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return nil
		case <-s.done:
			return nil
		}
	}
}

// prepareAttach finds the session a fallback stream attaches to and where its replay starts.
// given reports whether the caller named a resumption point; without one the replay starts at
// the oldest retained event and eviction is never an error.
func (s *StreamableServer) prepareAttach(r *http.Request) (sess *Transport, after uint64, given bool, err error) {
	id := r.Header.Get(SessionIDHeader)
	if id == "" {
		id = r.URL.Query().Get("sessionId")
	}
	sess, ok := s.registry.Lookup(id)
	if id == "" || !ok || sess.State() != StateActive {
		return nil, 0, false, ErrMissingOrInvalidSession
	}

	after, given, err = resumptionPoint(r)
	if err != nil {
		return nil, 0, false, err
	}
	if !given {
		return sess, sess.Events().Oldest() - 1, false, nil
	}
	if err := sess.Events().CheckResumption(after); err != nil {
		return nil, 0, false, err
	}

	return sess, after, true, nil
}

func (s *StreamableServer) record(sess *Transport, msg JSONRPCMessage) (Event, bool) {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message", slog.String("err", err.Error()))
		return Event{}, false
	}
	ev, err := sess.Events().Append(msgBs)
	if err != nil {
		s.logger.Warn("failed to record event",
			slog.String("sessionID", sess.ID()),
			slog.String("err", err.Error()))
		return Event{}, false
	}
	return ev, true
}

func (s *StreamableServer) wantsStream(r *http.Request, msg JSONRPCMessage) bool {
	if s.jsonOnly || msg.Method != MethodToolsCall {
		return false
	}
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func (s *StreamableServer) reap() {
	defer close(s.reaperClosed)

	if s.idleTimeout <= 0 {
		return
	}

	ticker := time.NewTicker(s.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, sess := range s.registry.Snapshot() {
				if now.Sub(sess.LastActivity()) > s.idleTimeout {
					sess.Close("idle timeout")
				}
			}
		}
	}
}

func (s *StreamableServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || s.allowOrigin(origin)
}

func (s *StreamableServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.allowOrigin(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Mcp-Session-Id, Last-Event-ID")
			h.Set("Access-Control-Expose-Headers", SessionIDHeader)
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// resumptionPoint reads the last sequence the caller saw. given is false when the request names
// none.
func resumptionPoint(r *http.Request) (after uint64, given bool, err error) {
	raw := r.Header.Get(lastEventIDHeader)
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("%w: %q", ErrInvalidResumption, raw)
	}
	return n, true, nil
}

func writeEvent(stream *sse.Session, ev Event) error {
	msg := &sse.Message{
		ID:   sse.ID(strconv.FormatUint(ev.Sequence, 10)),
		Type: sse.Type("message"),
	}
	msg.AppendData(string(ev.Payload))

	if err := stream.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("failed to flush event: %w", err)
	}
	return nil
}

func (s *StreamableServer) writeJSONMessage(w http.ResponseWriter, status int, msg JSONRPCMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(msg); err != nil {
		s.logger.Warn("failed to write response",
			slog.String("id", string(msg.ID)),
			slog.String("err", err.Error()))
	}
}
