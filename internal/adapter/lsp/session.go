// Package lsp provides the JSON-RPC session with the PHP analysis engine:
// subprocess lifecycle, Content-Length framing, request/response correlation
// and in-order notification fan-out.
package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	cfotel "github.com/DEVSENSE/phpy/internal/adapter/otel"
	lspDomain "github.com/DEVSENSE/phpy/internal/domain/lsp"
)

// Handler receives the raw params of one notification.
type Handler func(params json.RawMessage)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger used for protocol events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithMetrics records request and notification metrics.
func WithMetrics(m *cfotel.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

type subscription struct {
	fn Handler
}

// Session is one connection to the engine. Responses and notifications are
// dispatched on a single read goroutine in the order they arrive.
// Handlers run on that goroutine and must not block on Request.
type Session struct {
	conn    *Conn
	logger  *slog.Logger
	metrics *cfotel.Metrics
	proc    *process // nil when running over a caller-supplied stream

	nextID  atomic.Int64
	pending map[int64]chan *Message
	pendMu  sync.Mutex

	handlers map[string][]*subscription // copy-on-write per method
	handMu   sync.RWMutex

	closing atomic.Bool
	done    chan struct{} // closed when readLoop exits
	err     error         // set before done is closed

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewSession runs a session over rwc and starts reading from it.
func NewSession(rwc io.ReadWriteCloser, opts ...Option) *Session {
	s := &Session{
		conn:     NewConn(rwc),
		logger:   slog.Default(),
		pending:  make(map[int64]chan *Message),
		handlers: make(map[string][]*subscription),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "lsp")
	go s.readLoop()
	return s
}

// Done is closed once the session stops reading from the engine.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session stopped, or nil while it is running.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Request sends method with params and waits for the matching response,
// decoding its result into result when non-nil. The wait is bounded only
// by ctx.
func (s *Session) Request(ctx context.Context, method string, params, result any) (err error) {
	id := s.nextID.Add(1)
	ctx, span := cfotel.StartRequestSpan(ctx, method, id)
	start := time.Now()
	defer func() {
		s.metrics.RecordRequest(ctx, method, time.Since(start), err)
		cfotel.EndSpan(span, err)
	}()

	select {
	case <-s.done:
		return s.closedError("request " + method)
	default:
	}

	ch := make(chan *Message, 1)
	s.pendMu.Lock()
	s.pending[id] = ch
	s.pendMu.Unlock()
	defer func() {
		s.pendMu.Lock()
		delete(s.pending, id)
		s.pendMu.Unlock()
	}()

	if err := s.conn.Request(id, method, params); err != nil {
		if errors.Is(err, errEncode) {
			return &ProtocolError{Method: method, Err: err}
		}
		return &TransportError{Op: "write " + method, Err: err}
	}

	select {
	case msg := <-ch:
		return decodeResult(method, msg, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		// The response may have been delivered just before the loop stopped.
		select {
		case msg := <-ch:
			return decodeResult(method, msg, result)
		default:
		}
		return s.closedError("request " + method)
	}
}

func decodeResult(method string, msg *Message, result any) error {
	if msg.Error != nil {
		return &ProtocolError{Method: method, Code: msg.Error.Code, Message: msg.Error.Message, Err: msg.Error}
	}
	if result == nil || len(msg.Result) == 0 || string(msg.Result) == "null" {
		return nil
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return &ProtocolError{Method: method, Err: fmt.Errorf("decode result: %w", err)}
	}
	return nil
}

// Notify sends a fire-and-forget message.
func (s *Session) Notify(method string, params any) error {
	select {
	case <-s.done:
		return s.closedError("notify " + method)
	default:
	}
	if err := s.conn.Notify(method, params); err != nil {
		if errors.Is(err, errEncode) {
			return &ProtocolError{Method: method, Err: err}
		}
		return &TransportError{Op: "write " + method, Err: err}
	}
	return nil
}

// OnNotification registers fn for every notification of method. Handlers of
// one method run in registration order. The returned func unsubscribes fn.
func (s *Session) OnNotification(method string, fn Handler) (unsubscribe func()) {
	sub := &subscription{fn: fn}

	s.handMu.Lock()
	s.handlers[method] = append(slices.Clone(s.handlers[method]), sub)
	s.handMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.handMu.Lock()
			defer s.handMu.Unlock()
			subs := slices.DeleteFunc(slices.Clone(s.handlers[method]), func(o *subscription) bool { return o == sub })
			if len(subs) == 0 {
				delete(s.handlers, method)
				return
			}
			s.handlers[method] = subs
		})
	}
}

// Initialize sends the initialize request with params forwarded verbatim,
// then the initialized notification.
func (s *Session) Initialize(ctx context.Context, params, result any) error {
	if err := s.Request(ctx, lspDomain.MethodInitialize, params, result); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := s.Notify(lspDomain.MethodInitialized, struct{}{}); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

// Shutdown sends exit, closes the transport and, for a spawned engine, waits
// for the process, killing it once ctx is done. Later calls return the
// first call's result.
func (s *Session) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Session) shutdown(ctx context.Context) error {
	s.closing.Store(true)
	s.logger.Debug("lsp session shutting down")

	if err := s.Notify(lspDomain.MethodExit, nil); err != nil {
		s.logger.Debug("exit notification not sent", "error", err)
	}
	closeErr := s.conn.Close()

	if s.proc != nil {
		s.proc.wait(ctx, s.logger)
	}

	if !s.stopped() {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("lsp shutdown: %w", ctx.Err())
		}
	}

	if closeErr != nil && !errors.Is(closeErr, io.ErrClosedPipe) && !errors.Is(closeErr, os.ErrClosed) {
		return &TransportError{Op: "close", Err: closeErr}
	}
	return nil
}

func (s *Session) stopped() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// closedError reports an operation attempted on a stopped session.
func (s *Session) closedError(op string) error {
	cause := s.Err()
	if cause == nil {
		cause = ErrClosed
	}
	return &TransportError{Op: op, Err: cause}
}

// readLoop reads messages until the stream fails. Responses are dispatched
// to pending callers; notifications are handed to subscribers inline.
func (s *Session) readLoop() {
	var cause error
	defer func() {
		s.err = cause
		close(s.done)
	}()

	for {
		msg, err := s.conn.ReadMessage()
		if errors.Is(err, errMalformed) {
			s.logger.Warn("lsp message dropped", "error", err)
			continue
		}
		if err != nil {
			if s.closing.Load() {
				cause = ErrClosed
				return
			}
			if errors.Is(err, io.EOF) {
				cause = fmt.Errorf("engine closed its output: %w", err)
			} else {
				cause = err
			}
			s.logger.Error("lsp connection lost", "error", cause)
			return
		}

		switch {
		case msg.IsRequest():
			s.handleServerRequest(msg)
		case msg.IsNotification():
			s.dispatch(msg)
		default:
			s.handleResponse(msg)
		}
	}
}

func (s *Session) handleResponse(msg *Message) {
	id, ok := msg.NumericID()
	if !ok {
		s.logger.Warn("lsp response without usable id", "id", string(msg.ID), "error", msg.Error)
		return
	}
	// Claiming the entry makes a repeated response for the same id unknown,
	// so the send below never blocks the read loop.
	s.pendMu.Lock()
	ch, ok := s.pending[id]
	delete(s.pending, id)
	s.pendMu.Unlock()
	if !ok {
		s.logger.Warn("lsp response for unknown request", "id", id)
		return
	}
	ch <- msg
}

// handleServerRequest answers engine-initiated requests with a null result
// so the engine never waits on the client.
func (s *Session) handleServerRequest(msg *Message) {
	s.logger.Debug("lsp server request answered with null", "method", msg.Method)
	if err := s.conn.Respond(msg.ID, nil, nil); err != nil {
		s.logger.Warn("lsp server request response failed", "method", msg.Method, "error", err)
	}
}

func (s *Session) dispatch(msg *Message) {
	s.metrics.RecordNotification(context.Background(), msg.Method)

	s.handMu.RLock()
	subs := s.handlers[msg.Method]
	s.handMu.RUnlock()

	if len(subs) == 0 {
		s.logger.Debug("lsp notification ignored", "method", msg.Method)
		return
	}
	for _, sub := range subs {
		sub.fn(msg.Params)
	}
}
