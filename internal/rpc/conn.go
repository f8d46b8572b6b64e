package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "cloudpasture.io/corral/internal/pkg/errors"
)

// DefaultRequestTimeout applies when a Call passes no deadline.
const DefaultRequestTimeout = 30 * time.Second

// LongRequestTimeout is the ceiling for long operations (migrations,
// volume clones, image fetches).
const LongRequestTimeout = 300 * time.Second

const writeWait = 10 * time.Second

// RequestHandler serves one inbound request method. Returning an
// AppError puts its code on the wire; any other error maps to
// INTERNAL_ERROR.
type RequestHandler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

// NotificationHandler consumes one inbound notification method.
type NotificationHandler func(ctx context.Context, payload json.RawMessage)

// Mux routes inbound frames by method name.
type Mux struct {
	requests      map[string]RequestHandler
	notifications map[string]NotificationHandler
}

// NewMux creates an empty method table.
func NewMux() *Mux {
	return &Mux{
		requests:      make(map[string]RequestHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// HandleRequest registers a request handler.
func (m *Mux) HandleRequest(method string, h RequestHandler) {
	m.requests[method] = h
}

// HandleNotification registers a notification handler.
func (m *Mux) HandleNotification(method string, h NotificationHandler) {
	m.notifications[method] = h
}

// Methods returns the advertised request method names.
func (m *Mux) Methods() []string {
	out := make([]string, 0, len(m.requests))
	for name := range m.requests {
		out = append(out, name)
	}
	return out
}

type inboundIDKey struct{}

func withInboundID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, inboundIDKey{}, id)
}

// InboundRequestID returns the id of the inbound request a handler is
// serving; handlers use it to correlate stream frames.
func InboundRequestID(ctx context.Context) string {
	if v, ok := ctx.Value(inboundIDKey{}).(string); ok {
		return v
	}
	return ""
}

type callResult struct {
	payload json.RawMessage
	err     *apperrors.AppError
}

type pendingCall struct {
	ch         chan callResult
	onProgress func(json.RawMessage)
}

// Conn is one side of a persistent duplex RPC connection. Either peer
// may originate requests. All locking is short-lived and never spans a
// network write or handler invocation.
type Conn struct {
	ws  *websocket.Conn
	mux *Mux
	log *zap.Logger

	outbound chan *Message

	mu        sync.Mutex
	pending   map[string]*pendingCall
	inflight  map[string]context.CancelFunc
	closed    bool
	closeCode string

	done chan struct{}

	// submit runs inbound request handlers; overridable so owners can
	// route through a worker pool instead of bare goroutines.
	submit func(fn func())
}

// NewConn wraps an established WebSocket in the RPC framing layer.
// Run must be called to start pumping frames.
func NewConn(ws *websocket.Conn, mux *Mux, log *zap.Logger) *Conn {
	ws.SetReadLimit(MaxFrameSize)
	return &Conn{
		ws:       ws,
		mux:      mux,
		log:      log,
		outbound: make(chan *Message, 64),
		pending:  make(map[string]*pendingCall),
		inflight: make(map[string]context.CancelFunc),
		done:     make(chan struct{}),
		submit:   func(fn func()) { go fn() },
	}
}

// SetSubmitter routes inbound request handlers through fn (a worker
// pool) instead of fresh goroutines.
func (c *Conn) SetSubmitter(fn func(fn func())) {
	c.submit = fn
}

// Run pumps frames until the connection closes. It blocks the calling
// goroutine on the read loop; the write pump runs alongside. Any
// framing error closes the connection and fails all in-flight requests
// with TRANSPORT_CLOSED.
func (c *Conn) Run(ctx context.Context) {
	go c.writeLoop()
	c.readLoop(ctx)
	c.shutdown(apperrors.CodeTransportClosed)
}

// Done is closed once the connection has fully shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close tears the connection down, failing in-flight requests with the
// given code (TRANSPORT_CLOSED or TRANSPORT_SUPERSEDED).
func (c *Conn) Close(code string) {
	c.mu.Lock()
	if c.closeCode == "" {
		c.closeCode = code
	}
	c.mu.Unlock()
	_ = c.ws.Close()
}

// Call sends a request and waits for its response. timeout zero means
// DefaultRequestTimeout. On timeout the correlation entry is released,
// an rpc.cancel notification is emitted, and TIMEOUT is returned;
// cancellation is advisory and the method's idempotency (task ids)
// covers the race.
func (c *Conn) Call(ctx context.Context, method string, payload interface{}, timeout time.Duration) (json.RawMessage, error) {
	return c.call(ctx, method, payload, timeout, nil)
}

// CallStream is Call with a progress callback invoked for every
// non-terminal stream frame correlated to the request. A terminal
// stream frame (completed=true) resolves the call if no response
// arrives first. Whichever of the two arrives first resolves the call;
// a response that arrives after a terminal stream frame is dropped.
func (c *Conn) CallStream(ctx context.Context, method string, payload interface{}, timeout time.Duration, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	return c.call(ctx, method, payload, timeout, onProgress)
}

func (c *Conn) call(ctx context.Context, method string, payload interface{}, timeout time.Duration, onProgress func(json.RawMessage)) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if timeout > LongRequestTimeout {
		timeout = LongRequestTimeout
	}

	msg, err := NewRequest(method, payload)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInvalidRequest, "encode request",
			apperrors.HTTPStatusFor(apperrors.CodeInvalidRequest))
	}

	pc := &pendingCall{ch: make(chan callResult, 1), onProgress: onProgress}

	c.mu.Lock()
	if c.closed {
		code := c.closeCode
		c.mu.Unlock()
		return nil, apperrors.FromCode(code, "connection closed")
	}
	c.pending[msg.ID] = pc
	c.mu.Unlock()

	if err := c.send(msg); err != nil {
		c.dropPending(msg.ID)
		return nil, apperrors.Wrap(err, apperrors.CodeTransportClosed, "send request",
			apperrors.HTTPStatusFor(apperrors.CodeTransportClosed))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.payload, nil
	case <-timer.C:
		c.dropPending(msg.ID)
		c.cancelRemote(msg.ID)
		return nil, apperrors.FromCode(apperrors.CodeTimeout,
			fmt.Sprintf("request %s timed out after %s", method, timeout)).Retryable()
	case <-ctx.Done():
		c.dropPending(msg.ID)
		c.cancelRemote(msg.ID)
		return nil, apperrors.Wrap(ctx.Err(), apperrors.CodeTimeout, "request cancelled",
			apperrors.HTTPStatusFor(apperrors.CodeTimeout))
	case <-c.done:
		c.mu.Lock()
		code := c.closeCode
		c.mu.Unlock()
		if code == "" {
			code = apperrors.CodeTransportClosed
		}
		return nil, apperrors.FromCode(code, "connection closed").Retryable()
	}
}

// Notify sends a fire-and-forget notification.
func (c *Conn) Notify(method string, payload interface{}) error {
	msg, err := NewNotification(method, payload)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// SendMessage enqueues a pre-built frame; used for handshake replies
// that correlate to a frame read before the loops started.
func (c *Conn) SendMessage(msg *Message) error {
	return c.send(msg)
}

// Stream emits a progress frame correlated to an inbound request id.
func (c *Conn) Stream(id string, payload interface{}) error {
	msg, err := NewStream(id, payload)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Conn) send(msg *Message) error {
	select {
	case c.outbound <- msg:
		return nil
	case <-c.done:
		return fmt.Errorf("connection closed")
	}
}

func (c *Conn) cancelRemote(id string) {
	if err := c.Notify(MethodCancel, CancelPayload{ID: id}); err != nil {
		c.log.Debug("cancel notification dropped", zap.String("id", id), zap.Error(err))
	}
}

func (c *Conn) dropPending(id string) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.pending[id]
	delete(c.pending, id)
	return pc
}

func (c *Conn) writeLoop() {
	for {
		select {
		case msg := <-c.outbound:
			data, err := msg.Encode()
			if err != nil {
				c.log.Error("drop unencodable frame",
					zap.String("id", msg.ID), zap.Error(err))
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("write failed, closing", zap.Error(err))
				_ = c.ws.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("read loop ended", zap.Error(err))
			return
		}
		msg, err := Decode(data)
		if err != nil {
			// Framing errors close the connection.
			c.log.Warn("framing error, closing connection", zap.Error(err))
			_ = c.ws.Close()
			return
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Conn) dispatch(ctx context.Context, msg *Message) {
	switch msg.Type {
	case TypeResponse:
		c.completeCall(msg)
	case TypeStream:
		c.handleStream(msg)
	case TypeRequest:
		c.handleRequest(ctx, msg)
	case TypeNotification:
		c.handleNotification(ctx, msg)
	}
}

// completeCall resolves the pending call for a response frame. At most
// one response per request id: later frames for the same id are dropped.
func (c *Conn) completeCall(msg *Message) {
	pc := c.dropPending(msg.ID)
	if pc == nil {
		c.log.Debug("response without pending call", zap.String("id", msg.ID))
		return
	}
	if msg.Error != nil {
		pc.ch <- callResult{err: apperrors.FromCode(msg.Error.Code, msg.Error.Message)}
		return
	}
	pc.ch <- callResult{payload: msg.Payload}
}

func (c *Conn) handleStream(msg *Message) {
	if msg.StreamCompleted() {
		// Terminal stream releases the correlation entry; a later
		// response for the same id finds nothing and is dropped, which
		// keeps the "response is authoritative" rule for peers that
		// send the response first.
		pc := c.dropPending(msg.ID)
		if pc != nil {
			pc.ch <- callResult{payload: msg.Payload}
		}
		return
	}

	c.mu.Lock()
	pc := c.pending[msg.ID]
	c.mu.Unlock()
	if pc != nil && pc.onProgress != nil {
		pc.onProgress(msg.Payload)
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg *Message) {
	handler, ok := c.mux.requests[msg.Method]
	if !ok {
		_ = c.send(NewErrorResponse(msg.ID, apperrors.CodeMethodNotFound,
			fmt.Sprintf("unknown method %q", msg.Method)))
		return
	}

	reqCtx, cancel := context.WithCancel(withInboundID(ctx, msg.ID))
	c.mu.Lock()
	c.inflight[msg.ID] = cancel
	c.mu.Unlock()

	c.submit(func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, msg.ID)
			c.mu.Unlock()
			cancel()
		}()

		result, err := handler(reqCtx, msg.Payload)
		if err != nil {
			if appErr, ok := apperrors.IsAppError(err); ok {
				_ = c.send(NewErrorResponse(msg.ID, appErr.Code, appErr.Message))
			} else {
				_ = c.send(NewErrorResponse(msg.ID, apperrors.CodeInternal, err.Error()))
			}
			return
		}
		resp, err := NewResponse(msg.ID, result)
		if err != nil {
			_ = c.send(NewErrorResponse(msg.ID, apperrors.CodeInternal, err.Error()))
			return
		}
		_ = c.send(resp)
	})
}

func (c *Conn) handleNotification(ctx context.Context, msg *Message) {
	if msg.Method == MethodCancel {
		var p CancelPayload
		if err := json.Unmarshal(msg.Payload, &p); err == nil && p.ID != "" {
			c.mu.Lock()
			cancel := c.inflight[p.ID]
			c.mu.Unlock()
			if cancel != nil {
				c.log.Debug("cancelling in-flight request", zap.String("id", p.ID))
				cancel()
			}
		}
		return
	}

	handler, ok := c.mux.notifications[msg.Method]
	if !ok {
		c.log.Debug("unknown notification", zap.String("method", msg.Method))
		return
	}
	c.submit(func() { handler(ctx, msg.Payload) })
}

// shutdown fails every pending call and in-flight handler once.
func (c *Conn) shutdown(defaultCode string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.closeCode == "" {
		c.closeCode = defaultCode
	}
	code := c.closeCode
	pending := c.pending
	c.pending = make(map[string]*pendingCall)
	inflight := c.inflight
	c.inflight = make(map[string]context.CancelFunc)
	c.mu.Unlock()

	close(c.done)
	for id, pc := range pending {
		c.log.Debug("failing pending call on close", zap.String("id", id))
		pc.ch <- callResult{err: apperrors.FromCode(code, "connection closed").Retryable()}
	}
	for _, cancel := range inflight {
		cancel()
	}
	_ = c.ws.Close()
}
