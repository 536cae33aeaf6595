package jsonrpc

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// Handler serves one inbound method. The returned value becomes the result;
// returning an *Error controls the error code, any other error maps to
// CodeInternalError.
type Handler func(ctx context.Context, conn Conn, params json.RawMessage) (any, error)

// Func adapts a handler taking typed params. Params that do not decode into P
// are answered with CodeInvalidParams.
func Func[P, R any](fn func(ctx context.Context, conn Conn, params P) (R, error)) Handler {
	return func(ctx context.Context, conn Conn, raw json.RawMessage) (any, error) {
		var params P
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &params); err != nil {
				return nil, NewError(CodeInvalidParams, "invalid params: %v", err)
			}
		}
		return fn(ctx, conn, params)
	}
}

// ResponseHandler receives the response to an outgoing call.
type ResponseHandler func(conn Conn, msg *Message)

type pendingCall struct {
	conn    Conn
	handler ResponseHandler
	never   func(id uint64)
	retry   bool
	stop    func() bool
}

// Endpoint correlates outgoing calls with their responses and serves inbound
// requests. One Endpoint can drive any number of connections, whichever side
// initiated them.
type Endpoint struct {
	logger    *log.Logger
	nextID    atomic.Uint64
	stringIDs atomic.Bool

	mu      sync.Mutex
	pending map[uint64]*pendingCall

	methodsMu sync.RWMutex
	methods   map[string]Handler
	incoming  func(Conn, *Message)
}

// NewEndpoint creates an endpoint with no registered methods.
func NewEndpoint(logger *log.Logger) *Endpoint {
	return &Endpoint{
		logger:  logger.WithComponent("jsonrpc"),
		pending: make(map[uint64]*pendingCall),
		methods: make(map[string]Handler),
	}
}

// Register adds an inbound method. Overloading is not supported.
func (e *Endpoint) Register(name string, h Handler) error {
	e.methodsMu.Lock()
	defer e.methodsMu.Unlock()

	if _, exists := e.methods[name]; exists {
		return errors.Contract("register_method", "method %q already registered", name)
	}
	e.methods[name] = h
	return nil
}

// SetIncomingHook installs a function that sees (and may modify) every
// inbound message before it is classified.
func (e *Endpoint) SetIncomingHook(fn func(Conn, *Message)) {
	e.methodsMu.Lock()
	defer e.methodsMu.Unlock()
	e.incoming = fn
}

// SetStringIDs makes outgoing calls carry their id as a decimal string, for
// peers that reject numeric ids. Responses are matched either way.
func (e *Endpoint) SetStringIDs(enabled bool) {
	e.stringIDs.Store(enabled)
}

func (e *Endpoint) wireID(id uint64) any {
	if e.stringIDs.Load() {
		return strconv.FormatUint(id, 10)
	}
	return id
}

// Pending returns the number of calls awaiting a response.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Attach routes conn's inbound messages through the endpoint and starts it.
// Pending calls on conn are torn down once the connection is done.
func (e *Endpoint) Attach(ctx context.Context, conn Conn) {
	conn.SetOnReceive(func(msg *Message) {
		e.dispatch(ctx, conn, msg)
	})
	go func() {
		<-conn.Done()
		e.teardown(conn)
	}()
	conn.Start(ctx)
}

// CallAsync sends req with a fresh id. handler runs once, when the matching
// response arrives. It never runs if the connection goes away first.
func (e *Endpoint) CallAsync(conn Conn, req *Message, handler ResponseHandler) (uint64, error) {
	id := e.nextID.Add(1)
	msg := *req
	msg.ID = e.wireID(id)

	e.mu.Lock()
	e.pending[id] = &pendingCall{conn: conn, handler: handler}
	e.mu.Unlock()

	if err := conn.Send(&msg); err != nil {
		e.remove(id)
		return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "call_async",
			fmt.Sprintf("failed to send %s", req.Method))
	}
	return id, nil
}

// CallAsyncRetryNTimes sends req and resends it with the same id every
// interval until a response arrives or maxTries sends went unanswered. In the
// latter case, or if the connection closes first, neverResponded runs once
// with the call id and handler never does.
func (e *Endpoint) CallAsyncRetryNTimes(conn Conn, req *Message, maxTries int, interval time.Duration,
	handler ResponseHandler, neverResponded func(id uint64)) (uint64, error) {
	if maxTries < 1 {
		maxTries = 1
	}

	id := e.nextID.Add(1)
	msg := *req
	msg.ID = e.wireID(id)
	call := &pendingCall{conn: conn, handler: handler, never: neverResponded, retry: true}

	e.mu.Lock()
	e.pending[id] = call
	call.stop = conn.AfterFunc(interval, func() {
		e.resend(id, call, &msg, maxTries-1, interval)
	})
	e.mu.Unlock()

	if err := conn.Send(&msg); err != nil {
		if e.remove(id) != nil {
			call.stop()
		}
		return 0, errors.Wrap(err, errors.ErrorTypeNetwork, "call_async_retry",
			fmt.Sprintf("failed to send %s", req.Method))
	}
	return id, nil
}

func (e *Endpoint) resend(id uint64, call *pendingCall, msg *Message, triesLeft int, interval time.Duration) {
	e.mu.Lock()
	if e.pending[id] != call {
		e.mu.Unlock()
		return
	}
	if triesLeft <= 0 {
		delete(e.pending, id)
		e.mu.Unlock()

		e.logger.Warn("request never answered", "id", id, "method", msg.Method, "remote_addr", call.conn.RemoteAddr())
		if call.never != nil {
			call.never(id)
		}
		return
	}
	call.stop = call.conn.AfterFunc(interval, func() {
		e.resend(id, call, msg, triesLeft-1, interval)
	})
	e.mu.Unlock()

	e.logger.Debug("resending request", "id", id, "method", msg.Method, "tries_left", triesLeft-1)
	if err := call.conn.Send(msg); err != nil {
		e.logger.WithError(err).Debug("resend failed", "id", id)
	}
}

func (e *Endpoint) remove(id uint64) *pendingCall {
	e.mu.Lock()
	defer e.mu.Unlock()

	call, ok := e.pending[id]
	if !ok {
		return nil
	}
	delete(e.pending, id)
	return call
}

func (e *Endpoint) teardown(conn Conn) {
	orphaned := make(map[uint64]*pendingCall)

	e.mu.Lock()
	for id, call := range e.pending {
		if call.conn != conn {
			continue
		}
		delete(e.pending, id)
		if call.stop != nil {
			call.stop()
		}
		if call.retry {
			orphaned[id] = call
		}
	}
	e.mu.Unlock()

	for id, call := range orphaned {
		if call.never != nil {
			call.never(id)
		}
	}
}

func (e *Endpoint) dispatch(ctx context.Context, conn Conn, msg *Message) {
	e.methodsMu.RLock()
	hook := e.incoming
	e.methodsMu.RUnlock()
	if hook != nil {
		hook(conn, msg)
	}

	switch {
	case msg.IsResponse():
		e.dispatchResponse(conn, msg)
	case msg.IsRequest(), msg.IsNotification():
		e.dispatchRequest(ctx, conn, msg)
	default:
		if msg.Error != nil {
			e.logger.Warn("remote reported error", "code", msg.Error.Code, "message", msg.Error.Message)
			return
		}
		e.logger.Warn("dropping malformed message", "remote_addr", conn.RemoteAddr())
	}
}

func (e *Endpoint) dispatchResponse(conn Conn, msg *Message) {
	id, ok := msg.NumericID()

	var call *pendingCall
	if ok {
		e.mu.Lock()
		if c, found := e.pending[id]; found && c.conn == conn {
			call = c
			delete(e.pending, id)
			if c.stop != nil {
				c.stop()
			}
		}
		e.mu.Unlock()
	}

	if call == nil {
		e.logger.Info("dropping response with unknown id", "id", msg.ID, "remote_addr", conn.RemoteAddr())
		return
	}
	if call.handler != nil {
		call.handler(conn, msg)
	}
}

func (e *Endpoint) dispatchRequest(ctx context.Context, conn Conn, msg *Message) {
	e.methodsMu.RLock()
	h, ok := e.methods[msg.Method]
	e.methodsMu.RUnlock()

	if !ok {
		e.logger.Error("no handler for method", "method", msg.Method, "remote_addr", conn.RemoteAddr())
		if msg.IsRequest() {
			e.reply(conn, NewErrorResponse(msg.ID, NewError(CodeMethodNotFound, "Method not found: %s", msg.Method)))
		}
		return
	}

	result, err := e.invoke(ctx, conn, h, msg)
	if msg.IsNotification() {
		if err != nil {
			e.logger.WithError(err).Warn("notification handler failed", "method", msg.Method)
		}
		return
	}

	if err != nil {
		var rpcErr *Error
		if !stderrors.As(err, &rpcErr) {
			rpcErr = NewError(CodeInternalError, "%v", err)
		}
		e.reply(conn, NewErrorResponse(msg.ID, rpcErr))
		return
	}

	resp, err := NewResponse(msg.ID, result)
	if err != nil {
		e.reply(conn, NewErrorResponse(msg.ID, NewError(CodeInternalError, "%v", err)))
		return
	}
	e.reply(conn, resp)
}

func (e *Endpoint) invoke(ctx context.Context, conn Conn, h Handler, msg *Message) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("method handler panicked", "method", msg.Method, "panic", r)
			err = NewError(CodeInternalError, "internal error")
		}
	}()
	return h(ctx, conn, msg.Params)
}

func (e *Endpoint) reply(conn Conn, msg *Message) {
	if err := conn.Send(msg); err != nil {
		e.logger.WithError(err).Debug("failed to send reply")
	}
}

// Dial connects to addr and attaches the new connection.
func (e *Endpoint) Dial(ctx context.Context, addr string, opts StreamOptions) (*StreamConn, error) {
	conn, err := DialStream(ctx, addr, e.logger, opts)
	if err != nil {
		return nil, err
	}
	e.Attach(ctx, conn)
	return conn, nil
}

// Serve accepts connections on ln until ctx is done and attaches each one.
func (e *Endpoint) Serve(ctx context.Context, ln net.Listener, opts StreamOptions) error {
	go func() {
		<-ctx.Done()
		if err := ln.Close(); err != nil {
			e.logger.Debug("failed to close listener", "error", err)
		}
	}()

	e.logger.Info("accepting connections", "addr", ln.Addr().String())
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return errors.Wrap(err, errors.ErrorTypeNetwork, "accept", "listener failed")
		}
		e.Attach(ctx, NewStreamConn(nc, e.logger, opts))
	}
}
