package jsonrpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agor/agor/internal/common/logger"
)

// Handler processes an inbound request and returns its result or an error.
type Handler func(ctx context.Context, method string, params json.RawMessage) (any, error)

// NotificationHandler processes an inbound notification. No response is sent.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// Conn is a single newline-delimited JSON-RPC 2.0 connection over a Unix
// socket. Both peers may issue requests, responses, and notifications on
// the same Conn; a pending-request table correlates responses back to the
// goroutine that issued the call, the way client_stream.go correlates
// streamed responses by request id.
type Conn struct {
	nc     net.Conn
	w      *bufio.Writer
	writeMu sync.Mutex

	log *logger.Logger

	onRequest      Handler
	onNotification NotificationHandler

	pendingMu sync.Mutex
	pending   map[string]chan *Response

	defaultTimeout time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps nc as a JSON-RPC connection. onRequest handles inbound
// requests (may be nil if this peer never receives requests); onNotification
// handles inbound notifications (may be nil). defaultTimeout bounds how long
// Call waits for a response when the caller's context carries no deadline.
func NewConn(nc net.Conn, log *logger.Logger, defaultTimeout time.Duration, onRequest Handler, onNotification NotificationHandler) *Conn {
	return &Conn{
		nc:             nc,
		w:              bufio.NewWriter(nc),
		log:            log,
		onRequest:      onRequest,
		onNotification: onNotification,
		pending:        make(map[string]chan *Response),
		defaultTimeout: defaultTimeout,
		closed:         make(chan struct{}),
	}
}

// Serve reads newline-delimited JSON frames from the connection until it is
// closed or the context is cancelled. It dispatches requests, notifications,
// and responses (the latter routed to whichever Call is waiting on them).
// Serve blocks; run it in its own goroutine.
func (c *Conn) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(c.nc)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			c.drainPending(fmt.Errorf("connection closed"))
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var envelope struct {
			ID     *string `json:"id"`
			Method string  `json:"method"`
			Result json.RawMessage `json:"result"`
			Error  *Error  `json:"error"`
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := json.Unmarshal(cp, &envelope); err != nil {
			c.log.Error("failed to decode jsonrpc frame", zap.Error(err))
			continue
		}

		switch {
		case envelope.Method != "" && envelope.ID != nil:
			// Dispatched off the read loop: a handler that blocks for a
			// while (e.g. brokering a permission decision) must not stall
			// delivery of other frames on this connection, notifications
			// in particular.
			go c.handleRequest(ctx, cp)
		case envelope.Method != "":
			c.handleNotification(ctx, cp)
		case envelope.ID != nil:
			c.handleResponse(envelope.ID, cp)
		default:
			c.log.Warn("dropped frame with no method or id")
		}
	}

	err := scanner.Err()
	if err == nil {
		err = fmt.Errorf("connection closed")
	}
	c.drainPending(err)
	return err
}

func (c *Conn) handleRequest(ctx context.Context, raw []byte) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return
	}
	if c.onRequest == nil {
		c.writeResponse(&Response{JSONRPC: Version, ID: req.ID, Error: NewError(CodeMethodNotFound, "no request handler", "")})
		return
	}

	result, err := c.onRequest(ctx, req.Method, req.Params)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			c.writeResponse(&Response{JSONRPC: Version, ID: req.ID, Error: rpcErr})
			return
		}
		c.writeResponse(&Response{JSONRPC: Version, ID: req.ID, Error: NewError(CodeHandlerError, err.Error(), "")})
		return
	}

	data, err := json.Marshal(result)
	if err != nil {
		c.writeResponse(&Response{JSONRPC: Version, ID: req.ID, Error: NewError(CodeInternalError, err.Error(), "")})
		return
	}
	c.writeResponse(&Response{JSONRPC: Version, ID: req.ID, Result: data})
}

func (c *Conn) handleNotification(ctx context.Context, raw []byte) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return
	}
	if c.onNotification != nil {
		c.onNotification(ctx, n.Method, n.Params)
	}
}

func (c *Conn) handleResponse(id *string, raw []byte) {
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[*id]
	if ok {
		delete(c.pending, *id)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Warn("response for unknown request id", zap.String("id", *id))
		return
	}
	ch <- &resp
}

// Call issues a request and blocks until a matching response arrives, the
// context is cancelled, or defaultTimeout elapses. Mirrors client_stream.go's
// sendStreamRequest/resolvePendingRequest correlation pattern.
func (c *Conn) Call(ctx context.Context, id, method string, params any, result any) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.defaultTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.defaultTimeout)
		defer cancel()
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}

	if err := c.writeRequest(&Request{JSONRPC: Version, ID: id, Method: method, Params: paramsRaw}); err != nil {
		cleanup()
		return fmt.Errorf("write request: %w", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		cleanup()
		return ctx.Err()
	case <-c.closed:
		cleanup()
		return fmt.Errorf("connection closed")
	}
}

// Notify sends a one-way notification; no response is expected.
func (c *Conn) Notify(method string, params any) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	return c.writeNotification(&Notification{JSONRPC: Version, Method: method, Params: paramsRaw})
}

func (c *Conn) writeRequest(req *Request) error {
	return c.writeLine(req)
}

func (c *Conn) writeNotification(n *Notification) error {
	return c.writeLine(n)
}

func (c *Conn) writeResponse(resp *Response) {
	if err := c.writeLine(resp); err != nil {
		c.log.Error("failed to write jsonrpc response", zap.Error(err))
	}
}

func (c *Conn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if _, err := c.w.Write(data); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

// drainPending fails every in-flight Call with err, the way
// cleanupPendingRequests drains the client's correlation table on disconnect.
func (c *Conn) drainPending(err error) {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *Response)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		ch <- &Response{JSONRPC: Version, Error: NewError(CodeInternalError, err.Error(), "")}
	}

	c.closeOnce.Do(func() { close(c.closed) })
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	c.drainPending(fmt.Errorf("connection closed"))
	return c.nc.Close()
}
