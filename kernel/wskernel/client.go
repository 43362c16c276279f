// Package wskernel implements the kernel contracts over a websocket
// connection to the remote execution gateway.
package wskernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

// Connector dials the gateway and hands back a live kernel handle.
type Connector struct {
	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Logger pslog.Logger
}

// Launch implements kernel.Connector.
func (c *Connector) Launch(ctx context.Context, opts kernel.LaunchOptions) (kernel.Kernel, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, schema.ErrConnectorUnavailable
	}
	target, err := kernelURL(opts)
	if err != nil {
		return nil, fmt.Errorf("kernel endpoint: %w", err)
	}
	dialer := c.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if opts.Token != "" {
		header.Set("Authorization", "Bearer "+opts.Token)
	}
	logger := c.Logger
	if logger == nil {
		logger = pslog.Ctx(ctx)
	}
	logger.Info("kernel dial", "endpoint", target, "sandbox", opts.Sandbox)
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("kernel dial: %w (http %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("kernel dial: %w", err)
	}
	client := &Client{
		conn:    conn,
		logger:  logger,
		pending: make(map[string]*execution),
		sinks:   make(map[int]kernel.SignalSink),
		closed:  make(chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

func kernelURL(opts kernel.LaunchOptions) (string, error) {
	u, err := url.Parse(opts.Endpoint)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	q := u.Query()
	if opts.Name != "" {
		q.Set("kernel_name", opts.Name)
	}
	if opts.Sandbox {
		q.Set("sandbox", "1")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client is one live kernel connection. It fans protocol and lifecycle
// signals to every subscriber and routes per-execution messages to the
// execution that issued them.
type Client struct {
	conn   *websocket.Conn
	logger pslog.Logger

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]*execution
	sinks    map[int]kernel.SignalSink
	nextSink int
	dead     bool
	closed   chan struct{}
}

// Execute implements kernel.Kernel.
func (c *Client) Execute(ctx context.Context, req kernel.ExecuteRequest) (kernel.Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	id := newMsgID()
	exec := newExecution(id)

	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return nil, schema.ErrKernelDead
	}
	c.pending[id] = exec
	c.mu.Unlock()

	content, err := json.Marshal(executeContent{Code: req.Code, Silent: req.Silent})
	if err != nil {
		c.dropPending(id)
		return nil, err
	}
	if err := c.write(wireMessage{ID: id, Type: msgExecuteRequest, Content: content}); err != nil {
		c.dropPending(id)
		return nil, fmt.Errorf("execute request: %w", err)
	}
	c.logger.Trace("kernel execute sent", "msg_id", id, "silent", req.Silent, "code_len", len(req.Code))
	return exec, nil
}

// Subscribe implements kernel.Kernel.
func (c *Client) Subscribe(sink kernel.SignalSink) func() {
	c.mu.Lock()
	c.nextSink++
	id := c.nextSink
	c.sinks[id] = sink
	dead := c.dead
	c.mu.Unlock()
	if dead {
		sink.OnLifecycle(kernel.PhaseDead)
	}
	return func() {
		c.mu.Lock()
		delete(c.sinks, id)
		c.mu.Unlock()
	}
}

// Shutdown implements kernel.Kernel. Best effort: the shutdown request
// is advisory and the socket closes regardless.
func (c *Client) Shutdown(ctx context.Context) error {
	_ = c.write(wireMessage{ID: newMsgID(), Type: msgShutdownRequest})
	err := c.conn.Close()
	select {
	case <-c.closed:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (c *Client) write(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// readLoop is the single reader. A read error of any kind means the
// connection is gone: every pending execution fails and subscribers
// see a dead lifecycle phase.
func (c *Client) readLoop() {
	defer close(c.closed)
	for {
		var msg wireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.handleDisconnect(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg wireMessage) {
	switch msg.Type {
	case msgStatus:
		var content statusContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			c.logger.Debug("kernel status malformed", "err", err)
			return
		}
		c.fanStatus(content.State)
	case msgStream:
		var content streamContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return
		}
		channel := kernel.ChannelStdout
		if content.Name == "stderr" {
			channel = kernel.ChannelStderr
		}
		c.deliver(msg.Parent, kernel.OutputMessage{Channel: channel, Text: content.Text})
	case msgExecuteResult:
		var content resultContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return
		}
		c.deliver(msg.Parent, kernel.OutputMessage{Channel: kernel.ChannelResult, Text: content.Text})
	case msgError:
		var content errorContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return
		}
		text := strings.Join(content.Traceback, "\n")
		if text == "" {
			text = content.Name + ": " + content.Value
		}
		c.deliver(msg.Parent, kernel.OutputMessage{Channel: kernel.ChannelError, Text: text})
	case msgExecuteReply:
		var content replyContent
		if err := json.Unmarshal(msg.Content, &content); err != nil {
			return
		}
		c.finish(msg.Parent, content.Status)
	default:
		c.logger.Trace("kernel message ignored", "type", msg.Type)
	}
}

func (c *Client) fanStatus(state string) {
	var protocol kernel.ProtocolState
	switch state {
	case "busy":
		protocol = kernel.StateBusy
	case "idle":
		protocol = kernel.StateIdle
	case "starting":
		c.fanLifecycle(kernel.PhaseStarting)
		return
	default:
		c.logger.Trace("kernel status unknown", "state", state)
		return
	}
	for _, sink := range c.sinkSnapshot() {
		sink.OnProtocol(protocol)
	}
}

func (c *Client) fanLifecycle(phase kernel.LifecyclePhase) {
	for _, sink := range c.sinkSnapshot() {
		sink.OnLifecycle(phase)
	}
}

func (c *Client) sinkSnapshot() []kernel.SignalSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]kernel.SignalSink, 0, len(c.sinks))
	for _, sink := range c.sinks {
		out = append(out, sink)
	}
	return out
}

func (c *Client) deliver(parent string, msg kernel.OutputMessage) {
	c.mu.Lock()
	exec := c.pending[parent]
	c.mu.Unlock()
	if exec == nil {
		return
	}
	exec.push(msg)
}

func (c *Client) finish(parent, status string) {
	c.mu.Lock()
	exec := c.pending[parent]
	delete(c.pending, parent)
	c.mu.Unlock()
	if exec == nil {
		return
	}
	var result kernel.ExecResult
	switch status {
	case "ok":
		result.Status = kernel.ExecOK
	case "aborted":
		result.Status = kernel.ExecAborted
	default:
		result.Status = kernel.ExecError
	}
	exec.complete(result, nil)
}

func (c *Client) handleDisconnect(err error) {
	c.mu.Lock()
	if c.dead {
		c.mu.Unlock()
		return
	}
	c.dead = true
	pending := c.pending
	c.pending = make(map[string]*execution)
	c.mu.Unlock()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.logger.Info("kernel connection closed")
	} else {
		c.logger.Warn("kernel connection lost", "err", err)
	}
	for _, exec := range pending {
		exec.complete(kernel.ExecResult{Status: kernel.ExecAborted}, schema.ErrKernelDead)
	}
	c.fanLifecycle(kernel.PhaseDead)
}

// execution is the in-flight future for one execute request.
type execution struct {
	id      string
	outputs chan kernel.OutputMessage
	done    chan struct{}

	mu     sync.Mutex
	result kernel.ExecResult
	err    error
}

func newExecution(id string) *execution {
	return &execution{
		id:      id,
		outputs: make(chan kernel.OutputMessage, 256),
		done:    make(chan struct{}),
	}
}

func (e *execution) push(msg kernel.OutputMessage) {
	select {
	case e.outputs <- msg:
	case <-e.done:
	}
}

func (e *execution) complete(result kernel.ExecResult, err error) {
	e.mu.Lock()
	e.result = result
	e.err = err
	e.mu.Unlock()
	close(e.done)
}

// Outputs implements kernel.Execution.
func (e *execution) Outputs() kernel.OutputStream {
	return &outputStream{exec: e}
}

// Wait implements kernel.Execution.
func (e *execution) Wait(ctx context.Context) (kernel.ExecResult, error) {
	select {
	case <-ctx.Done():
		return kernel.ExecResult{}, ctx.Err()
	case <-e.done:
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.err
}

// Close implements kernel.Execution.
func (e *execution) Close() error { return nil }

// outputStream drains the execution's buffered output. After the
// execution completes it yields any remaining buffered messages and
// then io.EOF.
type outputStream struct {
	exec *execution
}

func (s *outputStream) Next(ctx context.Context) (kernel.OutputMessage, error) {
	select {
	case msg := <-s.exec.outputs:
		return msg, nil
	default:
	}
	select {
	case <-ctx.Done():
		return kernel.OutputMessage{}, ctx.Err()
	case msg := <-s.exec.outputs:
		return msg, nil
	case <-s.exec.done:
		select {
		case msg := <-s.exec.outputs:
			return msg, nil
		default:
		}
		s.exec.mu.Lock()
		err := s.exec.err
		s.exec.mu.Unlock()
		if err != nil && !errors.Is(err, io.EOF) {
			return kernel.OutputMessage{}, err
		}
		return kernel.OutputMessage{}, io.EOF
	}
}

func (s *outputStream) Close() error { return nil }
