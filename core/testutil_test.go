package core

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"pkt.systems/cellbook/internal/prefs"
	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
)

// fakeCell is an in-memory cell view.
type fakeCell struct {
	mu     sync.Mutex
	id     schema.CellID
	source string
	output string
	mode   schema.DisplayMode
	state  schema.CellState
	hint   schema.Hint
	states []schema.CellState
}

func newFakeCell(id schema.CellID, source string) *fakeCell {
	return &fakeCell{id: id, source: source, mode: schema.ModeRead, state: schema.CellIdle}
}

func (c *fakeCell) ID() schema.CellID { return c.id }

func (c *fakeCell) Source() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.source
}

func (c *fakeCell) Language() string { return "python" }

func (c *fakeCell) OutputText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output
}

func (c *fakeCell) SetMode(mode schema.DisplayMode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

func (c *fakeCell) SetState(state schema.CellState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
	c.states = append(c.states, state)
}

func (c *fakeCell) ShowHint(hint schema.Hint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hint = hint
}

func (c *fakeCell) ClearOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = ""
}

func (c *fakeCell) AppendOutput(msg kernel.OutputMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output += msg.Text
}

func (c *fakeCell) setOutput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.output = text
}

func (c *fakeCell) currentState() schema.CellState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeCell) currentMode() schema.DisplayMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *fakeCell) currentHint() schema.Hint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hint
}

func (c *fakeCell) stateHistory() []schema.CellState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]schema.CellState(nil), c.states...)
}

// fakePage recomputes its cell set on every query.
type fakePage struct {
	mu    sync.Mutex
	cells []*fakeCell
}

func newFakePage(cells ...*fakeCell) *fakePage {
	return &fakePage{cells: cells}
}

func (p *fakePage) Cells() []Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Cell, 0, len(p.cells))
	for _, cell := range p.cells {
		out = append(out, cell)
	}
	return out
}

func (p *fakePage) Cell(id schema.CellID) Cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, cell := range p.cells {
		if cell.id == id {
			return cell
		}
	}
	return nil
}

func (p *fakePage) remove(id schema.CellID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cell := range p.cells {
		if cell.id == id {
			p.cells = append(p.cells[:i], p.cells[i+1:]...)
			return
		}
	}
}

// recordSink captures broadcast events.
type recordSink struct {
	mu         sync.Mutex
	activates  int
	resets     int
	statuses   []schema.SessionStatus
	injections []schema.InjectionEvent
	conflicts  []schema.ConflictEvent
	cellEvents []schema.CellEvent
}

func (r *recordSink) OnActivate(schema.ActivateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activates++
}

func (r *recordSink) OnReset(schema.ResetEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets++
}

func (r *recordSink) OnStatus(event schema.StatusEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, event.Status)
}

func (r *recordSink) OnInjection(event schema.InjectionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.injections = append(r.injections, event)
}

func (r *recordSink) OnConflict(event schema.ConflictEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = append(r.conflicts, event)
}

func (r *recordSink) OnCell(event schema.CellEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cellEvents = append(r.cellEvents, event)
}

func (r *recordSink) lastStatus() schema.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.statuses) == 0 {
		return ""
	}
	return r.statuses[len(r.statuses)-1]
}

func (r *recordSink) statusList() []schema.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.SessionStatus(nil), r.statuses...)
}

func (r *recordSink) injectionList() []schema.InjectionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.InjectionEvent(nil), r.injections...)
}

func (r *recordSink) conflictList() []schema.ConflictEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.ConflictEvent(nil), r.conflicts...)
}

func (r *recordSink) cellEventList() []schema.CellEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.CellEvent(nil), r.cellEvents...)
}

// fakeStream yields canned messages then io.EOF.
type fakeStream struct {
	mu   sync.Mutex
	msgs []kernel.OutputMessage
}

func (s *fakeStream) Next(ctx context.Context) (kernel.OutputMessage, error) {
	if err := ctx.Err(); err != nil {
		return kernel.OutputMessage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.msgs) == 0 {
		return kernel.OutputMessage{}, io.EOF
	}
	msg := s.msgs[0]
	s.msgs = s.msgs[1:]
	return msg, nil
}

func (s *fakeStream) Close() error { return nil }

// fakeExecution is a canned execution future.
type fakeExecution struct {
	msgs    []kernel.OutputMessage
	result  kernel.ExecResult
	waitErr error
}

func (e *fakeExecution) Outputs() kernel.OutputStream {
	return &fakeStream{msgs: append([]kernel.OutputMessage(nil), e.msgs...)}
}

func (e *fakeExecution) Wait(ctx context.Context) (kernel.ExecResult, error) {
	if e.waitErr != nil {
		return kernel.ExecResult{}, e.waitErr
	}
	if e.result.Status == "" {
		return kernel.ExecResult{Status: kernel.ExecOK}, nil
	}
	return e.result, nil
}

func (e *fakeExecution) Close() error { return nil }

// fakeKernel records execute requests and fans signals to subscribers.
type fakeKernel struct {
	mu        sync.Mutex
	sinks     map[int]kernel.SignalSink
	nextSink  int
	requests  []kernel.ExecuteRequest
	respond   func(req kernel.ExecuteRequest) (kernel.Execution, error)
	shutdowns int
}

func newFakeKernel() *fakeKernel {
	return &fakeKernel{sinks: make(map[int]kernel.SignalSink)}
}

func (k *fakeKernel) Execute(ctx context.Context, req kernel.ExecuteRequest) (kernel.Execution, error) {
	k.mu.Lock()
	k.requests = append(k.requests, req)
	respond := k.respond
	k.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return &fakeExecution{}, nil
}

func (k *fakeKernel) Subscribe(sink kernel.SignalSink) func() {
	k.mu.Lock()
	k.nextSink++
	id := k.nextSink
	k.sinks[id] = sink
	k.mu.Unlock()
	return func() {
		k.mu.Lock()
		delete(k.sinks, id)
		k.mu.Unlock()
	}
}

func (k *fakeKernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.shutdowns++
	return nil
}

func (k *fakeKernel) emitProtocol(state kernel.ProtocolState) {
	for _, sink := range k.snapshot() {
		sink.OnProtocol(state)
	}
}

func (k *fakeKernel) emitLifecycle(phase kernel.LifecyclePhase) {
	for _, sink := range k.snapshot() {
		sink.OnLifecycle(phase)
	}
}

func (k *fakeKernel) snapshot() []kernel.SignalSink {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]kernel.SignalSink, 0, len(k.sinks))
	for _, sink := range k.sinks {
		out = append(out, sink)
	}
	return out
}

func (k *fakeKernel) requestList() []kernel.ExecuteRequest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]kernel.ExecuteRequest(nil), k.requests...)
}

// deadAtSubscribeKernel mimics a transport whose connection dropped
// between launch and attach: subscription delivers the dead phase
// synchronously on the subscriber's goroutine.
type deadAtSubscribeKernel struct {
	mu        sync.Mutex
	shutdowns int
}

func (k *deadAtSubscribeKernel) Execute(ctx context.Context, req kernel.ExecuteRequest) (kernel.Execution, error) {
	return nil, schema.ErrKernelDead
}

func (k *deadAtSubscribeKernel) Subscribe(sink kernel.SignalSink) func() {
	sink.OnLifecycle(kernel.PhaseDead)
	return func() {}
}

func (k *deadAtSubscribeKernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.shutdowns++
	return nil
}

// fakeConnector counts bootstrap calls.
type fakeConnector struct {
	mu       sync.Mutex
	k        kernel.Kernel
	err      error
	launches int
}

func (c *fakeConnector) Launch(ctx context.Context, opts kernel.LaunchOptions) (kernel.Kernel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.launches++
	if c.err != nil {
		return nil, c.err
	}
	return c.k, nil
}

func (c *fakeConnector) launchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.launches
}

// timerEntry captures one stubbed timer arm.
type timerEntry struct {
	d  time.Duration
	fn func()
}

type timerLog struct {
	mu      sync.Mutex
	entries []timerEntry
}

func (l *timerLog) armed() []timerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]timerEntry(nil), l.entries...)
}

// stubTimers replaces startTimer with a recorder; fired callbacks run
// only when the test invokes them.
func stubTimers(t *testing.T) *timerLog {
	t.Helper()
	tl := &timerLog{}
	prev := startTimer
	startTimer = func(d time.Duration, fn func()) *time.Timer {
		tl.mu.Lock()
		tl.entries = append(tl.entries, timerEntry{d: d, fn: fn})
		tl.mu.Unlock()
		return time.NewTimer(time.Hour)
	}
	t.Cleanup(func() { startTimer = prev })
	return tl
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// newTestSession wires a session against fakes and activates it.
func newTestSession(t *testing.T, store prefs.Store, cells ...*fakeCell) (*Session, *fakeKernel, *fakePage, *recordSink, *fakeConnector) {
	t.Helper()
	if store == nil {
		store = &prefs.Memory{}
	}
	page := newFakePage(cells...)
	k := newFakeKernel()
	connector := &fakeConnector{k: k}
	sink := &recordSink{}
	session, err := NewSession(schema.SessionConfig{}, SessionDeps{
		Connector: connector,
		Page:      page,
		EventSink: sink,
		Prefs:     store,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return session, k, page, sink, connector
}

func activateAndAwait(t *testing.T, session *Session) {
	t.Helper()
	if err := session.ActivateAll(context.Background()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := session.AwaitReady(ctx); err != nil {
		t.Fatalf("await ready: %v", err)
	}
}
