// Package core coordinates the page's code cell widgets against one
// remote execution kernel: session lifecycle, execution settlement,
// error classification, remediation, and setup injection.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/cellbook/internal/logx"
	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

// Session is the single page-scoped coordination object. Exactly one
// non-dead kernel session may exist per page view; every widget
// observes the same one. All state lives here with a defined reset
// contract instead of ad hoc module globals.
type Session struct {
	cfg        schema.SessionConfig
	connector  kernel.Connector
	page       Page
	sink       EventSink
	logger     pslog.Logger
	classifier *Classifier
	tracker    *tracker
	injector   *injector

	mu            sync.Mutex
	status        schema.SessionStatus
	kernelHandle  kernel.Kernel
	bootstrapped  bool
	launchSeq     int
	cancelSignals func()
	readyCh       chan struct{}
}

// NewSession constructs the page session coordinator.
func NewSession(cfg schema.SessionConfig, deps SessionDeps) (*Session, error) {
	normalized, err := schema.NormalizeSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	cfg = normalized
	if deps.Connector == nil {
		return nil, schema.ErrConnectorUnavailable
	}
	if deps.Page == nil {
		return nil, errors.New("page dependency is required")
	}
	sink := deps.EventSink
	if sink == nil {
		sink = nopSink{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	extra, err := CompilePatterns(cfg.ExtraPatterns)
	if err != nil {
		return nil, err
	}
	s := &Session{
		cfg:        cfg,
		connector:  deps.Connector,
		page:       deps.Page,
		sink:       sink,
		logger:     logger,
		classifier: NewClassifier(extra...),
		status:     schema.SessionIdle,
	}
	s.tracker = newTracker(cfg, deps.Page, sink, s.classifier, logger, s.onKernelDeath)
	s.injector = newInjector(cfg, deps.Prefs, sink, logger)
	return s, nil
}

// ActivateAll is the single activation entry point. The first call in
// a session bootstraps the kernel; later calls re-broadcast the last
// known status so late-mounting widgets catch up. Idempotent.
func (s *Session) ActivateAll(ctx context.Context) error {
	s.mu.Lock()
	if s.bootstrapped {
		status := s.status
		s.mu.Unlock()
		logx.WithStatus(s.logger, status).Debug("session activate rebroadcast")
		s.sink.OnActivate(schema.ActivateEvent{})
		s.switchCells(schema.ModeRun)
		s.sink.OnStatus(schema.StatusEvent{Status: status})
		return nil
	}
	s.bootstrapped = true
	s.status = schema.SessionConnecting
	s.launchSeq++
	seq := s.launchSeq
	s.readyCh = make(chan struct{})
	s.mu.Unlock()

	opts := s.launchOptions()
	s.logger.Info("session activate", "environment", s.cfg.Environment, "sandbox", opts.Sandbox)
	s.sink.OnActivate(schema.ActivateEvent{})
	s.switchCells(schema.ModeRun)
	s.sink.OnStatus(schema.StatusEvent{Status: schema.SessionConnecting})

	// The bootstrap outlives the triggering Run click.
	go s.launch(context.WithoutCancel(ctx), seq)
	return nil
}

func (s *Session) launchOptions() kernel.LaunchOptions {
	return kernel.LaunchOptions{
		Endpoint: s.cfg.Kernel.Endpoint,
		Token:    s.cfg.Kernel.Token,
		Name:     s.cfg.Kernel.Name,
		Sandbox:  s.cfg.Environment == schema.EnvSandbox,
	}
}

func (s *Session) launch(ctx context.Context, seq int) {
	k, err := s.connector.Launch(ctx, s.launchOptions())

	s.mu.Lock()
	if seq != s.launchSeq {
		s.mu.Unlock()
		if k != nil {
			_ = k.Shutdown(ctx)
		}
		s.logger.Debug("session launch superseded", "seq", seq)
		return
	}
	if err != nil {
		s.status = schema.SessionError
		readyCh := s.readyCh
		s.readyCh = nil
		s.mu.Unlock()
		s.logger.Warn("session bootstrap failed", "err", err)
		s.sink.OnStatus(schema.StatusEvent{Status: schema.SessionError})
		if readyCh != nil {
			close(readyCh)
		}
		return
	}
	s.kernelHandle = k
	s.mu.Unlock()

	s.tracker.rearm()
	// Subscribe outside the mutex: a transport whose connection already
	// dropped delivers the dead lifecycle phase synchronously, which
	// re-enters onKernelDeath on this goroutine.
	cancel := k.Subscribe(s.tracker)

	s.mu.Lock()
	if seq != s.launchSeq {
		s.mu.Unlock()
		cancel()
		_ = k.Shutdown(ctx)
		s.logger.Debug("session launch superseded", "seq", seq)
		return
	}
	s.cancelSignals = cancel
	s.mu.Unlock()

	// Injection is sequenced strictly before the ready broadcast; a
	// just-opened cell must not race ahead of credential or simulator
	// setup. Injection failures degrade inside inject.
	if err := s.injector.inject(ctx, k); err != nil {
		s.logger.Warn("session inject skipped", "err", err)
	}

	s.mu.Lock()
	if seq != s.launchSeq {
		s.mu.Unlock()
		return
	}
	s.status = schema.SessionReady
	readyCh := s.readyCh
	s.readyCh = nil
	s.mu.Unlock()
	logx.WithStatus(s.logger, schema.SessionReady).Info("session ready")
	s.sink.OnStatus(schema.StatusEvent{Status: schema.SessionReady})
	if readyCh != nil {
		close(readyCh)
	}
}

// Reset tears the session down completely: timers, tracker state, the
// kernel handle, and the bootstrap flag. A subsequent ActivateAll
// bootstraps fresh.
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.launchSeq++
	k := s.kernelHandle
	cancel := s.cancelSignals
	s.kernelHandle = nil
	s.cancelSignals = nil
	s.bootstrapped = false
	s.status = schema.SessionIdle
	readyCh := s.readyCh
	s.readyCh = nil
	s.mu.Unlock()

	if readyCh != nil {
		close(readyCh)
	}
	if cancel != nil {
		cancel()
	}
	s.tracker.reset()
	s.injector.reset()
	if k != nil {
		if err := k.Shutdown(ctx); err != nil {
			s.logger.Warn("session kernel shutdown failed", "err", err)
		}
	}
	s.logger.Info("session reset")
	s.sink.OnReset(schema.ResetEvent{})
	s.resetCells()
	s.sink.OnStatus(schema.StatusEvent{Status: schema.SessionIdle})
	return nil
}

// resetCells returns every cell to its pre-session presentation. Idle
// is reachable only through here; settlement never produces it.
func (s *Session) resetCells() {
	for _, cell := range s.page.Cells() {
		cell.SetMode(schema.ModeRead)
		cell.SetState(schema.CellIdle)
		cell.ShowHint(schema.Hint{})
	}
}

// RunCell is a cell's run action: mark it executing and issue the
// execute request. Settlement arrives later through the tracker.
func (s *Session) RunCell(ctx context.Context, id schema.CellID) error {
	log := logx.WithCell(ctx, id)
	cell := s.page.Cell(id)
	if cell == nil {
		return schema.ErrCellNotFound
	}
	code := strings.TrimSpace(cell.Source())
	if code == "" {
		return schema.ErrEmptySource
	}

	if s.tracker.deadNow() {
		// Classified immediately; no misleading running state.
		s.tracker.markExecuting(cell)
		log.Warn("session run on dead kernel")
		return schema.ErrKernelDead
	}

	s.mu.Lock()
	status := s.status
	k := s.kernelHandle
	s.mu.Unlock()
	if status != schema.SessionReady || k == nil {
		log.Debug("session run rejected", "status", status)
		return schema.ErrNotReady
	}

	s.tracker.markExecuting(cell)
	cell.ClearOutput()
	exec, err := k.Execute(ctx, kernel.ExecuteRequest{Code: code})
	if err != nil {
		log.Warn("session execute failed", "err", err)
		s.tracker.failExecuting(id, schema.Classification{Kind: schema.ClassGeneric})
		return fmt.Errorf("execute: %w", err)
	}
	log.Debug("session run started")
	// The output pump carries the cell-scoped logger so stream errors
	// stay attributable after the run call returns.
	runCtx := logx.ContextWithCellLogger(context.WithoutCancel(ctx), log, id)
	go s.pumpOutputs(runCtx, id, exec)
	return nil
}

// pumpOutputs streams execution output into the cell view. The cell is
// re-resolved per message; a vanished cell just drains the stream.
func (s *Session) pumpOutputs(ctx context.Context, id schema.CellID, exec kernel.Execution) {
	defer func() { _ = exec.Close() }()
	stream := exec.Outputs()
	defer func() { _ = stream.Close() }()
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logx.WithCell(ctx, id).Debug("session output stream ended", "err", err)
			}
			return
		}
		if cell := s.page.Cell(id); cell != nil {
			cell.AppendOutput(msg)
		}
	}
}

func (s *Session) switchCells(mode schema.DisplayMode) {
	for _, cell := range s.page.Cells() {
		cell.SetMode(mode)
	}
}

// onKernelDeath runs when the tracker observes a dead or failed
// lifecycle phase: clear the bootstrap flag so the next activation
// bootstraps a new kernel.
func (s *Session) onKernelDeath() {
	s.mu.Lock()
	if s.kernelHandle == nil && !s.bootstrapped {
		// Stray death signal after a reset already tore the session down.
		s.mu.Unlock()
		return
	}
	s.launchSeq++
	cancel := s.cancelSignals
	s.cancelSignals = nil
	s.kernelHandle = nil
	s.bootstrapped = false
	s.status = schema.SessionError
	readyCh := s.readyCh
	s.readyCh = nil
	s.mu.Unlock()
	if readyCh != nil {
		close(readyCh)
	}
	if cancel != nil {
		cancel()
	}
	// The replacement kernel starts from scratch and needs setup again.
	s.injector.reset()
	s.logger.Warn("session kernel death")
	s.sink.OnStatus(schema.StatusEvent{Status: schema.SessionError})
}

// Status returns the last session status.
func (s *Session) Status() schema.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// AwaitReady blocks until the in-flight bootstrap resolves. It returns
// ErrNotReady when the bootstrap failed or no activation is pending.
func (s *Session) AwaitReady(ctx context.Context) error {
	s.mu.Lock()
	readyCh := s.readyCh
	status := s.status
	s.mu.Unlock()
	if status == schema.SessionReady {
		return nil
	}
	if readyCh == nil {
		return schema.ErrNotReady
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-readyCh:
	}
	if s.Status() != schema.SessionReady {
		return schema.ErrNotReady
	}
	return nil
}

// Backends returns the backend list cached by discovery, falling back
// to the static list.
func (s *Session) Backends() []schema.Backend {
	return s.injector.Backends()
}

// EffectiveMode reports which injected configuration is in effect for
// display purposes.
func (s *Session) EffectiveMode() schema.InjectionMode {
	mode, _ := s.injector.effectiveMode()
	return mode
}

// Executing returns the currently tracked executing cell, if any.
func (s *Session) Executing() schema.CellID {
	return s.tracker.executingCell()
}
