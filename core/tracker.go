package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

// startTimer is stubbed in tests to drive settlement deterministically.
var startTimer = func(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, fn)
}

// tracker merges the two overlapping kernel status streams into one
// settlement decision per executing cell. At most one cell is tracked
// at a time, held by id and re-resolved against the page on use.
type tracker struct {
	mu         sync.Mutex
	debounce   time.Duration
	fallback   time.Duration
	page       Page
	sink       EventSink
	classifier *Classifier
	logger     pslog.Logger
	onDeath    func()

	executing schema.CellID
	busySeen  bool
	dead      bool
	// runGen invalidates fallback callbacks from superseded executions;
	// armGen additionally invalidates debounce callbacks cancelled by a
	// later busy signal within the same execution.
	runGen        int
	armGen        int
	idleTimer     *time.Timer
	fallbackTimer *time.Timer
}

func newTracker(cfg schema.SessionConfig, page Page, sink EventSink, classifier *Classifier, logger pslog.Logger, onDeath func()) *tracker {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	if onDeath == nil {
		onDeath = func() {}
	}
	return &tracker{
		debounce:   cfg.SettleDebounce,
		fallback:   cfg.SettleFallback,
		page:       page,
		sink:       sink,
		classifier: classifier,
		logger:     logger,
		onDeath:    onDeath,
	}
}

// markExecuting records the cell as the currently executing cell. A
// cell marked while the kernel is known dead settles to error
// immediately and never shows a running state.
func (t *tracker) markExecuting(cell Cell) {
	id := cell.ID()
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		t.logger.Debug("tracker mark while dead", "cell", id)
		t.annotate(cell, schema.CellError, schema.Classification{Kind: schema.ClassDisconnected}, false)
		return
	}
	var superseded Cell
	var supersededClass schema.Classification
	if t.executing != "" && t.executing != id {
		// A new run supersedes the previous pointer; the old cell
		// settles against whatever output it has now.
		superseded = t.page.Cell(t.executing)
		if superseded != nil {
			supersededClass = t.classifier.Classify(superseded.OutputText())
		}
		t.logger.Debug("tracker executing superseded", "prev", t.executing, "next", id)
	}
	t.runGen++
	t.armGen++
	runGen := t.runGen
	t.executing = id
	t.busySeen = false
	t.stopTimersLocked()
	t.fallbackTimer = startTimer(t.fallback, func() { t.settleFromTimer(runGen, -1, true) })
	t.mu.Unlock()

	if superseded != nil {
		t.finishCell(superseded, supersededClass)
	}
	cell.SetState(schema.CellRunning)
	cell.ShowHint(schema.Hint{})
	if t.sink != nil {
		t.sink.OnCell(schema.CellEvent{Cell: id, State: schema.CellRunning})
	}
}

// OnProtocol consumes fine-grained busy/idle signals from the live
// kernel connection. Busy cancels a pending idle debounce; idle while
// an execution is tracked (and busy was seen) arms it.
func (t *tracker) OnProtocol(state kernel.ProtocolState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch state {
	case kernel.StateBusy:
		t.busySeen = true
		if t.idleTimer != nil {
			t.idleTimer.Stop()
			t.idleTimer = nil
			t.armGen++
		}
	case kernel.StateIdle:
		if t.executing == "" || !t.busySeen {
			return
		}
		if t.idleTimer != nil {
			t.idleTimer.Stop()
		}
		t.armGen++
		runGen := t.runGen
		armGen := t.armGen
		t.idleTimer = startTimer(t.debounce, func() { t.settleFromTimer(runGen, armGen, false) })
	}
}

// OnLifecycle consumes coarse lifecycle phases from the remote library.
// Kernel death short-circuits settlement entirely.
func (t *tracker) OnLifecycle(phase kernel.LifecyclePhase) {
	switch phase {
	case kernel.PhaseDead, kernel.PhaseFailed:
	default:
		t.logger.Trace("tracker lifecycle", "phase", phase)
		return
	}
	t.mu.Lock()
	if t.dead {
		t.mu.Unlock()
		return
	}
	t.runGen++
	t.armGen++
	t.stopTimersLocked()
	t.dead = true
	id := t.executing
	t.executing = ""
	t.busySeen = false
	t.mu.Unlock()
	t.logger.Warn("tracker kernel lost", "phase", phase, "cell", id)

	if id != "" {
		if cell := t.page.Cell(id); cell != nil {
			t.annotate(cell, schema.CellError, schema.Classification{Kind: schema.ClassDisconnected}, false)
		}
	}
	t.onDeath()
}

// settleFromTimer resolves a fired debounce (armGen >= 0) or fallback
// (armGen < 0) timer into a settlement, unless superseded.
func (t *tracker) settleFromTimer(runGen, armGen int, forced bool) {
	t.mu.Lock()
	if runGen != t.runGen || (armGen >= 0 && armGen != t.armGen) || t.executing == "" {
		t.mu.Unlock()
		return
	}
	id := t.executing
	t.runGen++
	t.armGen++
	t.executing = ""
	t.busySeen = false
	t.stopTimersLocked()
	t.mu.Unlock()

	if forced {
		t.logger.Warn("tracker settle fallback fired", "cell", id, "fallback", t.fallback)
	}
	cell := t.page.Cell(id)
	if cell == nil {
		t.logger.Debug("tracker settle on vanished cell", "cell", id)
		return
	}
	classification := t.classifier.Classify(cell.OutputText())
	t.finishCell(cell, classification)
	t.logger.Debug("tracker settled", "cell", id, "class", classification.Kind, "forced", forced)
}

// failExecuting settles the executing cell to error with the given
// classification, bypassing the debounce path. Used when an execute
// request itself is rejected.
func (t *tracker) failExecuting(id schema.CellID, classification schema.Classification) {
	t.mu.Lock()
	if t.executing != id {
		t.mu.Unlock()
		return
	}
	t.runGen++
	t.armGen++
	t.executing = ""
	t.busySeen = false
	t.stopTimersLocked()
	t.mu.Unlock()

	if cell := t.page.Cell(id); cell != nil {
		t.annotate(cell, schema.CellError, classification, false)
	}
}

func (t *tracker) finishCell(cell Cell, classification schema.Classification) {
	state := schema.CellDone
	if classification.IsError() {
		state = schema.CellError
	}
	t.annotate(cell, state, classification, true)
}

func (t *tracker) annotate(cell Cell, state schema.CellState, classification schema.Classification, kernelAlive bool) {
	cell.SetState(state)
	cell.ShowHint(classification.Hint(kernelAlive))
	if t.sink != nil {
		t.sink.OnCell(schema.CellEvent{Cell: cell.ID(), State: state, Classification: classification})
	}
}

// rearm clears the dead flag for a freshly launched kernel.
func (t *tracker) rearm() {
	t.mu.Lock()
	t.dead = false
	t.mu.Unlock()
}

// reset clears every piece of tracked state, including pending timers.
func (t *tracker) reset() {
	t.mu.Lock()
	t.runGen++
	t.armGen++
	t.stopTimersLocked()
	t.executing = ""
	t.busySeen = false
	t.dead = false
	t.mu.Unlock()
}

func (t *tracker) deadNow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dead
}

func (t *tracker) executingCell() schema.CellID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.executing
}

func (t *tracker) stopTimersLocked() {
	if t.idleTimer != nil {
		t.idleTimer.Stop()
		t.idleTimer = nil
	}
	if t.fallbackTimer != nil {
		t.fallbackTimer.Stop()
		t.fallbackTimer = nil
	}
}
