package core

import (
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
)

func newTestTracker(t *testing.T, cells ...*fakeCell) (*tracker, *fakePage, *recordSink, *atomic.Int32) {
	t.Helper()
	cfg, err := schema.NormalizeSessionConfig(schema.SessionConfig{})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	page := newFakePage(cells...)
	sink := &recordSink{}
	deaths := &atomic.Int32{}
	tr := newTracker(cfg, page, sink, NewClassifier(), nil, func() { deaths.Add(1) })
	return tr, page, sink, deaths
}

func debounceEntries(tl *timerLog) []timerEntry {
	var out []timerEntry
	for _, entry := range tl.armed() {
		if entry.d == schema.DefaultSettleDebounce {
			out = append(out, entry)
		}
	}
	return out
}

func fallbackEntries(tl *timerLog) []timerEntry {
	var out []timerEntry
	for _, entry := range tl.armed() {
		if entry.d == schema.DefaultSettleFallback {
			out = append(out, entry)
		}
	}
	return out
}

func TestTrackerMarksRunning(t *testing.T) {
	stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	tr, _, sink, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)

	if cell.currentState() != schema.CellRunning {
		t.Fatalf("expected running, got %q", cell.currentState())
	}
	if tr.executingCell() != "c1" {
		t.Fatalf("expected c1 tracked, got %q", tr.executingCell())
	}
	events := sink.cellEventList()
	if len(events) != 1 || events[0].State != schema.CellRunning {
		t.Fatalf("expected running cell event, got %+v", events)
	}
}

// A cancelled debounce window must not settle the cell; only an
// uninterrupted window does. Mirrors busy(0), idle(1000), busy(1200),
// idle(2000) with a 1500ms window: settlement belongs to the second
// arm, never the first.
func TestTrackerDebounceInterruptedByBusy(t *testing.T) {
	tl := stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	cell.setOutput("ok")
	tr, _, _, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)
	first := debounceEntries(tl)
	if len(first) != 1 {
		t.Fatalf("expected one debounce arm, got %d", len(first))
	}
	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)
	second := debounceEntries(tl)
	if len(second) != 2 {
		t.Fatalf("expected a second debounce arm, got %d", len(second))
	}

	// The first window was cancelled by the interleaved busy; firing it
	// anyway must be ignored.
	first[0].fn()
	if cell.currentState() != schema.CellRunning {
		t.Fatalf("cell settled from a cancelled window: %q", cell.currentState())
	}

	second[1].fn()
	if cell.currentState() != schema.CellDone {
		t.Fatalf("expected done after uninterrupted window, got %q", cell.currentState())
	}
	if tr.executingCell() != "" {
		t.Fatalf("expected executing pointer cleared")
	}
}

func TestTrackerIdleWithoutBusyDoesNotArm(t *testing.T) {
	tl := stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	tr, _, _, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	tr.OnProtocol(kernel.StateIdle)

	if len(debounceEntries(tl)) != 0 {
		t.Fatalf("idle before any busy must not arm the debounce")
	}
}

func TestTrackerIdleWithoutExecutionIgnored(t *testing.T) {
	tl := stubTimers(t)
	tr, _, _, _ := newTestTracker(t)

	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)

	if len(debounceEntries(tl)) != 0 {
		t.Fatalf("idle without an executing cell must not arm the debounce")
	}
}

func TestTrackerSettleClassifiesError(t *testing.T) {
	tl := stubTimers(t)
	cell := newFakeCell("c1", "import qutip")
	tr, _, sink, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	cell.setOutput(moduleTraceback)
	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)
	entries := debounceEntries(tl)
	if len(entries) != 1 {
		t.Fatalf("expected debounce arm")
	}
	entries[0].fn()

	if cell.currentState() != schema.CellError {
		t.Fatalf("expected error state, got %q", cell.currentState())
	}
	hint := cell.currentHint()
	if hint.Kind != schema.HintInstall || hint.Module != "qutip" {
		t.Fatalf("expected install hint for qutip, got %+v", hint)
	}
	events := sink.cellEventList()
	last := events[len(events)-1]
	if last.State != schema.CellError || last.Classification.Kind != schema.ClassModule {
		t.Fatalf("unexpected settle event %+v", last)
	}
}

func TestTrackerFallbackForceSettles(t *testing.T) {
	tl := stubTimers(t)
	cell := newFakeCell("c1", "while True: pass")
	cell.setOutput("")
	tr, _, _, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	entries := fallbackEntries(tl)
	if len(entries) != 1 {
		t.Fatalf("expected fallback arm")
	}
	entries[0].fn()

	if cell.currentState() != schema.CellDone {
		t.Fatalf("expected forced settle to done, got %q", cell.currentState())
	}
	if tr.executingCell() != "" {
		t.Fatalf("expected executing pointer cleared")
	}
}

func TestTrackerFallbackIgnoredAfterSettle(t *testing.T) {
	tl := stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	cell.setOutput("1")
	tr, _, sink, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)
	debounceEntries(tl)[0].fn()

	before := len(sink.cellEventList())
	fallbackEntries(tl)[0].fn()
	if len(sink.cellEventList()) != before {
		t.Fatalf("stale fallback fired a second settlement")
	}
}

func TestTrackerKernelDeathMidRun(t *testing.T) {
	stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	tr, _, _, deaths := newTestTracker(t, cell)

	tr.markExecuting(cell)
	tr.OnLifecycle(kernel.PhaseDead)

	if cell.currentState() != schema.CellError {
		t.Fatalf("expected error state, got %q", cell.currentState())
	}
	if cell.currentHint().Kind != schema.HintReconnect {
		t.Fatalf("expected reconnect hint, got %+v", cell.currentHint())
	}
	if deaths.Load() != 1 {
		t.Fatalf("expected one death notification, got %d", deaths.Load())
	}
	if tr.executingCell() != "" {
		t.Fatalf("expected executing pointer cleared")
	}
	if !tr.deadNow() {
		t.Fatalf("expected dead flag")
	}
}

func TestTrackerDeathIsIdempotent(t *testing.T) {
	stubTimers(t)
	tr, _, _, deaths := newTestTracker(t)

	tr.OnLifecycle(kernel.PhaseDead)
	tr.OnLifecycle(kernel.PhaseFailed)

	if deaths.Load() != 1 {
		t.Fatalf("expected a single death notification, got %d", deaths.Load())
	}
}

func TestTrackerMarkWhileDead(t *testing.T) {
	stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	tr, _, _, _ := newTestTracker(t, cell)

	tr.OnLifecycle(kernel.PhaseDead)
	tr.markExecuting(cell)

	if cell.currentState() != schema.CellError {
		t.Fatalf("expected immediate error, got %q", cell.currentState())
	}
	for _, state := range cell.stateHistory() {
		if state == schema.CellRunning {
			t.Fatalf("cell showed a running state while kernel dead")
		}
	}
}

func TestTrackerResetClearsExecuting(t *testing.T) {
	stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	tr, _, _, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	tr.OnProtocol(kernel.StateBusy)
	tr.reset()

	if tr.executingCell() != "" {
		t.Fatalf("expected no executing cell after reset")
	}
	if tr.deadNow() {
		t.Fatalf("expected dead flag cleared after reset")
	}
}

func TestTrackerSettleOnVanishedCell(t *testing.T) {
	tl := stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	tr, page, sink, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)
	page.remove("c1")
	debounceEntries(tl)[0].fn()

	if tr.executingCell() != "" {
		t.Fatalf("expected pointer cleared for vanished cell")
	}
	events := sink.cellEventList()
	last := events[len(events)-1]
	if last.State != schema.CellRunning {
		t.Fatalf("expected no settle event beyond the running one, got %+v", last)
	}
}

func TestTrackerSupersededExecutionSettles(t *testing.T) {
	stubTimers(t)
	first := newFakeCell("c1", "print(1)")
	first.setOutput("1")
	second := newFakeCell("c2", "print(2)")
	tr, _, _, _ := newTestTracker(t, first, second)

	tr.markExecuting(first)
	tr.markExecuting(second)

	if first.currentState() != schema.CellDone {
		t.Fatalf("expected superseded cell settled, got %q", first.currentState())
	}
	if tr.executingCell() != "c2" {
		t.Fatalf("expected c2 tracked, got %q", tr.executingCell())
	}
}

// The fallback timer must survive busy/idle churn within one execution.
func TestTrackerFallbackSurvivesProtocolChurn(t *testing.T) {
	tl := stubTimers(t)
	cell := newFakeCell("c1", "print(1)")
	cell.setOutput("1")
	tr, _, _, _ := newTestTracker(t, cell)

	tr.markExecuting(cell)
	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)
	tr.OnProtocol(kernel.StateBusy)

	fallbackEntries(tl)[0].fn()
	if cell.currentState() != schema.CellDone {
		t.Fatalf("fallback was invalidated by protocol churn, state %q", cell.currentState())
	}
}

// Real-clock smoke check of the debounce path; uses a tiny window.
func TestTrackerDebounceRealTimer(t *testing.T) {
	cfg, err := schema.NormalizeSessionConfig(schema.SessionConfig{
		SettleDebounce: 10 * time.Millisecond,
		SettleFallback: time.Minute,
	})
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	cell := newFakeCell("c1", "print(1)")
	cell.setOutput("1")
	page := newFakePage(cell)
	tr := newTracker(cfg, page, &recordSink{}, NewClassifier(), nil, nil)

	tr.markExecuting(cell)
	tr.OnProtocol(kernel.StateBusy)
	tr.OnProtocol(kernel.StateIdle)

	waitFor(t, "debounced settlement", func() bool {
		return cell.currentState() == schema.CellDone
	})
}
