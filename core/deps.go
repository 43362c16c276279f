package core

import (
	"pkt.systems/cellbook/internal/prefs"
	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

// Cell is a non-owned view of one rendered code cell. The coordination
// core reads and annotates it, never recreates it; its lifetime belongs
// to the page renderer.
type Cell interface {
	ID() schema.CellID
	Source() string
	Language() string
	OutputText() string
	SetMode(mode schema.DisplayMode)
	SetState(state schema.CellState)
	ShowHint(hint schema.Hint)
	ClearOutput()
	AppendOutput(msg kernel.OutputMessage)
}

// Page resolves the current set of cells. The set is recomputed on
// every call; no component may assume a stable enumeration of cells
// across time.
type Page interface {
	Cells() []Cell
	Cell(id schema.CellID) Cell
}

// EventSink receives page-internal broadcast events.
type EventSink interface {
	OnActivate(event schema.ActivateEvent)
	OnReset(event schema.ResetEvent)
	OnStatus(event schema.StatusEvent)
	OnInjection(event schema.InjectionEvent)
	OnConflict(event schema.ConflictEvent)
	OnCell(event schema.CellEvent)
}

// SessionDeps captures dependencies required to build a Session.
type SessionDeps struct {
	Connector kernel.Connector
	Page      Page
	EventSink EventSink
	Prefs     prefs.Store
	Logger    pslog.Logger
}

type nopSink struct{}

func (nopSink) OnActivate(schema.ActivateEvent)   {}
func (nopSink) OnReset(schema.ResetEvent)         {}
func (nopSink) OnStatus(schema.StatusEvent)       {}
func (nopSink) OnInjection(schema.InjectionEvent) {}
func (nopSink) OnConflict(schema.ConflictEvent)   {}
func (nopSink) OnCell(schema.CellEvent)           {}
