package cellbook

import (
	"pkt.systems/cellbook/core"
	"pkt.systems/cellbook/schema"
)

type eventFanout struct {
	sinks []core.EventSink
}

func (f eventFanout) OnActivate(event schema.ActivateEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnActivate(event)
	}
}

func (f eventFanout) OnReset(event schema.ResetEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnReset(event)
	}
}

func (f eventFanout) OnStatus(event schema.StatusEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnStatus(event)
	}
}

func (f eventFanout) OnInjection(event schema.InjectionEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnInjection(event)
	}
}

func (f eventFanout) OnConflict(event schema.ConflictEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnConflict(event)
	}
}

func (f eventFanout) OnCell(event schema.CellEvent) {
	for _, sink := range f.sinks {
		if sink == nil {
			continue
		}
		sink.OnCell(event)
	}
}
