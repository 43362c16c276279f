// Package cellbook assembles the page coordination service: the
// session controller, the broadcast bus, the preference store, and the
// websocket kernel transport.
package cellbook

import (
	"context"
	"errors"

	"pkt.systems/cellbook/core"
	"pkt.systems/cellbook/internal/appconfig"
	"pkt.systems/cellbook/internal/eventbus"
	"pkt.systems/cellbook/internal/prefs"
	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/kernel/wskernel"
	"pkt.systems/pslog"
)

// Notebook is the assembled page service.
type Notebook struct {
	// Session is the coordination entry point for the page's widgets.
	Session *core.Session
	// Bus carries the session broadcasts; widgets subscribe per topic.
	Bus *eventbus.Bus
	// Prefs is the preference store injected into the session.
	Prefs prefs.Store
}

// Deps captures the injectable dependencies of the assembly. Page is
// required; everything else has a production default.
type Deps struct {
	Page      core.Page
	Connector kernel.Connector
	Prefs     prefs.Store
	EventSink core.EventSink
	Logger    pslog.Logger
}

// New builds a Notebook from a loaded configuration.
func New(cfg appconfig.Config, deps Deps) (*Notebook, error) {
	if deps.Page == nil {
		return nil, errors.New("page dependency is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}

	connector := deps.Connector
	if connector == nil {
		connector = &wskernel.Connector{Logger: logger}
	}

	store := deps.Prefs
	if store == nil {
		fileStore, err := prefs.NewFileStoreWithLogger(cfg.Prefs.Path, logger)
		if err != nil {
			return nil, err
		}
		store = fileStore
	}

	bus := eventbus.New(logger)
	var sink core.EventSink = bus
	if deps.EventSink != nil {
		sink = eventFanout{sinks: []core.EventSink{deps.EventSink, bus}}
	}

	session, err := core.NewSession(cfg.SessionConfig(), core.SessionDeps{
		Connector: connector,
		Page:      deps.Page,
		EventSink: sink,
		Prefs:     store,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	return &Notebook{
		Session: session,
		Bus:     bus,
		Prefs:   store,
	}, nil
}
