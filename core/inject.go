package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"pkt.systems/cellbook/internal/logx"
	"pkt.systems/cellbook/internal/prefs"
	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

// backendSentinel prefixes the single structured line the discovery
// script prints on the kernel's stdout. It is the only kernel-to-host
// data channel; everything after the prefix must be a JSON array.
const backendSentinel = "__cellbook_backends__:"

// injector runs setup code on a fresh kernel before the ready
// broadcast, exactly once per session.
type injector struct {
	mu       sync.Mutex
	cfg      schema.SessionConfig
	prefs    prefs.Store
	sink     EventSink
	logger   pslog.Logger
	injected bool
	backends []schema.Backend
}

func newInjector(cfg schema.SessionConfig, store prefs.Store, sink EventSink, logger pslog.Logger) *injector {
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &injector{
		cfg:      cfg,
		prefs:    store,
		sink:     sink,
		logger:   logger,
		backends: append([]schema.Backend(nil), cfg.StaticBackends...),
	}
}

// effectiveMode resolves which setup applies given the current
// preferences. The second return reports whether the configuration was
// ambiguous and the mode is a default rather than a choice.
func (inj *injector) effectiveMode() (schema.InjectionMode, bool) {
	if inj.prefs == nil {
		return schema.InjectNone, false
	}
	simulator := inj.prefs.SimulatorEnabled()
	hasToken := strings.TrimSpace(inj.prefs.CredentialToken()) != ""
	switch {
	case !simulator && !hasToken:
		return schema.InjectNone, false
	case simulator && !hasToken:
		return schema.InjectSimulator, false
	case !simulator && hasToken:
		return schema.InjectCredentials, false
	}
	switch inj.prefs.ActiveMode() {
	case schema.ActiveModeSimulator:
		return schema.InjectSimulator, false
	case schema.ActiveModeCredentials:
		return schema.InjectCredentials, false
	default:
		// Both are configured and neither was pinned: the simulator
		// wins and the page is told about the ambiguity.
		return schema.InjectSimulator, true
	}
}

// inject runs the setup and discovery scripts. Failures degrade to an
// injection notice with mode none; they never block session readiness.
func (inj *injector) inject(ctx context.Context, k kernel.Kernel) error {
	inj.mu.Lock()
	if inj.injected {
		inj.mu.Unlock()
		return schema.ErrAlreadyInjected
	}
	inj.injected = true
	inj.mu.Unlock()

	mode, ambiguous := inj.effectiveMode()
	log := logx.WithMode(inj.logger, mode)
	if mode == schema.InjectNone {
		log.Debug("inject skipped", "reason", "nothing configured")
		return nil
	}
	if ambiguous && inj.sink != nil {
		inj.sink.OnConflict(schema.ConflictEvent{Chosen: mode})
	}

	script := inj.setupScript(mode)
	if err := runSilent(ctx, k, script); err != nil {
		log.Warn("inject setup failed", "err", err)
		if inj.sink != nil {
			inj.sink.OnInjection(schema.InjectionEvent{
				Mode:    schema.InjectNone,
				Label:   inj.cfg.Label,
				Message: fmt.Sprintf("setup failed: %v", err),
			})
		}
		return nil
	}
	log.Info("inject setup ok", "ambiguous", ambiguous)

	inj.discoverBackends(ctx, k, log)

	if inj.sink != nil {
		inj.sink.OnInjection(schema.InjectionEvent{
			Mode:    mode,
			Label:   inj.cfg.Label,
			Message: injectionMessage(mode),
		})
	}
	return nil
}

func (inj *injector) setupScript(mode schema.InjectionMode) string {
	if mode == schema.InjectCredentials {
		return credentialScript(inj.prefs.CredentialToken(), inj.prefs.CredentialInstance())
	}
	return simulatorScript(inj.prefs.SimulatorBackend(), inj.prefs.SimulatorDevice())
}

// discoverBackends runs the read-only discovery probe and scans its
// stdout for the sentinel line. Best effort: a missing or malformed
// sentinel keeps the static list.
func (inj *injector) discoverBackends(ctx context.Context, k kernel.Kernel, log pslog.Logger) {
	exec, err := k.Execute(ctx, kernel.ExecuteRequest{Code: discoveryScript(), Silent: true})
	if err != nil {
		log.Debug("inject discovery failed", "err", err)
		return
	}
	defer func() { _ = exec.Close() }()
	line, found := scanForSentinel(ctx, exec.Outputs())
	if _, err := exec.Wait(ctx); err != nil {
		log.Debug("inject discovery wait failed", "err", err)
	}
	if !found {
		log.Debug("inject discovery sentinel absent")
		return
	}
	var backends []schema.Backend
	if err := json.Unmarshal([]byte(line), &backends); err != nil {
		log.Debug("inject discovery payload malformed", "err", err)
		return
	}
	if len(backends) == 0 {
		log.Debug("inject discovery empty list")
		return
	}
	inj.mu.Lock()
	inj.backends = backends
	inj.mu.Unlock()
	log.Info("inject discovery ok", "backends", len(backends))
}

// scanForSentinel drains the stream and returns the payload following
// the first sentinel occurrence.
func scanForSentinel(ctx context.Context, stream kernel.OutputStream) (string, bool) {
	defer func() { _ = stream.Close() }()
	payload := ""
	found := false
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return payload, found
			}
			return payload, found
		}
		if found || msg.Channel != kernel.ChannelStdout {
			continue
		}
		for _, line := range strings.Split(msg.Text, "\n") {
			idx := strings.Index(line, backendSentinel)
			if idx < 0 {
				continue
			}
			payload = strings.TrimSpace(line[idx+len(backendSentinel):])
			found = true
			break
		}
	}
}

// Backends returns the discovered backend list, or the static fallback.
func (inj *injector) Backends() []schema.Backend {
	inj.mu.Lock()
	defer inj.mu.Unlock()
	return append([]schema.Backend(nil), inj.backends...)
}

// reset re-arms the pipeline for the next session.
func (inj *injector) reset() {
	inj.mu.Lock()
	inj.injected = false
	inj.backends = append([]schema.Backend(nil), inj.cfg.StaticBackends...)
	inj.mu.Unlock()
}

func credentialScript(token, instance string) string {
	return fmt.Sprintf(`import cellbook_runtime
cellbook_runtime.save_credentials(token=%q, instance=%q)
cellbook_runtime.select_account()`, token, instance)
}

func simulatorScript(backend, device string) string {
	if strings.TrimSpace(backend) == "" {
		backend = "local_simulator"
	}
	return fmt.Sprintf(`import cellbook_runtime
cellbook_runtime.use_simulator(backend=%q, device=%q)`, backend, device)
}

func discoveryScript() string {
	return `import json, cellbook_runtime
print("` + backendSentinel + `" + json.dumps(cellbook_runtime.list_backends()))`
}

func injectionMessage(mode schema.InjectionMode) string {
	switch mode {
	case schema.InjectSimulator:
		return "Running against the simulated backend."
	case schema.InjectCredentials:
		return "Running with your saved credentials."
	default:
		return ""
	}
}

// runSilent executes a setup script, drains its output, and reports a
// non-ok completion as an error.
func runSilent(ctx context.Context, k kernel.Kernel, code string) error {
	exec, err := k.Execute(ctx, kernel.ExecuteRequest{Code: code, Silent: true})
	if err != nil {
		return err
	}
	defer func() { _ = exec.Close() }()
	drainOutputs(ctx, exec.Outputs())
	result, err := exec.Wait(ctx)
	if err != nil {
		return err
	}
	if result.Status != kernel.ExecOK {
		return fmt.Errorf("execution finished with status %s", result.Status)
	}
	return nil
}

func drainOutputs(ctx context.Context, stream kernel.OutputStream) {
	defer func() { _ = stream.Close() }()
	for {
		if _, err := stream.Next(ctx); err != nil {
			return
		}
	}
}
