package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cellbook/internal/appconfig"
	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/kernel/wskernel"
	"pkt.systems/pslog"
)

// doctorProbe is what the probe execution prints and expects back.
const doctorProbe = "print('cellbook doctor ok')"

func newDoctorCmd() *cobra.Command {
	var cfgPath string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check connectivity and signal health of the configured kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			configPath := cfgPath
			if strings.TrimSpace(configPath) == "" {
				defaultPath, err := appconfig.DefaultConfigPath()
				if err != nil {
					return err
				}
				configPath = defaultPath
			}
			logger.Info("doctor start", "config", configPath, "endpoint", cfg.Kernel.Endpoint)

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			session := cfg.SessionConfig()
			connector := &wskernel.Connector{Logger: logger}
			k, err := connector.Launch(ctx, kernel.LaunchOptions{
				Endpoint: session.Kernel.Endpoint,
				Token:    session.Kernel.Token,
				Name:     session.Kernel.Name,
				Sandbox:  session.Environment == "sandbox",
			})
			if err != nil {
				return fmt.Errorf("kernel dial failed: %w", err)
			}
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = k.Shutdown(shutdownCtx)
			}()
			logger.Info("doctor kernel connected")

			health := &signalHealth{}
			unsubscribe := k.Subscribe(health)
			defer unsubscribe()

			exec, err := k.Execute(ctx, kernel.ExecuteRequest{Code: doctorProbe})
			if err != nil {
				return fmt.Errorf("probe execute failed: %w", err)
			}
			defer func() { _ = exec.Close() }()

			output, err := collectOutput(ctx, exec)
			if err != nil {
				return fmt.Errorf("probe output failed: %w", err)
			}
			result, err := exec.Wait(ctx)
			if err != nil {
				return fmt.Errorf("probe wait failed: %w", err)
			}
			if result.Status != kernel.ExecOK {
				return fmt.Errorf("probe finished with status %s", result.Status)
			}
			if !strings.Contains(output, "cellbook doctor ok") {
				return fmt.Errorf("probe output did not round-trip: %q", output)
			}
			logger.Info("doctor probe ok")

			busy, idle := health.seen()
			if !busy || !idle {
				logger.Warn("doctor signal health degraded", "busy_seen", busy, "idle_seen", idle)
				fmt.Fprintln(cmd.OutOrStdout(), "kernel reachable, but busy/idle signals are incomplete; settlement will rely on the fallback timer")
				return nil
			}
			logger.Info("doctor signals ok")
			fmt.Fprintln(cmd.OutOrStdout(), "kernel reachable, probe round-tripped, busy/idle signals healthy")
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall doctor timeout")
	return cmd
}

// signalHealth records whether both protocol states were observed.
type signalHealth struct {
	mu   sync.Mutex
	busy bool
	idle bool
}

func (h *signalHealth) OnLifecycle(kernel.LifecyclePhase) {}

func (h *signalHealth) OnProtocol(state kernel.ProtocolState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch state {
	case kernel.StateBusy:
		h.busy = true
	case kernel.StateIdle:
		h.idle = true
	}
}

func (h *signalHealth) seen() (busy, idle bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.busy, h.idle
}

func collectOutput(ctx context.Context, exec kernel.Execution) (string, error) {
	stream := exec.Outputs()
	defer func() { _ = stream.Close() }()
	var b strings.Builder
	for {
		msg, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return b.String(), ctx.Err()
			}
			return b.String(), nil
		}
		b.WriteString(msg.Text)
	}
}
