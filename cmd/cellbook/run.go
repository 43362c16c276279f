package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cellbook"
	"pkt.systems/cellbook/core"
	"pkt.systems/cellbook/internal/appconfig"
	"pkt.systems/cellbook/internal/eventbus"
	"pkt.systems/cellbook/kernel"
	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

func newRunCmd() *cobra.Command {
	var cfgPath string
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a code snippet through a full kernel session",
		Long:  "Reads code from the file argument (or stdin), activates a session, runs the code as a single cell, and prints the settled result.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())

			code, err := readSource(args)
			if err != nil {
				return err
			}
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}

			cell := newCLICell("cell-1", code, cmd.OutOrStdout())
			nb, err := cellbook.New(cfg, cellbook.Deps{
				Page:   &cliPage{cell: cell},
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			settled := make(chan schema.CellEvent, 1)
			unsubscribe := nb.Bus.Subscribe(schema.TopicCell, func(event eventbus.Event) {
				if event.Cell.State == schema.CellDone || event.Cell.State == schema.CellError {
					select {
					case settled <- event.Cell:
					default:
					}
				}
			})
			defer unsubscribe()

			if err := nb.Session.ActivateAll(ctx); err != nil {
				return err
			}
			if err := nb.Session.AwaitReady(ctx); err != nil {
				return fmt.Errorf("session never became ready: %w", err)
			}
			if err := nb.Session.RunCell(ctx, cell.ID()); err != nil {
				return err
			}

			var outcome schema.CellEvent
			select {
			case outcome = <-settled:
			case <-ctx.Done():
				return fmt.Errorf("execution never settled: %w", ctx.Err())
			}

			resetCtx, resetCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer resetCancel()
			_ = nb.Session.Reset(resetCtx)

			if outcome.State == schema.CellError {
				if hint := cell.hintText(); hint != "" {
					fmt.Fprintln(cmd.ErrOrStderr(), hint)
				}
				return fmt.Errorf("cell settled with a %s error", classLabel(outcome.Classification))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "overall run timeout")
	return cmd
}

func readSource(args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func classLabel(c schema.Classification) string {
	switch c.Kind {
	case schema.ClassModule:
		return "missing-module"
	case schema.ClassName:
		return "undefined-name"
	case schema.ClassDisconnected:
		return "disconnected-kernel"
	default:
		return "generic"
	}
}

// cliCell adapts one code snippet to the cell contract, mirroring
// streamed output to the command's stdout.
type cliCell struct {
	id     schema.CellID
	source string
	out    io.Writer

	mu     sync.Mutex
	buffer strings.Builder
	state  schema.CellState
	hint   schema.Hint
}

func newCLICell(id schema.CellID, source string, out io.Writer) *cliCell {
	return &cliCell{id: id, source: source, out: out, state: schema.CellIdle}
}

func (c *cliCell) ID() schema.CellID { return c.id }

func (c *cliCell) Source() string { return c.source }

func (c *cliCell) Language() string { return "python" }

func (c *cliCell) OutputText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buffer.String()
}

func (c *cliCell) SetMode(schema.DisplayMode) {}

func (c *cliCell) SetState(state schema.CellState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = state
}

func (c *cliCell) ShowHint(hint schema.Hint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hint = hint
}

func (c *cliCell) ClearOutput() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer.Reset()
}

func (c *cliCell) AppendOutput(msg kernel.OutputMessage) {
	c.mu.Lock()
	c.buffer.WriteString(msg.Text)
	out := c.out
	c.mu.Unlock()
	if out != nil {
		_, _ = io.WriteString(out, msg.Text)
	}
}

func (c *cliCell) hintText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hint.Kind == schema.HintNone {
		return ""
	}
	if c.hint.Module != "" {
		return fmt.Sprintf("%s (module %s)", c.hint.Message, c.hint.Module)
	}
	return c.hint.Message
}

// cliPage is a single-cell page.
type cliPage struct {
	cell *cliCell
}

func (p *cliPage) Cells() []core.Cell {
	return []core.Cell{p.cell}
}

func (p *cliPage) Cell(id schema.CellID) core.Cell {
	if p.cell != nil && p.cell.ID() == id {
		return p.cell
	}
	return nil
}
