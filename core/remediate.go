package core

import (
	"context"
	"fmt"
	"regexp"

	"pkt.systems/cellbook/internal/logx"
	"pkt.systems/cellbook/schema"
)

// moduleNameRe limits what may be spliced into the install command.
var moduleNameRe = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// InstallAndRerun is the one-shot remediation behind the install hint:
// run the install command silently, then replay the cell's own run
// action so settlement follows the normal path. One attempt per user
// trigger; a failed install leaves the original error hint in place.
func (s *Session) InstallAndRerun(ctx context.Context, id schema.CellID, module string) error {
	log := logx.WithCell(ctx, id).With("module", module)
	if !moduleNameRe.MatchString(module) {
		return fmt.Errorf("invalid module name %q", module)
	}
	cell := s.page.Cell(id)
	if cell == nil {
		return schema.ErrCellNotFound
	}

	s.mu.Lock()
	k := s.kernelHandle
	s.mu.Unlock()
	if k == nil || s.tracker.deadNow() {
		cell.ShowHint(schema.Hint{Kind: schema.HintReconnect, Message: "The kernel is no longer connected."})
		log.Warn("remediation on dead kernel")
		return schema.ErrKernelDead
	}

	log.Info("remediation install start")
	if err := runSilent(ctx, k, s.cfg.InstallCommand+" "+module); err != nil {
		cell.ShowHint(schema.Hint{
			Kind:    schema.HintInstallFailed,
			Module:  module,
			Message: "Installing " + module + " failed.",
		})
		log.Warn("remediation install failed", "err", err)
		return fmt.Errorf("install %s: %w", module, err)
	}
	log.Info("remediation install ok")
	return s.RunCell(logx.ContextWithCellLogger(ctx, log, id), id)
}
