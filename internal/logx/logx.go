// Package logx carries the pslog field conventions used across the
// session coordination code.
package logx

import (
	"context"

	"pkt.systems/cellbook/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	cellKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithCell annotates the logger with the cell id if present.
func WithCell(ctx context.Context, cellID schema.CellID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if cellID != "" {
		if current, ok := ctx.Value(cellKey).(schema.CellID); ok && current == cellID {
			return log
		}
		log = log.With("cell", cellID)
	}
	return log
}

// WithStatus annotates the logger with the session status.
func WithStatus(log pslog.Logger, status schema.SessionStatus) pslog.Logger {
	if status != "" {
		log = log.With("status", status)
	}
	return log
}

// WithMode annotates the logger with the injection mode.
func WithMode(log pslog.Logger, mode schema.InjectionMode) pslog.Logger {
	if mode != "" {
		log = log.With("mode", mode)
	}
	return log
}

// ContextWithCell stores the cell marker on the context for log de-duplication.
func ContextWithCell(ctx context.Context, cellID schema.CellID) context.Context {
	if ctx == nil || cellID == "" {
		return ctx
	}
	return context.WithValue(ctx, cellKey, cellID)
}

// ContextWithCellLogger attaches the logger and cell marker to the context.
func ContextWithCellLogger(ctx context.Context, log pslog.Logger, cellID schema.CellID) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithCell(ctx, cellID)
}
