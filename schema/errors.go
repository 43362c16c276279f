package schema

import "errors"

var (
	// ErrNotReady indicates the session has no connected kernel.
	ErrNotReady = errors.New("session not ready")
	// ErrKernelDead indicates the kernel connection was lost.
	ErrKernelDead = errors.New("kernel disconnected")
	// ErrCellNotFound indicates the cell is no longer present on the page.
	ErrCellNotFound = errors.New("cell not found")
	// ErrEmptySource indicates the cell has no code to run.
	ErrEmptySource = errors.New("empty cell source")
	// ErrConnectorUnavailable indicates no kernel connector is configured.
	ErrConnectorUnavailable = errors.New("kernel connector not configured")
	// ErrAlreadyInjected indicates a second injection was attempted in one session.
	ErrAlreadyInjected = errors.New("setup already injected for this session")
	// ErrInvalidEnvironment indicates an unsupported launch environment.
	ErrInvalidEnvironment = errors.New("invalid launch environment")
)
