package schema

// SessionStatus is the lifecycle state of the page's kernel session.
type SessionStatus string

const (
	// SessionIdle indicates no kernel has been requested yet.
	SessionIdle SessionStatus = "idle"
	// SessionConnecting indicates a kernel bootstrap is in flight.
	SessionConnecting SessionStatus = "connecting"
	// SessionReady indicates the kernel is connected and injected.
	SessionReady SessionStatus = "ready"
	// SessionError indicates the bootstrap failed or the kernel died.
	SessionError SessionStatus = "error"
)

// CellID identifies one code cell widget on the page.
type CellID string

// CellState is the execution state of a single cell.
type CellState string

const (
	// CellIdle indicates the cell has not executed in this session.
	CellIdle CellState = "idle"
	// CellRunning indicates the cell is currently executing.
	CellRunning CellState = "running"
	// CellDone indicates the cell settled without a classified error.
	CellDone CellState = "done"
	// CellError indicates the cell settled with a classified error.
	CellError CellState = "error"
)

// DisplayMode is the widget presentation mode.
type DisplayMode string

const (
	// ModeRead shows the cell as static highlighted source.
	ModeRead DisplayMode = "read"
	// ModeRun shows the cell as an editable, runnable widget.
	ModeRun DisplayMode = "run"
)

// InjectionMode names the setup injected into a fresh kernel.
type InjectionMode string

const (
	// InjectNone indicates no setup was injected.
	InjectNone InjectionMode = "none"
	// InjectSimulator indicates simulated-backend setup was injected.
	InjectSimulator InjectionMode = "simulator"
	// InjectCredentials indicates real-credential setup was injected.
	InjectCredentials InjectionMode = "credentials"
)

// ActiveMode is the user's explicit choice between the two injectable
// configurations when both are available.
type ActiveMode string

const (
	// ActiveModeUnset means the user has not chosen a mode.
	ActiveModeUnset ActiveMode = ""
	// ActiveModeSimulator pins the simulator configuration.
	ActiveModeSimulator ActiveMode = "simulator"
	// ActiveModeCredentials pins the credential configuration.
	ActiveModeCredentials ActiveMode = "credentials"
)

// Backend describes one execution backend reported by discovery.
type Backend struct {
	Name      string `json:"name"`
	Simulator bool   `json:"simulator,omitempty"`
	Status    string `json:"status,omitempty"`
}

// HintKind names the guidance rendered next to a settled cell.
type HintKind string

const (
	// HintNone clears any rendered guidance.
	HintNone HintKind = ""
	// HintInstall offers a one-click module install remediation.
	HintInstall HintKind = "install"
	// HintRunOrder suggests running earlier cells in order.
	HintRunOrder HintKind = "run_order"
	// HintReconnect suggests resetting and reconnecting the session.
	HintReconnect HintKind = "reconnect"
	// HintInstallFailed marks a failed remediation attempt.
	HintInstallFailed HintKind = "install_failed"
)

// Hint is the guidance payload attached to a cell view.
type Hint struct {
	Kind    HintKind
	Module  string
	Message string
}
