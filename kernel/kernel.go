// Package kernel declares the collaborator interface to the remote
// code-execution library. The coordination core depends only on these
// contracts; wskernel provides the production transport.
package kernel

import "context"

// LifecyclePhase is a coarse lifecycle event from the remote library.
type LifecyclePhase string

const (
	// PhaseStarting indicates the kernel is being provisioned.
	PhaseStarting LifecyclePhase = "starting"
	// PhaseReady indicates the kernel accepted the connection.
	PhaseReady LifecyclePhase = "ready"
	// PhaseFailed indicates the kernel never became usable.
	PhaseFailed LifecyclePhase = "failed"
	// PhaseDead indicates a previously usable kernel is gone.
	PhaseDead LifecyclePhase = "dead"
)

// ProtocolState is a fine-grained busy/idle signal from the live
// kernel connection. It overlaps with lifecycle phases; settlement
// logic merges both streams rather than trusting either alone.
type ProtocolState string

const (
	// StateBusy indicates the kernel is processing a request.
	StateBusy ProtocolState = "busy"
	// StateIdle indicates the kernel reports no pending work.
	StateIdle ProtocolState = "idle"
)

// SignalSink receives both status streams from a live kernel.
type SignalSink interface {
	OnLifecycle(phase LifecyclePhase)
	OnProtocol(state ProtocolState)
}

// LaunchOptions describe one kernel bootstrap request.
type LaunchOptions struct {
	Endpoint string
	Token    string
	Name     string
	// Sandbox routes the bootstrap through the remote sandbox gateway
	// instead of connecting to the endpoint directly.
	Sandbox bool
}

// Connector performs the single kernel bootstrap call for a session.
type Connector interface {
	Launch(ctx context.Context, opts LaunchOptions) (Kernel, error)
}

// Kernel is the opaque handle to one live kernel connection.
type Kernel interface {
	Execute(ctx context.Context, req ExecuteRequest) (Execution, error)
	Subscribe(sink SignalSink) (cancel func())
	Shutdown(ctx context.Context) error
}

// ExecuteRequest describes one code execution.
type ExecuteRequest struct {
	Code string
	// Silent suppresses user-visible side effects (setup scripts,
	// install commands, discovery probes).
	Silent bool
}

// ExecStatus is the terminal status of one execution.
type ExecStatus string

const (
	// ExecOK indicates the execution completed without error.
	ExecOK ExecStatus = "ok"
	// ExecError indicates the execution raised an error.
	ExecError ExecStatus = "error"
	// ExecAborted indicates the execution was interrupted.
	ExecAborted ExecStatus = "aborted"
)

// ExecResult describes the execution outcome.
type ExecResult struct {
	Status ExecStatus
}

// OutputChannel indicates which stream produced an output message.
type OutputChannel string

const (
	// ChannelStdout carries standard output text.
	ChannelStdout OutputChannel = "stdout"
	// ChannelStderr carries standard error text.
	ChannelStderr OutputChannel = "stderr"
	// ChannelResult carries a rendered execution result.
	ChannelResult OutputChannel = "result"
	// ChannelError carries a rendered error or traceback.
	ChannelError OutputChannel = "error"
)

// OutputMessage is one message from an execution's output stream.
type OutputMessage struct {
	Channel OutputChannel
	Text    string
}

// OutputStream yields execution output messages until io.EOF.
type OutputStream interface {
	Next(ctx context.Context) (OutputMessage, error)
	Close() error
}

// Execution exposes the completion future and output stream of one
// execute request.
type Execution interface {
	Outputs() OutputStream
	Wait(ctx context.Context) (ExecResult, error)
	Close() error
}
