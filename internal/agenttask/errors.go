package agenttask

import "errors"

// Service lifecycle errors.
var (
	ErrServiceAlreadyRunning = errors.New("service is already running")
	ErrServiceNotRunning     = errors.New("service is not running")
)

// Validation errors, reported to the caller with no state change.
var (
	ErrParentNotFound       = errors.New("parent workspace not found")
	ErrPromptRequired       = errors.New("task prompt is required")
	ErrAgentIDRequired      = errors.New("agentId is required")
	ErrUnknownAgent         = errors.New("unknown agent")
	ErrInvalidModelString   = errors.New("invalid model string")
	ErrInvalidWorkspaceName = errors.New("generated workspace name is invalid")
)

// Capacity errors.
var (
	ErrNestingDepthExceeded  = errors.New("maxTaskNestingDepth exceeded")
	ErrParentAlreadyReported = errors.New("cannot spawn new tasks after agent_report")
)

// Lookup errors.
var (
	ErrTaskNotFound  = errors.New("agent task not found")
	ErrNotDescendant = errors.New("task is not a descendant of the requesting workspace")
)

// Waiter rejection causes.
var (
	ErrTaskTerminated    = errors.New("task terminated")
	ErrParentInterrupted = errors.New("parent workspace interrupted")
	ErrWaitTimeout       = errors.New("timed out waiting for agent report")
)
