// Package api defines shared types and constants for the wharf framework.
package api

// Component types identify the kind of component.
const (
	TypeAgent   = "agent"
	TypeHarness = "harness"
)

// Interface names identify component capabilities.
const (
	InterfaceStatusable = "statusable"
	InterfaceRunnable   = "runnable"
	InterfaceObservable = "observable"
)

// Adapter kinds identify which CLI tool an agent wraps.
const (
	AdapterKindDroid = "factory-droid"
	AdapterKindPi    = "pi-mono"
)

// Error codes returned in JSON error responses.
const (
	ErrorAgentBusy        = "agent_busy"
	ErrorAlreadyCompleted = "already_completed"
	ErrorRunInProgress    = "run_in_progress"
	ErrorValidation       = "validation_error"
	ErrorNotFound         = "not_found"
	ErrorUnauthorized     = "unauthorized"
)

// CurrentRun represents info about an in-flight run (used in status responses).
type CurrentRun struct {
	ID                 string `json:"id"`
	StartedAt          string `json:"started_at"`
	InstructionPreview string `json:"instruction_preview"`
}
