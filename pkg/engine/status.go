package engine

import (
	"fmt"
)

// State is the requested state of one declared resource.
type State string

const (
	// StatePresent requests that the object exists and matches the spec.
	StatePresent State = "present"

	// StateAbsent requests that the object does not exist.
	StateAbsent State = "absent"

	// StateQuery only reads the object.
	StateQuery State = "query"
)

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StatePresent, StateAbsent, StateQuery:
		return nil
	default:
		return fmt.Errorf("invalid state: %q (must be present, absent or query)", s)
	}
}

// Mode is the run mode selected by the invoker.
type Mode string

const (
	// ModeCheck computes and reports plans without mutating.
	ModeCheck Mode = "check"

	// ModeMerged applies declared states, present by default.
	ModeMerged Mode = "merged"

	// ModeDeleted applies every declaration as absent.
	ModeDeleted Mode = "deleted"

	// ModeQuery reads every declaration.
	ModeQuery Mode = "query"
)

// Validate checks if the mode is valid.
func (m Mode) Validate() error {
	switch m {
	case ModeCheck, ModeMerged, ModeDeleted, ModeQuery:
		return nil
	default:
		return fmt.Errorf("invalid mode: %q (must be check, merged, deleted or query)", m)
	}
}

// Effective returns the state a declaration runs with under mode m.
func (m Mode) Effective(declared State) State {
	switch m {
	case ModeDeleted:
		return StateAbsent
	case ModeQuery:
		return StateQuery
	}
	if declared == "" {
		return StatePresent
	}
	return declared
}

// FailurePolicy decides whether a failed resource stops the run.
type FailurePolicy string

const (
	// FailurePolicyAuto stops on present failures and continues on absent ones.
	FailurePolicyAuto FailurePolicy = "auto"

	// FailurePolicyFailFast stops after the first failure.
	FailurePolicyFailFast FailurePolicy = "fail-fast"

	// FailurePolicyContinue attempts every resource.
	FailurePolicyContinue FailurePolicy = "continue-on-error"
)

// Validate checks if the policy is valid.
func (p FailurePolicy) Validate() error {
	switch p {
	case FailurePolicyAuto, FailurePolicyFailFast, FailurePolicyContinue:
		return nil
	default:
		return fmt.Errorf("invalid failure policy: %q", p)
	}
}

// StopsOn reports whether a failure of a resource in state s stops the run.
func (p FailurePolicy) StopsOn(s State) bool {
	switch p {
	case FailurePolicyFailFast:
		return true
	case FailurePolicyContinue:
		return false
	default:
		return s == StatePresent
	}
}

// Action is the single action chosen for one resource.
type Action string

const (
	ActionCreate              Action = "create"
	ActionUpdate              Action = "update"
	ActionDelete              Action = "delete"
	ActionAlreadyPresent      Action = "already_present"
	ActionAlreadyAbsent       Action = "already_absent"
	ActionPresentAndDifferent Action = "present_and_different"
	ActionQuery               Action = "query"

	// ActionNone marks resources that never reached planning.
	ActionNone Action = "none"
)

// IsMutating returns true if the action changes controller state.
func (a Action) IsMutating() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionAlreadyPresent,
		ActionAlreadyAbsent, ActionPresentAndDifferent, ActionQuery, ActionNone:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// RunStatus represents the overall status of a run.
type RunStatus string

const (
	// RunStatusSucceeded indicates no resource failed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates every attempted resource failed.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates some resources failed.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was cancelled.
	RunStatusCancelled RunStatus = "cancelled"
)

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusSucceeded, RunStatusFailed, RunStatusPartial, RunStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// TaskState is the state of an asynchronous controller task.
type TaskState string

const (
	TaskPending    TaskState = "PENDING"
	TaskInProgress TaskState = "IN_PROGRESS"
	TaskSuccess    TaskState = "SUCCESS"
	TaskFailure    TaskState = "FAILURE"
	TaskTimeout    TaskState = "TIMEOUT"
)

// IsTerminal returns true for SUCCESS, FAILURE and TIMEOUT.
func (s TaskState) IsTerminal() bool {
	return s == TaskSuccess || s == TaskFailure || s == TaskTimeout
}
