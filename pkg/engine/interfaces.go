package engine

import (
	"context"

	"github.com/openfroyo/ccrecon/pkg/catalog"
)

// TaskTracker waits for asynchronous controller operations.
type TaskTracker interface {
	// Wait blocks until the task reaches a terminal state. A FAILURE yields
	// a task_failed error, a TIMEOUT or an exceeded deadline a task_timeout
	// error. The task is never cancelled on the controller.
	Wait(ctx context.Context, handle TaskHandle) (*TaskStatus, error)
}

// GuardInput is what a PlanGuard sees before a mutating action.
type GuardInput struct {
	Kind     catalog.Kind           `json:"kind"`
	Identity string                 `json:"identity"`
	State    State                  `json:"state"`
	Action   Action                 `json:"action"`
	ID       string                 `json:"id,omitempty"`
	Fields   map[string]interface{} `json:"fields"`
	Changes  []FieldDiff            `json:"changes,omitempty"`
	Mode     Mode                   `json:"mode"`

	// Metadata carries run-level flags such as allow_delete.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PlanGuard vets a plan before it is executed. A non-nil error denies the
// action and fails the resource with policy_denied.
type PlanGuard interface {
	Check(ctx context.Context, input GuardInput) error
}

// PlanGuardFunc adapts a function to the PlanGuard interface.
type PlanGuardFunc func(ctx context.Context, input GuardInput) error

// Check calls f.
func (f PlanGuardFunc) Check(ctx context.Context, input GuardInput) error {
	return f(ctx, input)
}

// RunRecorder persists finished run reports.
type RunRecorder interface {
	RecordRun(ctx context.Context, report *RunReport) error
}

// Catalog is the subset of the resource catalog the engine needs.
type Catalog interface {
	Lookup(kind catalog.Kind) (*catalog.Entry, error)
}
