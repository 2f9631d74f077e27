package engine

import (
	"fmt"

	"github.com/openfroyo/ccrecon/pkg/catalog"
)

// DecideAction maps (existence, drift, state) to exactly one action.
// readOnly substitutes Update with PresentAndDifferent for kinds whose
// update operation is unsupported. drift is ignored unless the object
// exists and the state is present.
func DecideAction(exists, drift bool, state State, readOnly bool) (Action, error) {
	switch state {
	case StateQuery:
		return ActionQuery, nil

	case StateAbsent:
		if exists {
			return ActionDelete, nil
		}
		return ActionAlreadyAbsent, nil

	case StatePresent:
		switch {
		case !exists:
			return ActionCreate, nil
		case !drift:
			return ActionAlreadyPresent, nil
		case readOnly:
			return ActionPresentAndDifferent, nil
		default:
			return ActionUpdate, nil
		}
	}

	return ActionNone, NewError(KindSchemaInvalid, fmt.Sprintf("cannot plan state %q", state), nil).
		WithCode(ErrCodeValidation)
}

// ActionPlanner turns a resolution into a Plan.
type ActionPlanner struct {
	diff *DiffEngine
}

// NewActionPlanner creates a planner that detects drift with diff.
func NewActionPlanner(diff *DiffEngine) *ActionPlanner {
	if diff == nil {
		diff = NewDiffEngine()
	}
	return &ActionPlanner{diff: diff}
}

// Plan chooses the action for spec given what the resolver bound. It also
// verifies that the catalog entry can execute the chosen action.
func (p *ActionPlanner) Plan(entry *catalog.Entry, spec *DesiredSpec, res *Resolution) (*Plan, error) {
	exists := res.Exists()

	var drift DiffResult
	if exists && spec.State == StatePresent {
		drift = p.diff.Compare(entry, spec, res.Observed)
	}

	action, err := DecideAction(exists, drift.RequiresUpdate, spec.State, entry.ReadOnlyUpdate)
	if err != nil {
		return nil, err
	}

	plan := &Plan{Action: action, ID: res.ID()}
	switch action {
	case ActionUpdate, ActionPresentAndDifferent:
		plan.Old = res.Observed
		plan.Changes = drift.Changes
		plan.Diff = drift.Diff
	case ActionAlreadyPresent:
		plan.Old = res.Observed
	case ActionQuery:
		plan.Result = res.Observed
	}

	if op := operationFor(action); op != "" && !entry.HasOperation(op) {
		return nil, NewError(KindCatalog,
			fmt.Sprintf("kind %s does not support %s", entry.Kind, op), nil).
			WithCode(ErrCodeUnsupported).
			WithOperation(string(op))
	}

	return plan, nil
}

func operationFor(a Action) catalog.OperationName {
	switch a {
	case ActionCreate:
		return catalog.OpCreate
	case ActionUpdate:
		return catalog.OpUpdate
	case ActionDelete:
		return catalog.OpDelete
	}
	return ""
}
