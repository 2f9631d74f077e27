package policy

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/ccrecon/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but do not block.
	SeverityWarning Severity = "warning"

	// SeverityError blocks the action.
	SeverityError Severity = "error"

	// SeverityCritical blocks the action.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity denies the action.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. The package must define a "deny"
	// set of strings or of objects with message and severity.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with ccrecon.
	Builtin bool `json:"builtin,omitempty"`

	// Metadata contains additional policy metadata, such as the source file.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Violation represents a single policy finding.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource is the identity of the resource, e.g. "site/HQ".
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Decision is the outcome of evaluating all enabled policies for one action.
type Decision struct {
	// Allowed is false if any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists the blocking findings.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists findings that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as "input".
type Input struct {
	Resource ResourceInput `json:"resource"`
	Plan     PlanInput     `json:"plan"`
	Context  ContextInput  `json:"context"`
}

// ResourceInput describes the declared resource.
type ResourceInput struct {
	Kind     string                 `json:"kind"`
	Identity string                 `json:"identity"`
	State    string                 `json:"state"`
	Fields   map[string]interface{} `json:"fields"`
}

// PlanInput describes the action about to be executed.
type PlanInput struct {
	Action  string             `json:"action"`
	ID      string             `json:"id,omitempty"`
	Changes []engine.FieldDiff `json:"changes,omitempty"`
}

// ContextInput carries run-level information.
type ContextInput struct {
	Mode      string                 `json:"mode"`
	Metadata  map[string]interface{} `json:"metadata"`
	Timestamp time.Time              `json:"timestamp"`
}

// NewInput builds the policy input for a guard check.
func NewInput(in engine.GuardInput) Input {
	metadata := in.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	fields := in.Fields
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return Input{
		Resource: ResourceInput{
			Kind:     string(in.Kind),
			Identity: in.Identity,
			State:    string(in.State),
			Fields:   fields,
		},
		Plan: PlanInput{
			Action:  string(in.Action),
			ID:      in.ID,
			Changes: in.Changes,
		},
		Context: ContextInput{
			Mode:      string(in.Mode),
			Metadata:  metadata,
			Timestamp: time.Now().UTC(),
		},
	}
}

// DeniedError is returned by Engine.Check when a blocking violation exists.
type DeniedError struct {
	Resource   string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("%s denied by policy (%s)", e.Resource, strings.Join(msgs, "; "))
}
