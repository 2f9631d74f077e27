package stores

import (
	"errors"
	"time"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/engine"
)

// ErrNotFound is returned when a run does not exist in the journal.
var ErrNotFound = errors.New("not found")

// Run is the journal row of a finished run.
type Run struct {
	ID        string            `json:"id"`
	Mode      engine.Mode       `json:"mode"`
	Status    engine.RunStatus  `json:"status"`
	Changed   bool              `json:"changed"`
	Failed    bool              `json:"failed"`
	Cancelled bool              `json:"cancelled,omitempty"`
	Summary   engine.RunSummary `json:"summary"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
}

// OutcomeRecord is the journal row of one resource outcome.
type OutcomeRecord struct {
	RunID        string           `json:"run_id"`
	Seq          int              `json:"seq"`
	Kind         catalog.Kind     `json:"kind"`
	Name         string           `json:"name,omitempty"`
	Identity     string           `json:"identity"`
	State        engine.State     `json:"state"`
	Action       engine.Action    `json:"action"`
	Changed      bool             `json:"changed"`
	Skipped      bool             `json:"skipped,omitempty"`
	ErrorKind    engine.ErrorKind `json:"error_kind,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	Attempts     int              `json:"attempts"`
	Duration     time.Duration    `json:"duration"`

	// Outcome is the full outcome as reported by the engine.
	Outcome engine.Outcome `json:"outcome"`
}

// Failed returns true if the resource failed.
func (o *OutcomeRecord) Failed() bool {
	return o.ErrorKind != ""
}

// ListOptions filters and pages ListRuns. Runs come newest first.
type ListOptions struct {
	// Status keeps only runs with this status when set.
	Status engine.RunStatus

	// Since keeps only runs started at or after this time when set.
	Since time.Time

	Limit  int
	Offset int
}

// OutcomeFilter narrows ListOutcomes.
type OutcomeFilter struct {
	// RunID keeps the outcomes of one run when set.
	RunID string

	Kind     catalog.Kind
	Identity string

	// FailedOnly keeps only failed resources.
	FailedOnly bool

	Limit int
}

const defaultListLimit = 50
