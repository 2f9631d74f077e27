package engine

import (
	"fmt"
	"time"

	"github.com/openfroyo/ccrecon/pkg/catalog"
)

// Declaration is one resource as written by the user, before validation.
type Declaration struct {
	// Kind is the catalog kind of the resource.
	Kind catalog.Kind `json:"kind" yaml:"kind" validate:"required"`

	// Name is an optional label for reports; defaults to the identity.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// State is the requested state; empty means the mode default.
	State State `json:"state,omitempty" yaml:"state,omitempty"`

	// Fields are the desired attribute values.
	Fields map[string]interface{} `json:"fields" yaml:"fields"`

	// CompareSensitive lets sensitive fields participate in drift detection.
	CompareSensitive bool `json:"compareSensitive,omitempty" yaml:"compareSensitive,omitempty"`
}

// DesiredSpec is a validated declaration. It is created once at ingest and
// read-only afterwards; reconciliation works on a Clone.
type DesiredSpec struct {
	Kind             catalog.Kind
	Label            string
	State            State
	Fields           map[string]interface{}
	CompareSensitive bool

	// Index is the position of the declaration in the input.
	Index int
}

// Clone returns a copy whose field map can be mutated independently.
func (d *DesiredSpec) Clone() *DesiredSpec {
	c := *d
	c.Fields = make(map[string]interface{}, len(d.Fields))
	for k, v := range d.Fields {
		c.Fields[k] = v
	}
	return &c
}

// Get returns a field value; unset and null fields report false.
func (d *DesiredSpec) Get(name string) (interface{}, bool) {
	v, ok := d.Fields[name]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// GetString returns a field as a non-empty string.
func (d *DesiredSpec) GetString(name string) (string, bool) {
	v, ok := d.Get(name)
	if !ok {
		return "", false
	}
	s := fmt.Sprint(v)
	return s, s != ""
}

// Identity renders the best-effort identity of the spec for reports.
func (d *DesiredSpec) Identity(entry *catalog.Entry) string {
	if name, ok := d.GetString(entry.NameField); ok {
		return fmt.Sprintf("%s/%s", d.Kind, name)
	}
	if id, ok := d.GetString(entry.IDField); ok {
		return fmt.Sprintf("%s/%s", d.Kind, id)
	}
	return fmt.Sprintf("%s/#%d", d.Kind, d.Index)
}

// Observed is the controller's representation of an object, normalized so
// that the canonical "id" key carries the authoritative id.
type Observed map[string]interface{}

// ID returns the canonical id.
func (o Observed) ID() string {
	if o == nil {
		return ""
	}
	if v, ok := o[CanonicalIDField]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// CanonicalIDField is the observed key holding the authoritative id.
const CanonicalIDField = "id"

// Plan is the single action chosen for one resource.
type Plan struct {
	Action Action `json:"action"`

	// ID is the authoritative id for update and delete.
	ID string `json:"id,omitempty"`

	// Old is the observed object for update, already_present and
	// present_and_different.
	Old Observed `json:"old,omitempty"`

	// Result is the observed object returned by a query.
	Result Observed `json:"result,omitempty"`

	// Changes lists the drifted fields for update and present_and_different.
	Changes []FieldDiff `json:"changes,omitempty"`

	// Diff is a rendered diff of observed against desired.
	Diff string `json:"diff,omitempty"`
}

// FieldDiff describes one drifted comparator.
type FieldDiff struct {
	Field    string      `json:"field"`
	Observed interface{} `json:"observed"`
	Desired  interface{} `json:"desired"`
}

// Outcome is the result record for one resource.
type Outcome struct {
	Kind     catalog.Kind `json:"kind"`
	Name     string       `json:"name"`
	Identity string       `json:"identity"`
	State    State        `json:"state"`
	Action   Action       `json:"action"`
	Changed  bool         `json:"changed"`

	// Skipped marks resources that were never attempted.
	Skipped bool `json:"skipped,omitempty"`

	// Response is the controller response of the mutating call or query.
	Response interface{} `json:"response,omitempty"`

	Error *EngineError `json:"error,omitempty"`

	Changes  []FieldDiff `json:"changes,omitempty"`
	Diff     string      `json:"diff,omitempty"`
	Warnings []string    `json:"warnings,omitempty"`

	Attempts int           `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// Failed returns true if the outcome carries an error.
func (o *Outcome) Failed() bool {
	return o.Error != nil
}

// RunSummary counts outcomes by result.
type RunSummary struct {
	Total     int `json:"total"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Warnings  int `json:"warnings"`
}

// RunReport aggregates the outcomes of one invocation.
type RunReport struct {
	RunID     string     `json:"runId"`
	Mode      Mode       `json:"mode"`
	Status    RunStatus  `json:"status"`
	Changed   bool       `json:"changed"`
	Failed    bool       `json:"failed"`
	Cancelled bool       `json:"cancelled,omitempty"`
	Results   []Outcome  `json:"results"`
	Summary   RunSummary `json:"summary"`

	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt time.Time     `json:"completedAt"`
	Duration    time.Duration `json:"duration"`
}

// Finalize computes the summary, flags and status from the results.
func (r *RunReport) Finalize() {
	s := RunSummary{Total: len(r.Results)}
	attempted := 0
	for i := range r.Results {
		o := &r.Results[i]
		if len(o.Warnings) > 0 {
			s.Warnings++
		}
		switch {
		case o.Skipped:
			s.Skipped++
		case o.Failed():
			s.Failed++
			attempted++
		case o.Changed:
			s.Changed++
			attempted++
		default:
			s.Unchanged++
			attempted++
		}
		if o.Failed() {
			r.Failed = true
		}
		if o.Changed {
			r.Changed = true
		}
	}
	r.Summary = s

	switch {
	case r.Cancelled:
		r.Status = RunStatusCancelled
	case !r.Failed:
		r.Status = RunStatusSucceeded
	case s.Failed == attempted:
		r.Status = RunStatusFailed
	default:
		r.Status = RunStatusPartial
	}

	if r.CompletedAt.IsZero() {
		r.CompletedAt = time.Now()
	}
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
}
