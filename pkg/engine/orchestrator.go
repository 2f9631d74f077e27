package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/rpc"
	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// RunConfig is the invoker's configuration of one run.
type RunConfig struct {
	Mode    Mode          `json:"mode" yaml:"mode"`
	OnError FailurePolicy `json:"onError" yaml:"onError"`

	// TaskDeadline bounds each wait for an asynchronous task.
	TaskDeadline time.Duration `json:"taskDeadline" yaml:"taskDeadline"`

	// ReadFanout bounds concurrent identity reads within a level.
	ReadFanout int `json:"readFanout" yaml:"readFanout"`

	// Verify re-reads every mutated object.
	Verify bool `json:"verify" yaml:"verify"`

	// RetryAttempts is the number of whole-resource retries for transport
	// and conflict failures.
	RetryAttempts int           `json:"retryAttempts" yaml:"retryAttempts"`
	RetryDelay    time.Duration `json:"retryDelay" yaml:"retryDelay"`

	// RunID is generated when empty.
	RunID string `json:"runId,omitempty" yaml:"runId,omitempty"`

	// Metadata is handed to the plan guard, e.g. allow_delete.
	Metadata map[string]interface{} `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DefaultRunConfig returns a merged run with 2 retries 2s apart, a fan-out
// of 4 and a 15 minute task deadline.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Mode:          ModeMerged,
		OnError:       FailurePolicyAuto,
		TaskDeadline:  DefaultTrackerConfig().Deadline,
		ReadFanout:    4,
		RetryAttempts: 2,
		RetryDelay:    2 * time.Second,
	}
}

func (c RunConfig) withDefaults() RunConfig {
	if c.Mode == "" {
		c.Mode = ModeMerged
	}
	if c.OnError == "" {
		c.OnError = FailurePolicyAuto
	}
	if c.ReadFanout <= 0 {
		c.ReadFanout = 4
	}
	return c
}

// Validate checks the run configuration.
func (c RunConfig) Validate() error {
	if err := c.Mode.Validate(); err != nil {
		return err
	}
	if err := c.OnError.Validate(); err != nil {
		return err
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("retry attempts must not be negative")
	}
	if c.RetryDelay < 0 || c.TaskDeadline < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}

// Orchestrator drives a list of declarations to their desired states.
type Orchestrator struct {
	client        rpc.Client
	catalog       Catalog
	guard         PlanGuard
	recorder      RunRecorder
	tracker       TaskTracker
	trackerConfig TrackerConfig
	metrics       *telemetry.Metrics
	tracer        *telemetry.Tracer
	logger        *telemetry.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithGuard vets every mutating plan.
func WithGuard(g PlanGuard) Option {
	return func(o *Orchestrator) { o.guard = g }
}

// WithRecorder persists every finished run.
func WithRecorder(r RunRecorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithTracker replaces the polling task tracker.
func WithTracker(t TaskTracker) Option {
	return func(o *Orchestrator) { o.tracker = t }
}

// WithTrackerConfig sets the polling cadence of the default tracker. The
// run's TaskDeadline takes precedence over cfg.Deadline.
func WithTrackerConfig(cfg TrackerConfig) Option {
	return func(o *Orchestrator) { o.trackerConfig = cfg }
}

// WithTelemetry sets metrics, tracer and logger.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer, l *telemetry.Logger) Option {
	return func(o *Orchestrator) {
		o.metrics, o.tracer, o.logger = m, t, l
	}
}

// NewOrchestrator creates an orchestrator over client and cat.
func NewOrchestrator(client rpc.Client, cat Catalog, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:        client,
		catalog:       cat,
		trackerConfig: DefaultTrackerConfig(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.NewComponentLogger("orchestrator")
	return o
}

// Ingest validates declarations against the catalog under mode. The result
// slices are aligned with decls; exactly one of specs[i] and errs[i] is set.
func (o *Orchestrator) Ingest(decls []Declaration, mode Mode) ([]*DesiredSpec, []error) {
	specs := make([]*DesiredSpec, len(decls))
	errs := make([]error, len(decls))
	for i := range decls {
		specs[i], errs[i] = o.ingest(i, &decls[i], mode)
	}
	return specs, errs
}

func (o *Orchestrator) ingest(i int, d *Declaration, mode Mode) (*DesiredSpec, error) {
	invalid := func(msg string, err error) *EngineError {
		return NewError(KindSchemaInvalid, msg, err).
			WithCode(ErrCodeValidation).
			WithResource(fmt.Sprintf("%s/#%d", d.Kind, i)).
			WithOperation("validate")
	}

	entry, err := o.catalog.Lookup(d.Kind)
	if err != nil {
		return nil, invalid("unknown kind", err)
	}

	if d.State != "" {
		if err := d.State.Validate(); err != nil {
			return nil, invalid("invalid state", err)
		}
	}
	state := mode.Effective(d.State)

	fields, err := entry.Validate(d.Fields, string(state))
	if err != nil {
		e := invalid("declaration does not match the catalog schema", err)
		var ve *catalog.ValidationError
		if errors.As(err, &ve) {
			e.WithDetail("problems", ve.Problems)
		}
		return nil, e
	}

	spec := &DesiredSpec{
		Kind:             d.Kind,
		Label:            d.Name,
		State:            state,
		Fields:           fields,
		CompareSensitive: d.CompareSensitive,
		Index:            i,
	}

	if state != StatePresent {
		_, hasID := spec.GetString(entry.IDField)
		_, hasName := spec.GetString(entry.NameField)
		if !hasID && !hasName {
			return nil, invalid(fmt.Sprintf("state %s needs %s or %s", state, entry.IDField, entry.NameField), nil)
		}
	}
	return spec, nil
}

// Graph returns the dependency graph of the valid declarations in DOT format.
func (o *Orchestrator) Graph(decls []Declaration, mode Mode) (string, error) {
	specs, _ := o.Ingest(decls, mode)
	var valid []*DesiredSpec
	for _, s := range specs {
		if s != nil {
			valid = append(valid, s)
		}
	}
	b := NewDAGBuilder(o.catalog)
	if _, err := b.BuildGraph(valid); err != nil {
		return "", err
	}
	return b.ToDOT(), nil
}

// Run reconciles decls and returns the run report. Errors reconciling a
// resource are reported in its outcome; Run itself only fails on an invalid
// configuration.
func (o *Orchestrator) Run(ctx context.Context, decls []Declaration, cfg RunConfig) (*RunReport, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, NewError(KindValidation, "invalid run configuration", err).WithCode(ErrCodeValidation)
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	r := &run{
		o:      o,
		cfg:    cfg,
		log:    o.logger.WithRunID(cfg.RunID),
		report: &RunReport{RunID: cfg.RunID, Mode: cfg.Mode, StartedAt: time.Now(), Results: make([]Outcome, len(decls))},
	}

	ctx, span := o.tracer.StartRunSpan(ctx, cfg.RunID, string(cfg.Mode))
	defer span.End()
	o.metrics.RecordRunStarted(string(cfg.Mode))
	r.log.Infof("starting %s run over %d declaration(s)", cfg.Mode, len(decls))

	r.execute(ctx, decls)

	report := r.report
	report.Finalize()
	o.metrics.RecordRunCompleted(string(cfg.Mode), string(report.Status), report.Duration)
	if report.Failed {
		telemetry.RecordError(span, fmt.Errorf("%d resource(s) failed", report.Summary.Failed))
	} else {
		telemetry.RecordSuccess(span)
	}
	r.log.Infof("run %s: %d changed, %d unchanged, %d failed, %d skipped",
		report.Status, report.Summary.Changed, report.Summary.Unchanged, report.Summary.Failed, report.Summary.Skipped)

	if o.recorder != nil {
		// the journal must outlive a cancelled run
		if err := o.recorder.RecordRun(context.WithoutCancel(ctx), report); err != nil {
			r.log.WithError(err).Warn("failed to record run")
		}
	}
	return report, nil
}

// run is the mutable state of one Run call.
type run struct {
	o      *Orchestrator
	cfg    RunConfig
	log    *telemetry.Logger
	report *RunReport
	rec    *Reconciler

	// failed marks graph nodes whose dependents must be skipped
	failed  []bool
	stopped bool
}

func (r *run) execute(ctx context.Context, decls []Declaration) {
	o := r.o
	specs, errs := o.Ingest(decls, r.cfg.Mode)

	var valid []*DesiredSpec
	for i, err := range errs {
		if err != nil {
			r.report.Results[i] = r.failedOutcome(&decls[i], i, r.cfg.Mode.Effective(decls[i].State), err)
			o.metrics.RecordError(string(KindOf(err)))
			continue
		}
		valid = append(valid, specs[i])
	}
	if len(valid) == 0 {
		return
	}

	graph, err := NewDAGBuilder(o.catalog).BuildGraph(valid)
	if err != nil {
		for _, s := range valid {
			r.report.Results[s.Index] = r.failedOutcome(&decls[s.Index], s.Index, s.State, err)
		}
		return
	}

	tracker := o.tracker
	if tracker == nil {
		tc := o.trackerConfig
		if r.cfg.TaskDeadline > 0 {
			tc.Deadline = r.cfg.TaskDeadline
		}
		tracker = NewPollingTracker(o.client, tc, o.metrics, o.tracer, r.log)
	}
	recOpts := []ReconcilerOption{WithReconcilerTelemetry(o.metrics, o.tracer, r.log)}
	if o.guard != nil {
		recOpts = append(recOpts, WithPlanGuard(o.guard))
	}
	r.rec = NewReconciler(o.client, tracker, recOpts...)
	r.failed = make([]bool, len(valid))

	for _, level := range graph.Levels {
		var runnable []int
		for _, id := range level {
			node := graph.Nodes[id]
			if reason := r.skipReason(ctx, node); reason != nil {
				r.skip(node.Spec, id, reason)
				continue
			}
			runnable = append(runnable, id)
		}

		prepared := r.prefetch(ctx, graph, runnable)

		for _, id := range runnable {
			spec := graph.Nodes[id].Spec
			if ctx.Err() != nil {
				r.skip(spec, id, r.cancelled(ctx))
				continue
			}
			if r.stopped {
				r.skip(spec, id, errStopped)
				continue
			}
			out := r.reconcile(ctx, spec, prepared[id])
			r.report.Results[spec.Index] = out
			if out.Failed() {
				r.failed[id] = true
				if KindOf(out.Error) == KindCancelled {
					r.report.Cancelled = true
				}
				if r.cfg.OnError.StopsOn(spec.State) {
					r.stopped = true
				}
			}
		}
	}
}

// skipReason decides whether a node must be skipped before it is attempted.
func (r *run) skipReason(ctx context.Context, node *GraphNode) error {
	if ctx.Err() != nil {
		return r.cancelled(ctx)
	}
	if r.stopped {
		return errStopped
	}
	for _, dep := range node.Dependencies {
		if r.failed[dep] {
			return NewError(KindDependencyFailed, "a prerequisite did not reconcile", nil).
				WithCode(ErrCodeDependencyFailed)
		}
	}
	return nil
}

var errStopped = errors.New("run stopped after an earlier failure")

func (r *run) cancelled(ctx context.Context) error {
	r.report.Cancelled = true
	return NewError(KindCancelled, "run cancelled", ctx.Err()).WithCode(ErrCodeCancelled)
}

// skip records an outcome for a resource that was never attempted. Skips
// caused by the failure policy carry no error. Dependents of a skipped node
// are skipped as well.
func (r *run) skip(spec *DesiredSpec, id int, reason error) {
	entry, _ := r.o.catalog.Lookup(spec.Kind)
	out := Outcome{
		Kind:     spec.Kind,
		Name:     spec.Label,
		Identity: spec.Identity(entry),
		State:    spec.State,
		Action:   ActionNone,
		Skipped:  true,
	}
	if out.Name == "" {
		out.Name = out.Identity
	}
	if reason != errStopped {
		out.Error = FromRPC(reason, "skipped").WithResource(out.Identity)
	}
	r.failed[id] = true
	r.report.Results[spec.Index] = out
	r.o.metrics.RecordOutcome(string(spec.Kind), string(ActionNone), "skipped", 0)
}

// prefetch resolves identities of runnable nodes concurrently, bounded by the
// read fan-out. Nodes sharing an identity are left to resolve in order.
func (r *run) prefetch(ctx context.Context, graph *ExecutionGraph, runnable []int) map[int]*Prepared {
	prepared := make(map[int]*Prepared, len(runnable))
	if r.cfg.ReadFanout <= 1 || len(runnable) < 2 {
		return prepared
	}

	seen := make(map[string]int)
	for _, id := range runnable {
		spec := graph.Nodes[id].Spec
		entry, err := r.o.catalog.Lookup(spec.Kind)
		if err != nil {
			continue
		}
		seen[spec.Identity(entry)]++
	}

	type job struct {
		id    int
		entry *catalog.Entry
		spec  *DesiredSpec
	}
	var jobs []job
	for _, id := range runnable {
		spec := graph.Nodes[id].Spec
		entry, err := r.o.catalog.Lookup(spec.Kind)
		if err != nil || seen[spec.Identity(entry)] > 1 {
			continue
		}
		jobs = append(jobs, job{id: id, entry: entry, spec: spec})
	}

	results := make([]*Prepared, len(jobs))
	var g errgroup.Group
	g.SetLimit(r.cfg.ReadFanout)
	for i, j := range jobs {
		g.Go(func() error {
			results[i] = r.rec.Prepare(ctx, j.entry, j.spec)
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range jobs {
		prepared[j.id] = results[i]
	}
	return prepared
}

// reconcile runs one resource, retrying transport and conflict failures.
// Every retry resolves the identity again.
func (r *run) reconcile(ctx context.Context, spec *DesiredSpec, p *Prepared) Outcome {
	start := time.Now()
	entry, err := r.o.catalog.Lookup(spec.Kind)
	if err != nil {
		return r.failedOutcome(&Declaration{Kind: spec.Kind, Name: spec.Label}, spec.Index, spec.State, err)
	}

	opts := ReconcileOptions{Mode: r.cfg.Mode, Verify: r.cfg.Verify, Metadata: r.cfg.Metadata}

	var out Outcome
	for attempt := 1; ; attempt++ {
		if p == nil {
			p = r.rec.Prepare(ctx, entry, spec)
		}
		out = r.rec.Execute(ctx, entry, p, opts)
		out.Attempts = attempt
		p = nil

		if out.Error == nil || !IsRetryable(out.Error) || attempt > r.cfg.RetryAttempts {
			break
		}

		r.o.metrics.RecordResourceRetry(string(spec.Kind), string(out.Error.Kind))
		r.log.WithResource(string(spec.Kind), out.Identity).
			Warnf("attempt %d failed with %s, retrying in %s", attempt, out.Error.Kind, r.cfg.RetryDelay)

		if !r.sleep(ctx, r.cfg.RetryDelay) {
			r.report.Cancelled = true
			break
		}
	}

	out.Duration = time.Since(start)
	status := "ok"
	if out.Failed() {
		status = "failed"
		r.o.metrics.RecordError(string(out.Error.Kind))
	}
	r.o.metrics.RecordOutcome(string(spec.Kind), string(out.Action), status, out.Duration)
	return out
}

// sleep waits d and reports false if ctx ended first.
func (r *run) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (r *run) failedOutcome(d *Declaration, i int, state State, err error) Outcome {
	identity := fmt.Sprintf("%s/#%d", d.Kind, i)
	if entry, lerr := r.o.catalog.Lookup(d.Kind); lerr == nil {
		if v, ok := d.Fields[entry.NameField]; ok && v != nil {
			identity = fmt.Sprintf("%s/%v", d.Kind, v)
		} else if v, ok := d.Fields[entry.IDField]; ok && v != nil {
			identity = fmt.Sprintf("%s/%v", d.Kind, v)
		}
	}
	name := d.Name
	if name == "" {
		name = identity
	}
	e := FromRPC(err, "declaration rejected")
	return Outcome{
		Kind:     d.Kind,
		Name:     name,
		Identity: identity,
		State:    state,
		Action:   ActionNone,
		Error:    e,
	}
}
