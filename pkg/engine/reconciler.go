package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/rpc"
	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// Prepared is a run-local spec together with its identity resolution. The
// orchestrator may resolve ahead of execution; Err holds a failed resolution.
type Prepared struct {
	Spec       *DesiredSpec
	Resolution *Resolution
	Err        error
}

// ReconcileOptions are the run-level settings one reconciliation sees.
type ReconcileOptions struct {
	Mode Mode

	// Verify re-reads the object after a mutation and warns on residual drift.
	Verify bool

	// Metadata is passed to the plan guard.
	Metadata map[string]interface{}
}

// Reconciler executes the plan of one resource.
type Reconciler struct {
	resolver *IdentityResolver
	planner  *ActionPlanner
	diff     *DiffEngine
	invoker  *invoker
	tracker  TaskTracker
	guard    PlanGuard
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	logger   *telemetry.Logger
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithPlanGuard vets every mutating plan before it runs.
func WithPlanGuard(g PlanGuard) ReconcilerOption {
	return func(r *Reconciler) { r.guard = g }
}

// WithReconcilerTelemetry sets metrics, tracer and logger.
func WithReconcilerTelemetry(m *telemetry.Metrics, t *telemetry.Tracer, l *telemetry.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.metrics, r.tracer, r.logger = m, t, l
	}
}

// NewReconciler creates a reconciler that talks to the controller through
// client and waits for asynchronous operations with tracker.
func NewReconciler(client rpc.Client, tracker TaskTracker, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{tracker: tracker}
	for _, opt := range opts {
		opt(r)
	}
	log := r.logger.NewComponentLogger("reconciler")
	r.logger = log
	r.diff = NewDiffEngine()
	r.planner = NewActionPlanner(r.diff)
	r.resolver = NewIdentityResolver(client, log)
	r.invoker = &invoker{client: client, logger: log}
	return r
}

// Resolver returns the identity resolver used by r.
func (r *Reconciler) Resolver() *IdentityResolver {
	return r.resolver
}

// Prepare clones spec and resolves its identity.
func (r *Reconciler) Prepare(ctx context.Context, entry *catalog.Entry, spec *DesiredSpec) *Prepared {
	work := spec.Clone()
	res, err := r.resolver.Resolve(ctx, entry, work)
	return &Prepared{Spec: work, Resolution: res, Err: err}
}

// Reconcile resolves, plans and executes one resource.
func (r *Reconciler) Reconcile(ctx context.Context, entry *catalog.Entry, spec *DesiredSpec, opts ReconcileOptions) Outcome {
	return r.Execute(ctx, entry, r.Prepare(ctx, entry, spec), opts)
}

// Execute plans and executes a prepared resource. Every error is reported in
// the returned outcome.
func (r *Reconciler) Execute(ctx context.Context, entry *catalog.Entry, p *Prepared, opts ReconcileOptions) Outcome {
	spec := p.Spec
	out := Outcome{
		Kind:     spec.Kind,
		Name:     spec.Label,
		Identity: spec.Identity(entry),
		State:    spec.State,
		Action:   ActionNone,
	}
	if out.Name == "" {
		out.Name = out.Identity
	}

	ctx, span := r.tracer.StartResourceSpan(ctx, string(spec.Kind), out.Identity, string(spec.State))
	defer span.End()
	log := r.logger.WithResource(string(spec.Kind), out.Identity)

	fail := func(err error, op string) Outcome {
		e := FromRPC(err, fmt.Sprintf("%s failed", op))
		if e.Resource == "" {
			e.WithResource(out.Identity)
		}
		if e.Operation == "" {
			e.WithOperation(op)
		}
		out.Error = e
		out.Changed = false
		telemetry.RecordError(span, e)
		log.WithError(e).Warnf("%s failed", op)
		return out
	}

	if p.Err != nil {
		return fail(p.Err, "resolve")
	}

	plan, err := r.planner.Plan(entry, spec, p.Resolution)
	if err != nil {
		return fail(err, "plan")
	}
	out.Action = plan.Action
	out.Changes = plan.Changes
	out.Diff = plan.Diff
	if plan.Action == ActionUpdate || plan.Action == ActionPresentAndDifferent {
		r.metrics.RecordDriftDetection(string(spec.Kind))
	}

	switch plan.Action {
	case ActionQuery:
		if plan.Result != nil {
			out.Response = plan.Result
		}
		telemetry.RecordSuccess(span)
		return out

	case ActionAlreadyPresent, ActionAlreadyAbsent:
		telemetry.RecordSuccess(span)
		return out

	case ActionPresentAndDifferent:
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("%s differs in %d field(s) but %s objects cannot be updated", out.Identity, len(plan.Changes), spec.Kind))
		telemetry.RecordSuccess(span)
		return out
	}

	if opts.Mode == ModeCheck {
		out.Changed = true
		log.Infof("would %s", plan.Action)
		telemetry.RecordSuccess(span)
		return out
	}

	if r.guard != nil {
		in := GuardInput{
			Kind:     spec.Kind,
			Identity: out.Identity,
			State:    spec.State,
			Action:   plan.Action,
			ID:       plan.ID,
			Fields:   spec.Fields,
			Changes:  plan.Changes,
			Mode:     opts.Mode,
			Metadata: opts.Metadata,
		}
		if err := r.guard.Check(ctx, in); err != nil {
			if KindOf(err) == "" {
				e := NewError(KindPolicyDenied, fmt.Sprintf("%s denied by policy", plan.Action), err).WithCode(ErrCodePolicy)
				e.Detail = err.Error()
				err = e
			}
			return fail(err, string(plan.Action))
		}
	}

	body, err := r.mutate(ctx, entry, spec, plan)
	if err != nil {
		if plan.Action == ActionDelete && (rpc.IsNotFound(err) || KindOf(err) == KindNotFound) {
			out.Action = ActionAlreadyAbsent
			telemetry.RecordSuccess(span)
			return out
		}
		return fail(err, string(plan.Action))
	}
	out.Changed = true
	out.Response = body

	op, _ := entry.Operation(operationFor(plan.Action))
	if op.Async {
		handle, ok := ExtractHandle(body)
		if !ok {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s returned no task handle, completion not awaited", op.Function))
		} else if _, err := r.tracker.Wait(ctx, handle); err != nil {
			// the mutation was accepted, but its outcome is unknown or failed
			return fail(err, string(plan.Action))
		}
	}

	log.Infof("%s done", plan.Action)

	if opts.Verify {
		if w := r.verify(ctx, entry, spec, plan.Action); w != "" {
			out.Warnings = append(out.Warnings, w)
		}
	}

	telemetry.RecordSuccess(span)
	return out
}

// mutate issues the mutating RPC of plan. The call itself is not cancelled
// with ctx so that a started controller operation is never orphaned.
func (r *Reconciler) mutate(ctx context.Context, entry *catalog.Entry, spec *DesiredSpec, plan *Plan) (interface{}, error) {
	name := operationFor(plan.Action)
	op, ok := entry.Operation(name)
	if !ok {
		return nil, NewError(KindCatalog, fmt.Sprintf("kind %s does not support %s", entry.Kind, name), nil).
			WithCode(ErrCodeUnsupported)
	}

	if err := ctx.Err(); err != nil {
		return nil, FromRPC(err, "run cancelled before mutation")
	}

	var params rpc.Params
	switch plan.Action {
	case ActionCreate:
		params = payload(spec)

	case ActionUpdate:
		params = payload(spec)
		params[entry.IDField] = plan.ID
		params[paramOr(op.IDParam, entry.IDField)] = plan.ID

	case ActionDelete:
		if plan.ID == "" {
			return nil, NewError(KindInconsistentIdentity, "object has no id to delete", nil).
				WithCode(ErrCodeIdentityMismatch)
		}
		params = rpc.Params{paramOr(op.IDParam, entry.IDField): plan.ID}
	}

	res, err := r.invoker.call(context.WithoutCancel(ctx), op, params, true)
	if err != nil {
		return nil, err
	}
	return res.Body, nil
}

// payload is the full set of desired fields; nulls are left out.
func payload(spec *DesiredSpec) rpc.Params {
	params := make(rpc.Params, len(spec.Fields)+1)
	for k, v := range spec.Fields {
		if v != nil {
			params[k] = v
		}
	}
	return params
}

// verify re-reads the object and describes any residual drift.
func (r *Reconciler) verify(ctx context.Context, entry *catalog.Entry, spec *DesiredSpec, action Action) string {
	again := spec.Clone()
	res, err := r.resolver.Resolve(ctx, entry, again)
	if err != nil {
		return fmt.Sprintf("verification read failed: %v", err)
	}

	switch action {
	case ActionDelete:
		if res.Exists() {
			return "object still exists after delete"
		}
	default:
		if !res.Exists() {
			return "object not found after " + string(action)
		}
		if d := r.diff.Compare(entry, again, res.Observed); d.RequiresUpdate {
			return fmt.Sprintf("object still differs after %s in %d field(s)", action, len(d.Changes))
		}
	}
	return ""
}
