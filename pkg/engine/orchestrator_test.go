package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/rpc"
	"github.com/openfroyo/ccrecon/pkg/simulator"
)

// fixtures declares one resource of every built-in kind.
func fixtures(state State) []Declaration {
	return []Declaration{
		{Kind: "site", State: state, Fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area"}},
		{Kind: "tag", State: state, Fields: map[string]interface{}{"name": "core", "description": "Core"}},
		{Kind: "global-pool", State: state, Fields: map[string]interface{}{"ipPoolName": "mgmt", "ipPoolCidr": "10.0.0.0/24", "gateway": "10.0.0.1"}},
		{Kind: "wireless-ssid", State: state, Fields: map[string]interface{}{"name": "corp", "securityLevel": "wpa2_personal", "passphrase": "s3cret"}},
		{Kind: "wireless-profile", State: state, Fields: map[string]interface{}{"name": "campus", "sites": []interface{}{"HQ"}}},
		{Kind: "pnp-device", State: state, Fields: map[string]interface{}{"serialNumber": "FOC123", "pid": "C9300-24T"}},
		{Kind: "template-project", State: state, Fields: map[string]interface{}{"name": "proj"}},
	}
}

func testOrchestrator(sim *simulator.Controller, opts ...Option) *Orchestrator {
	opts = append([]Option{WithTrackerConfig(TrackerConfig{InitialInterval: time.Millisecond})}, opts...)
	return NewOrchestrator(sim, catalog.MustBuiltin(), opts...)
}

func testConfig(mode Mode) RunConfig {
	cfg := DefaultRunConfig()
	cfg.Mode = mode
	cfg.RetryDelay = 0
	return cfg
}

func mustRun(t *testing.T, o *Orchestrator, decls []Declaration, cfg RunConfig) *RunReport {
	t.Helper()
	report, err := o.Run(context.Background(), decls, cfg)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return report
}

// mutationOrder returns the functions of the mutating calls in call order.
func mutationOrder(sim *simulator.Controller) []string {
	var fns []string
	for _, c := range sim.Calls() {
		if c.Mutates {
			fns = append(fns, c.Function)
		}
	}
	return fns
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

func TestOrchestrator_Idempotence(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	o := testOrchestrator(sim)

	first := mustRun(t, o, fixtures(StatePresent), testConfig(ModeMerged))
	if first.Failed || first.Status != RunStatusSucceeded {
		for _, r := range first.Results {
			if r.Error != nil {
				t.Logf("%s: %v", r.Identity, r.Error)
			}
		}
		t.Fatalf("Expected first run to succeed, got %s", first.Status)
	}
	for _, r := range first.Results {
		if !r.Changed || r.Action != ActionCreate {
			t.Errorf("Expected %s to be created, got %s changed=%v", r.Identity, r.Action, r.Changed)
		}
	}

	sim.ResetCalls()
	second := mustRun(t, o, fixtures(StatePresent), testConfig(ModeMerged))
	if second.Changed {
		for _, r := range second.Results {
			if r.Changed {
				t.Errorf("Expected %s to be unchanged, got %s: %v", r.Identity, r.Action, r.Changes)
			}
		}
	}
	if sim.MutatingCalls() != 0 {
		t.Errorf("Expected no mutating calls on re-apply, got %v", mutationOrder(sim))
	}

	third := mustRun(t, o, fixtures(StateAbsent), testConfig(ModeMerged))
	if third.Failed || third.Summary.Changed != len(fixtures(StateAbsent)) {
		t.Fatalf("Expected every object deleted, got %+v", third.Summary)
	}

	sim.ResetCalls()
	fourth := mustRun(t, o, fixtures(StateAbsent), testConfig(ModeMerged))
	if fourth.Changed || fourth.Failed {
		t.Errorf("Expected repeated delete to be a no-op, got %+v", fourth.Summary)
	}
	for _, r := range fourth.Results {
		if r.Action != ActionAlreadyAbsent {
			t.Errorf("Expected %s already_absent, got %s", r.Identity, r.Action)
		}
	}
	if sim.MutatingCalls() != 0 {
		t.Errorf("Expected no mutating calls, got %v", mutationOrder(sim))
	}
}

func TestOrchestrator_CheckModeIsPure(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	seed(t, sim, "tag", map[string]interface{}{"id": "T-1", "name": "core", "description": "Core", "systemTag": false})

	report := mustRun(t, testOrchestrator(sim), fixtures(StatePresent), testConfig(ModeCheck))

	if sim.MutatingCalls() != 0 {
		t.Fatalf("Expected no mutating calls in check mode, got %v", mutationOrder(sim))
	}
	for _, r := range report.Results {
		if r.Kind == "tag" {
			if r.Changed || r.Action != ActionAlreadyPresent {
				t.Errorf("Expected existing tag unchanged, got %s", r.Action)
			}
			continue
		}
		if !r.Changed || r.Action != ActionCreate {
			t.Errorf("Expected %s to report a create, got %s", r.Identity, r.Action)
		}
	}
}

func TestOrchestrator_DependencyOrder(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	o := testOrchestrator(sim)

	// dependents declared first
	decls := []Declaration{
		{Kind: "pnp-device", Fields: map[string]interface{}{"serialNumber": "FOC123", "pid": "C9300-24T", "siteName": "HQ"}},
		{Kind: "wireless-profile", Fields: map[string]interface{}{"name": "campus", "sites": []interface{}{"HQ"}}},
		{Kind: "site", Fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area"}},
	}
	mustRun(t, o, decls, testConfig(ModeMerged))

	order := mutationOrder(sim)
	site := indexOf(order, "create_site")
	if site < 0 || indexOf(order, "add_device") < site || indexOf(order, "create_wireless_profile") < site {
		t.Fatalf("Expected site to be created first, got %v", order)
	}

	sim.ResetCalls()
	mustRun(t, o, decls, testConfig(ModeDeleted))

	order = mutationOrder(sim)
	site = indexOf(order, "delete_site")
	if site < 0 || indexOf(order, "delete_device_by_id_from_pnp") > site || indexOf(order, "delete_wireless_profile") > site {
		t.Fatalf("Expected site to be deleted last, got %v", order)
	}
}

func TestOrchestrator_ResultsKeepInputOrder(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	decls := []Declaration{
		{Kind: "pnp-device", Name: "switch-1", Fields: map[string]interface{}{"serialNumber": "FOC123", "pid": "C9300-24T"}},
		{Kind: "site", Fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area"}},
	}

	report := mustRun(t, testOrchestrator(sim), decls, testConfig(ModeMerged))

	if report.Results[0].Name != "switch-1" || report.Results[1].Identity != "site/HQ" {
		t.Errorf("Expected results in declaration order, got %s, %s", report.Results[0].Name, report.Results[1].Identity)
	}
}

func TestOrchestrator_FailurePolicy(t *testing.T) {
	decls := []Declaration{
		{Kind: "site", Fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area"}},
		{Kind: "tag", Fields: map[string]interface{}{"name": "core"}},
	}

	tests := []struct {
		name        string
		policy      FailurePolicy
		wantTag     Action
		wantSkipped bool
		wantStatus  RunStatus
	}{
		{"auto stops on present", FailurePolicyAuto, ActionNone, true, RunStatusFailed},
		{"fail-fast", FailurePolicyFailFast, ActionNone, true, RunStatusFailed},
		{"continue-on-error", FailurePolicyContinue, ActionCreate, false, RunStatusPartial},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := simulator.New(catalog.MustBuiltin())
			sim.Inject(simulator.Fault{Family: "sites", Function: "create_site", Kind: rpc.KindValidation, Detail: "parent not found"})

			cfg := testConfig(ModeMerged)
			cfg.OnError = tt.policy
			report := mustRun(t, testOrchestrator(sim), decls, cfg)

			site, tag := report.Results[0], report.Results[1]
			if site.Error == nil || site.Error.Kind != KindValidation || site.Error.Detail != "parent not found" {
				t.Fatalf("Expected site validation failure, got %+v", site.Error)
			}
			if tag.Action != tt.wantTag || tag.Skipped != tt.wantSkipped {
				t.Errorf("Expected tag %s skipped=%v, got %s skipped=%v", tt.wantTag, tt.wantSkipped, tag.Action, tag.Skipped)
			}
			if tag.Skipped && tag.Error != nil {
				t.Errorf("Expected a policy skip to carry no error, got %v", tag.Error)
			}
			if report.Status != tt.wantStatus {
				t.Errorf("Expected status %s, got %s", tt.wantStatus, report.Status)
			}
		})
	}
}

func TestOrchestrator_AutoContinuesOnDeletes(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	seed(t, sim, "tag", map[string]interface{}{"id": "T-1", "name": "a"})
	seed(t, sim, "tag", map[string]interface{}{"id": "T-2", "name": "b"})
	sim.Inject(simulator.Fault{Family: "tag", Function: "delete_tag", Kind: rpc.KindServerFault})

	decls := []Declaration{
		{Kind: "tag", Fields: map[string]interface{}{"name": "a"}},
		{Kind: "tag", Fields: map[string]interface{}{"name": "b"}},
	}
	report := mustRun(t, testOrchestrator(sim), decls, testConfig(ModeDeleted))

	if !report.Results[0].Failed() {
		t.Fatal("Expected first delete to fail")
	}
	if report.Results[1].Action != ActionDelete || !report.Results[1].Changed {
		t.Errorf("Expected second delete to run, got %+v", report.Results[1])
	}
}

func TestOrchestrator_DependencyFailedSkipsDependents(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	sim.Inject(simulator.Fault{Family: "sites", Function: "create_site", Kind: rpc.KindServerFault})

	decls := []Declaration{
		{Kind: "site", Fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area"}},
		{Kind: "pnp-device", Fields: map[string]interface{}{"serialNumber": "FOC123", "pid": "C9300-24T"}},
		{Kind: "tag", Fields: map[string]interface{}{"name": "core"}},
	}
	cfg := testConfig(ModeMerged)
	cfg.OnError = FailurePolicyContinue
	report := mustRun(t, testOrchestrator(sim), decls, cfg)

	pnp := report.Results[1]
	if !pnp.Skipped || pnp.Error == nil || pnp.Error.Kind != KindDependencyFailed {
		t.Errorf("Expected pnp-device skipped with dependency_failed, got %+v", pnp)
	}
	if len(sim.CallsTo("add_device")) != 0 {
		t.Error("Expected no attempt on the dependent")
	}
	if report.Results[2].Action != ActionCreate {
		t.Errorf("Expected unrelated tag to be created, got %s", report.Results[2].Action)
	}
	if report.Summary.Skipped != 1 || report.Summary.Failed != 1 || report.Summary.Changed != 1 {
		t.Errorf("Unexpected summary: %+v", report.Summary)
	}
}

func TestOrchestrator_RetriesTransportFailures(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	sim.Inject(simulator.Fault{Family: "tag", Function: "get_tag", Kind: rpc.KindTransport, Detail: "connection reset"})

	decls := []Declaration{{Kind: "tag", Fields: map[string]interface{}{"name": "core"}}}
	report := mustRun(t, testOrchestrator(sim), decls, testConfig(ModeMerged))

	out := report.Results[0]
	if out.Error != nil || out.Action != ActionCreate {
		t.Fatalf("Expected create after retry, got %+v", out)
	}
	if out.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", out.Attempts)
	}
}

func TestOrchestrator_RetriesAreBounded(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	sim.Inject(simulator.Fault{Family: "tag", Function: "get_tag", Kind: rpc.KindTransport, Times: 10})

	decls := []Declaration{{Kind: "tag", Fields: map[string]interface{}{"name": "core"}}}
	cfg := testConfig(ModeMerged)
	cfg.RetryAttempts = 1
	report := mustRun(t, testOrchestrator(sim), decls, cfg)

	out := report.Results[0]
	if out.Error == nil || out.Error.Kind != KindTransport {
		t.Fatalf("Expected transport failure, got %+v", out.Error)
	}
	if out.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", out.Attempts)
	}
}

func TestOrchestrator_Cancelled(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := testOrchestrator(sim).Run(ctx, fixtures(StatePresent), testConfig(ModeMerged))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.Cancelled || report.Status != RunStatusCancelled {
		t.Errorf("Expected a cancelled run, got %s", report.Status)
	}
	for _, r := range report.Results {
		if !r.Skipped || r.Error == nil || r.Error.Kind != KindCancelled {
			t.Errorf("Expected %s skipped as cancelled, got %+v", r.Identity, r)
		}
	}
	if len(sim.Calls()) != 0 {
		t.Errorf("Expected no controller calls, got %d", len(sim.Calls()))
	}
}

func TestOrchestrator_CancelledMidRun(t *testing.T) {
	cat := catalog.MustBuiltin()
	sim := simulator.New(cat)
	ctx, cancel := context.WithCancel(context.Background())

	client := rpc.ClientFunc(func(c context.Context, family, function string, params rpc.Params, mutates bool) (*rpc.Result, error) {
		res, err := sim.Invoke(c, family, function, params, mutates)
		if function == "create_site" {
			cancel()
		}
		return res, err
	})

	decls := []Declaration{
		{Kind: "site", Fields: map[string]interface{}{"name": "HQ", "parentName": "Global", "type": "area"}},
		{Kind: "pnp-device", Fields: map[string]interface{}{"serialNumber": "FOC123", "pid": "C9300-24T"}},
	}
	o := NewOrchestrator(client, cat, WithTrackerConfig(TrackerConfig{InitialInterval: time.Millisecond}))
	report, err := o.Run(ctx, decls, testConfig(ModeMerged))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(sim.Objects("site")) != 1 {
		t.Error("Expected the started create to reach the controller")
	}
	if !report.Cancelled {
		t.Error("Expected the run to be marked cancelled")
	}
	if !report.Results[1].Skipped {
		t.Errorf("Expected pnp-device to be skipped, got %+v", report.Results[1])
	}
	if len(sim.CallsTo("add_device")) != 0 {
		t.Error("Expected no new mutation after cancellation")
	}
}

func TestOrchestrator_SchemaInvalid(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	decls := []Declaration{
		{Kind: "site", Fields: map[string]interface{}{"name": "HQ", "type": "area", "color": "red"}},
		{Kind: "router", Fields: map[string]interface{}{"name": "r1"}},
		{Kind: "tag", State: StateAbsent, Fields: map[string]interface{}{"description": "no identity"}},
		{Kind: "tag", Fields: map[string]interface{}{"name": "core"}},
	}
	cfg := testConfig(ModeMerged)
	cfg.OnError = FailurePolicyContinue
	report := mustRun(t, testOrchestrator(sim), decls, cfg)

	for i := 0; i < 3; i++ {
		r := report.Results[i]
		if r.Error == nil || r.Error.Kind != KindSchemaInvalid {
			t.Errorf("Expected declaration %d to be schema_invalid, got %+v", i, r.Error)
		}
	}
	problems, _ := report.Results[0].Error.Details["problems"].([]string)
	if len(problems) != 2 {
		t.Errorf("Expected two problems (color, parentName), got %v", problems)
	}
	if report.Results[3].Action != ActionCreate {
		t.Errorf("Expected the valid tag to be created, got %s", report.Results[3].Action)
	}
	if report.Status != RunStatusPartial {
		t.Errorf("Expected partial, got %s", report.Status)
	}
}

func TestOrchestrator_InvalidConfig(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	cfg := testConfig(Mode("replace"))

	if _, err := testOrchestrator(sim).Run(context.Background(), nil, cfg); err == nil {
		t.Fatal("Expected error for unknown mode")
	}
}

func TestOrchestrator_QueryMode(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	seed(t, sim, "tag", map[string]interface{}{"id": "T-1", "name": "core"})

	decls := []Declaration{
		{Kind: "tag", State: StatePresent, Fields: map[string]interface{}{"name": "core"}},
		{Kind: "tag", State: StateAbsent, Fields: map[string]interface{}{"name": "edge"}},
	}
	report := mustRun(t, testOrchestrator(sim), decls, testConfig(ModeQuery))

	if report.Results[0].Action != ActionQuery || report.Results[0].Response == nil {
		t.Errorf("Expected query with response, got %+v", report.Results[0])
	}
	if report.Results[1].Action != ActionQuery || report.Results[1].Response != nil {
		t.Errorf("Expected empty query, got %+v", report.Results[1])
	}
	if sim.MutatingCalls() != 0 {
		t.Error("Expected query mode to be read-only")
	}
}

type memoryRecorder struct {
	mu      sync.Mutex
	reports []*RunReport
}

func (m *memoryRecorder) RecordRun(ctx context.Context, report *RunReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.reports = append(m.reports, report)
	return nil
}

func TestOrchestrator_RecordsRuns(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	rec := &memoryRecorder{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := testConfig(ModeMerged)
	cfg.RunID = "run-1"
	if _, err := testOrchestrator(sim, WithRecorder(rec)).Run(ctx, fixtures(StatePresent), cfg); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(rec.reports) != 1 || rec.reports[0].RunID != "run-1" {
		t.Fatalf("Expected the cancelled run to be recorded, got %v", rec.reports)
	}
}

func TestOrchestrator_GuardSeesMetadata(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	seed(t, sim, "site", map[string]interface{}{"id": "S-1", "name": "HQ"})

	guard := PlanGuardFunc(func(ctx context.Context, in GuardInput) error {
		if in.Action == ActionDelete && in.Metadata["allow_delete"] != true {
			return NewError(KindPolicyDenied, "delete not allowed", nil)
		}
		return nil
	})
	decls := []Declaration{{Kind: "site", Fields: map[string]interface{}{"name": "HQ"}}}
	o := testOrchestrator(sim, WithGuard(guard))

	report := mustRun(t, o, decls, testConfig(ModeDeleted))
	if report.Results[0].Error == nil || report.Results[0].Error.Kind != KindPolicyDenied {
		t.Fatalf("Expected policy_denied, got %+v", report.Results[0])
	}

	cfg := testConfig(ModeDeleted)
	cfg.Metadata = map[string]interface{}{"allow_delete": true}
	report = mustRun(t, o, decls, cfg)
	if report.Results[0].Action != ActionDelete {
		t.Errorf("Expected delete with allow_delete, got %+v", report.Results[0])
	}
}

func TestOrchestrator_PrefetchesDistinctIdentities(t *testing.T) {
	sim := simulator.New(catalog.MustBuiltin())
	var decls []Declaration
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		decls = append(decls, Declaration{Kind: "tag", Fields: map[string]interface{}{"name": name}})
	}
	// same identity twice: the second must see the first's create
	decls = append(decls, Declaration{Kind: "tag", Fields: map[string]interface{}{"name": "a"}})

	report := mustRun(t, testOrchestrator(sim), decls, testConfig(ModeMerged))

	if report.Failed {
		t.Fatalf("Expected success, got %+v", report.Summary)
	}
	if report.Results[5].Action != ActionAlreadyPresent {
		t.Errorf("Expected duplicate declaration to be already_present, got %s", report.Results[5].Action)
	}
	if n := len(sim.CallsTo("create_tag")); n != 5 {
		t.Errorf("Expected 5 creates, got %d", n)
	}
}

func TestOrchestrator_Graph(t *testing.T) {
	o := testOrchestrator(simulator.New(catalog.MustBuiltin()))

	dot, err := o.Graph(fixtures(StatePresent), ModeMerged)
	if err != nil {
		t.Fatalf("Graph failed: %v", err)
	}
	if !strings.Contains(dot, "digraph ExecutionGraph") || !strings.Contains(dot, "site/HQ") {
		t.Errorf("Expected a DOT graph naming site/HQ, got:\n%s", dot)
	}
}
