// Package simulator is an in-memory Catalyst Center that serves the
// operations of a resource catalog. It implements rpc.Client and is used by
// tests and by the --simulate flag of the CLI.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/rpc"
)

// Call is one recorded invocation.
type Call struct {
	Family   string
	Function string
	Params   rpc.Params
	Mutates  bool
}

// Fault makes the next Times calls to Family.Function fail with Kind.
type Fault struct {
	Family   string
	Function string
	Kind     rpc.ErrorKind
	Detail   string
	Times    int
}

type binding struct {
	entry *catalog.Entry
	name  catalog.OperationName
	op    catalog.Operation
}

type task struct {
	execution bool
	polls     int
	failure   string
}

// Controller holds the simulated objects of every kind.
type Controller struct {
	mu sync.Mutex

	bindings map[string][]binding
	entries  map[catalog.Kind]*catalog.Entry
	objects  map[catalog.Kind][]map[string]interface{}
	tasks    map[string]*task
	nextID   int

	calls   []Call
	faults  []*Fault
	failing map[string]string

	// pendingPolls is the number of IN_PROGRESS answers before a task ends;
	// negative means tasks never end.
	pendingPolls int

	expired bool
	reauths int
}

// Option configures a Controller.
type Option func(*Controller)

// WithPendingPolls makes every task report IN_PROGRESS n times before it
// terminates. A negative n stalls tasks forever.
func WithPendingPolls(n int) Option {
	return func(c *Controller) { c.pendingPolls = n }
}

// New creates an empty controller serving the operations of cat.
func New(cat *catalog.Catalog, opts ...Option) *Controller {
	c := &Controller{
		bindings: make(map[string][]binding),
		entries:  make(map[catalog.Kind]*catalog.Entry),
		objects:  make(map[catalog.Kind][]map[string]interface{}),
		tasks:    make(map[string]*task),
		failing:  make(map[string]string),
	}
	for _, kind := range cat.Kinds() {
		entry, _ := cat.Lookup(kind)
		c.entries[kind] = entry
		names := make([]string, 0, len(entry.Operations))
		for name := range entry.Operations {
			names = append(names, string(name))
		}
		sort.Strings(names)
		for _, name := range names {
			op := entry.Operations[catalog.OperationName(name)]
			key := op.Family + "." + op.Function
			c.bindings[key] = append(c.bindings[key], binding{entry: entry, name: catalog.OperationName(name), op: op})
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Seed stores obj as an existing object of kind and returns its id. An id is
// generated when none of the kind's id fields is set.
func (c *Controller) Seed(kind catalog.Kind, obj map[string]interface{}) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[kind]
	if !ok {
		return "", fmt.Errorf("unknown kind %q", kind)
	}
	stored := clone(obj).(map[string]interface{})
	id := objectID(entry, stored)
	if id == "" {
		id = c.newID(kind)
		stored[entry.IDFields[0]] = id
	}
	c.objects[kind] = append(c.objects[kind], stored)
	return id, nil
}

// LoadState seeds objects from a YAML document mapping kinds to lists of
// objects.
func (c *Controller) LoadState(r io.Reader) error {
	var state map[string][]map[string]interface{}
	if err := yaml.NewDecoder(r).Decode(&state); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode simulator state: %w", err)
	}
	kinds := make([]string, 0, len(state))
	for kind := range state {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		for _, obj := range state[kind] {
			if _, err := c.Seed(catalog.Kind(kind), obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// Objects returns copies of the stored objects of kind.
func (c *Controller) Objects(kind catalog.Kind) []map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(c.objects[kind]))
	for _, obj := range c.objects[kind] {
		out = append(out, clone(obj).(map[string]interface{}))
	}
	return out
}

// Calls returns every recorded invocation.
func (c *Controller) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

// MutatingCalls counts recorded invocations with mutates set.
func (c *Controller) MutatingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, call := range c.calls {
		if call.Mutates {
			n++
		}
	}
	return n
}

// CallsTo returns the recorded invocations of function.
func (c *Controller) CallsTo(function string) []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Call
	for _, call := range c.calls {
		if call.Function == function {
			out = append(out, call)
		}
	}
	return out
}

// ResetCalls forgets the recorded invocations.
func (c *Controller) ResetCalls() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = nil
}

// Inject queues a fault.
func (c *Controller) Inject(f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.Times <= 0 {
		f.Times = 1
	}
	c.faults = append(c.faults, &f)
}

// FailTasks makes the tasks started by function fail with reason. The
// mutation is not applied.
func (c *Controller) FailTasks(function, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failing[function] = reason
}

// ExpireSession makes calls fail with auth_expired until Reauthenticate.
func (c *Controller) ExpireSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = true
}

// Reauthenticate implements rpc.Reauthenticator.
func (c *Controller) Reauthenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired = false
	c.reauths++
	return nil
}

// Reauthentications returns how often Reauthenticate was called.
func (c *Controller) Reauthentications() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reauths
}

// Invoke implements rpc.Client.
func (c *Controller) Invoke(ctx context.Context, family, function string, params rpc.Params, mutates bool) (*rpc.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, &rpc.Error{Kind: rpc.KindTransport, Family: family, Function: function, Err: err}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls = append(c.calls, Call{Family: family, Function: function, Params: params.Clone(), Mutates: mutates})

	if c.expired {
		return nil, rpc.NewError(rpc.KindAuthExpired, family, function, "token expired")
	}
	for i, f := range c.faults {
		if f.Family == family && f.Function == function {
			f.Times--
			if f.Times == 0 {
				c.faults = append(c.faults[:i], c.faults[i+1:]...)
			}
			return nil, rpc.NewError(f.Kind, family, function, f.Detail)
		}
	}

	if family == rpc.FamilyTask {
		return c.taskStatus(family, function, params)
	}

	b, err := c.bind(family, function, params, mutates)
	if err != nil {
		return nil, err
	}

	var body interface{}
	switch b.name {
	case catalog.OpGetByID:
		body, err = c.getByID(b, params)
	case catalog.OpGetByName:
		body = c.getByName(b, params)
	case catalog.OpList:
		body = c.list(b)
	case catalog.OpCreate, catalog.OpUpdate, catalog.OpDelete:
		body, err = c.mutate(b, params)
	}
	if err != nil {
		return nil, err
	}
	return &rpc.Result{Body: clone(body), StatusCode: 200}, nil
}

// bind picks the operation served by family.function. Several read
// operations may share one function; the parameters decide between them.
func (c *Controller) bind(family, function string, params rpc.Params, mutates bool) (binding, error) {
	candidates := c.bindings[family+"."+function]
	if len(candidates) == 0 {
		return binding{}, rpc.NewError(rpc.KindValidation, family, function, "unknown operation")
	}

	var byID, byName, list *binding
	for i := range candidates {
		b := &candidates[i]
		if b.name.IsMutating() {
			if !mutates {
				return binding{}, rpc.NewError(rpc.KindValidation, family, function, "mutating operation called as a read")
			}
			return *b, nil
		}
		switch b.name {
		case catalog.OpGetByID:
			byID = b
		case catalog.OpGetByName:
			byName = b
		case catalog.OpList:
			list = b
		}
	}

	switch {
	case byID != nil && hasParam(params, byID.op.IDParam):
		return *byID, nil
	case byName != nil && hasParam(params, byName.op.NameParam):
		return *byName, nil
	case list != nil:
		return *list, nil
	case byID != nil:
		return *byID, nil
	default:
		return *byName, nil
	}
}

func hasParam(params rpc.Params, name string) bool {
	if name == "" {
		return false
	}
	v, ok := params[name]
	return ok && v != nil
}

func (c *Controller) getByID(b binding, params rpc.Params) (interface{}, error) {
	id := fmt.Sprint(params[b.op.IDParam])
	if _, obj := c.find(b.entry, id); obj != nil {
		return map[string]interface{}{"response": c.view(b.entry, obj)}, nil
	}
	return nil, &rpc.Error{Kind: rpc.KindNotFound, Family: b.op.Family, Function: b.op.Function,
		StatusCode: 404, Detail: fmt.Sprintf("%s %s not found", b.entry.Kind, id)}
}

func (c *Controller) getByName(b binding, params rpc.Params) interface{} {
	name := fmt.Sprint(params[b.op.NameParam])
	matches := []interface{}{}
	for _, obj := range c.objects[b.entry.Kind] {
		if v, ok := lookupPath(obj, b.entry.ObservedName()); ok && fmt.Sprint(v) == name {
			matches = append(matches, c.view(b.entry, obj))
		}
	}
	return map[string]interface{}{"response": matches}
}

func (c *Controller) list(b binding) interface{} {
	items := []interface{}{}
	for _, obj := range c.objects[b.entry.Kind] {
		items = append(items, c.view(b.entry, obj))
	}
	return map[string]interface{}{"response": items}
}

// view hides sensitive fields, which the controller never returns.
func (c *Controller) view(entry *catalog.Entry, obj map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if entry.IsSensitive(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func (c *Controller) mutate(b binding, params rpc.Params) (interface{}, error) {
	entry := b.entry
	reason, failing := c.failing[b.op.Function]

	notFound := func(id string) error {
		return &rpc.Error{Kind: rpc.KindNotFound, Family: b.op.Family, Function: b.op.Function,
			StatusCode: 404, Detail: fmt.Sprintf("%s %s not found", entry.Kind, id)}
	}

	var result map[string]interface{}
	switch b.name {
	case catalog.OpCreate:
		obj := make(map[string]interface{})
		c.apply(entry, obj, params, "")
		id := c.newID(entry.Kind)
		obj[entry.IDFields[0]] = id
		result = obj
		if !failing {
			c.objects[entry.Kind] = append(c.objects[entry.Kind], obj)
		}

	case catalog.OpUpdate:
		id := fmt.Sprint(params[b.op.IDParam])
		_, obj := c.find(entry, id)
		if obj == nil {
			return nil, notFound(id)
		}
		if !failing {
			c.apply(entry, obj, params, b.op.IDParam)
		}
		result = obj

	case catalog.OpDelete:
		id := fmt.Sprint(params[b.op.IDParam])
		i, obj := c.find(entry, id)
		if obj == nil {
			return nil, notFound(id)
		}
		if !failing {
			c.objects[entry.Kind] = append(c.objects[entry.Kind][:i], c.objects[entry.Kind][i+1:]...)
		}
		result = obj
	}

	if !b.op.Async {
		return map[string]interface{}{"response": c.view(entry, result)}, nil
	}

	id := fmt.Sprintf("task-%d", len(c.tasks)+1)
	t := &task{execution: b.op.Family == "sites"}
	if failing {
		t.failure = reason
	}
	c.tasks[id] = t
	if t.execution {
		return map[string]interface{}{
			"executionId":        id,
			"executionStatusUrl": "/dna/platform/management/business-api/v1/execution-status/" + id,
			"message":            "The request has been accepted for execution",
		}, nil
	}
	return map[string]interface{}{
		"response": map[string]interface{}{"taskId": id, "url": "/api/v1/task/" + id},
		"version":  "1.0",
	}, nil
}

// apply copies params onto obj and mirrors every comparator so that the
// observed paths carry the desired values.
func (c *Controller) apply(entry *catalog.Entry, obj map[string]interface{}, params rpc.Params, idParam string) {
	for k, v := range params {
		if k == idParam && k != entry.IDField {
			continue
		}
		obj[k] = clone(v)
	}
	for _, cmp := range entry.Comparators {
		if v, ok := params[cmp.Desired]; ok {
			setPath(obj, cmp.Observed, clone(v))
		}
	}
	if v, ok := params[entry.NameField]; ok {
		setPath(obj, entry.ObservedName(), v)
	}
}

func (c *Controller) taskStatus(family, function string, params rpc.Params) (*rpc.Result, error) {
	var id string
	switch function {
	case rpc.FunctionGetTask:
		id = fmt.Sprint(params[rpc.ParamTaskID])
	case rpc.FunctionGetExecution:
		id = fmt.Sprint(params[rpc.ParamExecutionID])
	default:
		return nil, rpc.NewError(rpc.KindValidation, family, function, "unknown operation")
	}

	t, ok := c.tasks[id]
	if !ok {
		return nil, &rpc.Error{Kind: rpc.KindNotFound, Family: family, Function: function, StatusCode: 404, Detail: "task " + id + " not found"}
	}
	t.polls++

	done := c.pendingPolls >= 0 && t.polls > c.pendingPolls
	var body map[string]interface{}
	switch {
	case !done && t.execution:
		body = map[string]interface{}{"status": "IN_PROGRESS"}
	case !done:
		body = map[string]interface{}{"response": map[string]interface{}{"progress": "in progress", "isError": false}}
	case t.execution && t.failure != "":
		body = map[string]interface{}{"status": "FAILURE", "bapiError": t.failure}
	case t.execution:
		body = map[string]interface{}{"status": "SUCCESS"}
	case t.failure != "":
		body = map[string]interface{}{"response": map[string]interface{}{
			"progress": "failed", "isError": true, "failureReason": t.failure, "endTime": 1,
		}}
	default:
		body = map[string]interface{}{"response": map[string]interface{}{
			"progress": "done", "isError": false, "endTime": 1,
		}}
	}
	return &rpc.Result{Body: body, StatusCode: 200}, nil
}

func (c *Controller) find(entry *catalog.Entry, id string) (int, map[string]interface{}) {
	for i, obj := range c.objects[entry.Kind] {
		if objectID(entry, obj) == id {
			return i, obj
		}
	}
	return -1, nil
}

func (c *Controller) newID(kind catalog.Kind) string {
	c.nextID++
	return fmt.Sprintf("%s-%04d", kind, c.nextID)
}

func objectID(entry *catalog.Entry, obj map[string]interface{}) string {
	for _, f := range entry.IDFields {
		if v, ok := lookupPath(obj, f); ok && v != nil && fmt.Sprint(v) != "" {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// clone deep-copies v through JSON, the way a controller round trip would.
func clone(v interface{}) interface{} {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func lookupPath(obj map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = obj
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// setPath writes v at a dotted path, creating maps and lists on the way.
func setPath(obj map[string]interface{}, path string, v interface{}) {
	segs := strings.Split(path, ".")
	obj[segs[0]] = setIn(obj[segs[0]], segs[1:], v)
}

func setIn(node interface{}, segs []string, v interface{}) interface{} {
	if len(segs) == 0 {
		return v
	}
	if i, err := strconv.Atoi(segs[0]); err == nil && i >= 0 {
		list, _ := node.([]interface{})
		for len(list) <= i {
			list = append(list, nil)
		}
		list[i] = setIn(list[i], segs[1:], v)
		return list
	}
	m, ok := node.(map[string]interface{})
	if !ok {
		m = make(map[string]interface{})
	}
	m[segs[0]] = setIn(m[segs[0]], segs[1:], v)
	return m
}
