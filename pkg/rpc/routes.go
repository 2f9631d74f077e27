package rpc

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Route is the REST binding of one family.function.
type Route struct {
	Method string `json:"method" yaml:"method"`
	Path   string `json:"path" yaml:"path"`
}

// RouteTable maps "family.function" to its route.
type RouteTable map[string]Route

// Task and execution status operations used by the task tracker.
const (
	FamilyTask             = "task"
	FunctionGetTask        = "get_task_by_id"
	FunctionGetExecution   = "get_business_api_execution_details"
	ParamTaskID            = "task_id"
	ParamExecutionID       = "execution_id"
	authTokenPath          = "/dna/system/api/v1/auth/token"
	authTokenHeader        = "X-Auth-Token"
	executionStatusPathFmt = "/dna/intent/api/v1/dnacaap/management/execution-status/{execution_id}"
)

// DefaultRoutes returns the routes every client needs regardless of catalog.
func DefaultRoutes() RouteTable {
	return RouteTable{
		FamilyTask + "." + FunctionGetTask:      {Method: "GET", Path: "/dna/intent/api/v1/task/{task_id}"},
		FamilyTask + "." + FunctionGetExecution: {Method: "GET", Path: executionStatusPathFmt},
	}
}

// Add registers a route.
func (t RouteTable) Add(family, function string, r Route) {
	t[family+"."+function] = r
}

// Lookup returns the route of family.function.
func (t RouteTable) Lookup(family, function string) (Route, bool) {
	r, ok := t[family+"."+function]
	return r, ok
}

// Keys returns the registered operation names, sorted.
func (t RouteTable) Keys() []string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Expand substitutes {param} placeholders in the path with values from
// params. It returns the expanded path and the params that were not consumed.
func (r Route) Expand(params Params) (string, Params, error) {
	rest := params.Clone()
	var sb strings.Builder
	path := r.Path
	for {
		open := strings.IndexByte(path, '{')
		if open < 0 {
			sb.WriteString(path)
			break
		}
		end := strings.IndexByte(path[open:], '}')
		if end < 0 {
			return "", nil, fmt.Errorf("unterminated placeholder in %s", r.Path)
		}
		name := path[open+1 : open+end]
		v, ok := rest[name]
		if !ok || v == nil {
			return "", nil, fmt.Errorf("missing path parameter %q for %s", name, r.Path)
		}
		delete(rest, name)
		sb.WriteString(path[:open])
		sb.WriteString(url.PathEscape(fmt.Sprint(v)))
		path = path[open+end+1:]
	}
	return sb.String(), rest, nil
}
