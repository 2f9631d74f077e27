package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/ccrecon/pkg/catalog"
	"github.com/openfroyo/ccrecon/pkg/rpc"
	"github.com/openfroyo/ccrecon/pkg/telemetry"
)

// Resolution is the result of identity resolution for one spec.
type Resolution struct {
	// Observed is the bound object, nil when the object does not exist.
	Observed Observed

	// ByID and ByName report which keys located the object.
	ByID   bool
	ByName bool
}

// Exists reports whether an object was bound.
func (r *Resolution) Exists() bool {
	return r != nil && r.Observed != nil
}

// ID returns the authoritative id of the bound object.
func (r *Resolution) ID() string {
	if r == nil {
		return ""
	}
	return r.Observed.ID()
}

// invoker calls catalog operations and re-authenticates once on auth_expired.
type invoker struct {
	client rpc.Client
	logger *telemetry.Logger
}

func (i *invoker) call(ctx context.Context, op catalog.Operation, params rpc.Params, mutates bool) (*rpc.Result, error) {
	return i.invoke(ctx, op.Family, op.Function, params, mutates)
}

func (i *invoker) invoke(ctx context.Context, family, function string, params rpc.Params, mutates bool) (*rpc.Result, error) {
	res, err := i.client.Invoke(ctx, family, function, params, mutates)
	if !rpc.IsAuthExpired(err) {
		return res, err
	}

	ra, ok := i.client.(rpc.Reauthenticator)
	if !ok {
		return nil, err
	}
	i.logger.Info("controller session expired, re-authenticating")
	if rerr := ra.Reauthenticate(ctx); rerr != nil {
		return nil, rerr
	}
	return i.client.Invoke(ctx, family, function, params, mutates)
}

// IdentityResolver binds a desired spec to at most one observed object.
type IdentityResolver struct {
	invoker *invoker
}

// NewIdentityResolver creates a resolver that reads through client.
func NewIdentityResolver(client rpc.Client, logger *telemetry.Logger) *IdentityResolver {
	return &IdentityResolver{
		invoker: &invoker{client: client, logger: logger.NewComponentLogger("identity")},
	}
}

// Resolve looks the spec up by id and by name. If both keys resolve to
// different objects, or a name matches several objects, it fails with
// inconsistent_identity. When an object is bound its authoritative id is
// written back into spec, which must be a run-local clone.
func (r *IdentityResolver) Resolve(ctx context.Context, entry *catalog.Entry, spec *DesiredSpec) (*Resolution, error) {
	identity := spec.Identity(entry)
	res := &Resolution{}

	var byID, byName Observed
	var err error

	if id, ok := spec.GetString(entry.IDField); ok {
		byID, err = r.lookupByID(ctx, entry, id)
		if err != nil {
			return nil, withIdentity(err, identity)
		}
	}

	if name, ok := spec.GetString(entry.NameField); ok {
		byName, err = r.lookupByName(ctx, entry, name)
		if err != nil {
			return nil, withIdentity(err, identity)
		}
	}

	if byID != nil && byName != nil && byID.ID() != byName.ID() {
		return nil, NewError(KindInconsistentIdentity,
			fmt.Sprintf("id and name resolve to different objects (%s, %s)", byID.ID(), byName.ID()), nil).
			WithCode(ErrCodeIdentityMismatch).
			WithResource(identity).
			WithOperation("resolve")
	}

	switch {
	case byID != nil:
		res.Observed, res.ByID, res.ByName = byID, true, byName != nil
	case byName != nil:
		res.Observed, res.ByName = byName, true
	default:
		return res, nil
	}

	if id := res.ID(); id != "" {
		spec.Fields[entry.IDField] = id
	}
	return res, nil
}

func withIdentity(err error, identity string) error {
	e := FromRPC(err, "failed to resolve identity")
	if e.Resource == "" {
		e.WithResource(identity)
	}
	if e.Operation == "" {
		e.WithOperation("resolve")
	}
	return e
}

// lookupByID reads the object by id through get_by_id, or list when the
// kind has no get_by_id.
func (r *IdentityResolver) lookupByID(ctx context.Context, entry *catalog.Entry, id string) (Observed, error) {
	var items []Observed
	var err error

	if op, ok := entry.Operation(catalog.OpGetByID); ok {
		items, err = r.read(ctx, entry, op, rpc.Params{paramOr(op.IDParam, entry.IDField): id})
	} else if op, ok := entry.Operation(catalog.OpList); ok {
		items, err = r.read(ctx, entry, op, rpc.Params{})
	} else {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var match Observed
	for _, item := range items {
		if item.ID() != id {
			continue
		}
		if match != nil {
			return nil, ambiguous(entry, "id", id, 2)
		}
		match = item
	}
	return match, nil
}

// lookupByName reads candidates through get_by_name, or list when the kind
// has no get_by_name, and keeps those whose name matches.
func (r *IdentityResolver) lookupByName(ctx context.Context, entry *catalog.Entry, name string) (Observed, error) {
	var items []Observed
	var err error
	filtered := false

	if op, ok := entry.Operation(catalog.OpGetByName); ok {
		items, err = r.read(ctx, entry, op, rpc.Params{paramOr(op.NameParam, entry.NameField): name})
		filtered = true
	} else if op, ok := entry.Operation(catalog.OpList); ok {
		items, err = r.read(ctx, entry, op, rpc.Params{})
	} else {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	normalized := entry.Variant == catalog.VariantNormalized
	var matches []Observed
	unnamed := 0
	for _, item := range items {
		have, ok := LookupPath(item, entry.ObservedName())
		if !ok {
			unnamed++
			continue
		}
		if ValuesEqual(name, have, false, normalized) {
			matches = append(matches, item)
		}
	}

	// a server-side name filter that returns one object without a name
	// field is taken at its word
	if len(matches) == 0 && filtered && len(items) == 1 && unnamed == 1 {
		matches = items
	}

	switch len(matches) {
	case 0:
		return nil, nil
	case 1:
		return matches[0], nil
	default:
		return nil, ambiguous(entry, "name", name, len(matches))
	}
}

func ambiguous(entry *catalog.Entry, key, value string, n int) error {
	return NewError(KindInconsistentIdentity,
		fmt.Sprintf("%s %q matches %d %s objects", key, value, n, entry.Kind), nil).
		WithCode(ErrCodeAmbiguous).
		WithOperation("resolve")
}

// read invokes a read operation and returns the normalized candidates.
// not_found is an empty result, not an error.
func (r *IdentityResolver) read(ctx context.Context, entry *catalog.Entry, op catalog.Operation, params rpc.Params) ([]Observed, error) {
	res, err := r.invoker.call(ctx, op, params, false)
	if rpc.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return Items(entry, res.Body), nil
}

// Items unwraps a read response into normalized observed objects. Bodies of
// the form {"response": ...} are unwrapped; a single object yields one item.
func Items(entry *catalog.Entry, body interface{}) []Observed {
	if m, ok := body.(map[string]interface{}); ok {
		if inner, ok := m["response"]; ok {
			body = inner
		}
	}

	var out []Observed
	switch v := body.(type) {
	case []interface{}:
		for _, item := range v {
			if m, ok := item.(map[string]interface{}); ok {
				out = append(out, Normalize(entry, m))
			}
		}
	case map[string]interface{}:
		if len(v) > 0 {
			out = append(out, Normalize(entry, v))
		}
	}
	return out
}

// Normalize copies obj and fills the canonical id from the first non-null
// candidate id field.
func Normalize(entry *catalog.Entry, obj map[string]interface{}) Observed {
	out := make(Observed, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	for _, f := range entry.IDFields {
		v, ok := LookupPath(obj, f)
		if !ok || v == nil || fmt.Sprint(v) == "" {
			continue
		}
		out[CanonicalIDField] = fmt.Sprint(v)
		break
	}
	return out
}

func paramOr(param, fallback string) string {
	if param != "" {
		return param
	}
	return fallback
}
