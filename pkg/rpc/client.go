// Package rpc is the facade over the Catalyst Center REST API. Callers name an
// operation by family and function; the client returns the decoded response
// body verbatim or a typed *Error.
package rpc

import (
	"context"
)

// Params is the parameter mapping of one invocation.
type Params map[string]interface{}

// Clone returns a shallow copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Result is a decoded controller response.
type Result struct {
	// Body is the decoded JSON document, a map or a list.
	Body interface{} `json:"body"`

	// StatusCode is the transport status, zero for non-HTTP clients.
	StatusCode int `json:"statusCode,omitempty"`
}

// Map returns the body as a mapping, or nil if it is not one.
func (r *Result) Map() map[string]interface{} {
	if r == nil {
		return nil
	}
	m, _ := r.Body.(map[string]interface{})
	return m
}

// Client invokes controller operations.
type Client interface {
	// Invoke calls family.function with params. Mutating calls are never
	// retried by the client.
	Invoke(ctx context.Context, family, function string, params Params, mutates bool) (*Result, error)
}

// Reauthenticator is implemented by clients that hold a session token.
type Reauthenticator interface {
	Reauthenticate(ctx context.Context) error
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, family, function string, params Params, mutates bool) (*Result, error)

// Invoke calls f.
func (f ClientFunc) Invoke(ctx context.Context, family, function string, params Params, mutates bool) (*Result, error) {
	return f(ctx, family, function, params, mutates)
}
