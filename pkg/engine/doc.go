// Package engine reconciles declared Catalyst Center resources against the
// controller.
//
// # Overview
//
// A run takes a list of declarations and drives each one to its requested
// state through five steps:
//
//  1. Ingest - validate declarations against the catalog (Orchestrator.Ingest)
//  2. Resolve - bind each spec to at most one observed object (IdentityResolver)
//  3. Diff - compare desired and observed fields (DiffEngine)
//  4. Plan - choose exactly one action (DecideAction, ActionPlanner)
//  5. Execute - issue the mutation and wait for its task (Reconciler, TaskTracker)
//
// The Orchestrator orders resources by the kind dependencies of the catalog,
// applies the failure and retry policies and aggregates outcomes into a
// RunReport.
//
// # Actions
//
// The planner is a pure function of existence, drift and state:
//
//	exists=false state=present         -> create
//	exists=true  state=present drift   -> update (present_and_different for read-only kinds)
//	exists=true  state=present no drift -> already_present
//	exists=false state=absent          -> already_absent
//	exists=true  state=absent          -> delete
//	any          state=query           -> query
//
// Updates always send the full set of desired fields together with the
// authoritative id, since the controller replaces objects on update.
//
// # Modes
//
//   - merged: declared states apply, present by default
//   - deleted: every declaration is treated as absent
//   - query: every declaration is only read
//   - check: plans are computed and reported, no mutating call is issued
//
// # Error Classification
//
// Every error surfaced in an Outcome is an *EngineError with a kind and a
// class:
//
//   - Transient: transport failures, retried as a whole resource
//   - Conflict: concurrent modification, retried as a whole resource
//   - Permanent: everything else, never retried
//
// Example:
//
//	if IsRetryable(outcome.Error) {
//	    // the orchestrator retries up to RunConfig.RetryAttempts times
//	}
//
// # Concurrency
//
// Mutations are strictly sequential. Identity reads within one dependency
// level may run concurrently, bounded by RunConfig.ReadFanout. Cancellation
// is observed before each resource, between task polls and during retry
// delays; an in-flight mutating call is always allowed to finish.
package engine
