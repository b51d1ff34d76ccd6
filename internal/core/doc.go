// Package core provides the domain model of the pipeline engine.
//
// # Core Types
//
// Target: a named command (a Go expression) plus its declared file inputs and outputs.
// Plan: the ordered set of targets and the host globals they may reference.
// Fingerprint: the composite hash identifying a target's command and dependency state.
// Evaluator: the boundary the engine calls to run a command and obtain its value.
//
// Values produced by commands are plain Go values (nil, bool, int64, float64, string,
// []any, map[string]any) with a canonical encoding, so they can be content-addressed.
package core
