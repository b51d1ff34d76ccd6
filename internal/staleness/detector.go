package staleness

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"

	"pipeweaver/internal/analysis"
	"pipeweaver/internal/core"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/store"
)

// Records is the part of the store the detector reads.
type Records interface {
	Latest(target string) (*store.Record, error)
	Has(h core.ValueHash) (bool, error)
}

// ConditionFunc evaluates a trigger condition of t.
type ConditionFunc func(ctx context.Context, t core.Target) (bool, error)

// Verdict is the staleness decision for one target.
type Verdict struct {
	Target string
	Class  Class
	Reason Reason

	Fingerprint core.Fingerprint
	Parts       core.FingerprintParts

	// Previous is the latest history record of the target, if any.
	Previous *store.Record

	// ValueHash is the value a current target keeps. For outdated targets it is
	// the last successful value, which is only a provisional guess.
	ValueHash core.ValueHash
}

// Outdated reports whether the target must be rebuilt or recovered.
func (v Verdict) Outdated() bool { return v.Class != ClassCurrent }

// Detector classifies targets against the history log.
//
// A Detector is safe for concurrent use when its collaborators are.
type Detector struct {
	Symbols  *analysis.SymbolTable
	Resolver *core.FileResolver
	Records  Records

	// Condition evaluates trigger conditions. Targets with a condition are
	// treated as outdated when it is nil.
	Condition ConditionFunc

	// SeedFor returns the effective seed of a target.
	SeedFor func(core.Target) int64

	hasher    *core.FingerprintHasher
	harvester *core.Harvester
}

// NewDetector creates a Detector for the plan whose symbols are given.
func NewDetector(plan *core.Plan, symbols *analysis.SymbolTable, resolver *core.FileResolver, records Records) *Detector {
	return &Detector{
		Symbols:   symbols,
		Resolver:  resolver,
		Records:   records,
		SeedFor:   plan.SeedFor,
		hasher:    core.NewFingerprintHasher(),
		harvester: core.NewHarvester(resolver),
	}
}

// Parts assembles the fingerprint components of t.
//
// depHashes must hold a value hash for every target t reads.
func (d *Detector) Parts(t core.Target, deps analysis.Deps, depHashes map[string]core.ValueHash) (core.FingerprintParts, error) {
	parts := core.FingerprintParts{
		CommandHash: core.CommandHash(t.Command),
		Globals:     d.Symbols.Hashes(deps.Reads.Globals),
		Seed:        d.SeedFor(t),
	}

	if len(deps.Reads.Targets) > 0 {
		parts.Deps = make(map[string]string, len(deps.Reads.Targets))
		for _, name := range deps.Reads.Targets {
			h, ok := depHashes[name]
			if !ok {
				return parts, fmt.Errorf("target %q: no value hash for dependency %q", t.Name, name)
			}
			parts.Deps[name] = string(h)
		}
	}

	inputs, err := d.Resolver.Expand(append(append([]string(nil), deps.Reads.FilesIn...), t.FileInputs...))
	if err != nil {
		return parts, fmt.Errorf("target %q: %w", t.Name, err)
	}
	if len(inputs) > 0 {
		parts.Files, err = d.Resolver.Hash(inputs)
		if err != nil {
			return parts, fmt.Errorf("target %q: %w", t.Name, err)
		}
	}
	return parts, nil
}

// Outputs returns the tracked output paths of t.
func (d *Detector) Outputs(t core.Target, deps analysis.Deps) ([]string, error) {
	return d.Resolver.Expand(append(append([]string(nil), deps.Writes.FilesOut...), t.FileOutputs...))
}

// Check classifies t given the concrete value hashes of its dependencies.
//
// The result is either current or outdated-direct.
func (d *Detector) Check(ctx context.Context, t core.Target, deps analysis.Deps, depHashes map[string]core.ValueHash) (Verdict, error) {
	parts, err := d.Parts(t, deps, depHashes)
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{
		Target:      t.Name,
		Class:       ClassCurrent,
		Reason:      ReasonNone,
		Fingerprint: d.hasher.Compute(parts),
		Parts:       parts,
	}

	prev, err := d.Records.Latest(t.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Verdict{}, err
	}
	v.Previous = prev
	if prev != nil && prev.Outcome.Successful() {
		v.ValueHash = prev.ValueHash
	}

	reason, err := d.reason(ctx, t, deps, parts, prev)
	if err != nil {
		return Verdict{}, err
	}
	if reason != ReasonNone {
		v.Class = ClassOutdatedDirect
		v.Reason = reason
	}
	return v, nil
}

func (d *Detector) reason(ctx context.Context, t core.Target, deps analysis.Deps, parts core.FingerprintParts, prev *store.Record) (Reason, error) {
	if prev == nil {
		return ReasonMissingRecord, nil
	}

	if t.Trigger.Condition != "" {
		if d.Condition == nil {
			return ReasonTriggerCondition, nil
		}
		ok, err := d.Condition(ctx, t)
		if err != nil {
			return "", fmt.Errorf("target %q: trigger condition: %w", t.Name, err)
		}
		if ok {
			return ReasonTriggerCondition, nil
		}
	}

	if !prev.Outcome.Successful() {
		return ReasonPreviousFailure, nil
	}

	trig := t.Trigger
	old := prev.Parts
	switch {
	case trig.CommandEnabled() && old.CommandHash != parts.CommandHash:
		return ReasonCommandChanged, nil
	case trig.DependEnabled() && !maps.Equal(old.Deps, parts.Deps):
		return ReasonDependencyChanged, nil
	case trig.DependEnabled() && !maps.Equal(old.Globals, parts.Globals):
		return ReasonGlobalChanged, nil
	case trig.SeedEnabled() && old.Seed != parts.Seed:
		return ReasonSeedChanged, nil
	case trig.FileEnabled() && !maps.Equal(old.Files, parts.Files):
		return ReasonFileChanged, nil
	}

	if trig.FileEnabled() {
		changed, err := d.outputsChanged(t, deps, prev)
		if err != nil {
			return "", err
		}
		if changed {
			return ReasonFileChanged, nil
		}
	}

	ok, err := d.Records.Has(prev.ValueHash)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonMissingContent, nil
	}
	return ReasonNone, nil
}

// outputsChanged reports whether a tracked output is new, missing or modified
// since prev was recorded.
func (d *Detector) outputsChanged(t core.Target, deps analysis.Deps, prev *store.Record) (bool, error) {
	outs, err := d.Outputs(t, deps)
	if err != nil {
		return false, err
	}
	for _, p := range outs {
		if _, ok := prev.FileOutputs[p]; !ok {
			return true, nil
		}
	}
	changed, err := d.harvester.Changed(prev.FileOutputs)
	if err != nil {
		return false, err
	}
	return len(changed) > 0, nil
}

// Plan classifies every target of g without building anything.
//
// Targets are visited in topological order. A dependency's value is assumed to
// be its last successful value; a target whose inputs only differ because an
// ancestor is outdated is classified outdated-upstream, unless its trigger
// ignores dependency changes. The result is
// provisional: the real decision is made by Check once dependencies are built.
func (d *Detector) Plan(ctx context.Context, g *dag.TargetGraph, deps map[string]analysis.Deps) (map[string]Verdict, error) {
	out := make(map[string]Verdict, g.Len())
	for _, name := range g.TopologicalOrder() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node, _ := g.Node(name)
		td := deps[name]

		depHashes := make(map[string]core.ValueHash, len(td.Reads.Targets))
		for _, dep := range td.Reads.Targets {
			depHashes[dep] = out[dep].ValueHash
		}
		upstream := false
		if node.Target.Trigger.DependEnabled() {
			for _, dep := range g.Dependencies(name) {
				if out[dep].Outdated() {
					upstream = true
				}
			}
		}

		v, err := d.Check(ctx, node.Target, td, depHashes)
		if err != nil {
			return nil, err
		}
		if upstream && (v.Reason == ReasonNone || v.Reason == ReasonDependencyChanged) {
			v.Class = ClassOutdatedUpstream
			v.Reason = ReasonUpstreamOutdated
		}
		out[name] = v
	}
	return out, nil
}

// Outdated returns the names of the outdated targets in verdicts.
func Outdated(verdicts map[string]Verdict) []string {
	var out []string
	for name, v := range verdicts {
		if v.Outdated() {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
