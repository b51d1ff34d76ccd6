package core

import (
	"fmt"
	"hash/fnv"
)

// Target is a named unit of work.
//
// Includes: Command, declared file inputs and outputs, seed, trigger override.
// Excludes: dependencies, which are detected from Command by the analyzer.
type Target struct {
	// Name is the unique identifier of the target. It does not contribute to the
	// fingerprint, so a renamed target keeps its fingerprint.
	Name string `json:"name" yaml:"name" validate:"required,goident"`

	// Command is a Go expression. It may reference other targets by name, globals,
	// and the file_in/file_out markers.
	Command string `json:"command" yaml:"command" validate:"required,goexpr"`

	// Seed overrides the seed derived from the plan seed and the target name.
	Seed *int64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// FileInputs are tracked input files in addition to file_in markers.
	FileInputs []string `json:"file_inputs,omitempty" yaml:"file_inputs,omitempty" validate:"dive,required"`

	// FileOutputs are produced files in addition to file_out markers.
	FileOutputs []string `json:"file_outputs,omitempty" yaml:"file_outputs,omitempty" validate:"dive,required"`

	Trigger Trigger `json:"trigger,omitempty" yaml:"trigger,omitempty"`
}

// Trigger narrows what makes a target outdated.
//
// A nil component means enabled. Disabled components are ignored when classifying
// staleness; the fingerprint always covers every component.
type Trigger struct {
	Command *bool `json:"command,omitempty" yaml:"command,omitempty"`
	Depend  *bool `json:"depend,omitempty" yaml:"depend,omitempty"`
	File    *bool `json:"file,omitempty" yaml:"file,omitempty"`
	Seed    *bool `json:"seed,omitempty" yaml:"seed,omitempty"`

	// Condition is an expression over globals; when it evaluates truthy the target
	// is always outdated.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty" validate:"omitempty,goexpr"`
}

func enabled(b *bool) bool { return b == nil || *b }

// CommandEnabled reports whether command changes make the target outdated.
func (t Trigger) CommandEnabled() bool { return enabled(t.Command) }

// DependEnabled reports whether dependency and global changes make the target outdated.
func (t Trigger) DependEnabled() bool { return enabled(t.Depend) }

// FileEnabled reports whether file input/output changes make the target outdated.
func (t Trigger) FileEnabled() bool { return enabled(t.File) }

// SeedEnabled reports whether seed changes make the target outdated.
func (t Trigger) SeedEnabled() bool { return enabled(t.Seed) }

// Global is a named function or object in the host environment.
//
// Exactly one of Body, Value or Native is set. Functions defined by Body are
// hashed by their normalized source; objects by the hash of their evaluated value;
// native functions by the host-supplied Hash.
type Global struct {
	Name   string   `json:"name" yaml:"name" validate:"required,goident"`
	Params []string `json:"params,omitempty" yaml:"params,omitempty" validate:"dive,goident"`
	Body   string   `json:"body,omitempty" yaml:"body,omitempty" validate:"omitempty,goexpr"`
	Value  string   `json:"value,omitempty" yaml:"value,omitempty" validate:"omitempty,goexpr"`

	Native NativeFunc `json:"-" yaml:"-"`
	Hash   string     `json:"-" yaml:"-"`
}

// IsFunction reports whether the global is callable.
func (g Global) IsFunction() bool { return g.Body != "" || g.Native != nil }

// Validate checks that exactly one definition form is used.
func (g Global) Validate() error {
	forms := 0
	if g.Body != "" {
		forms++
	}
	if g.Value != "" {
		forms++
	}
	if g.Native != nil {
		forms++
		if g.Hash == "" {
			return fmt.Errorf("global %q: native functions require a hash", g.Name)
		}
	}
	if forms != 1 {
		return fmt.Errorf("global %q: exactly one of body, value or native must be set", g.Name)
	}
	return nil
}

// Plan is the full set of target definitions for one project.
type Plan struct {
	Targets []Target `json:"targets" yaml:"targets" validate:"required,min=1,dive"`
	Globals []Global `json:"globals,omitempty" yaml:"globals,omitempty" validate:"dive"`

	// Seed is the project-wide seed from which per-target seeds derive.
	Seed int64 `json:"seed,omitempty" yaml:"seed,omitempty"`
}

// Target returns the target with the given name.
func (p *Plan) Target(name string) (Target, bool) {
	for _, t := range p.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// SeedFor returns the effective seed of t.
func (p *Plan) SeedFor(t Target) int64 {
	if t.Seed != nil {
		return *t.Seed
	}
	return DefaultSeed(p.Seed, t.Name)
}

// DefaultSeed derives a per-target seed from the plan seed and the target name.
//
// The derivation only depends on its arguments, so seeds are reproducible across
// machines and runs.
func DefaultSeed(planSeed int64, name string) int64 {
	h := fnv.New64a()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(planSeed) >> (56 - 8*i))
	}
	h.Write(b[:])
	h.Write([]byte(name))
	return int64(h.Sum64() >> 1)
}
