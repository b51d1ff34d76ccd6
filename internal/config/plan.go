package config

import (
	"fmt"
	"os"

	"pipeweaver/internal/core"
)

// LoadPlan reads and validates a YAML plan file.
//
// Example:
//
//	seed: 42
//	globals:
//	  - name: scale
//	    params: [x]
//	    body: x * 10
//	targets:
//	  - name: a
//	    command: "1"
//	  - name: b
//	    command: scale(a)
func LoadPlan(path string) (*core.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes and validates plan YAML.
func ParsePlan(data []byte) (*core.Plan, error) {
	var plan core.Plan
	if err := decodeStrict(data, &plan); err != nil {
		return nil, fmt.Errorf("parsing: %w", err)
	}
	if err := Validate(&plan); err != nil {
		return nil, err
	}

	var errs []string
	seen := make(map[string]bool, len(plan.Targets))
	for _, t := range plan.Targets {
		if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("duplicate target %q", t.Name))
		}
		seen[t.Name] = true
	}
	globals := make(map[string]bool, len(plan.Globals))
	for _, g := range plan.Globals {
		if err := g.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
		if globals[g.Name] {
			errs = append(errs, fmt.Sprintf("duplicate global %q", g.Name))
		}
		globals[g.Name] = true
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return &plan, nil
}
