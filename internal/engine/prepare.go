package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"pipeweaver/internal/analysis"
	"pipeweaver/internal/core"
	"pipeweaver/internal/dag"
	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/staleness"
)

// prepared is everything derived from a plan before any target runs.
type prepared struct {
	plan     *core.Plan
	symbols  *analysis.SymbolTable
	deps     map[string]analysis.Deps
	graph    *dag.TargetGraph
	scope    *core.Scope
	resolver *core.FileResolver
	detector *staleness.Detector
}

// analyze builds the symbol table, per-target dependencies and graph. Global
// objects are not evaluated.
func (e *Engine) analyze(plan *core.Plan) (*prepared, error) {
	if plan == nil || len(plan.Targets) == 0 {
		return nil, &state.GraphFailureError{Code: "EmptyPlan", Message: "plan has no targets"}
	}

	names := make([]string, 0, len(plan.Targets))
	for _, t := range plan.Targets {
		names = append(names, t.Name)
	}
	symbols, err := analysis.NewSymbolTable(names, plan.Globals)
	if err != nil {
		return nil, &state.GraphFailureError{Code: "InvalidGlobals", Message: err.Error(), Cause: err}
	}

	deps := make(map[string]analysis.Deps, len(plan.Targets))
	var parseErrs []error
	for _, t := range plan.Targets {
		d, err := analysis.Analyze(t.Command, symbols)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("target %q: %w", t.Name, err))
			continue
		}
		for _, amb := range d.Ambiguities {
			e.log.WithFields(logrus.Fields{"target": t.Name, "expr": amb.Expr}).Warn(amb.Msg)
		}
		deps[t.Name] = d
	}
	if len(parseErrs) > 0 {
		err := errors.Join(parseErrs...)
		return nil, &state.GraphFailureError{Code: "ParseError", Message: err.Error(), Cause: err}
	}

	g, err := dag.NewTargetGraph(plan.Targets, deps)
	if err != nil {
		code := "InvalidGraph"
		if errors.Is(err, dag.ErrCycleFound) {
			code = "CyclicDependency"
		}
		return nil, &state.GraphFailureError{Code: code, Message: err.Error(), Cause: err}
	}

	resolver := core.NewFileResolver(e.workDir, e.fileHash)
	return &prepared{
		plan:     plan,
		symbols:  symbols,
		deps:     deps,
		graph:    g,
		resolver: resolver,
	}, nil
}

// prepare analyzes plan, evaluates its global objects and builds the detector.
func (e *Engine) prepare(ctx context.Context, plan *core.Plan) (*prepared, error) {
	p, err := e.analyze(plan)
	if err != nil {
		return nil, err
	}
	if err := e.bindGlobals(ctx, p); err != nil {
		return nil, err
	}

	p.detector = staleness.NewDetector(plan, p.symbols, p.resolver, e.store)
	p.detector.Condition = func(ctx context.Context, t core.Target) (bool, error) {
		v, err := e.evaluator.Evaluate(ctx, core.EvalRequest{
			Target:  t.Name,
			Command: t.Trigger.Condition,
			Seed:    plan.SeedFor(t),
			Scope:   p.scope,
			WorkDir: e.workDir,
		})
		if err != nil {
			return false, err
		}
		return core.Truthy(v), nil
	}
	return p, nil
}

// bindGlobals builds the evaluation scope. Objects are evaluated in dependency
// order and the table is rebound to the hashes of their values.
func (e *Engine) bindGlobals(ctx context.Context, p *prepared) error {
	scope := core.NewScope()
	for _, name := range p.symbols.Names() {
		g, _ := p.symbols.Global(name)
		switch {
		case g.Native != nil:
			scope.Natives[name] = g.Native
		case g.Body != "":
			scope.Functions[name] = core.Function{Params: g.Params, Body: g.Body}
		}
	}

	order, err := p.symbols.ObjectOrder()
	if err != nil {
		return &state.GraphFailureError{Code: "InvalidGlobals", Message: err.Error(), Cause: err}
	}
	hashes := make(map[string]string, len(order))
	for _, name := range order {
		g, _ := p.symbols.Global(name)
		v, err := e.evaluator.Evaluate(ctx, core.EvalRequest{
			Target:  name,
			Command: g.Value,
			Seed:    p.plan.Seed,
			Scope:   scope,
			WorkDir: e.workDir,
		})
		if err != nil {
			return &state.GraphFailureError{
				Code:    "GlobalEvaluation",
				Message: fmt.Sprintf("global %q: %v", name, err),
				Cause:   err,
			}
		}
		h, _, err := core.HashValue(v)
		if err != nil {
			return &state.GraphFailureError{
				Code:    "GlobalEvaluation",
				Message: fmt.Sprintf("global %q: %v", name, err),
				Cause:   err,
			}
		}
		scope.Objects[name] = v
		hashes[name] = string(h)
	}
	p.symbols.BindObjects(hashes)
	p.scope = scope
	return nil
}

// subgraph restricts p to the named targets and their ancestors.
func (p *prepared) subgraph(names []string) error {
	if len(names) == 0 {
		return nil
	}
	keep := make(map[string]bool)
	for _, n := range names {
		if _, ok := p.graph.Node(n); !ok {
			return &state.GraphFailureError{Code: "UnknownTarget", Message: fmt.Sprintf("unknown target %q", n)}
		}
		keep[n] = true
		for _, a := range p.graph.Ancestors(n) {
			keep[a] = true
		}
	}
	var targets []core.Target
	for _, t := range p.plan.Targets {
		if keep[t.Name] {
			targets = append(targets, t)
		}
	}
	g, err := dag.NewTargetGraph(targets, p.deps)
	if err != nil {
		return &state.GraphFailureError{Code: "InvalidGraph", Message: err.Error(), Cause: err}
	}
	p.graph = g
	return nil
}
