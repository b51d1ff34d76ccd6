package analysis

import (
	"errors"
	"fmt"
	"sort"

	"pipeweaver/internal/core"
)

// ErrGlobalCycle is returned when global objects reference each other cyclically.
var ErrGlobalCycle = errors.New("cyclic global object definitions")

type globalInfo struct {
	def      core.Global
	hash     string
	globals  []string
	targets  []string
	filesIn  []string
	filesOut []string
}

// SymbolTable is the snapshot of names a plan's commands can reference.
//
// A name that is both a target and a global resolves to the target. The table is
// built once at run start and is read-only after BindObjects.
type SymbolTable struct {
	targets map[string]struct{}
	globals map[string]*globalInfo
}

// NewSymbolTable builds the table for the given target names and globals.
//
// Each global's body or value expression is analyzed for the names it references.
// Object hashes default to the hash of their source until BindObjects supplies
// the hashes of their evaluated values.
func NewSymbolTable(targets []string, globals []core.Global) (*SymbolTable, error) {
	s := &SymbolTable{
		targets: make(map[string]struct{}, len(targets)),
		globals: make(map[string]*globalInfo, len(globals)),
	}
	for _, t := range targets {
		s.targets[t] = struct{}{}
	}

	var errs []error
	for _, g := range globals {
		if err := g.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := s.globals[g.Name]; dup {
			errs = append(errs, fmt.Errorf("duplicate global %q", g.Name))
			continue
		}
		info := &globalInfo{def: g}
		switch {
		case g.Native != nil:
			info.hash = "native:" + g.Hash
		case g.Body != "":
			info.hash = "func:" + core.FunctionHash(g.Params, g.Body)
		default:
			info.hash = "src:" + core.CommandHash(g.Value)
		}
		s.globals[g.Name] = info
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	// References are resolved once every name is known.
	for name, info := range s.globals {
		if info.def.Native != nil {
			continue
		}
		src := info.def.Body
		if src == "" {
			src = info.def.Value
		}
		c, err := analyzeFunction(info.def.Params, src, s)
		if err != nil {
			errs = append(errs, fmt.Errorf("global %q: %w", name, err))
			continue
		}
		delete(c.globals, name)
		info.globals = c.globals.sorted()
		info.targets = c.targets.sorted()
		info.filesIn = c.filesIn.sorted()
		info.filesOut = c.filesOut.sorted()
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

// Known reports whether name is a target or a global.
func (s *SymbolTable) Known(name string) bool {
	return s.IsTarget(name) || s.IsGlobal(name)
}

// IsTarget reports whether name is a target.
func (s *SymbolTable) IsTarget(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.targets[name]
	return ok
}

// IsGlobal reports whether name resolves to a global. Targets take precedence.
func (s *SymbolTable) IsGlobal(name string) bool {
	if s == nil || s.IsTarget(name) {
		return false
	}
	_, ok := s.globals[name]
	return ok
}

// HidesGlobal reports whether the target name hides a global of the same name.
func (s *SymbolTable) HidesGlobal(name string) bool {
	if !s.IsTarget(name) {
		return false
	}
	_, ok := s.globals[name]
	return ok
}

// Global returns the definition of a global.
func (s *SymbolTable) Global(name string) (core.Global, bool) {
	if !s.IsGlobal(name) {
		return core.Global{}, false
	}
	return s.globals[name].def, true
}

// Hash returns the content hash of a global.
func (s *SymbolTable) Hash(name string) (string, bool) {
	if !s.IsGlobal(name) {
		return "", false
	}
	return s.globals[name].hash, true
}

// Hashes returns the hashes of the named globals.
func (s *SymbolTable) Hashes(names []string) map[string]string {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]string, len(names))
	for _, n := range names {
		if h, ok := s.Hash(n); ok {
			out[n] = h
		}
	}
	return out
}

// Closure returns names plus every global they reference transitively, sorted.
func (s *SymbolTable) Closure(names []string) []string {
	if s == nil || len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	queue := append([]string(nil), names...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if _, ok := seen[n]; ok || !s.IsGlobal(n) {
			continue
		}
		seen[n] = struct{}{}
		queue = append(queue, s.globals[n].globals...)
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ObjectOrder returns the object globals ordered so that each object comes after
// the objects it references. Ties are broken by name.
func (s *SymbolTable) ObjectOrder() ([]string, error) {
	var objects []string
	for name, info := range s.globals {
		if info.def.Value != "" && s.IsGlobal(name) {
			objects = append(objects, name)
		}
	}
	sort.Strings(objects)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(objects))
	var order []string
	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("%w: %v", ErrGlobalCycle, append(path, name))
		}
		state[name] = visiting
		for _, dep := range s.Closure(s.globals[name].globals) {
			if s.globals[dep].def.Value == "" {
				continue
			}
			if err := visit(dep, append(path, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}
	for _, name := range objects {
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// BindObjects replaces object hashes with the hashes of their evaluated values.
//
// Must be called before the table is shared.
func (s *SymbolTable) BindObjects(hashes map[string]string) {
	for name, h := range hashes {
		if info, ok := s.globals[name]; ok && info.def.Value != "" {
			info.hash = "value:" + h
		}
	}
}

// Names returns all global names, sorted. Globals shadowed by targets are omitted.
func (s *SymbolTable) Names() []string {
	var out []string
	for name := range s.globals {
		if s.IsGlobal(name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
