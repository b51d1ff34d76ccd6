// Package analysis detects what a command reads and writes without running it.
//
// Commands are Go expressions. The analyzer walks the whole syntax tree and
// classifies every free identifier against a SymbolTable: target names become
// dependency edges, global names contribute their content hash to the
// fingerprint, and everything else is ignored. file_in and file_out calls with a
// string literal argument declare tracked files.
//
// Detection prefers under-detection to failure: constructs the analyzer cannot
// see through are reported as AmbiguityError warnings, never as errors. Only an
// unparsable command is an error.
package analysis

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"go/types"
	"sort"
	"strconv"

	"pipeweaver/internal/core"
)

// ErrParse is wrapped by errors for commands that are not valid expressions.
var ErrParse = errors.New("command does not parse")

// AmbiguityError describes a reference the analyzer could not resolve statically.
//
// It is a warning: the dependency it stands for is not detected.
type AmbiguityError struct {
	Expr string
	Msg  string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Expr, e.Msg)
}

// Reads lists everything a command depends on. All lists are sorted and unique.
type Reads struct {
	Targets []string `json:"targets,omitempty"`

	// Globals is the transitive closure of referenced globals.
	Globals []string `json:"globals,omitempty"`

	FilesIn []string `json:"files_in,omitempty"`
}

// Writes lists the files a command declares to produce.
type Writes struct {
	FilesOut []string `json:"files_out,omitempty"`
}

// Deps is the result of analyzing a command.
type Deps struct {
	Reads       Reads
	Writes      Writes
	Ambiguities []*AmbiguityError
}

// Analyze parses command and extracts its dependencies.
//
// symbols may be nil, in which case no identifier is classified.
func Analyze(command string, symbols *SymbolTable) (Deps, error) {
	expr, err := parser.ParseExpr(command)
	if err != nil {
		return Deps{}, fmt.Errorf("%w: %v", ErrParse, err)
	}

	c := newCollector()
	w := &walker{symbols: symbols, c: c}
	w.walk(expr)

	// Globals pull in what they reference themselves.
	globals := symbols.Closure(c.globals.sorted())
	for _, g := range globals {
		info := symbols.globals[g]
		c.targets.add(info.targets...)
		c.filesIn.add(info.filesIn...)
		c.filesOut.add(info.filesOut...)
	}

	return Deps{
		Reads: Reads{
			Targets: c.targets.sorted(),
			Globals: globals,
			FilesIn: c.filesIn.sorted(),
		},
		Writes:      Writes{FilesOut: c.filesOut.sorted()},
		Ambiguities: c.ambiguities,
	}, nil
}

// analyzeFunction extracts the direct references of a global body.
// Parameters shadow outer names.
func analyzeFunction(params []string, body string, symbols *SymbolTable) (*collector, error) {
	expr, err := parser.ParseExpr(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	c := newCollector()
	w := &walker{symbols: symbols, c: c, shadow: toSet(params)}
	w.walk(expr)
	return c, nil
}

type nameSet map[string]struct{}

func (s nameSet) add(names ...string) {
	for _, n := range names {
		s[n] = struct{}{}
	}
}

func (s nameSet) sorted() []string {
	if len(s) == 0 {
		return nil
	}
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func toSet(names []string) nameSet {
	s := make(nameSet, len(names))
	s.add(names...)
	return s
}

type collector struct {
	targets     nameSet
	globals     nameSet
	filesIn     nameSet
	filesOut    nameSet
	ambiguities []*AmbiguityError
}

func newCollector() *collector {
	return &collector{
		targets:  make(nameSet),
		globals:  make(nameSet),
		filesIn:  make(nameSet),
		filesOut: make(nameSet),
	}
}

type walker struct {
	symbols *SymbolTable
	c       *collector
	shadow  nameSet
}

func (w *walker) child(names []string) *walker {
	shadow := make(nameSet, len(w.shadow)+len(names))
	for n := range w.shadow {
		shadow[n] = struct{}{}
	}
	shadow.add(names...)
	return &walker{symbols: w.symbols, c: w.c, shadow: shadow}
}

func (w *walker) shadowed(name string) bool {
	_, ok := w.shadow[name]
	return ok
}

func (w *walker) walk(node ast.Node) {
	ast.Inspect(node, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			w.child(funcLitLocals(x)).walk(x.Body)
			return false
		case *ast.SelectorExpr:
			// Sel names a field or method, not a symbol.
			w.walk(x.X)
			return false
		case *ast.CompositeLit:
			for _, elt := range x.Elts {
				w.walk(elt)
			}
			return false
		case *ast.CallExpr:
			if name, ok := x.Fun.(*ast.Ident); ok && !w.shadowed(name.Name) && !w.symbols.Known(name.Name) {
				switch name.Name {
				case core.FileInMarker:
					w.marker(x, w.c.filesIn)
				case core.FileOutMarker:
					w.marker(x, w.c.filesOut)
				}
			}
		case *ast.Ident:
			w.ident(x.Name)
		}
		return true
	})
}

func (w *walker) ident(name string) {
	if w.shadowed(name) {
		return
	}
	switch {
	case w.symbols.IsTarget(name):
		if w.symbols.HidesGlobal(name) {
			if _, seen := w.c.targets[name]; !seen {
				w.c.ambiguities = append(w.c.ambiguities, &AmbiguityError{
					Expr: name,
					Msg:  "name is both a target and a global; it refers to the target",
				})
			}
		}
		w.c.targets.add(name)
	case w.symbols.IsGlobal(name):
		w.c.globals.add(name)
	}
}

func (w *walker) marker(call *ast.CallExpr, into nameSet) {
	if len(call.Args) == 1 {
		if lit, ok := call.Args[0].(*ast.BasicLit); ok && lit.Kind == token.STRING {
			if p, err := strconv.Unquote(lit.Value); err == nil {
				into.add(p)
				return
			}
		}
	}
	w.c.ambiguities = append(w.c.ambiguities, &AmbiguityError{
		Expr: types.ExprString(call),
		Msg:  "file path is not a string literal; the file is not tracked",
	})
}

// funcLitLocals returns the names a function literal binds: its parameters and
// the variables its body defines.
func funcLitLocals(fn *ast.FuncLit) []string {
	var names []string
	if fn.Type.Params != nil {
		for _, field := range fn.Type.Params.List {
			for _, n := range field.Names {
				names = append(names, n.Name)
			}
		}
	}
	ast.Inspect(fn.Body, func(n ast.Node) bool {
		switch x := n.(type) {
		case *ast.FuncLit:
			return false
		case *ast.AssignStmt:
			if x.Tok == token.DEFINE {
				for _, lhs := range x.Lhs {
					if id, ok := lhs.(*ast.Ident); ok {
						names = append(names, id.Name)
					}
				}
			}
		case *ast.ValueSpec:
			for _, id := range x.Names {
				names = append(names, id.Name)
			}
		case *ast.RangeStmt:
			for _, e := range []ast.Expr{x.Key, x.Value} {
				if id, ok := e.(*ast.Ident); ok && x.Tok == token.DEFINE {
					names = append(names, id.Name)
				}
			}
		}
		return true
	})
	return names
}
