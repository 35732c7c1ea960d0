package script

import (
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"

	"github.com/mkeeter/halfspace/pkg/engine"
)

// expr is a parsed input expression.
type expr struct {
	src  string
	refs []engine.Reference
}

func (e *expr) Source() string { return e.src }

func (e *expr) References() []engine.Reference { return e.refs }

// references returns the free identifiers of e that are neither builtins
// nor names bound inside the expression itself. name.attr is reported as a
// read of output attr.
func references(e syntax.Expr, builtins starlark.StringDict) []engine.Reference {
	bound := boundNames(e)
	seen := make(map[engine.Reference]bool)

	free := func(name string) bool {
		return !bound[name] && !builtins.Has(name) && !starlark.Universe.Has(name)
	}

	var visit func(n syntax.Node) bool
	visit = func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.DotExpr:
			if id, ok := n.X.(*syntax.Ident); ok {
				if free(id.Name) {
					seen[engine.Reference{Name: id.Name, Output: n.Name.Name}] = true
				}
			} else {
				syntax.Walk(n.X, visit)
			}
			return false
		case *syntax.CallExpr:
			syntax.Walk(n.Fn, visit)
			for _, arg := range n.Args {
				// Keyword argument names are not references.
				if kw, ok := arg.(*syntax.BinaryExpr); ok && kw.Op == syntax.EQ {
					syntax.Walk(kw.Y, visit)
					continue
				}
				syntax.Walk(arg, visit)
			}
			return false
		case *syntax.LambdaExpr:
			for _, param := range n.Params {
				if def, ok := param.(*syntax.BinaryExpr); ok && def.Op == syntax.EQ {
					syntax.Walk(def.Y, visit)
				}
			}
			syntax.Walk(n.Body, visit)
			return false
		case *syntax.Ident:
			if free(n.Name) {
				seen[engine.Reference{Name: n.Name}] = true
			}
		}
		return true
	}
	syntax.Walk(e, visit)

	refs := make([]engine.Reference, 0, len(seen))
	for r := range seen {
		refs = append(refs, r)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Less(refs[j]) })
	return refs
}

// boundNames collects comprehension variables and lambda parameters.
func boundNames(e syntax.Expr) map[string]bool {
	bound := make(map[string]bool)
	bind := func(n syntax.Node) {
		syntax.Walk(n, func(n syntax.Node) bool {
			if id, ok := n.(*syntax.Ident); ok {
				bound[id.Name] = true
			}
			return true
		})
	}

	syntax.Walk(e, func(n syntax.Node) bool {
		switch n := n.(type) {
		case *syntax.ForClause:
			bind(n.Vars)
		case *syntax.LambdaExpr:
			for _, param := range n.Params {
				switch p := param.(type) {
				case *syntax.Ident:
					bind(p)
				case *syntax.BinaryExpr:
					bind(p.X)
				case *syntax.UnaryExpr:
					if p.X != nil {
						bind(p.X)
					}
				}
			}
		}
		return true
	})
	return bound
}
