// Package touch walks a query IR and records one Touch per column
// reference reachable anywhere in the tree: CTE bodies, FROM subqueries,
// JOIN right-hand sides, JOIN ON, the SELECT list, WHERE, GROUP BY,
// HAVING, ORDER BY, and every expression subquery.
package touch

import (
	"github.com/sqlguard/mcpsqlguard/internal/arena"
	"github.com/sqlguard/mcpsqlguard/internal/ir"
)

// Scope records whether a Touch resolved at the top-level query or inside
// a nested one. A correlated reference that resolves to an enclosing
// query's alias carries that enclosing query's scope, not the scope of
// the subquery it appears in.
type Scope int

const (
	ScopeMain Scope = iota
	ScopeNested
)

// Kind classifies what the column's qualifier resolves to.
type Kind int

const (
	KindBase Kind = iota
	KindDerived
	KindUnknown
)

// Touch is one recorded column reference. SourceQuery is the query block
// whose alias table resolved the qualifier (the innermost block for an
// unresolved one). Output is set only for a column that IS a top-level
// SELECT-list item, not merely part of one.
type Touch struct {
	Scope       Scope
	Kind        Kind
	Col         ir.ColRef
	SourceQuery *ir.Query
	Output      bool
}

// Report is the extractor's output. The two flags are sticky-true.
type Report struct {
	Touches           []Touch
	HasUnknownTouches bool
	HasUnsupported    bool
}

// Extract walks root and produces its Report. Extraction never panics;
// anything it cannot model flips HasUnsupported instead.
func Extract(root *ir.Query) *Report {
	e := &extractor{vec: &arena.PtrVec[Touch]{}}
	if root != nil {
		e.walkQuery(root, nil)
	}
	return &Report{
		Touches:           e.vec.Flatten(),
		HasUnknownTouches: e.hasUnknown,
		HasUnsupported:    e.hasUnsupported,
	}
}

type extractor struct {
	vec            *arena.PtrVec[Touch]
	hasUnknown     bool
	hasUnsupported bool
}

// frame is one query block on the lexical scope chain. The first frame
// pushed is the top-level query.
type frame struct {
	q     *ir.Query
	table map[string]ir.FromKind
	scope Scope
}

// aliasTable collects q's own FROM and JOIN-rhs aliases. Resolution is
// purely lexical; nothing from sibling or child blocks leaks in.
func aliasTable(q *ir.Query) map[string]ir.FromKind {
	table := make(map[string]ir.FromKind, len(q.FromItems)+len(q.Joins))
	for _, fi := range q.FromItems {
		table[fi.Alias] = fi.Kind
	}
	for _, j := range q.Joins {
		table[j.Rhs.Alias] = j.Rhs.Kind
	}
	return table
}

func kindOf(fk ir.FromKind) Kind {
	switch fk.(type) {
	case ir.BaseRel:
		return KindBase
	case ir.SubqueryFrom, ir.CteRef, ir.ValuesRel:
		return KindDerived
	default:
		return KindUnknown
	}
}

// record resolves col against the scope chain, innermost block first, so
// a correlated subquery reference lands on the enclosing block that
// declared the alias.
func (e *extractor) record(stack []frame, col ir.ColRef, output bool) {
	inner := stack[len(stack)-1]

	if col.Qualifier != "" {
		for i := len(stack) - 1; i >= 0; i-- {
			fk, ok := stack[i].table[col.Qualifier]
			if !ok {
				continue
			}
			kind := kindOf(fk)
			if kind == KindUnknown {
				e.hasUnknown = true
			}
			e.vec.Append(Touch{Scope: stack[i].scope, Kind: kind, Col: col, SourceQuery: stack[i].q, Output: output})
			return
		}
	}

	e.hasUnknown = true
	e.vec.Append(Touch{Scope: inner.scope, Kind: KindUnknown, Col: col, SourceQuery: inner.q, Output: output})
}

func (e *extractor) walkQuery(q *ir.Query, parents []frame) {
	if q == nil {
		return
	}
	if q.Flags.HasUnsupported {
		e.hasUnsupported = true
	}

	scope := ScopeNested
	if len(parents) == 0 {
		scope = ScopeMain
	}
	stack := append(parents[:len(parents):len(parents)], frame{q: q, table: aliasTable(q), scope: scope})

	// CTE bodies see the enclosing chain but never each other's aliases.
	for _, cte := range q.CTEs {
		e.walkQuery(cte.Query, stack)
	}
	for _, fi := range q.FromItems {
		if sub, ok := fi.Kind.(ir.SubqueryFrom); ok {
			e.walkQuery(sub.Query, stack)
		}
	}
	for _, j := range q.Joins {
		if sub, ok := j.Rhs.Kind.(ir.SubqueryFrom); ok {
			e.walkQuery(sub.Query, stack)
		}
		e.walkExpr(stack, j.On, false)
	}
	for _, item := range q.SelectItems {
		// A bare column reference that is itself a top-level SELECT item
		// is an output touch; a column buried inside a computed item is
		// not.
		if col, ok := item.Value.(ir.ColRef); ok {
			e.record(stack, col, scope == ScopeMain)
			continue
		}
		e.walkExpr(stack, item.Value, false)
	}
	e.walkExpr(stack, q.Where, false)
	for _, g := range q.GroupBy {
		e.walkExpr(stack, g, false)
	}
	e.walkExpr(stack, q.Having, false)
	for _, o := range q.OrderBy {
		e.walkExpr(stack, o.Expr, false)
	}
}

func (e *extractor) walkExpr(stack []frame, expr ir.Expr, output bool) {
	if expr == nil {
		return
	}
	switch v := expr.(type) {
	case ir.ColRef:
		e.record(stack, v, output)
	case ir.Param, ir.Literal:
		// no column references
	case ir.FunCall:
		for _, a := range v.Args {
			e.walkExpr(stack, a, false)
		}
	case ir.Cast:
		e.walkExpr(stack, v.Expr, false)
	case ir.Binary:
		e.walkExpr(stack, v.Left, false)
		e.walkExpr(stack, v.Right, false)
	case ir.In:
		e.walkExpr(stack, v.Lhs, false)
		for _, item := range v.Items {
			e.walkExpr(stack, item, false)
		}
	case ir.Case:
		e.walkExpr(stack, v.Arg, false)
		for _, w := range v.Whens {
			e.walkExpr(stack, w.When, false)
			e.walkExpr(stack, w.Then, false)
		}
		e.walkExpr(stack, v.Else, false)
	case ir.WindowFunc:
		if v.Call != nil {
			e.walkExpr(stack, *v.Call, false)
		}
		for _, p := range v.PartitionBy {
			e.walkExpr(stack, p, false)
		}
		for _, o := range v.OrderBy {
			e.walkExpr(stack, o.Expr, false)
		}
	case ir.SubqueryExpr:
		e.walkQuery(v.Query, stack)
	case ir.Unsupported:
		e.hasUnsupported = true
	}
}
