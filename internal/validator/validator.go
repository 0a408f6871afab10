// Package validator is the policy engine deciding whether a lowered query
// may execute at all and which top-level output columns must be tokenized.
// It is the single place policy logic lives: the result builder is a pure
// executor of the Plan this package emits.
package validator

import (
	"fmt"

	"github.com/sqlguard/mcpsqlguard/internal/catalog"
	"github.com/sqlguard/mcpsqlguard/internal/errs"
	"github.com/sqlguard/mcpsqlguard/internal/ir"
	"github.com/sqlguard/mcpsqlguard/internal/touch"
)

// builtinFuncs is the small built-in set every connection may call
// regardless of its safe-function allowlist.
var builtinFuncs = map[string]bool{
	"count": true, "sum": true, "avg": true, "min": true, "max": true,
	"lower": true, "upper": true, "coalesce": true, "length": true,
	"now": true, "concat": true, "substr": true, "substring": true,
	"trim": true, "round": true, "abs": true, "cast": true,
}

// ColKind distinguishes a plaintext output column from one whose values
// must be tokenized before being returned to the caller.
type ColKind int

const (
	ColPlaintext ColKind = iota
	ColToken
)

// ColPlan is the per-output-column decision.
type ColPlan struct {
	Kind  ColKind
	ColID string // canonical "schema.table.column"; only set when Kind == ColToken
}

// Plan is the validator's complete verdict for one accepted query.
type Plan struct {
	Cols []ColPlan
}

// Validate runs the ordered rule set against root using report and
// profile. The first rule triggered decides; acceptance returns a Plan,
// rejection a PolicyReject error carrying a QRERR_* machine code.
func Validate(root *ir.Query, report *touch.Report, profile *catalog.ConnProfile) (*Plan, error) {
	if root == nil {
		return nil, errs.Reject("QRERR_EMPTY", "empty query")
	}

	// Rule 1: parser status.
	if root.Status != ir.StatusOK {
		msg := root.ParseDiagnostic
		if msg == "" {
			msg = root.Status.String()
		}
		code := "QRERR_PARSE"
		if root.Status == ir.StatusUnsupported {
			code = "QRERR_UNSUPPORTED"
		}
		return nil, errs.Reject(code, msg)
	}

	// Rule 2: unsupported constructs or disallowed function calls.
	if report.HasUnsupported || queryHasUnsupported(root) {
		return nil, errs.Reject("QRERR_UNSUPPORTED", "statement uses an unsupported construct")
	}
	if name, ok := disallowedFunCall(root, profile); ok {
		return nil, errs.Reject("QRERR_FUNC_NOT_ALLOWED", fmt.Sprintf("function %q is not in the allowlist", name))
	}

	// Rule 3: unresolvable qualifiers. An unprovable reference could name
	// a sensitive column.
	if report.HasUnknownTouches {
		return nil, errs.Reject("QRERR_UNKNOWN_TOUCH", "statement references an unresolvable column qualifier")
	}

	// Rule 4: SELECT * anywhere, main or nested. Star output columns are
	// unnameable, so the tokenization decision cannot be made for them.
	if queryHasStar(root) {
		return nil, errs.Reject("QRERR_STAR", "SELECT * is not accepted; name output columns explicitly")
	}

	// Rule 5: a sensitive column may be touched only as a direct
	// top-level output, where it can be tokenized. Everywhere else
	// (WHERE, JOIN ON, GROUP BY, HAVING, ORDER BY, inside a computed
	// select item, anywhere in a nested query) it rejects.
	for _, t := range report.Touches {
		canon, ok := canonicalBaseColumn(t.Col, t.SourceQuery, profile)
		if !ok || !profile.SensitiveColumns[canon] {
			continue
		}
		if t.Scope == touch.ScopeMain && t.Output {
			continue
		}
		return nil, errs.Reject("QRERR_SENSITIVE_SCOPE",
			fmt.Sprintf("sensitive column %s.%s may only appear in the top-level SELECT list", t.Col.Qualifier, t.Col.Column))
	}

	// Rule 6: per-output-column plan.
	plan := &Plan{Cols: make([]ColPlan, len(root.SelectItems))}
	for i, item := range root.SelectItems {
		canon, ok := resolveCanonical(root, item.Value, profile)
		if ok && profile.SensitiveColumns[canon] {
			plan.Cols[i] = ColPlan{Kind: ColToken, ColID: canon}
		} else {
			plan.Cols[i] = ColPlan{Kind: ColPlaintext}
		}
	}
	return plan, nil
}

// queryHasUnsupported looks for a sticky HasUnsupported flag the touch
// report's own walk wouldn't surface (an unsupported FROM item with no
// column references at all still rejects).
func queryHasUnsupported(q *ir.Query) bool {
	if q == nil {
		return false
	}
	if q.Flags.HasUnsupported {
		return true
	}
	for _, cte := range q.CTEs {
		if queryHasUnsupported(cte.Query) {
			return true
		}
	}
	for _, fi := range q.FromItems {
		if sub, ok := fi.Kind.(ir.SubqueryFrom); ok && queryHasUnsupported(sub.Query) {
			return true
		}
	}
	for _, j := range q.Joins {
		if sub, ok := j.Rhs.Kind.(ir.SubqueryFrom); ok && queryHasUnsupported(sub.Query) {
			return true
		}
	}
	return false
}

func queryHasStar(q *ir.Query) bool {
	if q == nil {
		return false
	}
	if q.Flags.HasStar {
		return true
	}
	for _, cte := range q.CTEs {
		if queryHasStar(cte.Query) {
			return true
		}
	}
	for _, fi := range q.FromItems {
		if sub, ok := fi.Kind.(ir.SubqueryFrom); ok && queryHasStar(sub.Query) {
			return true
		}
	}
	for _, j := range q.Joins {
		if sub, ok := j.Rhs.Kind.(ir.SubqueryFrom); ok && queryHasStar(sub.Query) {
			return true
		}
	}
	return false
}

// disallowedFunCall walks every expression in root (nested queries
// included) looking for a FunCall whose name is neither built-in nor on
// profile's allowlist.
func disallowedFunCall(root *ir.Query, profile *catalog.ConnProfile) (string, bool) {
	var found string
	var ok bool
	walkAllExprs(root, func(e ir.Expr) {
		if ok {
			return
		}
		fc, isFunc := e.(ir.FunCall)
		if !isFunc {
			return
		}
		if builtinFuncs[fc.Name] || profile.SafeFunctions[fc.Name] {
			return
		}
		found, ok = fc.Name, true
	})
	return found, ok
}

func fromAliasTable(q *ir.Query) map[string]ir.FromKind {
	table := make(map[string]ir.FromKind, len(q.FromItems)+len(q.Joins))
	for _, fi := range q.FromItems {
		table[fi.Alias] = fi.Kind
	}
	for _, j := range q.Joins {
		table[j.Rhs.Alias] = j.Rhs.Kind
	}
	return table
}

// canonicalBaseColumn resolves col to "schema.table.column" when its
// qualifier names a BaseRel in src's own alias table. Derived relations
// resolve to nothing here; their interiors carry their own touches.
func canonicalBaseColumn(col ir.ColRef, src *ir.Query, profile *catalog.ConnProfile) (string, bool) {
	if src == nil {
		return "", false
	}
	kind, ok := fromAliasTable(src)[col.Qualifier]
	if !ok {
		return "", false
	}
	base, ok := kind.(ir.BaseRel)
	if !ok {
		return "", false
	}
	schema := base.Schema
	if schema == "" {
		schema = profile.DefaultSchema
	}
	return schema + "." + base.Name + "." + col.Column, true
}

// resolveCanonical resolves a top-level SELECT output expression to its
// base schema.table.column id, chasing CTE/subquery/alias chains. Only
// bare column references (directly, or through a chain of derived-
// relation passthroughs) resolve; a computed expression has no canonical
// id and is never tokenized.
func resolveCanonical(root *ir.Query, expr ir.Expr, profile *catalog.ConnProfile) (string, bool) {
	col, ok := expr.(ir.ColRef)
	if !ok {
		return "", false
	}
	return resolveColRef(root, col, profile, 0)
}

const maxResolveDepth = 32

func resolveColRef(q *ir.Query, col ir.ColRef, profile *catalog.ConnProfile, depth int) (string, bool) {
	if depth > maxResolveDepth {
		return "", false
	}
	kind, ok := fromAliasTable(q)[col.Qualifier]
	if !ok {
		return "", false
	}
	switch v := kind.(type) {
	case ir.BaseRel:
		schema := v.Schema
		if schema == "" {
			schema = profile.DefaultSchema
		}
		return schema + "." + v.Name + "." + col.Column, true
	case ir.SubqueryFrom:
		return resolveThroughQuery(v.Query, col.Column, profile, depth+1)
	case ir.CteRef:
		cte := findCte(q, v.Name)
		if cte == nil {
			return "", false
		}
		return resolveThroughQuery(cte, col.Column, profile, depth+1)
	default:
		return "", false
	}
}

// resolveThroughQuery finds outAlias among inner's own SELECT items and,
// if that item is itself a bare column reference, keeps chasing.
func resolveThroughQuery(inner *ir.Query, outAlias string, profile *catalog.ConnProfile, depth int) (string, bool) {
	if inner == nil {
		return "", false
	}
	for _, item := range inner.SelectItems {
		if item.OutAlias != outAlias {
			continue
		}
		innerCol, ok := item.Value.(ir.ColRef)
		if !ok {
			return "", false
		}
		return resolveColRef(inner, innerCol, profile, depth)
	}
	return "", false
}

func findCte(q *ir.Query, name string) *ir.Query {
	for _, cte := range q.CTEs {
		if cte.Name == name {
			return cte.Query
		}
	}
	return nil
}

// walkAllExprs visits every expression reachable from q, nested queries
// included.
func walkAllExprs(q *ir.Query, visit func(ir.Expr)) {
	if q == nil {
		return
	}
	for _, cte := range q.CTEs {
		walkAllExprs(cte.Query, visit)
	}
	for _, fi := range q.FromItems {
		if sub, ok := fi.Kind.(ir.SubqueryFrom); ok {
			walkAllExprs(sub.Query, visit)
		}
	}
	for _, j := range q.Joins {
		if sub, ok := j.Rhs.Kind.(ir.SubqueryFrom); ok {
			walkAllExprs(sub.Query, visit)
		}
		walkExprTree(j.On, visit)
	}
	for _, item := range q.SelectItems {
		walkExprTree(item.Value, visit)
	}
	walkExprTree(q.Where, visit)
	for _, g := range q.GroupBy {
		walkExprTree(g, visit)
	}
	walkExprTree(q.Having, visit)
	for _, o := range q.OrderBy {
		walkExprTree(o.Expr, visit)
	}
}

func walkExprTree(e ir.Expr, visit func(ir.Expr)) {
	if e == nil {
		return
	}
	visit(e)
	switch v := e.(type) {
	case ir.FunCall:
		for _, a := range v.Args {
			walkExprTree(a, visit)
		}
	case ir.Cast:
		walkExprTree(v.Expr, visit)
	case ir.Binary:
		walkExprTree(v.Left, visit)
		walkExprTree(v.Right, visit)
	case ir.In:
		walkExprTree(v.Lhs, visit)
		for _, item := range v.Items {
			walkExprTree(item, visit)
		}
	case ir.Case:
		walkExprTree(v.Arg, visit)
		for _, w := range v.Whens {
			walkExprTree(w.When, visit)
			walkExprTree(w.Then, visit)
		}
		walkExprTree(v.Else, visit)
	case ir.WindowFunc:
		if v.Call != nil {
			walkExprTree(*v.Call, visit)
		}
		for _, p := range v.PartitionBy {
			walkExprTree(p, visit)
		}
		for _, o := range v.OrderBy {
			walkExprTree(o.Expr, visit)
		}
	case ir.SubqueryExpr:
		walkAllExprs(v.Query, visit)
	}
}
