// Package pgbackend lowers PostgreSQL SQL text into the shared IR using
// pganalyze/pg_query_go, the real PostgreSQL grammar. The accepted surface
// is a small read-only SELECT subset; everything else comes back as a
// parse error or an unsupported marker rather than a guess.
package pgbackend

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/sqlguard/mcpsqlguard/internal/ir"
)

const defaultArenaBytes = 1 << 16

// Backend is the pg_query_go-backed lower.Lowerer.
type Backend struct{}

func New() Backend { return Backend{} }

// Lower implements lower.Lowerer.
func (Backend) Lower(sql string) (*ir.Handle, error) {
	h := ir.NewHandle(defaultArenaBytes)

	result, err := pg_query.Parse(sql)
	if err != nil {
		h.Root = &ir.Query{Status: ir.StatusParseError, ParseDiagnostic: err.Error()}
		return h, nil
	}
	if len(result.Stmts) != 1 {
		h.Root = &ir.Query{Status: ir.StatusUnsupported, Flags: ir.QueryFlags{HasUnsupported: true}, ParseDiagnostic: "exactly one statement is accepted"}
		return h, nil
	}

	stmt := result.Stmts[0].Stmt
	sel, ok := stmt.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		h.Root = &ir.Query{Status: ir.StatusUnsupported, Flags: ir.QueryFlags{HasUnsupported: true}, ParseDiagnostic: "only a single SELECT statement is accepted"}
		return h, nil
	}

	l := &lowerer{h: h}
	q := l.selectStmt(sel.SelectStmt)
	h.Root = q
	return h, nil
}

type lowerer struct {
	h *ir.Handle
}

// intern stores an identifier string the grammar already case-folded:
// pg_query hands back unquoted names lower-cased and quoted names
// verbatim, so no further normalization happens here.
func (l *lowerer) intern(s string) ir.Identifier {
	return l.h.Intern(s)
}

func (l *lowerer) unsupported(q *ir.Query, reason string) {
	q.Flags.HasUnsupported = true
	if q.Status == ir.StatusOK {
		q.Status = ir.StatusUnsupported
	}
	if q.ParseDiagnostic == "" {
		q.ParseDiagnostic = reason
	}
}

// selectStmt lowers one SelectStmt, including a leading WITH clause. Set
// operations (UNION/INTERSECT/EXCEPT) and VALUES-only statements are
// marked unsupported rather than modeled.
func (l *lowerer) selectStmt(stmt *pg_query.SelectStmt) *ir.Query {
	q := &ir.Query{Status: ir.StatusOK, Limit: ir.NoLimit, Offset: 0}

	if stmt.Op != pg_query.SetOperation_SETOP_NONE {
		l.unsupported(q, "set operations (UNION/INTERSECT/EXCEPT) are not accepted")
		return q
	}
	if stmt.ValuesLists != nil {
		l.unsupported(q, "bare VALUES statements are not accepted")
		return q
	}

	if stmt.WithClause != nil {
		if stmt.WithClause.Recursive {
			l.unsupported(q, "recursive CTEs are not accepted")
		} else {
			for _, c := range stmt.WithClause.Ctes {
				cte, ok := c.Node.(*pg_query.Node_CommonTableExpr)
				if !ok || cte.CommonTableExpr.Ctequery == nil {
					l.unsupported(q, "unrecognized CTE")
					continue
				}
				inner, ok := cte.CommonTableExpr.Ctequery.Node.(*pg_query.Node_SelectStmt)
				if !ok {
					l.unsupported(q, "CTE body must be a SELECT")
					continue
				}
				q.CTEs = append(q.CTEs, ir.Cte{
					Name:  l.intern(cte.CommonTableExpr.Ctename),
					Query: l.selectStmt(inner.SelectStmt),
				})
			}
		}
	}

	if stmt.DistinctClause != nil {
		q.Flags.HasDistinct = true
	}

	for _, node := range stmt.FromClause {
		l.fromClauseItem(q, node)
	}

	aliasTable := fromAliasTable(q)

	for _, node := range stmt.TargetList {
		rt, ok := node.Node.(*pg_query.Node_ResTarget)
		if !ok {
			l.unsupported(q, "unrecognized select-list entry")
			continue
		}
		l.resTarget(q, rt.ResTarget)
	}

	if stmt.WhereClause != nil {
		q.Where = l.expr(stmt.WhereClause, aliasTable)
	}
	for _, node := range stmt.GroupClause {
		q.GroupBy = append(q.GroupBy, l.expr(node, aliasTable))
	}
	if stmt.HavingClause != nil {
		q.Having = l.expr(stmt.HavingClause, aliasTable)
	}
	for _, node := range stmt.SortClause {
		sb, ok := node.Node.(*pg_query.Node_SortBy)
		if !ok {
			continue
		}
		q.OrderBy = append(q.OrderBy, l.sortBy(q, sb.SortBy, aliasTable))
	}

	if stmt.LimitCount != nil {
		if n, ok := l.intConst(stmt.LimitCount); ok {
			q.Limit = n
		}
	}
	if stmt.LimitOffset != nil {
		q.Flags.HasOffset = true
		if n, ok := l.intConst(stmt.LimitOffset); ok {
			q.Offset = n
		}
	}

	return q
}

func (l *lowerer) intConst(node *pg_query.Node) (int64, bool) {
	c, ok := node.Node.(*pg_query.Node_AConst)
	if !ok {
		return 0, false
	}
	if iv, ok := c.AConst.Val.(*pg_query.A_Const_Ival); ok {
		return int64(iv.Ival.Ival), true
	}
	return 0, false
}

// fromAliasTable builds q's lexically-scoped alias table. Recomputed at
// each use site because JOIN lowering extends the FROM list as it goes.
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

func (l *lowerer) fromClauseItem(q *ir.Query, node *pg_query.Node) {
	switch v := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		fi, ok := l.rangeVar(v.RangeVar)
		if !ok {
			l.unsupported(q, "FROM item missing a mandatory alias")
			return
		}
		q.FromItems = append(q.FromItems, fi)
	case *pg_query.Node_RangeSubselect:
		if fi, ok := l.rangeSubselect(q, v.RangeSubselect); ok {
			q.FromItems = append(q.FromItems, fi)
		}
	case *pg_query.Node_RangeFunction:
		// Kept as a placeholder item so the tree's shape survives; the
		// sticky flag already dooms the statement.
		l.unsupported(q, "set-returning functions in FROM are not accepted")
		alias := ""
		if v.RangeFunction.Alias != nil {
			alias = v.RangeFunction.Alias.Aliasname
		}
		q.FromItems = append(q.FromItems, ir.FromItem{Alias: l.intern(alias), Kind: ir.UnsupportedFrom{}})
	case *pg_query.Node_JoinExpr:
		l.joinExpr(q, v.JoinExpr)
	default:
		l.unsupported(q, "unrecognized FROM item")
		q.FromItems = append(q.FromItems, ir.FromItem{Kind: ir.UnsupportedFrom{}})
	}
}

// rangeSubselect lowers a parenthesized FROM item: a plain subquery, or
// a VALUES list, which becomes a ValuesRel carrying the alias's column
// names rather than a nested query.
func (l *lowerer) rangeSubselect(q *ir.Query, rs *pg_query.RangeSubselect) (ir.FromItem, bool) {
	if rs.Lateral {
		l.unsupported(q, "LATERAL is not accepted")
		return ir.FromItem{}, false
	}
	alias := ""
	var colNames []ir.Identifier
	if rs.Alias != nil {
		alias = rs.Alias.Aliasname
		for _, cn := range rs.Alias.Colnames {
			if name, ok := fieldName(cn); ok {
				colNames = append(colNames, l.intern(name))
			}
		}
	}
	if alias == "" {
		l.unsupported(q, "FROM subquery missing a mandatory alias")
		return ir.FromItem{}, false
	}
	sel, ok := rs.Subquery.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		l.unsupported(q, "unrecognized FROM subquery")
		return ir.FromItem{}, false
	}
	if sel.SelectStmt.ValuesLists != nil {
		return ir.FromItem{Alias: l.intern(alias), Kind: ir.ValuesRel{ColNames: colNames}}, true
	}
	return ir.FromItem{Alias: l.intern(alias), Kind: ir.SubqueryFrom{Query: l.selectStmt(sel.SelectStmt)}}, true
}

func (l *lowerer) rangeVar(rv *pg_query.RangeVar) (ir.FromItem, bool) {
	alias := ""
	if rv.Alias != nil {
		alias = rv.Alias.Aliasname
	}
	if alias == "" {
		return ir.FromItem{}, false
	}
	schema := ""
	if rv.Schemaname != "" {
		schema = l.intern(rv.Schemaname)
	}
	return ir.FromItem{
		Alias: l.intern(alias),
		Kind:  ir.BaseRel{Schema: schema, Name: l.intern(rv.Relname)},
	}, true
}

func (l *lowerer) joinExpr(q *ir.Query, je *pg_query.JoinExpr) {
	if je.IsNatural {
		l.unsupported(q, "NATURAL JOIN is not accepted")
		return
	}
	l.fromClauseItem(q, je.Larg)

	var kind ir.JoinKind
	switch je.Jointype {
	case pg_query.JoinType_JOIN_INNER:
		kind = ir.JoinInner
	case pg_query.JoinType_JOIN_LEFT:
		kind = ir.JoinLeft
	case pg_query.JoinType_JOIN_RIGHT:
		kind = ir.JoinRight
	case pg_query.JoinType_JOIN_FULL:
		kind = ir.JoinFull
	default:
		kind = ir.JoinUnsupported
	}
	if je.Quals == nil && je.UsingClause == nil && kind != ir.JoinUnsupported {
		kind = ir.JoinCross
	}

	var rhs ir.FromItem
	switch v := je.Rarg.Node.(type) {
	case *pg_query.Node_RangeVar:
		fi, ok := l.rangeVar(v.RangeVar)
		if !ok {
			l.unsupported(q, "JOIN right-hand side missing a mandatory alias")
			return
		}
		rhs = fi
	case *pg_query.Node_RangeSubselect:
		fi, ok := l.rangeSubselect(q, v.RangeSubselect)
		if !ok {
			return
		}
		rhs = fi
	default:
		l.unsupported(q, "unrecognized JOIN right-hand side")
		return
	}

	table := fromAliasTable(q)
	table[rhs.Alias] = rhs.Kind
	var on ir.Expr
	if je.Quals != nil {
		on = l.expr(je.Quals, table)
	} else if len(je.UsingClause) > 0 {
		l.unsupported(q, "USING clause is not accepted; use an explicit ON")
	}

	q.Joins = append(q.Joins, ir.Join{Kind: kind, Rhs: rhs, On: on})
}

func (l *lowerer) resTarget(q *ir.Query, rt *pg_query.ResTarget) {
	if colRef, ok := rt.Val.Node.(*pg_query.Node_ColumnRef); ok && isStarColumnRef(colRef.ColumnRef) {
		q.Flags.HasStar = true
		q.SelectItems = append(q.SelectItems, ir.SelectItem{Value: ir.FunCall{IsStar: true}, OutAlias: "*"})
		return
	}

	table := fromAliasTable(q)
	val := l.expr(rt.Val, table)
	alias := rt.Name
	if alias == "" {
		alias = deriveAlias(val)
	}
	q.SelectItems = append(q.SelectItems, ir.SelectItem{Value: val, OutAlias: l.intern(alias)})
}

func isStarColumnRef(cr *pg_query.ColumnRef) bool {
	if len(cr.Fields) == 0 {
		return false
	}
	_, ok := cr.Fields[len(cr.Fields)-1].Node.(*pg_query.Node_AStar)
	return ok
}

func deriveAlias(e ir.Expr) string {
	switch v := e.(type) {
	case ir.ColRef:
		return v.Column
	case ir.FunCall:
		return v.Name
	default:
		return "?column?"
	}
}

// sortBy resolves an ORDER BY item against the select list's output
// aliases before falling back to a fresh expression.
func (l *lowerer) sortBy(q *ir.Query, sb *pg_query.SortBy, table map[string]ir.FromKind) ir.OrderItem {
	desc := sb.SortbyDir == pg_query.SortByDir_SORTBY_DESC

	if colRef, ok := sb.Node.Node.(*pg_query.Node_ColumnRef); ok && len(colRef.ColumnRef.Fields) == 1 {
		if name, ok := fieldName(colRef.ColumnRef.Fields[0]); ok {
			for _, item := range q.SelectItems {
				if item.OutAlias == l.intern(name) {
					return ir.OrderItem{Expr: item.Value, Desc: desc}
				}
			}
		}
	}

	return ir.OrderItem{Expr: l.expr(sb.Node, table), Desc: desc}
}

func fieldName(node *pg_query.Node) (string, bool) {
	s, ok := node.Node.(*pg_query.Node_String_)
	if !ok {
		return "", false
	}
	return s.String_.Sval, true
}

// expr lowers one scalar expression node. An unmodelable construct
// becomes a non-fatal ir.Unsupported leaf rather than aborting the walk,
// so the rest of the tree's structure stays visible downstream.
func (l *lowerer) expr(node *pg_query.Node, table map[string]ir.FromKind) ir.Expr {
	if node == nil {
		return ir.Unsupported{Reason: "nil expression"}
	}
	switch v := node.Node.(type) {
	case *pg_query.Node_ColumnRef:
		return l.columnRef(v.ColumnRef)
	case *pg_query.Node_ParamRef:
		return ir.Param{N: int(v.ParamRef.Number)}
	case *pg_query.Node_AConst:
		return l.aConst(v.AConst)
	case *pg_query.Node_TypeCast:
		inner := l.expr(v.TypeCast.Arg, table)
		typeName := "?"
		if v.TypeCast.TypeName != nil && len(v.TypeCast.TypeName.Names) > 0 {
			if s, ok := fieldName(v.TypeCast.TypeName.Names[len(v.TypeCast.TypeName.Names)-1]); ok {
				typeName = s
			}
		}
		return ir.Cast{Expr: inner, Type: typeName}
	case *pg_query.Node_FuncCall:
		return l.funcCall(v.FuncCall, table)
	case *pg_query.Node_BoolExpr:
		return l.boolExpr(v.BoolExpr, table)
	case *pg_query.Node_NullTest:
		return l.nullTest(v.NullTest, table)
	case *pg_query.Node_AExpr:
		return l.aExpr(v.AExpr, table)
	case *pg_query.Node_CaseExpr:
		return l.caseExpr(v.CaseExpr, table)
	case *pg_query.Node_SubLink:
		return l.subLink(v.SubLink, table)
	case *pg_query.Node_AArrayExpr:
		return ir.Unsupported{Reason: "array literals are not accepted"}
	default:
		return ir.Unsupported{Reason: fmt.Sprintf("unsupported expression node %T", node.Node)}
	}
}

func (l *lowerer) columnRef(cr *pg_query.ColumnRef) ir.Expr {
	var parts []string
	for _, f := range cr.Fields {
		if name, ok := fieldName(f); ok {
			parts = append(parts, name)
		}
	}
	switch len(parts) {
	case 1:
		return ir.ColRef{Column: l.intern(parts[0])}
	case 2:
		return ir.ColRef{Qualifier: l.intern(parts[0]), Column: l.intern(parts[1])}
	default:
		return ir.Unsupported{Reason: "unsupported column reference shape"}
	}
}

func (l *lowerer) aConst(c *pg_query.A_Const) ir.Expr {
	switch val := c.Val.(type) {
	case *pg_query.A_Const_Ival:
		return ir.Literal{Kind: ir.LitI64, I64: int64(val.Ival.Ival)}
	case *pg_query.A_Const_Fval:
		var f float64
		fmt.Sscanf(val.Fval.Fval, "%g", &f)
		return ir.Literal{Kind: ir.LitF64, F64: f}
	case *pg_query.A_Const_Boolval:
		return ir.Literal{Kind: ir.LitBool, Bool: val.Boolval.Boolval}
	case *pg_query.A_Const_Sval:
		return ir.Literal{Kind: ir.LitStr, Str: val.Sval.Sval}
	default:
		return ir.Literal{Kind: ir.LitNull}
	}
}

func (l *lowerer) funcCall(fc *pg_query.FuncCall, table map[string]ir.FromKind) ir.Expr {
	var schema, name string
	switch len(fc.Funcname) {
	case 1:
		n, _ := fieldName(fc.Funcname[0])
		name = n
	case 2:
		s, _ := fieldName(fc.Funcname[0])
		n, _ := fieldName(fc.Funcname[1])
		schema, name = s, n
	default:
		return ir.Unsupported{Reason: "unsupported function name shape"}
	}

	call := &ir.FunCall{
		Schema:     l.intern(schema),
		Name:       l.intern(name),
		IsStar:     fc.AggStar,
		IsDistinct: fc.AggDistinct,
	}
	for _, a := range fc.Args {
		call.Args = append(call.Args, l.expr(a, table))
	}

	if fc.Over != nil {
		wf := ir.WindowFunc{Call: call}
		for _, p := range fc.Over.PartitionClause {
			wf.PartitionBy = append(wf.PartitionBy, l.expr(p, table))
		}
		for _, s := range fc.Over.OrderClause {
			if sb, ok := s.Node.(*pg_query.Node_SortBy); ok {
				wf.OrderBy = append(wf.OrderBy, ir.OrderItem{
					Expr: l.expr(sb.SortBy.Node, table),
					Desc: sb.SortBy.SortbyDir == pg_query.SortByDir_SORTBY_DESC,
				})
			}
		}
		wf.HasFrame = fc.Over.FrameOptions != 0
		return wf
	}
	return *call
}

func (l *lowerer) boolExpr(be *pg_query.BoolExpr, table map[string]ir.FromKind) ir.Expr {
	switch be.Boolop {
	case pg_query.BoolExprType_NOT_EXPR:
		if len(be.Args) != 1 {
			return ir.Unsupported{Reason: "malformed NOT"}
		}
		return ir.Binary{Op: ir.OpNot, Left: l.expr(be.Args[0], table)}
	case pg_query.BoolExprType_AND_EXPR, pg_query.BoolExprType_OR_EXPR:
		op := ir.OpAnd
		if be.Boolop == pg_query.BoolExprType_OR_EXPR {
			op = ir.OpOr
		}
		if len(be.Args) == 0 {
			return ir.Unsupported{Reason: "empty boolean expression"}
		}
		acc := l.expr(be.Args[0], table)
		for _, a := range be.Args[1:] {
			acc = ir.Binary{Op: op, Left: acc, Right: l.expr(a, table)}
		}
		return acc
	default:
		return ir.Unsupported{Reason: "unsupported boolean expression"}
	}
}

func (l *lowerer) nullTest(nt *pg_query.NullTest, table map[string]ir.FromKind) ir.Expr {
	arg := l.expr(nt.Arg, table)
	op := ir.OpEQ
	if nt.Nulltesttype == pg_query.NullTestType_IS_NOT_NULL {
		op = ir.OpNE
	}
	return ir.Binary{Op: op, Left: arg, Right: ir.Literal{Kind: ir.LitNull}}
}

// aExpr handles plain operators, LIKE, BETWEEN, and ANY/ALL/IN.
func (l *lowerer) aExpr(ae *pg_query.A_Expr, table map[string]ir.FromKind) ir.Expr {
	switch ae.Kind {
	case pg_query.A_Expr_Kind_AEXPR_BETWEEN, pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN:
		return l.between(ae, table)
	case pg_query.A_Expr_Kind_AEXPR_OP:
		return l.binaryOp(ae, table)
	case pg_query.A_Expr_Kind_AEXPR_LIKE:
		return ir.Binary{Op: ir.OpLike, Left: l.expr(ae.Lexpr, table), Right: l.expr(ae.Rexpr, table)}
	case pg_query.A_Expr_Kind_AEXPR_IN, pg_query.A_Expr_Kind_AEXPR_OP_ANY, pg_query.A_Expr_Kind_AEXPR_OP_ALL:
		lhs := l.expr(ae.Lexpr, table)
		items := l.inList(ae.Rexpr, table)
		if len(items) == 0 {
			return ir.Unsupported{Reason: "empty IN list"}
		}
		return ir.In{Lhs: lhs, Items: items}
	default:
		return ir.Unsupported{Reason: "unsupported operator expression"}
	}
}

func (l *lowerer) inList(node *pg_query.Node, table map[string]ir.FromKind) []ir.Expr {
	if lst, ok := node.Node.(*pg_query.Node_List); ok {
		var items []ir.Expr
		for _, it := range lst.List.Items {
			items = append(items, l.expr(it, table))
		}
		return items
	}
	return []ir.Expr{l.expr(node, table)}
}

func (l *lowerer) between(ae *pg_query.A_Expr, table map[string]ir.FromKind) ir.Expr {
	lst, ok := ae.Rexpr.Node.(*pg_query.Node_List)
	if !ok || len(lst.List.Items) != 2 {
		return ir.Unsupported{Reason: "malformed BETWEEN"}
	}
	lhs := l.expr(ae.Lexpr, table)
	low := l.expr(lst.List.Items[0], table)
	high := l.expr(lst.List.Items[1], table)
	between := ir.Binary{
		Op:    ir.OpAnd,
		Left:  ir.Binary{Op: ir.OpGE, Left: lhs, Right: low},
		Right: ir.Binary{Op: ir.OpLE, Left: lhs, Right: high},
	}
	if ae.Kind == pg_query.A_Expr_Kind_AEXPR_NOT_BETWEEN {
		return ir.Binary{Op: ir.OpNot, Left: between}
	}
	return between
}

var binOpByName = map[string]ir.BinOp{
	"=": ir.OpEQ, "<>": ir.OpNE, "!=": ir.OpNE,
	">": ir.OpGT, ">=": ir.OpGE, "<": ir.OpLT, "<=": ir.OpLE,
}

func (l *lowerer) binaryOp(ae *pg_query.A_Expr, table map[string]ir.FromKind) ir.Expr {
	if len(ae.Name) != 1 {
		return ir.Unsupported{Reason: "unsupported operator"}
	}
	name, _ := fieldName(ae.Name[0])
	op, ok := binOpByName[strings.ToLower(name)]
	if !ok {
		return ir.Unsupported{Reason: fmt.Sprintf("operator %q is not accepted (bitwise/array/interval operators are unsupported)", name)}
	}
	return ir.Binary{Op: op, Left: l.expr(ae.Lexpr, table), Right: l.expr(ae.Rexpr, table)}
}

func (l *lowerer) caseExpr(ce *pg_query.CaseExpr, table map[string]ir.FromKind) ir.Expr {
	c := ir.Case{}
	if ce.Arg != nil {
		c.Arg = l.expr(ce.Arg, table)
	}
	for _, a := range ce.Args {
		w, ok := a.Node.(*pg_query.Node_CaseWhen)
		if !ok {
			continue
		}
		c.Whens = append(c.Whens, ir.CaseWhen{When: l.expr(w.CaseWhen.Expr, table), Then: l.expr(w.CaseWhen.Result, table)})
	}
	if ce.Defresult != nil {
		c.Else = l.expr(ce.Defresult, table)
	}
	return c
}

// subLink models EXISTS and scalar subqueries. Row-value
// comparisons (a multi-column sublink test expression) are rejected.
func (l *lowerer) subLink(sl *pg_query.SubLink, table map[string]ir.FromKind) ir.Expr {
	sel, ok := sl.Subselect.Node.(*pg_query.Node_SelectStmt)
	if !ok {
		return ir.Unsupported{Reason: "unsupported subquery shape"}
	}
	switch sl.SubLinkType {
	case pg_query.SubLinkType_EXISTS_SUBLINK, pg_query.SubLinkType_EXPR_SUBLINK:
		return ir.SubqueryExpr{Query: l.selectStmt(sel.SelectStmt)}
	case pg_query.SubLinkType_ANY_SUBLINK, pg_query.SubLinkType_ALL_SUBLINK:
		if sl.Testexpr != nil {
			if _, isRow := sl.Testexpr.Node.(*pg_query.Node_RowExpr); isRow {
				return ir.Unsupported{Reason: "row-value comparisons are not accepted"}
			}
		}
		lhs := l.expr(sl.Testexpr, table)
		return ir.In{Lhs: lhs, Items: []ir.Expr{ir.SubqueryExpr{Query: l.selectStmt(sel.SelectStmt)}}}
	default:
		return ir.Unsupported{Reason: "unsupported subquery link type"}
	}
}
