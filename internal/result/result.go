// Package result implements the builder that materializes a QueryResult
// from rows the backend driver yields, enforcing runtime caps and
// substituting sensitive cells with tokens. The builder is
// a pure executor of the validator's Plan — it never decides which
// columns are sensitive, only how to write them.
package result

import (
	"github.com/sqlguard/mcpsqlguard/internal/errs"
	"github.com/sqlguard/mcpsqlguard/internal/token"
	"github.com/sqlguard/mcpsqlguard/internal/validator"
)

// ValueType tags a column's cell representation in the wire result.
type ValueType int

const (
	ValuePlaintext ValueType = iota
	ValueToken
)

// Column describes one output column.
type Column struct {
	Name      string
	Type      string // "unknown" unless the backend driver reports one
	ValueType ValueType
}

// QueryResult is the row-major materialized result.
type QueryResult struct {
	Columns         []Column
	Rows            [][]any // each cell is a string (copied value or token) or nil for SQL NULL
	ResultTruncated bool
}

// Cell is one backend-reported value. Value is nil for SQL NULL.
type Cell struct {
	Value []byte
	OID   uint32
}

// BuildPolicy carries the validator's Plan (nil means every column is
// plaintext), the token store to mint into, and a token generation. The
// builder does not pass Generation to the store: minted tokens carry the
// store's own current generation (token.Store.Generation).
type BuildPolicy struct {
	Plan       *validator.Plan
	Store      *token.Store
	Generation uint32
}

// Builder accumulates rows under the runtime caps: it stops accepting
// rows at MaxRows (flipping ResultTruncated) and rejects
// any cell that would push cumulative cell bytes past MaxQueryBytes,
// without erroring the whole statement.
type Builder struct {
	policy        BuildPolicy
	colNames      []string
	maxRows       int
	maxQueryBytes int

	result     *QueryResult
	cellBytes  int
	capReached bool
}

// New creates a Builder for a query whose output columns are colNames (in
// SELECT-list order), with caps read from the active SafetyPolicy.
func New(colNames []string, colTypes []string, maxRows, maxQueryBytes int, bp BuildPolicy) (*Builder, error) {
	if len(colTypes) != 0 && len(colTypes) != len(colNames) {
		return nil, errs.New(errs.Internal, "result: colTypes length mismatch")
	}
	if bp.Plan != nil && len(bp.Plan.Cols) != len(colNames) {
		return nil, errs.New(errs.Internal, "result: plan column count mismatch")
	}

	cols := make([]Column, len(colNames))
	for i, name := range colNames {
		typ := "unknown"
		if i < len(colTypes) && colTypes[i] != "" {
			typ = colTypes[i]
		}
		vt := ValuePlaintext
		if bp.Plan != nil && bp.Plan.Cols[i].Kind == validator.ColToken {
			vt = ValueToken
		}
		cols[i] = Column{Name: name, Type: typ, ValueType: vt}
	}

	return &Builder{
		policy:        bp,
		colNames:      colNames,
		maxRows:       maxRows,
		maxQueryBytes: maxQueryBytes,
		result:        &QueryResult{Columns: cols},
	}, nil
}

// AppendRow writes one backend row. Once MaxRows has been reached it is a
// no-op that flips ResultTruncated rather than an error.
// A cell whose storage would exceed MaxQueryBytes is dropped from the row
// ("no more cells accepted") without failing the statement; the row is
// still appended with that cell set to an over-budget marker nil.
func (b *Builder) AppendRow(cells []Cell) error {
	if len(cells) != len(b.colNames) {
		return errs.New(errs.Internal, "result: row width mismatch")
	}
	if b.capReached {
		return nil
	}
	if b.maxRows > 0 && len(b.result.Rows) >= b.maxRows {
		b.result.ResultTruncated = true
		b.capReached = true
		return nil
	}

	row := make([]any, len(cells))
	for i, cell := range cells {
		v, err := b.buildCell(i, cell)
		if err != nil {
			return err
		}
		row[i] = v
	}
	b.result.Rows = append(b.result.Rows, row)
	return nil
}

// buildCell writes one cell: plaintext columns copy bytes (subject to
// the cumulative payload cap); token columns keep SQL
// NULL as-is, and otherwise mint a token via the store, failing closed if
// no store or column id is available.
func (b *Builder) buildCell(colIdx int, cell Cell) (any, error) {
	col := b.result.Columns[colIdx]

	if col.ValueType == ValuePlaintext {
		if cell.Value == nil {
			return nil, nil
		}
		if !b.chargeBytes(len(cell.Value)) {
			return nil, nil // cap hit: cell dropped, statement still succeeds
		}
		// string conversion deep-copies the driver's scratch buffer and
		// serializes as a JSON string rather than base64.
		return string(cell.Value), nil
	}

	// Token column.
	if cell.Value == nil {
		return nil, nil
	}
	plan := b.policy.Plan.Cols[colIdx]
	if b.policy.Store == nil || plan.ColID == "" {
		return nil, errs.New(errs.Internal, "result: token column requires a store and a column id")
	}
	tok, err := b.policy.Store.CreateToken(token.CreateInput{
		ColRef:   plan.ColID,
		Value:    cell.Value,
		ValueLen: len(cell.Value),
		OID:      cell.OID,
	})
	if err != nil {
		return nil, err
	}
	if !b.chargeBytes(len(tok)) {
		return nil, nil
	}
	return tok, nil
}

// chargeBytes reports whether n more bytes fit under MaxQueryBytes,
// charging them if so.
func (b *Builder) chargeBytes(n int) bool {
	if b.maxQueryBytes > 0 && b.cellBytes+n > b.maxQueryBytes {
		return false
	}
	b.cellBytes += n
	return true
}

// Result returns the built QueryResult. Callers must not call AppendRow
// after calling Result.
func (b *Builder) Result() *QueryResult { return b.result }
