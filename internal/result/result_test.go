package result

import (
	"testing"

	"github.com/sqlguard/mcpsqlguard/internal/policy"
	"github.com/sqlguard/mcpsqlguard/internal/token"
	"github.com/sqlguard/mcpsqlguard/internal/validator"
)

func TestBuilderPlaintextCopy(t *testing.T) {
	b, err := New([]string{"id"}, nil, 200, 65536, BuildPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.AppendRow([]Cell{{Value: []byte("7")}}); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	res := b.Result()
	if len(res.Rows) != 1 || res.Rows[0][0].(string) != "7" {
		t.Fatalf("Rows = %#v", res.Rows)
	}
	if res.Columns[0].ValueType != ValuePlaintext {
		t.Fatalf("ValueType = %v, want Plaintext", res.Columns[0].ValueType)
	}
}

// SELECT u.fiscal_code ... with a DETERMINISTIC store at generation 42 on
// connection pgmain → cell text tok_pgmain_42_0; a repeat row with the
// same value reuses the entry.
func TestBuilderTokenizesSensitiveColumn(t *testing.T) {
	store, err := token.NewStore("pgmain", policy.Deterministic)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	store.Reset() // generation 1
	for i := 0; i < 41; i++ {
		store.Reset()
	} // bump to generation 42
	plan := &validator.Plan{Cols: []validator.ColPlan{{Kind: validator.ColToken, ColID: "users.fiscal_code"}}}

	b, err := New([]string{"fiscal_code"}, nil, 200, 65536, BuildPolicy{Plan: plan, Store: store, Generation: 42})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	value := []byte("RSSMRA80A01H501U")
	if err := b.AppendRow([]Cell{{Value: value}}); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if err := b.AppendRow([]Cell{{Value: value}}); err != nil {
		t.Fatalf("AppendRow (2nd): %v", err)
	}
	res := b.Result()
	if len(res.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2", len(res.Rows))
	}
	tok0 := res.Rows[0][0].(string)
	tok1 := res.Rows[1][0].(string)
	if tok0 != "tok_pgmain_42_0" {
		t.Fatalf("token = %q, want tok_pgmain_42_0", tok0)
	}
	if tok0 != tok1 {
		t.Fatalf("deterministic store minted two tokens for the same value: %q vs %q", tok0, tok1)
	}
	if store.Len() != 1 {
		t.Fatalf("store.Len() = %d, want 1 (deduped)", store.Len())
	}
}

func TestBuilderKeepsNullForTokenColumn(t *testing.T) {
	store, _ := token.NewStore("pgmain", policy.Deterministic)
	plan := &validator.Plan{Cols: []validator.ColPlan{{Kind: validator.ColToken, ColID: "users.fiscal_code"}}}
	b, err := New([]string{"fiscal_code"}, nil, 200, 65536, BuildPolicy{Plan: plan, Store: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.AppendRow([]Cell{{Value: nil}}); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("store.Len() = %d, want 0 (no token minted for NULL)", store.Len())
	}
	if b.Result().Rows[0][0] != nil {
		t.Fatalf("cell = %#v, want nil", b.Result().Rows[0][0])
	}
}

func TestBuilderFailsClosedWithoutStore(t *testing.T) {
	plan := &validator.Plan{Cols: []validator.ColPlan{{Kind: validator.ColToken, ColID: "users.fiscal_code"}}}
	b, err := New([]string{"fiscal_code"}, nil, 200, 65536, BuildPolicy{Plan: plan})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.AppendRow([]Cell{{Value: []byte("x")}}); err == nil {
		t.Fatalf("expected error: token column with no store")
	}
}

func TestBuilderRowCap(t *testing.T) {
	b, err := New([]string{"id"}, nil, 2, 65536, BuildPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := b.AppendRow([]Cell{{Value: []byte("x")}}); err != nil {
			t.Fatalf("AppendRow: %v", err)
		}
	}
	res := b.Result()
	if len(res.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2", len(res.Rows))
	}
	if !res.ResultTruncated {
		t.Fatalf("ResultTruncated = false, want true")
	}
}

func TestBuilderByteCapDropsCell(t *testing.T) {
	b, err := New([]string{"id"}, nil, 200, 5, BuildPolicy{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.AppendRow([]Cell{{Value: []byte("abc")}}); err != nil {
		t.Fatalf("AppendRow: %v", err)
	}
	if err := b.AppendRow([]Cell{{Value: []byte("defgh")}}); err != nil {
		t.Fatalf("AppendRow (2nd): %v", err)
	}
	res := b.Result()
	if len(res.Rows) != 2 {
		t.Fatalf("len(Rows) = %d, want 2 (statement succeeds at accepted prefix)", len(res.Rows))
	}
	if res.Rows[1][0] != nil {
		t.Fatalf("over-budget cell = %#v, want dropped (nil)", res.Rows[1][0])
	}
}
