package catalog

import (
	"testing"

	"github.com/sqlguard/mcpsqlguard/internal/policy"
)

func TestLoadDefaultsAndCanonicalization(t *testing.T) {
	cat, err := Load([]byte(`
connections:
  - name: pgmain
    kind: postgres
    host: localhost
    port: 5432
    db: appdb
    user: app
    sensitive_columns:
      - users.fiscal_code
      - private.people.ssn
    safe_functions:
      - ST_AsText
  - name: sqlocal
    kind: sqlite3
    db: /tmp/local.db
    default_schema: main
    max_rows: 50
    column_strategy: randomized
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	pg, ok := cat.Get("pgmain")
	if !ok {
		t.Fatalf("pgmain not loaded")
	}
	if !pg.SensitiveColumns["public.users.fiscal_code"] {
		t.Errorf("two-part sensitive column not prefixed with default schema: %#v", pg.SensitiveColumns)
	}
	if !pg.SensitiveColumns["private.people.ssn"] {
		t.Errorf("three-part sensitive column not preserved")
	}
	if !pg.SafeFunctions["st_astext"] {
		t.Errorf("safe function not lower-cased: %#v", pg.SafeFunctions)
	}
	if pg.Policy.MaxRows != 200 || pg.Policy.StatementTimeoutMS != 5000 || !pg.Policy.ReadOnly {
		t.Errorf("defaults not applied: %#v", pg.Policy)
	}

	sq, _ := cat.Get("sqlocal")
	if sq.Policy.MaxRows != 50 {
		t.Errorf("MaxRows override lost: %#v", sq.Policy)
	}
	if sq.Policy.ColumnStrategy != policy.Randomized {
		t.Errorf("ColumnStrategy = %v, want Randomized", sq.Policy.ColumnStrategy)
	}
	if sq.DefaultSchema != "main" {
		t.Errorf("DefaultSchema = %q", sq.DefaultSchema)
	}

	if got := cat.Names(); len(got) != 2 || got[0] != "pgmain" || got[1] != "sqlocal" {
		t.Errorf("Names() = %v, want sorted [pgmain sqlocal]", got)
	}
}

func TestLoadRejectsUnnamedConnection(t *testing.T) {
	if _, err := Load([]byte("connections:\n  - kind: postgres\n")); err == nil {
		t.Fatalf("expected error for a connection with no name")
	}
}

func TestCanonicalize(t *testing.T) {
	cases := []struct {
		in, schema, want string
	}{
		{"users.fiscal_code", "public", "public.users.fiscal_code"},
		{"private.people.ssn", "public", "private.people.ssn"},
		{"bare", "public", "bare"},
	}
	for _, c := range cases {
		if got := Canonicalize(c.in, c.schema); got != c.want {
			t.Errorf("Canonicalize(%q, %q) = %q, want %q", c.in, c.schema, got, c.want)
		}
	}
}
