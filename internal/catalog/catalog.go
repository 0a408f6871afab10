// Package catalog loads the static per-connection configuration —
// ConnProfile and SafetyPolicy values — from a YAML document
// (gopkg.in/yaml.v2). It performs only loading, defaulting, and
// canonicalization; it never makes a policy decision.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/sqlguard/mcpsqlguard/internal/policy"
)

// ConnKind is the backend driver family a connection talks to.
type ConnKind string

const (
	KindPostgres ConnKind = "postgres"
	KindMySQL    ConnKind = "mysql"
	KindMSSQL    ConnKind = "mssql"
	KindSQLite   ConnKind = "sqlite3"
)

// ConnProfile is the static descriptor for one named connection.
type ConnProfile struct {
	Name             string
	Kind             ConnKind
	Host             string
	Port             int
	DB               string
	User             string
	SecretRef        string
	DefaultSchema    string
	SafeFunctions    map[string]bool
	SensitiveColumns map[string]bool // canonical "schema.table.column"
	Policy           policy.SafetyPolicy
}

// Catalog is the process-wide, read-only set of configured connections,
// keyed by name.
type Catalog struct {
	conns map[string]*ConnProfile
}

// yamlDoc mirrors the on-disk config shape.
type yamlDoc struct {
	Connections []yamlConn `yaml:"connections"`
}

type yamlConn struct {
	Name               string   `yaml:"name"`
	Kind               string   `yaml:"kind"`
	Host               string   `yaml:"host"`
	Port               int      `yaml:"port"`
	DB                 string   `yaml:"db"`
	User               string   `yaml:"user"`
	SecretRef          string   `yaml:"secret_ref"`
	DefaultSchema      string   `yaml:"default_schema"`
	SafeFunctions      []string `yaml:"safe_functions"`
	SensitiveColumns   []string `yaml:"sensitive_columns"`
	ReadOnly           *bool    `yaml:"read_only"`
	MaxRows            int      `yaml:"max_rows"`
	MaxQueryBytes      int      `yaml:"max_query_bytes"`
	StatementTimeoutMS int      `yaml:"statement_timeout_ms"`
	ColumnStrategy     string   `yaml:"column_strategy"`
}

// LoadFile parses a YAML catalog document from path.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return Load(data)
}

// Load parses a YAML catalog document already read into memory.
func Load(data []byte) (*Catalog, error) {
	var doc yamlDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}

	cat := &Catalog{conns: make(map[string]*ConnProfile, len(doc.Connections))}
	for _, c := range doc.Connections {
		profile, err := buildProfile(c)
		if err != nil {
			return nil, err
		}
		cat.conns[profile.Name] = profile
	}
	return cat, nil
}

func buildProfile(c yamlConn) (*ConnProfile, error) {
	if c.Name == "" {
		return nil, fmt.Errorf("catalog: connection with empty name")
	}
	defaultSchema := c.DefaultSchema
	if defaultSchema == "" {
		defaultSchema = "public"
	}

	safe := make(map[string]bool, len(c.SafeFunctions))
	for _, f := range c.SafeFunctions {
		safe[strings.ToLower(f)] = true
	}

	sensitive := make(map[string]bool, len(c.SensitiveColumns))
	for _, raw := range c.SensitiveColumns {
		sensitive[Canonicalize(raw, defaultSchema)] = true
	}

	p := policy.SafetyPolicy{
		MaxRows:            c.MaxRows,
		MaxQueryBytes:      c.MaxQueryBytes,
		StatementTimeoutMS: c.StatementTimeoutMS,
		ReadOnly:           true,
	}
	if c.ReadOnly != nil {
		p.ReadOnly = *c.ReadOnly
	}
	if strings.EqualFold(c.ColumnStrategy, "randomized") {
		p.ColumnStrategy = policy.Randomized
	}
	p = p.Normalize()

	return &ConnProfile{
		Name:             c.Name,
		Kind:             ConnKind(strings.ToLower(c.Kind)),
		Host:             c.Host,
		Port:             c.Port,
		DB:               c.DB,
		User:             c.User,
		SecretRef:        c.SecretRef,
		DefaultSchema:    defaultSchema,
		SafeFunctions:    safe,
		SensitiveColumns: sensitive,
		Policy:           p,
	}, nil
}

// Canonicalize normalizes a sensitive-column entry to the single
// canonical form used everywhere: always "schema.table.column". A
// two-part "table.column" entry is prefixed with defaultSchema.
func Canonicalize(raw, defaultSchema string) string {
	parts := strings.Split(raw, ".")
	switch len(parts) {
	case 3:
		return strings.Join(parts, ".")
	case 2:
		return defaultSchema + "." + raw
	default:
		return raw
	}
}

// Get returns the named connection's profile.
func (c *Catalog) Get(name string) (*ConnProfile, bool) {
	p, ok := c.conns[name]
	return p, ok
}

// Names returns every configured connection name in sorted order, so
// listings and CLI output stay deterministic across runs.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.conns))
	for n := range c.conns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
