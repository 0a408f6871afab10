// Package token implements the per-connection sensitive-value token
// store: minting opaque tok_<conn>_<gen>_<idx> handles for sensitive
// cell values instead of ever returning the plaintext, and
// parsing those handles back into a store lookup on the way into a
// follow-up query. Deduplication strategy (DETERMINISTIC/RANDOMIZED) is a
// per-connection policy choice (internal/policy).
package token

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sqlguard/mcpsqlguard/internal/arena"
	"github.com/sqlguard/mcpsqlguard/internal/container"
	"github.com/sqlguard/mcpsqlguard/internal/errs"
	"github.com/sqlguard/mcpsqlguard/internal/policy"
	"github.com/sqlguard/mcpsqlguard/util"
)

// maxTokenLen is the hard budget: a token, including its terminating
// NUL, must never exceed 63 bytes.
const maxTokenLen = 63

// connNameMaxLen bounds the connection-name component baked into a token
//.
const connNameMaxLen = 32

// Entry is one minted token's backing payload.
type Entry struct {
	ColRef string // canonical "schema.table.column"
	Value  []byte // nil means the payload was SQL NULL
	OID    uint32 // backend type oid, opaque to this package
}

// CreateInput is the literal C-API-shaped contract create_token validates
// against: Value and ValueLen are passed separately so a caller claiming a
// non-zero length against a nil Value is a detectable contract violation,
// not something Go's slice representation quietly forbids.
type CreateInput struct {
	Value    []byte
	ValueLen int
	ColRef   string
	OID      uint32
}

// Store holds every token minted for one connection's current generation
// sequence. connmgr creates one Store per connection name on that
// connection's first Acquire; Reset starts a fresh generation.
type Store struct {
	connName   string
	strategy   policy.ColumnStrategy
	generation uint32
	entries    *container.PackedArray[Entry]
	pool       *arena.StringPool
	dedup      *container.HashTable[int] // DETERMINISTIC only: content key -> entry index
}

// NewStore creates a token store for connName. connName longer than
// connNameMaxLen is rejected, so that a token with 10-digit generation and
// index suffixes always fits the 63-byte budget.
func NewStore(connName string, strategy policy.ColumnStrategy) (*Store, error) {
	if connName == "" {
		return nil, errs.New(errs.BadInput, "token: empty connection name")
	}
	if len(connName) > connNameMaxLen {
		return nil, errs.New(errs.BadInput, fmt.Sprintf("token: connection name %q exceeds %d bytes", connName, connNameMaxLen))
	}
	a := arena.New(1 << 20)
	return &Store{
		connName: connName,
		strategy: strategy,
		entries:  container.NewPackedArray[Entry](0, nil),
		pool:     arena.NewStringPool(a),
		dedup:    container.NewHashTable[int](),
	}, nil
}

// Reset bumps the generation and drops every entry minted under the
// previous one. Tokens formatted with the old generation number will fail
// Resolve's generation check (the index space restarts at 0).
func (s *Store) Reset() {
	s.generation++
	s.entries = container.NewPackedArray[Entry](0, nil)
	s.dedup = container.NewHashTable[int]()
}

func dedupKey(in CreateInput) []byte {
	var b strings.Builder
	b.WriteString(in.ColRef)
	b.WriteByte(0)
	b.Write(in.Value)
	b.WriteByte(0)
	b.WriteString(strconv.FormatUint(uint64(in.OID), 10))
	return []byte(b.String())
}

// CreateToken mints (or, under DETERMINISTIC strategy, reuses) a token for
// in. Callers never invoke this for a NULL cell value — the result builder
// (internal/result) keeps SQL NULL as-is instead — but the
// validation below still rejects the mismatched-length contract violation
// defensively.
func (s *Store) CreateToken(in CreateInput) (string, error) {
	if in.ColRef == "" {
		return "", errs.New(errs.BadInput, "token: create_token with empty column reference")
	}
	if in.Value == nil && in.ValueLen > 0 {
		return "", errs.New(errs.BadInput, "token: value is NULL but value_len > 0")
	}

	if s.strategy == policy.Deterministic {
		key := dedupKey(in)
		if idx, ok := s.dedup.Get(key); ok {
			if _, ok := s.entries.Get(idx); ok {
				return s.format(idx)
			}
		}
	}

	colRef := in.ColRef
	if ref, err := s.pool.Add(in.ColRef); err == nil {
		colRef = s.pool.String(ref)
	}

	idx, err := s.entries.Push(Entry{ColRef: colRef, Value: in.Value, OID: in.OID})
	if err != nil {
		return "", errs.Wrap(errs.RuntimeLimit, err, "token: store full")
	}

	tok, err := s.format(idx)
	if err != nil {
		s.entries.DropSwap(idx)
		return "", err
	}

	if s.strategy == policy.Deterministic {
		s.dedup.Put(dedupKey(in), idx)
	}
	return tok, nil
}

func (s *Store) format(idx int) (string, error) {
	tok := fmt.Sprintf("tok_%s_%d_%d", s.connName, s.generation, idx)
	if !util.FitsWithinBudget(maxTokenLen-1, tok) {
		return "", errs.New(errs.RuntimeLimit, fmt.Sprintf("token: %q exceeds %d-byte budget", tok, maxTokenLen))
	}
	return tok, nil
}

// Lookup resolves idx back to its Entry.
func (s *Store) Lookup(idx int) (Entry, bool) {
	return s.entries.Get(idx)
}

// ParseViewInplace parses a token string into its connection name,
// generation, and index components without mutating the input.
func ParseViewInplace(tok string) (connName string, generation uint32, index int, err error) {
	const prefix = "tok_"
	if !strings.HasPrefix(tok, prefix) {
		return "", 0, 0, errs.New(errs.BadInput, "token: missing tok_ prefix")
	}
	body := tok[len(prefix):]

	lastUS := strings.LastIndexByte(body, '_')
	if lastUS < 0 {
		return "", 0, 0, errs.New(errs.BadInput, "token: malformed token")
	}
	idxPart := body[lastUS+1:]
	rest := body[:lastUS]

	secondUS := strings.LastIndexByte(rest, '_')
	if secondUS < 0 {
		return "", 0, 0, errs.New(errs.BadInput, "token: malformed token")
	}
	genPart := rest[secondUS+1:]
	namePart := rest[:secondUS]

	if namePart == "" {
		return "", 0, 0, errs.New(errs.BadInput, "token: empty connection name component")
	}

	gen, convErr := strconv.ParseUint(genPart, 10, 32)
	if convErr != nil {
		return "", 0, 0, errs.Wrap(errs.BadInput, convErr, "token: bad generation component")
	}
	idx, convErr := strconv.Atoi(idxPart)
	if convErr != nil || idx < 0 {
		return "", 0, 0, errs.Wrap(errs.BadInput, convErr, "token: bad index component")
	}

	return namePart, uint32(gen), idx, nil
}

// Resolve parses tok and, if it names this store's connection and current
// generation, returns its Entry.
func (s *Store) Resolve(tok string) (Entry, error) {
	name, gen, idx, err := ParseViewInplace(tok)
	if err != nil {
		return Entry{}, err
	}
	if name != s.connName || gen != s.generation {
		return Entry{}, errs.New(errs.BadInput, "token: stale or foreign token")
	}
	e, ok := s.Lookup(idx)
	if !ok {
		return Entry{}, errs.New(errs.BadInput, "token: unknown token index")
	}
	return e, nil
}

// Len reports the number of live entries in the current generation.
func (s *Store) Len() int { return s.entries.Len() }

// Generation reports the store's current generation counter.
func (s *Store) Generation() uint32 { return s.generation }
