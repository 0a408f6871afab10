// Package ir defines the backend-independent intermediate representation
// for the accepted read-only SELECT subset, plus the handle that owns
// its storage. Every node variant is modeled as a
// closed Go interface with a private marker method — exhaustive type
// switches in internal/touch and internal/validator play the role of
// pattern matching over the sum type.
package ir

import "github.com/sqlguard/mcpsqlguard/internal/arena"

// Identifier is a normalized name string: never nil, possibly empty.
// Backend lowering folds unquoted identifiers to lower-case and preserves
// quoted ones verbatim.
type Identifier = string

// Handle owns the arena backing every identifier string interned while
// lowering one SQL statement. Destroying a Handle (dropping all
// references to it) invalidates everything reachable from Root — there is
// no finalizer; Go's GC reclaims the arena once unreferenced.
type Handle struct {
	arena *arena.Arena
	pool  *arena.StringPool
	Root  *Query
}

// NewHandle allocates a fresh handle with capBytes of identifier-interning
// budget. capBytes <= 0 means unbounded.
func NewHandle(capBytes int) *Handle {
	a := arena.New(capBytes)
	return &Handle{arena: a, pool: arena.NewStringPool(a)}
}

// Intern normalizes storage for name: repeated interning of equal content
// stores it in the arena only once, and each call returns a fresh string
// copy of the pooled bytes, so parsing the same SQL twice yields
// structurally equal trees even though the arenas are independent.
func (h *Handle) Intern(name string) Identifier {
	ref, err := h.pool.Add(name)
	if err != nil {
		// Arena exhaustion is not reported to the caller: the raw string
		// is returned unpooled and no HasUnsupported flag is set.
		return name
	}
	return h.pool.String(ref)
}

// Arena exposes the backing arena for diagnostics (e.g. reporting
// interning pressure); nothing outside this package should Add to it
// directly.
func (h *Handle) Arena() *arena.Arena { return h.arena }
