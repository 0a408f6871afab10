// Package lower defines the narrow interface between a backend-specific
// SQL grammar and the shared IR. Exactly one implementation exists
// today, internal/lower/pgbackend, but callers (internal/broker)
// depend only on this interface so a second backend grammar can be added
// without touching the pipeline stages downstream of lowering.
package lower

import "github.com/sqlguard/mcpsqlguard/internal/ir"

// Lowerer turns raw SQL text into an ir.Handle. Implementations never
// panic: a statement this backend's grammar can't parse at all comes back
// as a Handle whose Root.Status is StatusParseError, and a parseable but
// unaccepted statement or FROM item comes back as StatusUnsupported with
// Root.Flags.HasUnsupported set. An unaccepted construct inside an
// expression becomes an ir.Unsupported node and leaves Status and the
// flag unchanged. These are ordinary return values, not
// errors, so the validator can read Status uniformly regardless of why
// lowering didn't fully succeed. Lower only
// returns a non-nil error for conditions that have nothing to do with the
// input SQL (e.g. the identifier arena's capacity argument is invalid).
type Lowerer interface {
	Lower(sql string) (*ir.Handle, error)
}
