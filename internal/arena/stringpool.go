package arena

// Ref is a handle into a StringPool. Two Refs compare equal iff the
// strings interned under them have equal bytes: ref equality implies
// byte equality within the same pool.
type Ref int

// StringPool deduplicates byte content on top of an Arena: interning the
// same bytes twice returns the same Ref.
type StringPool struct {
	arena *Arena
	index map[string]Ref
	data  [][]byte
}

func NewStringPool(a *Arena) *StringPool {
	return &StringPool{
		arena: a,
		index: make(map[string]Ref),
	}
}

// Add interns s and returns its Ref. Content equal to a previously added
// string returns the same Ref without a new arena allocation.
func (p *StringPool) Add(s string) (Ref, error) {
	if ref, ok := p.index[s]; ok {
		return ref, nil
	}

	stored, err := p.arena.Add([]byte(s))
	if err != nil {
		return 0, err
	}

	ref := Ref(len(p.data))
	p.data = append(p.data, stored)
	p.index[s] = ref
	return ref, nil
}

// Bytes returns the interned bytes (without the trailing NUL) for ref.
func (p *StringPool) Bytes(ref Ref) []byte {
	b := p.data[ref]
	// Add always over-allocates by at least one NUL byte; the returned
	// slice from Arena.Add is already trimmed to len(data), so this is a
	// direct view, not a copy.
	return b
}

// String returns the interned content as a string.
func (p *StringPool) String(ref Ref) string {
	return string(p.Bytes(ref))
}

// Len returns the number of distinct strings interned so far.
func (p *StringPool) Len() int { return len(p.data) }
