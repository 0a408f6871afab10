// Package container implements the two generic storage primitives the
// token store builds on: a swap-remove PackedArray (its entries) and an
// open-addressed HashTable (its dedup index). No third-party Go library in the example corpus models the
// swap-remove-with-cleanup-callback or borrowed-(bytes,len)-key shape
// these callers need, so both are built here directly.
package container

import "fmt"

// PackedArray stores items densely. Drop uses swap-remove: the caller's
// index into a later item becomes unstable after any Drop call.
type PackedArray[T any] struct {
	items  []T
	maxCap int // 0 means unbounded
	onDrop func(T)
}

// NewPackedArray creates a PackedArray. maxCap <= 0 means unbounded.
// onDrop, if non-nil, is invoked once per item on DropSwap and on Destroy.
func NewPackedArray[T any](maxCap int, onDrop func(T)) *PackedArray[T] {
	return &PackedArray[T]{maxCap: maxCap, onDrop: onDrop}
}

// Push appends v and returns its current index. It fails if maxCap was
// configured and the array already holds maxCap items. The cap counts
// items only; the byte size of the items is not limited.
func (p *PackedArray[T]) Push(v T) (int, error) {
	if p.maxCap > 0 && len(p.items) >= p.maxCap {
		return 0, fmt.Errorf("container: packed array at capacity (%d)", p.maxCap)
	}
	p.items = append(p.items, v)
	return len(p.items) - 1, nil
}

// Get returns the item at index i, if any.
func (p *PackedArray[T]) Get(i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(p.items) {
		return zero, false
	}
	return p.items[i], true
}

// Len returns the number of live items.
func (p *PackedArray[T]) Len() int { return len(p.items) }

// DropSwap removes the item at index i by swapping the last item into its
// place, invoking onDrop on the removed item. Returns false if i is out of
// range.
func (p *PackedArray[T]) DropSwap(i int) bool {
	if i < 0 || i >= len(p.items) {
		return false
	}
	removed := p.items[i]
	last := len(p.items) - 1
	p.items[i] = p.items[last]
	var zero T
	p.items[last] = zero
	p.items = p.items[:last]
	if p.onDrop != nil {
		p.onDrop(removed)
	}
	return true
}

// Destroy invokes onDrop (if set) for every remaining item and empties
// the array.
func (p *PackedArray[T]) Destroy() {
	if p.onDrop != nil {
		for _, item := range p.items {
			p.onDrop(item)
		}
	}
	p.items = nil
}

// Each calls fn for every live item in index order. Mutating the array
// from within fn is not supported.
func (p *PackedArray[T]) Each(fn func(int, T)) {
	for i, v := range p.items {
		fn(i, v)
	}
}
