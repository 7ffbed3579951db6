// Package pool provides a small reusable object pool, used by the frame
// allocator to avoid allocating a fresh descriptor on every claim.
// Grounded on biscuit's Physmem_t free-list reuse pattern (mem/mem.go),
// which recycles physical-page descriptors off a free list rather than
// allocating new ones, generalized here to any descriptor type via Go
// generics (the same generics style biscuit itself uses in util.Int).
package pool

// Pool recycles values of type T. It is not safe for concurrent use by
// itself; callers that share a Pool across goroutines must provide their
// own serialization, the way frame.Allocator already guards its state with
// a mutex.
type Pool[T any] struct {
	free []*T
	new  func() *T
}

// New returns a Pool that manufactures fresh values with newFn when empty.
func New[T any](newFn func() *T) *Pool[T] {
	return &Pool[T]{new: newFn}
}

// Get returns a recycled value if one is available, otherwise a fresh one.
func (p *Pool[T]) Get() *T {
	if n := len(p.free); n > 0 {
		v := p.free[n-1]
		p.free = p.free[:n-1]
		return v
	}
	return p.new()
}

// Put returns v to the pool for reuse.
func (p *Pool[T]) Put(v *T) {
	p.free = append(p.free, v)
}

// Len reports the number of recycled values currently held, for stats.
func (p *Pool[T]) Len() int { return len(p.free) }
