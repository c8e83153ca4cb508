// method_info_stack.go
//
// Reusable invocation records for one call chain.
// Every dispatch needs an Invocation; allocating one per call is measurable
// under load, and nested calls on the same chain release their records in
// strict LIFO order. The stack exploits that: records are handed out from a
// fixed array and pushed back on completion.
//
// A release that does not match the current top means some caller kept or
// leaked a record. The stack then stops reusing records for the rest of its
// life, since the mismatched record may still be referenced elsewhere.

package beancore

import "sync/atomic"

// DefaultMethodInfoStackCapacity is the number of records a stack keeps.
const DefaultMethodInfoStackCapacity = 32

// StackResult reports what Done did with a record.
type StackResult uint8

const (
	// StackReleased means the record was the top of the stack; it was
	// cleared and will be handed out again.
	StackReleased StackResult = iota

	// StackOverflowReleased means the record was allocated past capacity
	// and is simply dropped.
	StackOverflowReleased

	// StackDegraded means the record was not the top of the stack. The
	// stack switched to allocate-always mode on this call.
	StackDegraded

	// StackBypassed means the stack was already degraded; nothing was
	// recycled.
	StackBypassed
)

var stackResultNames = [...]string{
	StackReleased:         "released",
	StackOverflowReleased: "overflow-released",
	StackDegraded:         "degraded",
	StackBypassed:         "bypassed",
}

func (r StackResult) String() string { return stackResultNames[r] }

// MethodInfoStack hands out Invocation records for one call chain.
//
// It is not safe for concurrent use by design: a chain runs on one goroutine
// at a time. Concurrent entry is nevertheless detected by an atomic guard
// and treated like a LIFO mismatch, so misuse costs allocations rather than
// corrupting records.
type MethodInfoStack struct {
	elements []*Invocation

	// depth counts outstanding records, including those allocated past
	// capacity.
	depth int

	degraded atomic.Bool
	guard    atomic.Bool
}

// NewMethodInfoStack returns a stack that recycles up to capacity records.
// A non-positive capacity selects DefaultMethodInfoStackCapacity.
func NewMethodInfoStack(capacity int) *MethodInfoStack {
	if capacity <= 0 {
		capacity = DefaultMethodInfoStackCapacity
	}
	return &MethodInfoStack{elements: make([]*Invocation, capacity)}
}

// Capacity returns the number of recyclable slots.
func (s *MethodInfoStack) Capacity() int { return len(s.elements) }

// Depth returns the number of outstanding records.
func (s *MethodInfoStack) Depth() int { return s.depth }

// Degraded reports whether the stack permanently fell back to allocating.
func (s *MethodInfoStack) Degraded() bool { return s.degraded.Load() }

// Get returns a cleared record ready for one dispatch.
func (s *MethodInfoStack) Get() *Invocation {
	if s.degraded.Load() {
		return newInvocation(nil, -1)
	}
	if !s.guard.CompareAndSwap(false, true) {
		s.degraded.Store(true)
		return newInvocation(nil, -1)
	}
	defer s.guard.Store(false)

	if s.depth < len(s.elements) {
		inv := s.elements[s.depth]
		if inv == nil {
			inv = newInvocation(s, s.depth)
			s.elements[s.depth] = inv
		}
		s.depth++
		return inv
	}
	s.depth++
	return newInvocation(s, -1)
}

// Done returns inv to the stack. inv must be the record most recently
// returned by Get that has not been released yet.
func (s *MethodInfoStack) Done(inv *Invocation) StackResult {
	if s.degraded.Load() {
		return StackBypassed
	}
	if !s.guard.CompareAndSwap(false, true) {
		s.degraded.Store(true)
		return StackDegraded
	}
	defer s.guard.Store(false)

	if inv == nil || inv.stack != s || s.depth == 0 {
		s.degraded.Store(true)
		return StackDegraded
	}
	if s.depth > len(s.elements) {
		if inv.slot != -1 {
			s.degraded.Store(true)
			return StackDegraded
		}
		s.depth--
		return StackOverflowReleased
	}
	if s.elements[s.depth-1] != inv {
		s.degraded.Store(true)
		return StackDegraded
	}
	inv.reset()
	s.depth--
	return StackReleased
}
