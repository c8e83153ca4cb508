package beancore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMethodInfoStack(t *testing.T) {
	t.Run("LIFO Reuse", testStackLIFOReuse)
	t.Run("Overflow", testStackOverflow)
	t.Run("Degraded Mode", testStackDegraded)
	t.Run("Bounded Distinct Records", testStackBounded)
}

func testStackLIFOReuse(t *testing.T) {
	s := NewMethodInfoStack(4)
	require.Equal(t, 4, s.Capacity())

	a := s.Get()
	b := s.Get()
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, s.Depth())

	b.err = errChecked
	assert.Equal(t, StackReleased, s.Done(b))
	assert.Nil(t, b.err, "Done should clear the record")
	assert.Equal(t, StackReleased, s.Done(a))
	assert.Equal(t, 0, s.Depth())

	assert.Same(t, a, s.Get(), "first slot should be reused")
	assert.Same(t, b, s.Get(), "second slot should be reused")
	assert.False(t, s.Degraded())
}

func testStackOverflow(t *testing.T) {
	s := NewMethodInfoStack(2)
	in := []*Invocation{s.Get(), s.Get(), s.Get(), s.Get()}
	assert.Equal(t, 4, s.Depth())
	assert.Equal(t, -1, in[2].slot)
	assert.Equal(t, -1, in[3].slot)

	assert.Equal(t, StackOverflowReleased, s.Done(in[3]))
	assert.Equal(t, StackOverflowReleased, s.Done(in[2]))
	assert.Equal(t, StackReleased, s.Done(in[1]))
	assert.Equal(t, StackReleased, s.Done(in[0]))
	assert.False(t, s.Degraded())
}

func testStackDegraded(t *testing.T) {
	s := NewMethodInfoStack(4)
	a := s.Get()
	_ = s.Get()

	assert.Equal(t, StackDegraded, s.Done(a), "releasing below the top is a corruption signal")
	assert.True(t, s.Degraded())

	// Degraded mode is sticky: every later Get allocates and every Done
	// is bypassed.
	x := s.Get()
	y := s.Get()
	assert.NotSame(t, x, y)
	assert.NotSame(t, a, x)
	assert.Nil(t, x.stack)
	assert.Equal(t, StackBypassed, s.Done(y))
	assert.Equal(t, StackBypassed, s.Done(x))
	assert.True(t, s.Degraded())

	t.Run("Foreign Record", func(t *testing.T) {
		s := NewMethodInfoStack(4)
		s.Get()
		other := NewMethodInfoStack(4).Get()
		assert.Equal(t, StackDegraded, s.Done(other))
		assert.True(t, s.Degraded())
	})

	t.Run("Release On Empty", func(t *testing.T) {
		s := NewMethodInfoStack(4)
		a := s.Get()
		require.Equal(t, StackReleased, s.Done(a))
		assert.Equal(t, StackDegraded, s.Done(a), "double release is a mismatch")
	})
}

func testStackBounded(t *testing.T) {
	const capacity = 3
	s := NewMethodInfoStack(capacity)
	seen := make(map[*Invocation]struct{})

	var push func(depth int)
	push = func(depth int) {
		if depth == 0 {
			return
		}
		inv := s.Get()
		if inv.slot >= 0 {
			seen[inv] = struct{}{}
		}
		push(depth - 1)
		require.NotEqual(t, StackDegraded, s.Done(inv))
	}
	for i := 0; i < 50; i++ {
		push(i%7 + 1)
	}

	assert.LessOrEqual(t, len(seen), capacity, "recycled records never exceed capacity")
	assert.False(t, s.Degraded())
}
