package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPushAndLast(t *testing.T) {
	b := New[int](3)
	assert.Empty(t, b.All())

	assert.False(t, b.Push(1))
	assert.False(t, b.Push(2))
	assert.Equal(t, []int{1, 2}, b.All())
	assert.Equal(t, []int{2}, b.Last(1))
	assert.Equal(t, []int{1, 2}, b.Last(10))

	assert.False(t, b.Push(3))
	assert.True(t, b.Push(4))
	assert.True(t, b.Push(5))
	assert.Equal(t, 3, b.Len())
	assert.Equal(t, []int{3, 4, 5}, b.All())
	assert.Equal(t, []int{4, 5}, b.Last(2))
	assert.Empty(t, b.Last(0))
}

func TestMinimumCapacity(t *testing.T) {
	b := New[string](0)
	assert.Equal(t, 1, b.Cap())
	b.Push("a")
	b.Push("b")
	assert.Equal(t, []string{"b"}, b.All())
}
