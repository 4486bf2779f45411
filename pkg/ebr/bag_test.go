package ebr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBag_PutTakeIsLIFO(t *testing.T) {
	b := newBag[int](1)
	assert.Equal(t, 0, b.len())

	b.put(1)
	b.put(2)
	b.put(3)
	assert.Equal(t, 3, b.len())

	v, ok := b.take()
	assert.True(t, ok)
	assert.Equal(t, 3, v)

	v, ok = b.take()
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	v, ok = b.take()
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = b.take()
	assert.False(t, ok, "bag should report empty once drained")
}

func TestBag_GrowsPastInitialCapacity(t *testing.T) {
	b := newBag[int](1)
	for i := 0; i < 100; i++ {
		b.put(i)
	}
	assert.Equal(t, 100, b.len())
}

func TestBag_TransferMovesAndEmptiesSource(t *testing.T) {
	dst := newBag[int](1)
	dst.put(0)
	src := newBag[int](1)
	src.put(1)
	src.put(2)

	transfer(dst, src)

	assert.Equal(t, 0, src.len())
	assert.Equal(t, 3, dst.len())

	var drained []int
	for {
		v, ok := dst.take()
		if !ok {
			break
		}
		drained = append(drained, v)
	}
	assert.ElementsMatch(t, []int{0, 1, 2}, drained)
}
