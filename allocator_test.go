package bufsched

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocatorNewAndGet(t *testing.T) {
	a := newAllocator(64)
	require.NoError(t, a.new(4))
	assert.Len(t, a.freeList, 4)

	buf, err := a.get(Handle(1))
	require.NoError(t, err)
	assert.Equal(t, BufferAssigned, buf.State)
	assert.Equal(t, Handle(1), buf.Handle)
	assert.Equal(t, 64, buf.Len())
	assert.Len(t, a.freeList, 3)
	assert.Same(t, buf, a.assigned[Handle(1)])
}

func TestAllocatorNewIsAllOrNothing(t *testing.T) {
	a := newAllocator(64)
	a.hostAlloc = func(n int) ([]byte, error) {
		return nil, errors.New("out of memory")
	}
	err := a.new(4)
	assert.Error(t, err)
	assert.Len(t, a.freeList, 0)
	assert.Len(t, a.slabs, 0)
}

func TestAllocatorGetOnEmptyFreeList(t *testing.T) {
	a := newAllocator(64)
	_, err := a.get(Handle(1))
	assert.Error(t, err)
}

func TestAllocatorPutReturnsToFreeList(t *testing.T) {
	a := newAllocator(64)
	require.NoError(t, a.new(1))
	buf, err := a.get(Handle(7))
	require.NoError(t, err)

	a.put(buf)
	assert.Equal(t, BufferFree, buf.State)
	assert.Equal(t, Handle(0), buf.Handle)
	assert.Len(t, a.freeList, 1)
	_, ok := a.assigned[Handle(7)]
	assert.False(t, ok)
}

func TestAllocatorMoveToFreeAndBack(t *testing.T) {
	a := newAllocator(64)
	require.NoError(t, a.new(1))
	buf, err := a.get(Handle(3))
	require.NoError(t, err)
	copy(buf.Payload, []byte("hello world"))

	buf.State = BufferEvicted
	a.moveToFree(buf)
	assert.Nil(t, buf.Payload)
	_, ok := a.assigned[Handle(3)]
	assert.False(t, ok)
	assert.Len(t, a.freeList, 1)

	other := &Buffer{Handle: Handle(9)}
	require.NoError(t, a.moveFromFree(other))
	assert.Equal(t, BufferAssigned, other.State)
	assert.Equal(t, []byte("hello world"), other.Payload[:11])
	assert.Same(t, other, a.assigned[Handle(9)])
}

func TestAllocatorMoveStealsStorageDirectly(t *testing.T) {
	a := newAllocator(64)
	require.NoError(t, a.new(1))
	victim, err := a.get(Handle(1))
	require.NoError(t, err)
	victim.State = BufferEvicted

	dst := &Buffer{Handle: Handle(2)}
	a.move(dst, victim)

	assert.Equal(t, BufferAssigned, dst.State)
	assert.NotNil(t, dst.Payload)
	assert.Nil(t, victim.Payload)
	_, ok := a.assigned[Handle(1)]
	assert.False(t, ok)
	assert.Same(t, dst, a.assigned[Handle(2)])
}

func TestAllocatorShrinkCapsAtFreeListLength(t *testing.T) {
	a := newAllocator(64)
	require.NoError(t, a.new(3))
	a.shrink(10)
	assert.Len(t, a.freeList, 0)
}
