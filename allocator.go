package bufsched

import (
	"sync"

	"github.com/pkg/errors"
)

// allocator is the free-list slab allocator for fixed-size buffers. It is
// internally synchronized; the Scheduler's lock never guards allocator
// state, only Scheduler counters (spec §5).
type allocator struct {
	mu sync.Mutex

	bufferSize uint64
	freeList   []*Buffer // LIFO: append/pop at the end
	assigned   map[Handle]*Buffer
	slabs      [][]byte // kept for capacity bookkeeping, one entry per new() batch

	// hostAlloc is the allocation primitive, overridable in tests to
	// simulate a host out-of-memory condition.
	hostAlloc func(n int) ([]byte, error)
}

func newAllocator(bufferSize uint64) *allocator {
	return &allocator{
		bufferSize: bufferSize,
		assigned:   make(map[Handle]*Buffer),
		hostAlloc: func(n int) ([]byte, error) {
			return make([]byte, n), nil
		},
	}
}

// new allocates n fresh buffers in a single slab and pushes them onto the
// free-list. All-or-nothing: on host allocation failure, no state changes.
func (a *allocator) new(n uint64) error {
	if n == 0 {
		return nil
	}
	slab, err := a.hostAlloc(int(n * a.bufferSize))
	if err != nil {
		return errors.Wrap(ErrBadAlloc, err.Error())
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.slabs = append(a.slabs, slab)
	for i := uint64(0); i < n; i++ {
		off := i * a.bufferSize
		a.freeList = append(a.freeList, &Buffer{
			State:   BufferFree,
			Payload: slab[off : off+a.bufferSize : off+a.bufferSize],
		})
	}
	return nil
}

// get pops a free buffer, stamps it with handle, and moves it to the
// assigned-set. Precondition: free-list non-empty, guaranteed by the
// Scheduler's counters before calling.
func (a *allocator) get(handle Handle) (*Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.freeList)
	if n == 0 {
		return nil, errors.Wrap(ErrBadAlloc, "free-list exhausted")
	}
	buf := a.freeList[n-1]
	a.freeList = a.freeList[:n-1]
	buf.State = BufferAssigned
	buf.Handle = handle
	a.assigned[handle] = buf
	return buf, nil
}

// put marks buf Free, pushes it onto the free-list, and removes it from
// the assigned-set.
func (a *allocator) put(buf *Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.assigned, buf.Handle)
	buf.State = BufferFree
	buf.Handle = 0
	a.freeList = append(a.freeList, buf)
}

// moveToFree detaches buf's storage (buf must already be Evicted, its
// identity dissociated by the caller) and returns it to the free-list as a
// fresh free buffer. buf itself keeps its Evicted state with no storage.
func (a *allocator) moveToFree(buf *Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.assigned, buf.Handle)
	a.freeList = append(a.freeList, &Buffer{
		State:   BufferFree,
		Payload: buf.Payload,
	})
	buf.Payload = nil
}

// moveFromFree pops a free buffer's storage and attaches it under buf's
// existing identity, moving buf to Assigned.
func (a *allocator) moveFromFree(buf *Buffer) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := len(a.freeList)
	if n == 0 {
		return errors.Wrap(ErrBadAlloc, "free-list exhausted")
	}
	donor := a.freeList[n-1]
	a.freeList = a.freeList[:n-1]
	buf.Payload = donor.Payload
	buf.State = BufferAssigned
	a.assigned[buf.Handle] = buf
	return nil
}

// move steals the storage of src (an evicted donor) for dst (the swapin
// target), without touching the free-list. Used when memory is full and
// swapin must not grow the pool.
func (a *allocator) move(dst, src *Buffer) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.assigned, src.Handle)
	dst.Payload = src.Payload
	dst.State = BufferAssigned
	src.Payload = nil
	a.assigned[dst.Handle] = dst
}

// shrink drops up to n buffers from the free-list tail. Precondition:
// n <= len(freeList), guaranteed by the Scheduler's counters. The slabs
// those buffers were cut from stay referenced by a.slabs, so their memory
// is not returned to the host.
func (a *allocator) shrink(n uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	count := int(n)
	if count > len(a.freeList) {
		count = len(a.freeList)
	}
	a.freeList = a.freeList[:len(a.freeList)-count]
}
