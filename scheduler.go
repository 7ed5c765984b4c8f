package bufsched

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"bufsched/logger"
	"bufsched/swap"
)

// Scheduler is the entry point a buffering service holds for its lifetime.
// It owns an allocator, an MRU index and a swapper, and runs a background
// controller goroutine that grows or shrinks the allocator's free-list in
// response to allocation pressure (spec.md §4.4).
type Scheduler struct {
	cfg Config

	alloc     *allocator
	mru       mruList
	swapStore *swap.Store
	stats     statCounters

	mu         sync.Mutex
	nrFree     uint64
	nrAssigned uint64
	capacity   uint64
	resizeReq  bool
	shrinkReq  bool

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// NewScheduler builds a Scheduler with bufferSize-sized slots and warms the
// free-list to cfg.InitialCapacity before returning. The resize controller
// starts running immediately.
func NewScheduler(bufferSize, maxPoolSize uint64, opts ...Option) (*Scheduler, error) {
	cfg, err := newConfig(bufferSize, maxPoolSize, opts)
	if err != nil {
		return nil, err
	}

	store, err := swap.New(cfg.SwapDir)
	if err != nil {
		return nil, err
	}

	alloc := newAllocator(cfg.BufferSize)
	if err := alloc.new(cfg.InitialCapacity); err != nil {
		store.Close()
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		alloc:     alloc,
		swapStore: store,
		nrFree:    cfg.InitialCapacity,
		capacity:  cfg.InitialCapacity,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}

	s.wg.Add(1)
	go s.controllerLoop()
	return s, nil
}

// Alloc hands out a fresh Assigned buffer under handle. If the pool is out
// of free slots, Alloc evicts the MRU tail to make room rather than
// underflowing nr_free: the evicted buffer's storage returns to the
// allocator's free-list, then get() pops it straight back out under the
// new handle.
func (s *Scheduler) Alloc(handle Handle) (*Buffer, error) {
	if err := s.ensureFree(); err != nil {
		return nil, errors.Wrap(err, "alloc")
	}

	buf, err := s.alloc.get(handle)
	if err != nil {
		return nil, errors.Wrap(err, "alloc")
	}

	s.mu.Lock()
	s.nrAssigned++
	s.nrFree--
	grow := s.nrFree <= s.cfg.MinFree
	if grow {
		s.resizeReq = true
	}
	s.mu.Unlock()
	if grow {
		s.notify()
	}

	atomic.AddUint64(&s.stats.allocs, 1)
	return buf, nil
}

// Free returns buf to the allocator's free-list and unlinks it from the
// MRU index. buf must be Assigned.
func (s *Scheduler) Free(buf *Buffer) error {
	if buf == nil || buf.State != BufferAssigned {
		return errors.Wrap(ErrInvalidArgument, "free: buffer is not assigned")
	}

	s.mu.Lock()
	s.mru.remove(buf)
	s.mu.Unlock()

	s.alloc.put(buf)

	s.mu.Lock()
	s.nrAssigned--
	s.nrFree++
	shrink := s.nrFree >= s.cfg.MaxFree
	if shrink {
		s.shrinkReq = true
	}
	s.mu.Unlock()
	if shrink {
		s.notify()
	}

	atomic.AddUint64(&s.stats.frees, 1)
	return nil
}

// MarkUpdated moves buf to the head of the MRU index. A no-op for buffers
// that aren't Assigned — there is nothing to mark recent.
func (s *Scheduler) MarkUpdated(buf *Buffer) {
	if buf == nil || buf.State != BufferAssigned {
		return
	}
	s.mu.Lock()
	s.mru.put(buf)
	s.mu.Unlock()
}

// Swapin restores buf's payload from the backing store and moves it to
// Assigned. buf must be Evicted; it carries its own Handle from the
// swapout that put it there. If the pool has no free slot to give buf,
// Swapin evicts the MRU tail first and hands that storage to buf directly,
// without ever touching the free-list.
func (s *Scheduler) Swapin(buf *Buffer) error {
	if buf == nil || buf.State != BufferEvicted {
		return errors.Wrap(ErrInvalidArgument, "swapin: buffer is not evicted")
	}

	s.mu.Lock()
	full := s.nrFree == 0
	s.mu.Unlock()

	if full {
		victim, err := s.evictVictim("swapin")
		if err != nil {
			return errors.Wrap(err, "swapin")
		}
		s.alloc.move(buf, victim)
	} else {
		s.mu.Lock()
		s.nrFree--
		s.nrAssigned++
		grow := s.nrFree <= s.cfg.MinFree
		if grow {
			s.resizeReq = true
		}
		s.mu.Unlock()
		if grow {
			s.notify()
		}

		if err := s.alloc.moveFromFree(buf); err != nil {
			s.mu.Lock()
			s.nrFree++
			s.nrAssigned--
			s.mu.Unlock()
			return errors.Wrap(err, "swapin")
		}
	}

	if err := s.swapStore.Swapin(uint64(buf.Handle), buf.Payload); err != nil {
		// The storage buf was just given goes back to the free-list and buf
		// returns to Evicted, so a retry can still find it via the same
		// handle.
		buf.State = BufferEvicted
		s.alloc.moveToFree(buf)
		s.mu.Lock()
		s.nrFree++
		s.nrAssigned--
		s.mu.Unlock()
		return errors.Wrap(ErrBadIO, err.Error())
	}

	atomic.AddUint64(&s.stats.swapins, 1)
	return nil
}

// Destroy stops the resize controller and releases the swapper's backing
// file. The Scheduler must not be used afterward.
func (s *Scheduler) Destroy() error {
	close(s.done)
	s.wg.Wait()
	return s.swapStore.Close()
}

// Stats returns a point-in-time snapshot of activity counters.
func (s *Scheduler) Stats() Stats {
	return s.stats.snapshot()
}

// ensureFree evicts one buffer if the pool currently has none free. Called
// before Alloc touches the allocator's free-list. The check is not atomic
// with Alloc's following get(): if concurrent Allocs take the last free
// buffers first, get() finds the free-list empty and Alloc returns
// ErrBadAlloc.
func (s *Scheduler) ensureFree() error {
	s.mu.Lock()
	full := s.nrFree == 0
	s.mu.Unlock()
	if !full {
		return nil
	}

	victim, err := s.evictVictim("alloc")
	if err != nil {
		return err
	}
	s.alloc.moveToFree(victim)

	s.mu.Lock()
	s.nrFree++
	s.nrAssigned--
	s.mu.Unlock()
	return nil
}

// evictVictim pops the MRU tail, writes it to the swapper and marks it
// Evicted. It does not touch the allocator's free-list or the Scheduler's
// counters — callers decide what happens to the freed storage next.
func (s *Scheduler) evictVictim(op string) (*Buffer, error) {
	s.mu.Lock()
	victim := s.mru.get()
	s.mu.Unlock()
	if victim == nil {
		return nil, errors.Wrap(ErrBadAlloc, op+": pool exhausted, nothing evictable")
	}

	if err := s.swapStore.Swapout(uint64(victim.Handle), victim.Payload); err != nil {
		s.mu.Lock()
		s.mru.put(victim)
		s.mu.Unlock()
		return nil, errors.Wrap(ErrSyscall, err.Error())
	}
	victim.State = BufferEvicted

	atomic.AddUint64(&s.stats.evictions, 1)
	return victim, nil
}

// notify wakes the resize controller. The channel is buffered to depth 1
// and the send is non-blocking: a pending wake-up that hasn't been
// consumed yet already guarantees the controller will re-check resizeReq
// and shrinkReq on its next pass, so a dropped duplicate send loses
// nothing (spec.md §9 treats this as equivalent to the condition-variable
// original as long as no signal is lost while the flag it represents is
// still set).
func (s *Scheduler) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) controllerLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.wake:
			s.grow()
			s.shrink()
		case <-s.done:
			return
		}
	}
}

// grow implements spec.md §4.4.2's sizing policy. If nr_free+nr_assigned has
// already reached max_pool_size, there is no room left to grow into at all:
// the ceiling-reached branch evicts nr_swapout buffers instead, trading
// memory for swap I/O. Otherwise it doubles capacity, capped so nr_free
// never overshoots max_free and nr_free+nr_assigned never overshoots
// max_pool_size (invariant I1). On host allocation failure it simply
// returns without touching any counter: nr_free/capacity are only
// incremented after alloc.new succeeds, so there is nothing to roll back.
func (s *Scheduler) grow() {
	s.mu.Lock()
	if !s.resizeReq {
		s.mu.Unlock()
		return
	}
	s.resizeReq = false

	if s.nrFree+s.nrAssigned >= s.cfg.MaxPoolSize {
		s.mu.Unlock()
		s.evictBatch(s.cfg.NrSwapout)
		return
	}

	delta := s.capacity
	if s.nrFree+delta > s.cfg.MaxFree {
		if s.cfg.MaxFree > s.nrFree {
			delta = s.cfg.MaxFree - s.nrFree
		} else {
			delta = 0
		}
	}
	if want := s.cfg.MaxPoolSize - s.nrFree - s.nrAssigned; delta > want {
		delta = want
	}
	s.mu.Unlock()

	if delta == 0 {
		return
	}

	if err := s.alloc.new(delta); err != nil {
		logger.Warnf("bufsched: grow by %d buffers failed: %v", delta, err)
		return
	}

	s.mu.Lock()
	s.nrFree += delta
	s.capacity += delta
	s.mu.Unlock()

	atomic.AddUint64(&s.stats.growEvents, 1)
}

// evictBatch evicts up to n MRU-tail buffers to the swapper, stopping early
// if the MRU index empties out first. This is the ceiling-reached branch of
// the grow policy (spec.md §4.4.2) and the only place nr_swapout is
// consulted: a grow attempt that finds the pool already at max_pool_size
// makes room by swapping out a whole batch at once rather than the one
// -buffer-at-a-time reactive eviction Alloc/Swapin fall back to under
// pressure.
func (s *Scheduler) evictBatch(n uint64) {
	for i := uint64(0); i < n; i++ {
		victim, err := s.evictVictim("grow")
		if err != nil {
			logger.Warnf("bufsched: ceiling eviction stopped after %d/%d buffers: %v", i, n, err)
			return
		}
		s.alloc.moveToFree(victim)

		s.mu.Lock()
		s.nrFree++
		s.nrAssigned--
		s.mu.Unlock()
	}
}

// shrink halves nr_free back toward the free-list, never taking capacity
// below the pool's initial size.
func (s *Scheduler) shrink() {
	s.mu.Lock()
	if !s.shrinkReq {
		s.mu.Unlock()
		return
	}
	s.shrinkReq = false

	delta := s.nrFree / 2
	if s.capacity-delta < s.cfg.InitialCapacity {
		if s.capacity > s.cfg.InitialCapacity {
			delta = s.capacity - s.cfg.InitialCapacity
		} else {
			delta = 0
		}
	}
	s.mu.Unlock()

	if delta == 0 {
		return
	}

	s.alloc.shrink(delta)

	s.mu.Lock()
	s.nrFree -= delta
	s.capacity -= delta
	s.mu.Unlock()

	atomic.AddUint64(&s.stats.shrinkEvents, 1)
}
