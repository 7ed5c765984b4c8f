// Package swap implements the backing store the scheduler evicts buffer
// payloads to and reloads them from. It is the only part of this module
// whose state outlives the process (spec.md §6, "Persisted state").
package swap

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/golang/snappy"
	"github.com/pkg/errors"

	"bufsched/logger"
	"bufsched/util"
)

// Sentinel errors, one per swap-specific failure kind (spec.md §4.2, §7).
var (
	ErrSyscall  = errors.New("swap: syscall failed")
	ErrBadIO    = errors.New("swap: I/O failed")
	ErrBadAlloc = errors.New("swap: slot table allocation failed")
)

// slotShards is the number of independent slot-table shards. Sharding by
// hashed handle keeps concurrent swapout/swapin calls for unrelated
// handles from serializing on one map's mutex.
const slotShards = 16

// slot locates one handle's compressed payload within the backing file.
type slot struct {
	offset int64
	length int // length of the compressed payload on disk
}

type slotShard struct {
	mu    sync.Mutex
	table map[uint64]slot
}

// Store is a file-backed swap area. One backing file holds every evicted
// handle's compressed payload; a sharded slot table in memory maps handle
// to offset. Store never rewrites a slot in place — each swapout appends,
// so a handle's previous slot is simply orphaned until the process exits
// (spec.md Non-goals: no persistence of the pool across restarts, so a
// compacting GC for the backing file is out of scope here).
type Store struct {
	path   string
	file   *os.File
	next   int64 // next free offset, advanced with atomic.AddInt64
	shards [slotShards]slotShard
}

// New prepares a swap store rooted at dir (created if necessary).
func New(dir string) (*Store, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(ErrSyscall, err.Error())
	}
	path := filepath.Join(dir, "bufsched.swap")
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(ErrSyscall, err.Error())
	}
	s := &Store{path: path, file: f}
	for i := range s.shards {
		s.shards[i].table = make(map[uint64]slot)
	}
	return s, nil
}

func (s *Store) shardFor(handle uint64) *slotShard {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], handle)
	return &s.shards[util.HashCode(key[:])%slotShards]
}

// Swapout writes payload's compressed bytes to a new slot for handle,
// replacing any previous slot for the same handle. Each call encodes into
// its own buffer so concurrent swapouts never share compression state.
func (s *Store) Swapout(handle uint64, payload []byte) error {
	compressed := snappy.Encode(nil, payload)

	offset := atomic.AddInt64(&s.next, int64(len(compressed))) - int64(len(compressed))
	if err := util.WriteAtOffset(s.path, offset, compressed); err != nil {
		return errors.Wrap(ErrSyscall, err.Error())
	}

	sh := s.shardFor(handle)
	sh.mu.Lock()
	sh.table[handle] = slot{offset: offset, length: len(compressed)}
	sh.mu.Unlock()
	return nil
}

// Swapin reads handle's slot back and decompresses it into dst. dst must
// have enough capacity for the original payload.
func (s *Store) Swapin(handle uint64, dst []byte) error {
	sh := s.shardFor(handle)
	sh.mu.Lock()
	sl, ok := sh.table[handle]
	sh.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrBadAlloc, "handle was never swapped out")
	}

	compressed := make([]byte, sl.length)
	if err := util.ReadAtOffset(s.path, sl.offset, compressed); err != nil {
		return errors.Wrap(ErrBadIO, err.Error())
	}
	decoded, err := snappy.Decode(dst, compressed)
	if err != nil {
		return errors.Wrap(ErrBadIO, err.Error())
	}
	if len(decoded) > 0 && &decoded[0] != &dst[0] {
		copy(dst, decoded)
	}
	return nil
}

// Has reports whether handle currently has a swap slot.
func (s *Store) Has(handle uint64) bool {
	sh := s.shardFor(handle)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	_, ok := sh.table[handle]
	return ok
}

// Close releases the backing file.
func (s *Store) Close() error {
	if err := s.file.Close(); err != nil {
		logger.Warnf("swap: close backing file: %v", err)
		return errors.Wrap(ErrSyscall, err.Error())
	}
	return nil
}
