package digest

import (
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// errDuplicate means another goroutine published the key first.
	errDuplicate = errors.New("digest: duplicate key")
	// errIndexClosed means the index was torn down.
	errIndexClosed = errors.New("digest: index closed")
	// errTableFull means a full turn of the cursor found no free slot.
	errTableFull = errors.New("digest: no free slot")
	// errLostSlot means a claimed slot changed owner before it was published.
	errLostSlot = errors.New("digest: slot lost while dirty")
)

// keyIndex maps keys to slot positions. The cache only relies on insert
// reporting errDuplicate when the key is already present.
type keyIndex interface {
	lookup(k *Key) (int, bool)
	insert(k *Key, pos int) error
	remove(k *Key, pos int) bool
	len() int
	close()
}

const indexShards = 64

// shardedIndex spreads keys over independently locked maps so lookups of
// different keys rarely contend.
type shardedIndex struct {
	shards [indexShards]indexShard
	size   atomic.Int64
	closed atomic.Bool
}

type indexShard struct {
	mu sync.RWMutex
	m  map[Key]int
	_  [40]byte
}

func newShardedIndex() *shardedIndex {
	idx := &shardedIndex{}
	for i := range idx.shards {
		idx.shards[i].m = make(map[Key]int)
	}
	return idx
}

func (idx *shardedIndex) shard(k *Key) *indexShard {
	return &idx.shards[k.sum64()%indexShards]
}

// lookup returns the position published under k.
func (idx *shardedIndex) lookup(k *Key) (int, bool) {
	if idx.closed.Load() {
		return 0, false
	}
	s := idx.shard(k)
	s.mu.RLock()
	pos, ok := s.m[*k]
	s.mu.RUnlock()
	return pos, ok
}

// insert publishes pos under k. It fails with errDuplicate if k is present.
func (idx *shardedIndex) insert(k *Key, pos int) error {
	s := idx.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if idx.closed.Load() {
		return errIndexClosed
	}
	if _, ok := s.m[*k]; ok {
		return errDuplicate
	}
	s.m[*k] = pos
	idx.size.Add(1)
	return nil
}

// remove deletes k if it maps to pos. It reports whether an entry was removed.
func (idx *shardedIndex) remove(k *Key, pos int) bool {
	s := idx.shard(k)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[*k]; !ok || cur != pos {
		return false
	}
	delete(s.m, *k)
	idx.size.Add(-1)
	return true
}

func (idx *shardedIndex) len() int {
	return int(idx.size.Load())
}

// close rejects all further inserts and drops the entries.
func (idx *shardedIndex) close() {
	idx.closed.Store(true)
	for i := range idx.shards {
		s := &idx.shards[i]
		s.mu.Lock()
		s.m = make(map[Key]int)
		s.mu.Unlock()
	}
	idx.size.Store(0)
}
