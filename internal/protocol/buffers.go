package protocol

import (
	"hash/fnv"
	"sync"
)

const bufferShards = 32

type bufferShard struct {
	mu      sync.Mutex
	pending map[string][]byte
}

// buffers holds incomplete input per source id, sharded so unrelated sources
// do not share a lock.
type buffers struct {
	shards [bufferShards]bufferShard
}

func newBuffers() *buffers {
	b := &buffers{}
	for i := range b.shards {
		b.shards[i].pending = make(map[string][]byte)
	}
	return b
}

func (b *buffers) shard(source string) *bufferShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(source))
	return &b.shards[h.Sum32()%bufferShards]
}

// take removes the pending bytes for source and returns them followed by data,
// in a slice the caller owns.
func (b *buffers) take(source string, data []byte) []byte {
	s := b.shard(source)
	s.mu.Lock()
	prev := s.pending[source]
	delete(s.pending, source)
	s.mu.Unlock()
	out := make([]byte, 0, len(prev)+len(data))
	out = append(out, prev...)
	return append(out, data...)
}

func (b *buffers) put(source string, data []byte) {
	if len(data) == 0 {
		return
	}
	s := b.shard(source)
	s.mu.Lock()
	s.pending[source] = data
	s.mu.Unlock()
}

func (b *buffers) clear(source string) bool {
	s := b.shard(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[source]
	delete(s.pending, source)
	return ok
}

func (b *buffers) clearAll() int {
	n := 0
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		n += len(s.pending)
		clear(s.pending)
		s.mu.Unlock()
	}
	return n
}

func (b *buffers) size(source string) int {
	s := b.shard(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[source])
}

// totals reports sources with pending bytes and the bytes held.
func (b *buffers) totals() (sources, size int) {
	for i := range b.shards {
		s := &b.shards[i]
		s.mu.Lock()
		sources += len(s.pending)
		for _, p := range s.pending {
			size += len(p)
		}
		s.mu.Unlock()
	}
	return sources, size
}
