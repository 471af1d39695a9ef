package counters

import (
	"context"
	"hash/fnv"
	"strings"
	"sync"
	"time"
)

const memShards = 32

// MemStore is the in-process backend. Counters are sharded by key hash so
// concurrent subjects don't contend on a single lock.
type MemStore struct {
	windows Windows
	shards  [memShards]memShard
}

type memShard struct {
	mu      sync.Mutex
	buckets map[string]memBucket
}

type memBucket struct {
	windowIdx int64
	count     int
}

func NewMemStore(w Windows) (*MemStore, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	s := &MemStore{windows: w}
	for i := range s.shards {
		s.shards[i].buckets = make(map[string]memBucket)
	}
	return s, nil
}

func (s *MemStore) shard(key string) *memShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%memShards]
}

func (s *MemStore) Record(ctx context.Context, subject, metric string, ts time.Time) (int, error) {
	size, err := s.windows.lookup(metric)
	if err != nil {
		return 0, err
	}
	key := metric + "/" + subject
	idx := windowIndex(ts, size)

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok || b.windowIdx != idx {
		b = memBucket{windowIdx: idx, count: 1}
	} else {
		b.count++
	}
	sh.buckets[key] = b
	return b.count, nil
}

func (s *MemStore) Peek(ctx context.Context, subject, metric string, ts time.Time) (int, error) {
	size, err := s.windows.lookup(metric)
	if err != nil {
		return 0, err
	}
	key := metric + "/" + subject
	idx := windowIndex(ts, size)

	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	if !ok || b.windowIdx != idx {
		return 0, nil
	}
	return b.count, nil
}

// Compact drops buckets whose window has passed. Correctness never depends on
// this; it only bounds memory for long-lived processes. Returns the number of
// buckets removed.
func (s *MemStore) Compact(now time.Time) int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			metric := key
			if j := strings.IndexByte(key, '/'); j >= 0 {
				metric = key[:j]
			}
			size, ok := s.windows[metric]
			if !ok {
				delete(sh.buckets, key)
				removed++
				continue
			}
			if windowIndex(now, size) != b.windowIdx {
				delete(sh.buckets, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}
