// Package syncutil provides keyed locking primitives used to serialize
// per-session work without holding one global lock.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// shardCount is the fixed number of lock shards. Memory stays bounded no
// matter how many distinct keys are locked; keys that hash to the same
// shard occasionally contend with each other.
const shardCount = 256

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}

// ContextShardedMutex is a fixed-size pool of channel-based mutexes that
// support context cancellation. It is the lock used to serialize tick,
// stop, and settle work on a session: callers waiting on a busy shard
// bail out when their context is cancelled instead of blocking
// indefinitely.
type ContextShardedMutex struct {
	shards [shardCount]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel so acquisition
// can be selected against a context's done channel.
type chanMutex struct {
	ch chan struct{}
}

// NewContextShardedMutex creates a new context-aware sharded mutex.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	m.init()
	return m
}

func (m *ContextShardedMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i].ch = make(chan struct{}, 1)
			m.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the mutex for the given key, respecting context
// cancellation. On success it returns an unlock function that the caller
// MUST invoke when done. On cancellation it returns nil and the context error.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	m.init()
	shard := &m.shards[shardIndex(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
