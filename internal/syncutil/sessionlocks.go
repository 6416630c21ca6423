// Package syncutil provides keyed locking primitives for per-session
// critical sections.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const lockShards = 256

// SessionLocks is a fixed-size pool of channel-based mutexes keyed by
// session id. Every score evaluation takes the lock for its session so the
// read-modify-write against the store is atomic per key: two concurrent
// evaluations cannot both read pre-mutation state and double-apply deltas,
// or race a delete against an update.
//
// The pool is bounded regardless of how many sessions are seen, at the cost
// of occasional false sharing between keys that hash to the same shard.
// Callers can bail out if their context is cancelled while waiting.
type SessionLocks struct {
	shards [lockShards]chanMutex
	once   sync.Once
}

// chanMutex is a mutex implemented via a buffered channel, allowing select{}
// with a context cancellation channel.
type chanMutex struct {
	ch chan struct{}
}

// NewSessionLocks creates an initialized lock pool.
func NewSessionLocks() *SessionLocks {
	l := &SessionLocks{}
	l.init()
	return l
}

func (l *SessionLocks) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i].ch = make(chan struct{}, 1)
			l.shards[i].ch <- struct{}{} // Start unlocked.
		}
	})
}

// LockContext acquires the lock for the given key, respecting context
// cancellation. On success it returns an unlock function the caller MUST
// invoke when done. On cancellation it returns nil and the context error.
func (l *SessionLocks) LockContext(ctx context.Context, key string) (func(), error) {
	l.init()
	shard := &l.shards[l.shardIdx(key)]

	select {
	case <-shard.ch:
		return func() { shard.ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *SessionLocks) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockShards
}
