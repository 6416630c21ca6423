package syncutil

import (
	"context"
	"testing"
	"time"
)

func TestLockContextSerializes(t *testing.T) {
	locks := NewSessionLocks()
	ctx := context.Background()

	unlock, err := locks.LockContext(ctx, "sess_a")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// A second acquire on the same key must block until the first unlocks.
	acquired := make(chan struct{})
	go func() {
		u2, err := locks.LockContext(ctx, "sess_a")
		if err != nil {
			t.Errorf("second acquire: %v", err)
			close(acquired)
			return
		}
		close(acquired)
		u2()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while lock is held")
	case <-time.After(50 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should proceed after unlock")
	}
}

func TestLockContextCancellation(t *testing.T) {
	locks := NewSessionLocks()

	unlock, err := locks.LockContext(context.Background(), "sess_b")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := locks.LockContext(ctx, "sess_b"); err == nil {
		t.Fatal("expected context error while lock is held")
	}
}

func TestDifferentKeysDoNotBlock(t *testing.T) {
	locks := NewSessionLocks()
	ctx := context.Background()

	u1, err := locks.LockContext(ctx, "sess_a")
	if err != nil {
		t.Fatalf("acquire a: %v", err)
	}
	defer u1()

	// Distinct keys normally live on distinct shards.
	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	u2, err := locks.LockContext(ctx2, "sess_z")
	if err != nil {
		t.Fatalf("acquire z should not block on a: %v", err)
	}
	u2()
}
