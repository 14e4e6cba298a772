package lock_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"evalflow/internal/db"
	"evalflow/internal/lock"
	"evalflow/internal/migrate"
	"evalflow/internal/repo"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLease(t *testing.T) *lock.Lease {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return lock.NewLease(repo.Repo{DB: conn}, lock.Wait{Attempts: 2, Interval: time.Millisecond})
}

func exercise(t *testing.T, l lock.Locker, c *clock) {
	t.Helper()
	ctx := context.Background()
	h, err := l.Acquire(ctx, "eval_task_finish_t1", 30*time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := l.Acquire(ctx, "eval_task_finish_t1", 30*time.Second); !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	other, err := l.Acquire(ctx, "eval_task_finish_t2", 30*time.Second)
	if err != nil {
		t.Fatalf("independent key must be free: %v", err)
	}
	other.Release(ctx)
	if err := h.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	h2, err := l.Acquire(ctx, "eval_task_finish_t1", 30*time.Second)
	if err != nil {
		t.Fatalf("reacquire after release: %v", err)
	}
	c.Advance(31 * time.Second)
	h3, err := l.Acquire(ctx, "eval_task_finish_t1", 30*time.Second)
	if err != nil {
		t.Fatalf("expired lock must be reclaimable: %v", err)
	}
	// A stale handle must not release the new holder.
	h2.Release(ctx)
	if _, err := l.Acquire(ctx, "eval_task_finish_t1", 30*time.Second); !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("stale release freed the lock: %v", err)
	}
	h3.Release(ctx)
}

func TestLocalLock(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := lock.NewLocal(lock.Wait{Attempts: 2, Interval: time.Millisecond})
	l.Now = c.Now
	exercise(t, l, c)
}

func TestLeaseLock(t *testing.T) {
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newLease(t)
	l.Now = c.Now
	exercise(t, l, c)
}

func TestAcquireHonorsContext(t *testing.T) {
	l := lock.NewLocal(lock.Wait{Attempts: 100, Interval: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := l.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatal(err)
	}
	cancel()
	if _, err := l.Acquire(ctx, "k", time.Minute); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
