// Package lock provides keyed mutual exclusion for short critical sections.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"evalflow/internal/domain"
	"evalflow/internal/repo"
)

var ErrNotAcquired = errors.New("lock not acquired")

type Handle interface {
	Release(ctx context.Context) error
}

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error)
}

// Wait bounds how long Acquire polls a held key.
type Wait struct {
	Attempts int
	Interval time.Duration
}

func (w Wait) normalize() Wait {
	if w.Attempts <= 0 {
		w.Attempts = 10
	}
	if w.Interval <= 0 {
		w.Interval = 100 * time.Millisecond
	}
	return w
}

func poll(ctx context.Context, w Wait, try func() (bool, error)) error {
	w = w.normalize()
	for attempt := 0; ; attempt++ {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if attempt >= w.Attempts {
			return ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.Interval):
		}
	}
}

type entry struct {
	timestamp time.Time
	timeout   time.Duration
	token     string
}

// Local is an in-process lock table. It does not coordinate across processes.
type Local struct {
	Wait Wait
	Now  func() time.Time

	mu      sync.Mutex
	entries map[string]entry
}

func NewLocal(w Wait) *Local {
	return &Local{Wait: w, entries: map[string]entry{}}
}

func (l *Local) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Local) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	token := uuid.NewString()
	err := poll(ctx, l.Wait, func() (bool, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.entries == nil {
			l.entries = map[string]entry{}
		}
		now := l.now()
		for k, e := range l.entries {
			if now.Sub(e.timestamp) > e.timeout {
				delete(l.entries, k)
			}
		}
		if _, held := l.entries[key]; held {
			return false, nil
		}
		l.entries[key] = entry{timestamp: now, timeout: ttl, token: token}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return localHandle{l: l, key: key, token: token}, nil
}

type localHandle struct {
	l     *Local
	key   string
	token string
}

func (h localHandle) Release(ctx context.Context) error {
	h.l.mu.Lock()
	defer h.l.mu.Unlock()
	if e, ok := h.l.entries[h.key]; ok && e.token == h.token {
		delete(h.l.entries, h.key)
	}
	return nil
}

// leaseLayout is fixed width so stored timestamps compare as text.
const leaseLayout = "2006-01-02T15:04:05.000000000Z"

// Lease stores locks in the leases table so several processes sharing the
// database exclude each other.
type Lease struct {
	Repo    repo.Repo
	OwnerID string
	Wait    Wait
	Now     func() time.Time
}

func NewLease(r repo.Repo, w Wait) *Lease {
	return &Lease{Repo: r, OwnerID: uuid.NewString(), Wait: w}
}

func (l *Lease) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (Handle, error) {
	// Each acquisition gets its own owner so two goroutines of one process exclude each other.
	owner := l.OwnerID + "/" + uuid.NewString()
	err := poll(ctx, l.Wait, func() (bool, error) {
		now := l.now().UTC()
		return l.Repo.ClaimLease(ctx, domain.Lease{
			Key:        key,
			OwnerID:    owner,
			AcquiredAt: now.Format(leaseLayout),
			ExpiresAt:  now.Add(ttl).Format(leaseLayout),
		}, now.Format(leaseLayout))
	})
	if err != nil {
		return nil, err
	}
	return leaseHandle{repo: l.Repo, key: key, owner: owner}, nil
}

type leaseHandle struct {
	repo  repo.Repo
	key   string
	owner string
}

func (h leaseHandle) Release(ctx context.Context) error {
	return h.repo.ReleaseLease(ctx, h.key, h.owner)
}
