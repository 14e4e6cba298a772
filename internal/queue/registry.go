package queue

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Registry owns the named queues of a process.
type Registry struct {
	db     *sql.DB
	now    func() time.Time
	mu     sync.RWMutex
	queues map[string]*Queue
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, queues: map[string]*Queue{}}
}

// WithClock makes every queue registered afterwards use now.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register creates the queue or returns the existing one.
func (r *Registry) Register(name string, defaults Options) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return q
	}
	q := New(r.db, name, defaults)
	q.Now = r.now
	r.queues[name] = q
	return q
}

func (r *Registry) Get(name string) (*Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	return q, nil
}

// All returns registered queues sorted by name.
func (r *Registry) All() []*Queue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := make([]*Queue, 0, len(r.queues))
	for _, q := range r.queues {
		res = append(res, q)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].name < res[j].name })
	return res
}
