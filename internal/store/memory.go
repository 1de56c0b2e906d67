package store

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
)

// MemoryStore is an in-process Store for single-process development and tests.
// It offers the same semantics as ValkeyStore, but state is lost on exit and is
// not shared between processes.
type MemoryStore struct {
	mu       sync.Mutex
	pools    map[string]*MemoryPool
	counters map[string]int64
	usage    map[string]map[string]float64
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pools:    make(map[string]*MemoryPool),
		counters: make(map[string]int64),
		usage:    make(map[string]map[string]float64),
		now:      time.Now,
	}
}

// SetClock overrides the clock used for lock expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) clock() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now()
}

// Pool returns the pool for key, creating it on first use.
func (s *MemoryStore) Pool(key domain.PoolKey) PoolStore {
	return s.MemoryPool(key)
}

// MemoryPool is Pool with the concrete return type.
func (s *MemoryStore) MemoryPool(key domain.PoolKey) *MemoryPool {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := key.String()
	if p, ok := s.pools[name]; ok {
		return p
	}
	p := &MemoryPool{
		store:   s,
		key:     key,
		locks:   make(map[string]time.Time),
		retry:   make(map[string]int64),
		samples: make(map[string][]int64),
		wake:    make(chan struct{}),
	}
	s.pools[name] = p
	return p
}

// Counter returns the current value of a named counter.
func (s *MemoryStore) Counter(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Usage returns the score of member in the usage set of kind.
func (s *MemoryStore) Usage(kind, member string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[kind][member]
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() {}

// MemoryPool implements PoolStore in process memory. Queues are kept in pop
// order: index 0 is the next id to be popped.
type MemoryPool struct {
	store *MemoryStore
	key   domain.PoolKey

	mu        sync.Mutex
	available []string
	staging   []string
	locks     map[string]time.Time // id -> expiry
	retry     map[string]int64
	samples   map[string][]int64 // newest first
	wake      chan struct{}      // closed and replaced on every push
}

func (p *MemoryPool) Key() domain.PoolKey { return p.key }

func (p *MemoryPool) queue(q Queue) (*[]string, error) {
	switch q {
	case QueueAvailable:
		return &p.available, nil
	case QueueStaging:
		return &p.staging, nil
	}
	return nil, fmt.Errorf("unknown queue %q", q)
}

// signal wakes every blocked pop. Callers hold p.mu.
func (p *MemoryPool) signal() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *MemoryPool) QueueLength(ctx context.Context, q Queue) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, err := p.queue(q)
	if err != nil {
		return 0, err
	}
	return int64(len(*list)), nil
}

func (p *MemoryPool) PushAvailable(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.available = append(p.available, id)
	p.signal()
	return nil
}

func (p *MemoryPool) PushStaging(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.staging = append(p.staging, id)
	p.signal()
	return nil
}

func (p *MemoryPool) PopAvailable(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		if len(p.available) > 0 {
			id := p.available[0]
			p.available = p.available[1:]
			p.mu.Unlock()
			return id, nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		}
	}
}

func (p *MemoryPool) RotateStaging(ctx context.Context) (string, error) {
	for {
		p.mu.Lock()
		if len(p.staging) > 0 {
			id := p.staging[0]
			p.staging = append(p.staging[1:], id)
			p.mu.Unlock()
			return id, nil
		}
		wake := p.wake
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		}
	}
}

func (p *MemoryPool) MoveStagingToAvailable(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := slices.Index(p.staging, id)
	if i < 0 {
		return false, nil
	}
	p.staging = slices.Delete(p.staging, i, i+1)
	p.available = append(p.available, id)
	delete(p.retry, id)
	p.signal()
	return true, nil
}

func (p *MemoryPool) RemoveFromQueue(ctx context.Context, q Queue, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, err := p.queue(q)
	if err != nil {
		return err
	}
	// LREM with count 1 removes from the head, which is the back of the slice.
	for i := len(*list) - 1; i >= 0; i-- {
		if (*list)[i] == id {
			*list = slices.Delete(*list, i, i+1)
			break
		}
	}
	return nil
}

func (p *MemoryPool) ListQueue(ctx context.Context, q Queue) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list, err := p.queue(q)
	if err != nil {
		return nil, err
	}
	return slices.Clone(*list), nil
}

func (p *MemoryPool) TryAcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	now := p.store.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if exp, ok := p.locks[id]; ok && now.Before(exp) {
		return false, nil
	}
	p.locks[id] = now.Add(ttl)
	return true, nil
}

func (p *MemoryPool) ReleaseLock(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.locks, id)
	return nil
}

func (p *MemoryPool) RefreshLock(ctx context.Context, id string, ttl time.Duration) error {
	now := p.store.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	if exp, ok := p.locks[id]; ok && now.Before(exp) {
		p.locks[id] = now.Add(ttl)
	}
	return nil
}

func (p *MemoryPool) ListLockedIDs(ctx context.Context) ([]string, error) {
	now := p.store.clock()
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.locks))
	for id, exp := range p.locks {
		if !now.Before(exp) {
			delete(p.locks, id)
			continue
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

func (p *MemoryPool) IncrementRetry(ctx context.Context, id string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retry[id]++
	return p.retry[id], nil
}

func (p *MemoryPool) ClearRetry(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.retry, id)
	return nil
}

func (p *MemoryPool) PushSample(ctx context.Context, list string, value int64, window int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := append([]int64{value}, p.samples[list]...)
	if window > 0 && len(s) > window {
		s = s[:window]
	}
	p.samples[list] = s
	return nil
}

func (p *MemoryPool) Samples(ctx context.Context, list string) ([]int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.samples[list]), nil
}

func (p *MemoryPool) IncrementCounter(ctx context.Context, name string) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	p.store.counters[name]++
	return nil
}

// IncrementUsage ignores expireAt; the process lifetime bounds the data.
func (p *MemoryPool) IncrementUsage(ctx context.Context, kind, member string, expireAt time.Time) error {
	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	set, ok := p.store.usage[kind]
	if !ok {
		set = make(map[string]float64)
		p.store.usage[kind] = set
	}
	set[member]++
	return nil
}

func (p *MemoryPool) Ping(ctx context.Context) error { return nil }

var (
	_ Store     = (*MemoryStore)(nil)
	_ PoolStore = (*MemoryPool)(nil)
)
