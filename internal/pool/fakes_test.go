package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/metrics"
	"github.com/instant-demo/vbrowser-pool/internal/session"
	"github.com/instant-demo/vbrowser-pool/internal/store"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

var (
	testKey = domain.PoolKey{Provider: "docker", Size: domain.SizeNormal}
	t0      = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
)

// fakeAdapter is an in-memory provider.
type fakeAdapter struct {
	mu        sync.Mutex
	vms       map[string]*domain.VM
	nextID    int
	reuses    bool
	startErr  error
	listErr   error
	termErr   error

	// blockStart and blockGet make the call wait for ctx to end.
	blockStart bool
	blockGet   bool

	started   []string
	rebooted  []string
	removed   []string
	poweredOn []string
}

func newFakeAdapter(reuses bool) *fakeAdapter {
	return &fakeAdapter{vms: make(map[string]*domain.VM), reuses: reuses}
}

// add registers an existing instance created at createdAt.
func (f *fakeAdapter) add(id string, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[id] = &domain.VM{ID: id, Host: id + ".test:5000", CreatedAt: createdAt, Provider: testKey.String()}
}

func (f *fakeAdapter) StartInstance(ctx context.Context, password string) (string, error) {
	if f.blocks(&f.blockStart) {
		<-ctx.Done()
		return "", ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.nextID++
	id := fmt.Sprintf("new-%d", f.nextID)
	f.vms[id] = &domain.VM{ID: id, Password: password, Host: id + ".test:5000", CreatedAt: t0, Provider: testKey.String()}
	f.started = append(f.started, id)
	return id, nil
}

func (f *fakeAdapter) RebootInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rebooted = append(f.rebooted, id)
	return nil
}

func (f *fakeAdapter) TerminateInstance(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.termErr != nil {
		return f.termErr
	}
	if _, ok := f.vms[id]; !ok {
		return domain.ErrInstanceNotFound
	}
	delete(f.vms, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeAdapter) GetInstance(ctx context.Context, id string) (*domain.VM, error) {
	if f.blocks(&f.blockGet) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	vm, ok := f.vms[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, domain.ErrInstanceNotFound)
	}
	cp := *vm
	return &cp, nil
}

func (f *fakeAdapter) ListInstances(ctx context.Context, filter string) ([]*domain.VM, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]*domain.VM, 0, len(f.vms))
	for _, vm := range f.vms {
		cp := *vm
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeAdapter) PowerOn(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.poweredOn = append(f.poweredOn, id)
	return nil
}

func (f *fakeAdapter) NormalizeRecord(payload []byte) (*domain.VM, error) {
	var vm domain.VM
	if err := json.Unmarshal(payload, &vm); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedRecord, err)
	}
	return &vm, nil
}

func (f *fakeAdapter) ReusesInstances() bool { return f.reuses }

func (f *fakeAdapter) blocks(flag *bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *flag
}

func (f *fakeAdapter) snapshot() (started, rebooted, removed, poweredOn []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.started...),
		append([]string(nil), f.rebooted...),
		append([]string(nil), f.removed...),
		append([]string(nil), f.poweredOn...)
}

func (f *fakeAdapter) has(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.vms[id]
	return ok
}

// fakeHealth reports the instances in ready as healthy.
type fakeHealth struct {
	mu    sync.Mutex
	ready map[string]bool
	all   bool
}

func (h *fakeHealth) Ready(ctx context.Context, vm *domain.VM) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.all || h.ready[vm.ID]
}

func (h *fakeHealth) setReady(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ready == nil {
		h.ready = make(map[string]bool)
	}
	h.ready[id] = true
}

// testClock is a settable clock shared by the manager and the memory store.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		Buffer:          0,
		GrowInterval:    10 * time.Millisecond,
		ShrinkInterval:  10 * time.Millisecond,
		ReapInterval:    10 * time.Millisecond,
		ReleaseInterval: 5 * time.Minute,
		RenewInterval:   10 * time.Millisecond,
		StagingDelay:    time.Millisecond,
		ResetSettle:     0,
		LockTTL:         300 * time.Second,
		MinShrinkAge:    45 * time.Minute,
		PowerOnEvery:    20,
		GiveUpAfter:     600,
	}
}

type testEnv struct {
	m        *Manager
	store    *store.MemoryStore
	pool     *store.MemoryPool
	adapter  *fakeAdapter
	health   *fakeHealth
	sessions *session.StaticRegistry
	clock    *testClock
}

func newTestEnv(t *testing.T, cfg Config, adapter *fakeAdapter) *testEnv {
	t.Helper()
	clock := &testClock{now: t0}
	ms := store.NewMemoryStore()
	ms.SetClock(clock.Now)
	pool := ms.MemoryPool(testKey)
	health := &fakeHealth{}
	sessions := session.NewStaticRegistry()

	m := NewManager(cfg, pool, adapter, health, sessions, metrics.NewCollector(), logging.Nop())
	m.now = clock.Now

	return &testEnv{m: m, store: ms, pool: pool, adapter: adapter, health: health, sessions: sessions, clock: clock}
}

func (e *testEnv) queue(t *testing.T, q store.Queue) []string {
	t.Helper()
	ids, err := e.pool.ListQueue(context.Background(), q)
	if err != nil {
		t.Fatalf("ListQueue(%s) error = %v", q, err)
	}
	return ids
}

func (e *testEnv) push(t *testing.T, q store.Queue, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range ids {
		var err error
		if q == store.QueueAvailable {
			err = e.pool.PushAvailable(ctx, id)
		} else {
			err = e.pool.PushStaging(ctx, id)
		}
		if err != nil {
			t.Fatalf("push %s error = %v", id, err)
		}
	}
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
