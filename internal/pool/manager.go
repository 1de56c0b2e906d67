// Package pool keeps a supply of ready vbrowser instances for one provider and
// size class, hands them out under a store lock and recycles them afterwards.
package pool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/metrics"
	"github.com/instant-demo/vbrowser-pool/internal/provider"
	"github.com/instant-demo/vbrowser-pool/internal/session"
	"github.com/instant-demo/vbrowser-pool/internal/store"
	"github.com/instant-demo/vbrowser-pool/internal/telemetry"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// HealthChecker reports whether an instance answers its readiness endpoint.
type HealthChecker interface {
	Ready(ctx context.Context, vm *domain.VM) bool
}

// Config holds the sizing and timing of one pool.
type Config struct {
	Buffer int // idle instances to keep when Fixed is zero
	Fixed  int // total fleet size; zero selects buffer mode

	GrowInterval    time.Duration
	ShrinkInterval  time.Duration
	ReapInterval    time.Duration
	ReleaseInterval time.Duration
	RenewInterval   time.Duration
	StagingDelay    time.Duration
	ResetSettle     time.Duration
	LockTTL         time.Duration
	MinShrinkAge    time.Duration
	PowerOnEvery    int
	GiveUpAfter     int

	// LaunchRate caps StartInstance calls per second. Zero is unlimited.
	LaunchRate  float64
	LaunchBurst int
}

// DefaultConfig returns the production timing with an empty buffer.
func DefaultConfig() Config {
	return NewConfig(config.PoolConfig{}, config.DefaultTiming())
}

// NewConfig combines a pool definition with the shared timing settings.
func NewConfig(pc config.PoolConfig, t config.TimingConfig) Config {
	return Config{
		Buffer:          pc.Buffer,
		Fixed:           pc.Fixed,
		GrowInterval:    t.GrowInterval,
		ShrinkInterval:  t.ShrinkInterval,
		ReapInterval:    t.ReapInterval,
		ReleaseInterval: t.ReleaseInterval,
		RenewInterval:   t.RenewInterval,
		StagingDelay:    t.StagingDelay,
		ResetSettle:     t.ResetSettle,
		LockTTL:         t.LockTTL,
		MinShrinkAge:    t.MinShrinkAge,
		PowerOnEvery:    t.PowerOnEvery,
		GiveUpAfter:     t.GiveUpAfter,
		LaunchRate:      t.LaunchRate,
		LaunchBurst:     t.LaunchBurst,
	}
}

// Manager runs one pool.
type Manager struct {
	key      domain.PoolKey
	cfg      Config
	store    store.PoolStore
	adapter  provider.Adapter
	health   HealthChecker
	sessions session.Registry
	metrics  *metrics.Collector
	logger   *logging.Logger
	tracer   trace.Tracer

	now         func() time.Time
	newPassword func() string
	launchLimit *rate.Limiter

	// Launches triggered by Assign run detached from the caller and are
	// cancelled with the runner's context.
	launchMu   sync.Mutex
	launchBase context.Context
	launches   sync.WaitGroup
}

// NewManager creates a manager for the pool owned by ps. sessions and m may be nil.
func NewManager(
	cfg Config,
	ps store.PoolStore,
	adapter provider.Adapter,
	health HealthChecker,
	sessions session.Registry,
	m *metrics.Collector,
	logger *logging.Logger,
) *Manager {
	key := ps.Key()
	return &Manager{
		key:         key,
		cfg:         cfg,
		store:       ps,
		adapter:     adapter,
		health:      health,
		sessions:    sessions,
		metrics:     m,
		logger:      logger.ForPool("pool", key),
		tracer:      telemetry.Tracer(),
		now:         time.Now,
		newPassword: uuid.NewString,
		launchLimit: newLaunchLimiter(cfg),
		launchBase:  context.Background(),
	}
}

func newLaunchLimiter(cfg Config) *rate.Limiter {
	if cfg.LaunchRate <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(cfg.LaunchRate), max(cfg.LaunchBurst, 1))
}

// Key returns the pool's identity.
func (m *Manager) Key() domain.PoolKey {
	return m.key
}

// Name returns the pool name, e.g. "dockerLarge".
func (m *Manager) Name() string {
	return m.key.String()
}

// Stats returns the current queue and lock counts.
func (m *Manager) Stats(ctx context.Context) (*domain.PoolStats, error) {
	available, err := m.store.QueueLength(ctx, store.QueueAvailable)
	if err != nil {
		return nil, err
	}
	staging, err := m.store.QueueLength(ctx, store.QueueStaging)
	if err != nil {
		return nil, err
	}
	locked, err := m.store.ListLockedIDs(ctx)
	if err != nil {
		return nil, err
	}

	return &domain.PoolStats{
		Pool:      m.Name(),
		Available: int(available),
		Staging:   int(staging),
		Locked:    len(locked),
		Buffer:    m.cfg.Buffer,
		Fixed:     m.cfg.Fixed,
	}, nil
}

// Runner is the handle to a started manager's background loops.
type Runner struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	m      *Manager
}

// Stop cancels every loop and waits for them, and any detached launches, to return.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
	r.m.launches.Wait()
}

// Start launches the resize, staging, reaper and session loops. They run until
// ctx is cancelled or Stop is called.
func (m *Manager) Start(ctx context.Context) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	r := &Runner{cancel: cancel, m: m}

	m.launchMu.Lock()
	m.launchBase = ctx
	m.launchMu.Unlock()

	m.logger.Info("Starting pool",
		"buffer", m.cfg.Buffer,
		"fixed", m.cfg.Fixed,
		"reusesInstances", provider.ReusesInstances(m.adapter),
	)

	r.run(func() { m.every(ctx, "grow", m.cfg.GrowInterval, m.Grow) })
	r.run(func() { m.every(ctx, "shrink", m.cfg.ShrinkInterval, m.Shrink) })
	r.run(func() { m.every(ctx, "reap", m.cfg.ReapInterval, m.Reap) })
	r.run(func() { m.checkStagingLoop(ctx) })
	if m.sessions != nil {
		r.run(func() { m.every(ctx, "release", m.cfg.ReleaseInterval, m.Release) })
		r.run(func() { m.every(ctx, "renew", m.cfg.RenewInterval, m.Renew) })
	}

	return r
}

func (r *Runner) run(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (m *Manager) launchContext() context.Context {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()
	return m.launchBase
}

// every runs pass on each tick until ctx is done.
func (m *Manager) every(ctx context.Context, name string, interval time.Duration, pass func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.safely(name, func() error { return pass(ctx) }); err != nil && ctx.Err() == nil {
				m.logger.Warn("Pass failed", "loop", name, "error", err)
			}
		}
	}
}

// safely runs fn, converting a panic into an error so the loop survives.
func (m *Manager) safely(loop string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Recovered panic in pool loop", "loop", loop, "panic", r, "stack", string(debug.Stack()))
			if m.metrics != nil {
				m.metrics.LoopPanicsTotal.WithLabelValues(m.Name(), loop).Inc()
			}
			err = fmt.Errorf("panic in %s loop: %v", loop, r)
		}
	}()
	return fn()
}

// sleep waits for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (m *Manager) count(ctx context.Context, name string) {
	if err := m.store.IncrementCounter(ctx, name); err != nil {
		m.logger.Warn("Failed to increment counter", "counter", name, "error", err)
	}
}
