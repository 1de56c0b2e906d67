package cli

import (
	"fmt"
	"sync"

	"github.com/docker/docker/client"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/metrics"
	"github.com/instant-demo/vbrowser-pool/internal/pool"
	"github.com/instant-demo/vbrowser-pool/internal/provider"
	"github.com/instant-demo/vbrowser-pool/internal/session"
	"github.com/instant-demo/vbrowser-pool/internal/store"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// app is the wired set of components shared by every command.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Collector
	store    store.Store
	sessions session.Registry
	managers []*pool.Manager

	closers []func()
}

// newApp connects to the store and builds a manager per configured pool.
// The session registry is only opened when withSessions is set.
func newApp(cfg *config.Config, logger *logging.Logger, withSessions bool) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.NewCollector()}

	st, err := openStore(&cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.onClose(st.Close)

	if withSessions {
		sessions, closeSessions, err := openSessions(&cfg.Queue, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.sessions = sessions
		a.onClose(closeSessions)
	}

	providers := newProviders(cfg, logger, a.onClose)
	prober := provider.NewHealthProber(cfg.Timing.ProbeTimeout, logger)

	a.managers, err = buildManagers(cfg, st, providers, prober, a.sessions, a.metrics, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func openStore(cfg *config.StoreConfig, logger *logging.Logger) (store.Store, error) {
	switch cfg.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "badger":
		return store.NewBadgerStore(cfg, logger)
	case "valkey", "":
		return store.NewValkeyStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func openSessions(cfg *config.QueueConfig, logger *logging.Logger) (session.Registry, func(), error) {
	if cfg.NATSURL == "" {
		logger.Warn("NATS_URL not set, session release and renewal see no sessions")
		return session.NewStaticRegistry(), func() {}, nil
	}
	r, err := session.NewNATSRegistry(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return r, func() {
		if err := r.Close(); err != nil {
			logger.Warn("Failed to drain NATS connection", "error", err)
		}
	}, nil
}

// newProviders registers a factory per known provider. Pools on the same
// provider share one docker client or SSH connection.
func newProviders(cfg *config.Config, logger *logging.Logger, onClose func(func())) *provider.Registry {
	reg := provider.NewRegistry()

	var (
		dockerOnce sync.Once
		dockerCli  *client.Client
		dockerErr  error
	)
	reg.Register("docker", func(key domain.PoolKey) (provider.Adapter, error) {
		dockerOnce.Do(func() {
			dockerCli, dockerErr = provider.NewDockerClient()
			if dockerErr == nil {
				onClose(func() { dockerCli.Close() })
			}
		})
		if dockerErr != nil {
			return nil, dockerErr
		}
		return provider.NewDockerAdapter(dockerCli, &cfg.Docker, key, logger)
	})

	var (
		sshOnce   sync.Once
		sshRunner *provider.SSHRunner
		sshErr    error
	)
	reg.Register("sshdocker", func(key domain.PoolKey) (provider.Adapter, error) {
		sshOnce.Do(func() {
			sshRunner, sshErr = provider.NewSSHRunner(&cfg.SSH, logger)
			if sshErr == nil {
				onClose(func() { sshRunner.Close() })
			}
		})
		if sshErr != nil {
			return nil, sshErr
		}
		return provider.NewSSHDockerAdapter(sshRunner, &cfg.Docker, key, logger), nil
	})

	return reg
}

func poolKey(pc config.PoolConfig) domain.PoolKey {
	size := domain.SizeNormal
	if pc.Large {
		size = domain.SizeLarge
	}
	return domain.PoolKey{Provider: pc.Provider, Size: size}
}

func buildManagers(
	cfg *config.Config,
	st store.Store,
	providers *provider.Registry,
	health pool.HealthChecker,
	sessions session.Registry,
	m *metrics.Collector,
	logger *logging.Logger,
) ([]*pool.Manager, error) {
	managers := make([]*pool.Manager, 0, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		key := poolKey(pc)
		adapter, err := providers.New(key)
		if err != nil {
			return nil, fmt.Errorf("pool %s: %w", key, err)
		}
		managers = append(managers, pool.NewManager(
			pool.NewConfig(pc, cfg.Timing),
			st.Pool(key),
			adapter,
			health,
			sessions,
			m,
			logger,
		))
	}
	return managers, nil
}

// selectManagers returns the managers whose name is in names, or all of them
// when names is empty.
func selectManagers(managers []*pool.Manager, names []string) ([]*pool.Manager, error) {
	if len(names) == 0 {
		return managers, nil
	}
	byName := make(map[string]*pool.Manager, len(managers))
	for _, m := range managers {
		byName[m.Name()] = m
	}
	out := make([]*pool.Manager, 0, len(names))
	for _, name := range names {
		m, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrPoolNotFound, name)
		}
		out = append(out, m)
	}
	return out, nil
}
