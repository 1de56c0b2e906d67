package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// NewDockerClient connects to the engine configured in the environment.
func NewDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return cli, nil
}

// DockerAdapter implements Adapter against a Docker engine reachable through
// the Docker SDK. Containers use host networking; each one owns a port slot
// recorded in its labels.
type DockerAdapter struct {
	client     *client.Client
	spec       launchSpec
	normalizer inspectNormalizer
	shmSize    int64
	logger     *logging.Logger
}

// NewDockerAdapter creates the adapter serving the pool identified by key.
func NewDockerAdapter(cli *client.Client, cfg *config.DockerConfig, key domain.PoolKey, logger *logging.Logger) (*DockerAdapter, error) {
	shm, err := units.RAMInBytes(cfg.ShmSize)
	if err != nil {
		return nil, fmt.Errorf("invalid shm size %q: %w", cfg.ShmSize, err)
	}
	if _, err := units.RAMInBytes(cfg.LogMaxSize); err != nil {
		return nil, fmt.Errorf("invalid log max size %q: %w", cfg.LogMaxSize, err)
	}

	return &DockerAdapter{
		client:     cli,
		spec:       launchSpec{cfg: *cfg, key: key},
		normalizer: inspectNormalizer{gatewayHost: cfg.GatewayHost, key: key},
		shmSize:    shm,
		logger:     logger.ForPool("docker", key),
	}, nil
}

// ReusesInstances is false: containers are replaced, not rebooted.
func (a *DockerAdapter) ReusesInstances() bool { return false }

// StartInstance creates and starts a container named password.
func (a *DockerAdapter) StartInstance(ctx context.Context, password string) (string, error) {
	slotMu.Lock()
	defer slotMu.Unlock()

	used, err := a.usedSlots(ctx)
	if err != nil {
		return "", err
	}
	slot, err := freeSlot(used)
	if err != nil {
		return "", err
	}

	containerCfg := &container.Config{
		Image:  a.spec.cfg.Image,
		Env:    a.spec.env(password, slot),
		Labels: a.spec.labels(slot),
	}

	hostCfg := &container.HostConfig{
		NetworkMode: "host",
		AutoRemove:  true,
		CapAdd:      []string{"SYS_ADMIN"},
		ShmSize:     a.shmSize,
		LogConfig: container.LogConfig{
			Type:   "json-file",
			Config: map[string]string{"max-size": a.spec.cfg.LogMaxSize},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: a.spec.cfg.CertDir,
				Target: a.spec.cfg.CertDir,
			},
		},
	}

	resp, err := a.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, password)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	if err := a.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Error ignored: the reaper removes anything left behind.
		_ = a.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("failed to start container: %w", err)
	}

	a.logger.Debug("Container started", "vmID", resp.ID, "slot", slot)
	return resp.ID, nil
}

// RebootInstance replaces rather than restarts.
func (a *DockerAdapter) RebootInstance(ctx context.Context, id string) error {
	return a.TerminateInstance(ctx, id)
}

func (a *DockerAdapter) TerminateInstance(ctx context.Context, id string) error {
	if err := a.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return domain.ErrInstanceNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (a *DockerAdapter) GetInstance(ctx context.Context, id string) (*domain.VM, error) {
	resp, err := a.client.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	return a.normalizer.normalize(&resp)
}

// ListInstances lists this pool's containers. A non-empty filter is an extra
// label constraint in docker's `key=value` form.
func (a *DockerAdapter) ListInstances(ctx context.Context, filter string) ([]*domain.VM, error) {
	summaries, err := a.list(ctx, filter)
	if err != nil {
		return nil, err
	}

	vms := make([]*domain.VM, 0, len(summaries))
	for _, s := range summaries {
		vm, err := a.GetInstance(ctx, s.ID)
		if err != nil {
			// Containers vanish between list and inspect; --rm removes them on exit.
			if errors.Is(err, domain.ErrInstanceNotFound) {
				continue
			}
			if errors.Is(err, domain.ErrMalformedRecord) {
				a.logger.Warn("Skipping unrecognized container", "vmID", s.ID, "error", err)
				continue
			}
			return nil, err
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// PowerOn is a no-op: containers are running from the moment they exist.
func (a *DockerAdapter) PowerOn(ctx context.Context, id string) error {
	return nil
}

func (a *DockerAdapter) NormalizeRecord(payload []byte) (*domain.VM, error) {
	return a.normalizer.normalizePayload(payload)
}

func (a *DockerAdapter) list(ctx context.Context, filter string) ([]container.Summary, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged)
	f.Add("label", labelPool+"="+a.spec.key.String())
	if filter != "" {
		f.Add("label", filter)
	}

	summaries, err := a.client.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	return summaries, nil
}

// usedSlots collects the slots of every vbrowser container on the engine,
// across pools, since they share the host's ports.
func (a *DockerAdapter) usedSlots(ctx context.Context) (map[int]bool, error) {
	f := filters.NewArgs()
	f.Add("label", labelManaged)

	summaries, err := a.client.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	used := make(map[int]bool, len(summaries))
	for _, s := range summaries {
		if slot, err := strconv.Atoi(s.Labels[labelIndex]); err == nil {
			used[slot] = true
		}
	}
	return used, nil
}

// Compile-time checks
var (
	_ Adapter  = (*DockerAdapter)(nil)
	_ Recycler = (*DockerAdapter)(nil)
)
