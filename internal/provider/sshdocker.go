package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// SSHDockerAdapter implements Adapter by driving the docker CLI on a remote
// host. The host must have docker installed and accept the configured key.
type SSHDockerAdapter struct {
	runner     CommandRunner
	spec       launchSpec
	normalizer inspectNormalizer
	logger     *logging.Logger
}

// NewSSHDockerAdapter creates the adapter serving the pool identified by key.
func NewSSHDockerAdapter(runner CommandRunner, cfg *config.DockerConfig, key domain.PoolKey, logger *logging.Logger) *SSHDockerAdapter {
	return &SSHDockerAdapter{
		runner:     runner,
		spec:       launchSpec{cfg: *cfg, key: key},
		normalizer: inspectNormalizer{gatewayHost: cfg.GatewayHost, key: key},
		logger:     logger.ForPool("sshdocker", key),
	}
}

// ReusesInstances is false: containers are replaced, not rebooted.
func (a *SSHDockerAdapter) ReusesInstances() bool { return false }

func (a *SSHDockerAdapter) StartInstance(ctx context.Context, password string) (string, error) {
	slotMu.Lock()
	defer slotMu.Unlock()

	out, err := a.runner.Run(ctx, fmt.Sprintf(`docker ps -a --filter label=%s --format '{{.Label "%s"}}'`, labelManaged, labelIndex))
	if err != nil {
		return "", fmt.Errorf("failed to list slots: %w", err)
	}
	used := make(map[int]bool)
	for _, line := range lines(out) {
		if slot, err := strconv.Atoi(line); err == nil {
			used[slot] = true
		}
	}
	slot, err := freeSlot(used)
	if err != nil {
		return "", err
	}

	out, err = a.runner.Run(ctx, a.spec.runCommand(password, slot))
	if err != nil {
		return "", fmt.Errorf("failed to run container: %w", err)
	}
	// docker run -d prints the id last, after any pull progress.
	ids := lines(out)
	if len(ids) == 0 {
		return "", fmt.Errorf("docker run returned no container id")
	}
	id := ids[len(ids)-1]
	a.logger.Debug("Container started", "vmID", id, "slot", slot)
	return id, nil
}

// RebootInstance replaces rather than restarts.
func (a *SSHDockerAdapter) RebootInstance(ctx context.Context, id string) error {
	return a.TerminateInstance(ctx, id)
}

func (a *SSHDockerAdapter) TerminateInstance(ctx context.Context, id string) error {
	if _, err := a.runner.Run(ctx, "docker rm -f "+shellQuote(id)); err != nil {
		if isNoSuchContainer(err) {
			return domain.ErrInstanceNotFound
		}
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

func (a *SSHDockerAdapter) GetInstance(ctx context.Context, id string) (*domain.VM, error) {
	out, err := a.runner.Run(ctx, "docker inspect "+shellQuote(id))
	if err != nil {
		if isNoSuchContainer(err) {
			return nil, domain.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	return a.normalizer.normalizePayload(out)
}

// ListInstances lists this pool's running containers. A non-empty filter is
// an extra label constraint in docker's `key=value` form.
func (a *SSHDockerAdapter) ListInstances(ctx context.Context, filter string) ([]*domain.VM, error) {
	cmd := fmt.Sprintf("docker ps --filter label=%s --filter %s", labelManaged, shellQuote("label="+labelPool+"="+a.spec.key.String()))
	if filter != "" {
		cmd += " --filter " + shellQuote("label="+filter)
	}
	cmd += " --quiet --no-trunc"

	out, err := a.runner.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	ids := lines(out)
	if len(ids) == 0 {
		return []*domain.VM{}, nil
	}

	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = shellQuote(id)
	}
	out, err = a.runner.Run(ctx, "docker inspect "+strings.Join(quoted, " "))
	// A container that exits between ps and inspect makes the command fail
	// while still printing the others.
	if err != nil {
		if !isNoSuchContainer(err) {
			return nil, fmt.Errorf("failed to inspect containers: %w", err)
		}
		if len(bytes.TrimSpace(out)) == 0 {
			return []*domain.VM{}, nil
		}
	}

	records, err := decodeInspect(out)
	if err != nil {
		return nil, err
	}
	vms := make([]*domain.VM, 0, len(records))
	for i := range records {
		vm, err := a.normalizer.normalize(&records[i])
		if err != nil {
			a.logger.Warn("Skipping unrecognized container", "error", err)
			continue
		}
		vms = append(vms, vm)
	}
	return vms, nil
}

// PowerOn is a no-op: containers are running from the moment they exist.
func (a *SSHDockerAdapter) PowerOn(ctx context.Context, id string) error {
	return nil
}

func (a *SSHDockerAdapter) NormalizeRecord(payload []byte) (*domain.VM, error) {
	return a.normalizer.normalizePayload(payload)
}

func isNoSuchContainer(err error) bool {
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(cmdErr.Stderr, "No such container") || strings.Contains(cmdErr.Stderr, "No such object")
}

// lines returns the non-empty trimmed lines of out.
func lines(out []byte) []string {
	var result []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			result = append(result, line)
		}
	}
	return result
}

// Compile-time checks
var (
	_ Adapter  = (*SSHDockerAdapter)(nil)
	_ Recycler = (*SSHDockerAdapter)(nil)
)
