package pool

import (
	"context"
	"fmt"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/store"
)

// Grow launches one instance when supply is below target. In fixed mode the
// target counts every provider instance; in buffer mode only idle ones.
func (m *Manager) Grow(ctx context.Context) error {
	available, err := m.store.QueueLength(ctx, store.QueueAvailable)
	if err != nil {
		return err
	}
	staging, err := m.store.QueueLength(ctx, store.QueueStaging)
	if err != nil {
		return err
	}

	var launch bool
	if m.cfg.Fixed > 0 {
		vms, err := m.adapter.ListInstances(ctx, "")
		if err != nil {
			return fmt.Errorf("failed to list instances: %w", err)
		}
		launch = len(vms)+int(staging) < m.cfg.Fixed
	} else {
		launch = int(available+staging) < m.cfg.Buffer
	}
	if !launch {
		return nil
	}

	m.logger.Info("Growing pool",
		"buffer", m.cfg.Buffer,
		"fixed", m.cfg.Fixed,
		"available", available,
		"staging", staging,
	)
	return m.launch(ctx)
}

// Shrink terminates one instance when the pool is over target. The candidate
// is the oldest instance older than MinShrinkAge that no session holds.
func (m *Manager) Shrink(ctx context.Context) error {
	vms, err := m.adapter.ListInstances(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	var over bool
	if m.cfg.Fixed > 0 {
		over = len(vms) > m.cfg.Fixed
	} else {
		available, err := m.store.QueueLength(ctx, store.QueueAvailable)
		if err != nil {
			return err
		}
		over = int(available) > m.cfg.Buffer
	}
	if !over {
		return nil
	}

	locked, err := m.store.ListLockedIDs(ctx)
	if err != nil {
		return err
	}
	candidate := m.shrinkCandidate(vms, locked)
	if candidate == nil {
		m.logger.Debug("Pool over target but no instance old enough to shrink")
		return nil
	}

	m.logger.Info("Shrinking pool", "vmID", candidate.ID, "age", candidate.Age(m.now()).String())
	return m.terminate(ctx, candidate.ID, reasonShrink)
}

func (m *Manager) shrinkCandidate(vms []*domain.VM, locked []string) *domain.VM {
	held := make(map[string]bool, len(locked))
	for _, id := range locked {
		held[id] = true
	}

	now := m.now()
	var oldest *domain.VM
	for _, vm := range vms {
		if held[vm.ID] || vm.Age(now) <= m.cfg.MinShrinkAge {
			continue
		}
		if oldest == nil || vm.CreatedAt.Before(oldest.CreatedAt) {
			oldest = vm
		}
	}
	return oldest
}
