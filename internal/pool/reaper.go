package pool

import (
	"context"
	"fmt"
	"sync"
)

// Reap recycles provider instances the store has lost track of: anything not
// locked, available or staged is reset. Resets run concurrently and Reap
// returns once they have all finished.
func (m *Manager) Reap(ctx context.Context) error {
	vms, err := m.adapter.ListInstances(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list instances: %w", err)
	}

	tracked, err := m.placements(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, vm := range vms {
		if _, ok := tracked[vm.ID]; ok {
			continue
		}
		m.logger.Info("Recycling untracked instance", "vmID", vm.ID)
		if m.metrics != nil {
			m.metrics.OrphansTotal.WithLabelValues(m.Name()).Inc()
		}

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			err := m.safely("reap", func() error { return m.ResetVM(ctx, id) })
			if err != nil {
				m.logger.Warn("Failed to recycle instance", "vmID", id, "error", err)
			}
		}(vm.ID)
	}
	wg.Wait()
	return nil
}
