package pool

import (
	"context"
	"time"
)

// checkStagingLoop checks one staged instance per iteration until ctx is done.
func (m *Manager) checkStagingLoop(ctx context.Context) {
	for {
		if err := m.safely("staging", func() error { return m.CheckStaging(ctx) }); err != nil && ctx.Err() == nil {
			m.logger.Warn("Staging check failed", "error", err)
		}
		if sleep(ctx, m.cfg.StagingDelay) != nil {
			return
		}
	}
}

// CheckStaging rotates the staging queue once and checks the instance at its
// head. Ready instances are promoted to available. Every PowerOnEvery failed
// checks the instance is nudged, and after GiveUpAfter it is terminated.
// Blocks while staging is empty.
func (m *Manager) CheckStaging(ctx context.Context) error {
	id, err := m.store.RotateStaging(ctx)
	if err != nil {
		return err
	}

	ready := false
	host := ""
	start := time.Now()
	vm, err := m.adapter.GetInstance(ctx, id)
	if err != nil {
		m.logger.Debug("Failed to resolve staged instance", "vmID", id, "error", err)
	} else {
		host = vm.Host
		ready = m.health.Ready(ctx, vm)
	}
	if m.metrics != nil {
		m.metrics.HealthCheckDuration.WithLabelValues(m.Name()).Observe(time.Since(start).Seconds())
	}

	retries, err := m.store.IncrementRetry(ctx, id)
	if err != nil {
		return err
	}

	if ready {
		moved, err := m.store.MoveStagingToAvailable(ctx, id)
		if err != nil {
			return err
		}
		m.observeCheck("ready")
		if moved {
			m.logger.Info("Instance ready", "vmID", id, "host", host, "checks", retries)
		}
		return nil
	}

	m.observeCheck("not_ready")
	m.logger.Debug("Instance not ready", "vmID", id, "host", host, "checks", retries)

	if m.cfg.PowerOnEvery > 0 && retries%int64(m.cfg.PowerOnEvery) == 0 {
		if err := m.adapter.PowerOn(ctx, id); err != nil {
			m.logger.Warn("Failed to power on instance", "vmID", id, "error", err)
		}
		if m.metrics != nil {
			m.metrics.PowerOnsTotal.WithLabelValues(m.Name()).Inc()
		}
	}

	if retries > int64(m.cfg.GiveUpAfter) {
		m.logger.Warn("Giving up on staged instance", "vmID", id, "checks", retries)
		m.observeCheck("gave_up")
		if err := m.store.ClearRetry(ctx, id); err != nil {
			return err
		}
		return m.terminate(ctx, id, reasonGiveUp)
	}
	return nil
}

func (m *Manager) observeCheck(result string) {
	if m.metrics != nil {
		m.metrics.StagingChecksTotal.WithLabelValues(m.Name(), result).Inc()
	}
}
