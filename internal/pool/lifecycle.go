package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/provider"
	"github.com/instant-demo/vbrowser-pool/internal/store"
	"github.com/instant-demo/vbrowser-pool/internal/telemetry"
)

// Counters shared with the rest of the deployment.
const (
	CounterLaunches         = "vBrowserLaunches"
	CounterTerminateTimeout = "vBrowserTerminateTimeout"
	CounterTerminateEmpty   = "vBrowserTerminateEmpty"
)

// Termination reasons, used as metric labels.
const (
	reasonManual  = "manual"
	reasonReset   = "reset"
	reasonShrink  = "shrink"
	reasonGiveUp  = "staging_timeout"

	launchTimeout  = 5 * time.Minute
	cleanupTimeout = 10 * time.Second
)

// Assign blocks until an instance is available, locks it and returns it.
// An empty pool in buffer mode triggers a launch without waiting for it.
// Returns only on success, cancellation of ctx or a store failure.
func (m *Manager) Assign(ctx context.Context) (*domain.AssignedVM, error) {
	ctx, span := m.tracer.Start(ctx, "pool.assign", trace.WithAttributes(telemetry.PoolAttr(m.Name())))
	defer span.End()

	start := m.now()
	for {
		if err := ctx.Err(); err != nil {
			return nil, m.assignFailed(span, err)
		}
		if m.cfg.Fixed == 0 {
			if err := m.launchIfEmpty(ctx); err != nil {
				return nil, m.assignFailed(span, err)
			}
		}

		id, err := m.store.PopAvailable(ctx)
		if err != nil {
			return nil, m.assignFailed(span, err)
		}

		locked, err := m.store.TryAcquireLock(ctx, id, m.cfg.LockTTL)
		if err != nil {
			m.requeue(ctx, id, false)
			return nil, m.assignFailed(span, err)
		}
		if !locked {
			m.logger.Info("Instance already locked, retrying", "vmID", id)
			m.observeAssign("contended")
			continue
		}

		vm, err := m.adapter.GetInstance(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				m.requeue(ctx, id, true)
				return nil, m.assignFailed(span, ctx.Err())
			}
			// Untracked from here on; the reaper recycles it if it still exists.
			m.logger.Warn("Failed to resolve assigned instance, retrying", "vmID", id, "error", err)
			cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
			if err := m.store.ReleaseLock(cleanup, id); err != nil {
				m.logger.Warn("Failed to release lock", "vmID", id, "error", err)
			}
			cancel()
			m.observeAssign("unresolved")
			continue
		}

		elapsed := m.now().Sub(start)
		if err := m.store.PushSample(ctx, store.SamplesStartMS, elapsed.Milliseconds(), store.StartMSWindow); err != nil {
			m.logger.Warn("Failed to record assign time", "error", err)
		}
		if m.metrics != nil {
			m.metrics.AssignDuration.WithLabelValues(m.Name()).Observe(elapsed.Seconds())
		}
		m.observeAssign("success")
		span.SetAttributes(telemetry.VMAttr(id))
		m.logger.Info("Assigned instance", "vmID", id, "elapsedMS", elapsed.Milliseconds())

		return &domain.AssignedVM{VM: *vm, AssignTime: m.now()}, nil
	}
}

// requeue puts a popped id back on the available queue when Assign gives up
// on it, releasing the lock taken for it if any. It runs even when ctx is done.
func (m *Manager) requeue(ctx context.Context, id string, unlock bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	if unlock {
		if err := m.store.ReleaseLock(ctx, id); err != nil {
			m.logger.Warn("Failed to release lock", "vmID", id, "error", err)
		}
	}
	if err := m.store.PushAvailable(ctx, id); err != nil {
		m.logger.Error("Failed to requeue instance", "vmID", id, "error", err)
		return
	}
	m.logger.Debug("Requeued instance", "vmID", id)
}

func (m *Manager) launchIfEmpty(ctx context.Context) error {
	available, err := m.store.QueueLength(ctx, store.QueueAvailable)
	if err != nil {
		return err
	}
	staging, err := m.store.QueueLength(ctx, store.QueueStaging)
	if err != nil {
		return err
	}
	if available+staging == 0 {
		m.launchAsync()
	}
	return nil
}

// launchAsync starts a launch that outlives the triggering request but not
// the runner.
func (m *Manager) launchAsync() {
	base := m.launchContext()
	m.launches.Add(1)
	go func() {
		defer m.launches.Done()
		ctx, cancel := context.WithTimeout(base, launchTimeout)
		defer cancel()
		if err := m.safely("launch", func() error { return m.launch(ctx) }); err != nil {
			m.logger.Warn("Background launch failed", "error", err)
		}
	}()
}

func (m *Manager) assignFailed(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		m.observeAssign("cancelled")
	} else {
		m.observeAssign("error")
	}
	return err
}

func (m *Manager) observeAssign(result string) {
	if m.metrics != nil {
		m.metrics.AssignmentsTotal.WithLabelValues(m.Name(), result).Inc()
	}
}

// ResetVM returns an instance to the pool through staging. Adapters that do
// not reuse instances have it terminated instead; the grow pass replaces it.
func (m *Manager) ResetVM(ctx context.Context, id string) error {
	if !provider.ReusesInstances(m.adapter) {
		return m.terminate(ctx, id, reasonReset)
	}

	ctx, span := m.tracer.Start(ctx, "pool.reset", trace.WithAttributes(
		telemetry.PoolAttr(m.Name()), telemetry.VMAttr(id),
	))
	defer span.End()

	m.logger.Info("Resetting instance", "vmID", id)
	if err := m.adapter.RebootInstance(ctx, id); err != nil {
		m.logger.Warn("Failed to reboot instance", "vmID", id, "error", err)
	}
	if err := m.store.ReleaseLock(ctx, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to release lock: %w", err)
	}

	// Give the instance time to go down before readiness checks begin.
	if err := sleep(ctx, m.cfg.ResetSettle); err != nil {
		return err
	}

	if err := m.store.PushStaging(ctx, id); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to stage instance: %w", err)
	}
	return nil
}

// TerminateVM destroys an instance and forgets it. Terminating an instance
// that no longer exists succeeds and records nothing.
func (m *Manager) TerminateVM(ctx context.Context, id string) error {
	return m.terminate(ctx, id, reasonManual)
}

func (m *Manager) terminate(ctx context.Context, id, reason string) error {
	ctx, span := m.tracer.Start(ctx, "pool.terminate", trace.WithAttributes(
		telemetry.PoolAttr(m.Name()), telemetry.VMAttr(id),
	))
	defer span.End()

	m.logger.Info("Terminating instance", "vmID", id, "reason", reason)

	for _, q := range []store.Queue{store.QueueAvailable, store.QueueStaging} {
		if err := m.store.RemoveFromQueue(ctx, q, id); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to dequeue instance: %w", err)
		}
	}

	var lifetime time.Duration
	if vm, err := m.adapter.GetInstance(ctx, id); err == nil {
		lifetime = vm.Age(m.now())
	} else {
		m.logger.Debug("Failed to resolve instance for lifetime", "vmID", id, "error", err)
	}

	gone := false
	if err := m.adapter.TerminateInstance(ctx, id); err != nil {
		if !errors.Is(err, domain.ErrInstanceNotFound) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return fmt.Errorf("failed to terminate instance: %w", err)
		}
		gone = true
	}

	if err := m.store.ReleaseLock(ctx, id); err != nil {
		m.logger.Warn("Failed to release lock", "vmID", id, "error", err)
	}
	if err := m.store.ClearRetry(ctx, id); err != nil {
		m.logger.Warn("Failed to clear retry counter", "vmID", id, "error", err)
	}

	if !gone && m.metrics != nil {
		m.metrics.TerminationsTotal.WithLabelValues(m.Name(), reason).Inc()
	}
	if lifetime > 0 {
		if err := m.store.PushSample(ctx, store.SamplesVMLifetime, lifetime.Milliseconds(), store.VMLifetimeWindow); err != nil {
			m.logger.Warn("Failed to record lifetime", "vmID", id, "error", err)
		}
		if m.metrics != nil {
			m.metrics.InstanceLifetime.WithLabelValues(m.Name()).Observe(lifetime.Seconds())
		}
	}
	return nil
}

// launch starts one instance with a fresh credential and stages it.
func (m *Manager) launch(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "pool.launch", trace.WithAttributes(telemetry.PoolAttr(m.Name())))
	defer span.End()

	if err := m.launchLimit.Wait(ctx); err != nil {
		m.observeLaunch("throttled")
		return fmt.Errorf("launch throttled: %w", err)
	}

	id, err := m.adapter.StartInstance(ctx, m.newPassword())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.observeLaunch("error")
		return fmt.Errorf("failed to start instance: %w", err)
	}
	span.SetAttributes(telemetry.VMAttr(id))

	if err := m.store.PushStaging(ctx, id); err != nil {
		// Untracked until the reaper finds it.
		m.observeLaunch("error")
		return fmt.Errorf("failed to stage launched instance %s: %w", id, err)
	}
	m.count(ctx, CounterLaunches)
	m.observeLaunch("success")
	m.logger.Info("Launched instance", "vmID", id)
	return nil
}

func (m *Manager) observeLaunch(result string) {
	if m.metrics != nil {
		m.metrics.LaunchesTotal.WithLabelValues(m.Name(), result).Inc()
	}
}
