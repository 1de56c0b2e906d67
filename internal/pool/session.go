package pool

import (
	"context"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/session"
	"github.com/instant-demo/vbrowser-pool/internal/store"
)

// owns reports whether a binding belongs to this pool. Bindings without a
// provider tag predate multi-pool deployments and are claimed by every pool.
func (m *Manager) owns(b session.Binding) bool {
	return b.Provider == "" || b.Provider == m.Name()
}

// Release detaches sessions that ran past their limit or have no one left in
// the room, and warns rooms nearing the limit.
func (m *Manager) Release(ctx context.Context) error {
	bindings, err := m.sessions.Bindings(ctx)
	if err != nil {
		return err
	}

	now := m.now()
	for _, b := range bindings {
		if !m.owns(b) || b.AssignTime.IsZero() {
			continue
		}

		limit := domain.SessionLimit(b.Large)
		elapsed := now.Sub(b.AssignTime)
		timedOut := elapsed > limit
		empty := b.Participants == 0

		switch {
		case timedOut || empty:
			m.logger.Info("Releasing instance", "roomID", b.RoomID, "vmID", b.VMID, "timedOut", timedOut, "empty", empty)
			if err := m.sessions.Detach(ctx, b.RoomID); err != nil {
				m.logger.Warn("Failed to detach session", "roomID", b.RoomID, "error", err)
				continue
			}
			if timedOut {
				if err := m.sessions.Notify(ctx, b.RoomID, session.NoticeTimeout); err != nil {
					m.logger.Warn("Failed to notify room", "roomID", b.RoomID, "error", err)
				}
				m.count(ctx, CounterTerminateTimeout)
				m.observeRelease("timeout")
			} else {
				m.count(ctx, CounterTerminateEmpty)
				m.observeRelease("empty")
			}
		case elapsed > limit-m.cfg.ReleaseInterval:
			if err := m.sessions.Notify(ctx, b.RoomID, session.NoticeAlmostTimeout); err != nil {
				m.logger.Warn("Failed to notify room", "roomID", b.RoomID, "error", err)
			}
		}
	}
	return nil
}

// Renew keeps the locks of bound instances alive and bills one minute of use
// to each session's creator.
func (m *Manager) Renew(ctx context.Context) error {
	bindings, err := m.sessions.Bindings(ctx)
	if err != nil {
		return err
	}

	expireAt := store.EndOfDay(m.now())
	for _, b := range bindings {
		if !m.owns(b) || b.VMID == "" {
			continue
		}

		m.logger.Debug("Renewing lock", "roomID", b.RoomID, "vmID", b.VMID)
		if err := m.store.RefreshLock(ctx, b.VMID, m.cfg.LockTTL); err != nil {
			return err
		}
		if b.CreatorClientID != "" {
			if err := m.store.IncrementUsage(ctx, store.UsageClientMinutes, b.CreatorClientID, expireAt); err != nil {
				m.logger.Warn("Failed to record usage", "clientID", b.CreatorClientID, "error", err)
			}
		}
		if b.CreatorUID != "" {
			if err := m.store.IncrementUsage(ctx, store.UsageUIDMinutes, b.CreatorUID, expireAt); err != nil {
				m.logger.Warn("Failed to record usage", "uid", b.CreatorUID, "error", err)
			}
		}
	}
	return nil
}

func (m *Manager) observeRelease(reason string) {
	if m.metrics != nil {
		m.metrics.ReleasesTotal.WithLabelValues(m.Name(), reason).Inc()
	}
}
