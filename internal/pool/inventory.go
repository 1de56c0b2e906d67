package pool

import (
	"context"
	"fmt"
	"sort"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/store"
)

// Placement is where the pool tracks an instance.
type Placement string

const (
	PlacementAvailable Placement = "available"
	PlacementStaging   Placement = "staging"
	PlacementLocked    Placement = "locked"
	PlacementOrphan    Placement = "orphan" // known to the provider only
)

// InventoryEntry is one provider instance and its placement.
type InventoryEntry struct {
	VM        *domain.VM
	Placement Placement
}

// Inventory lists every provider instance of the pool, oldest first.
func (m *Manager) Inventory(ctx context.Context) ([]InventoryEntry, error) {
	vms, err := m.adapter.ListInstances(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	placed, err := m.placements(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]InventoryEntry, 0, len(vms))
	for _, vm := range vms {
		p, ok := placed[vm.ID]
		if !ok {
			p = PlacementOrphan
		}
		entries = append(entries, InventoryEntry{VM: vm, Placement: p})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].VM.CreatedAt.Before(entries[j].VM.CreatedAt)
	})
	return entries, nil
}

// placements maps every id the store tracks to where it is tracked. A locked
// id that is also queued reports as locked.
func (m *Manager) placements(ctx context.Context) (map[string]Placement, error) {
	placed := make(map[string]Placement)
	for _, q := range []struct {
		queue store.Queue
		p     Placement
	}{
		{store.QueueStaging, PlacementStaging},
		{store.QueueAvailable, PlacementAvailable},
	} {
		ids, err := m.store.ListQueue(ctx, q.queue)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			placed[id] = q.p
		}
	}

	locked, err := m.store.ListLockedIDs(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range locked {
		placed[id] = PlacementLocked
	}
	return placed, nil
}
