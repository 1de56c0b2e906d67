package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/store"
)

func TestInventory(t *testing.T) {
	a := newFakeAdapter(true)
	a.add("orphan", t0.Add(-4*time.Hour))
	a.add("locked", t0.Add(-3*time.Hour))
	a.add("avail", t0.Add(-2*time.Hour))
	a.add("staged", t0.Add(-1*time.Hour))
	env := newTestEnv(t, testConfig(), a)

	ctx := context.Background()
	env.pool.TryAcquireLock(ctx, "locked", time.Minute)
	env.push(t, store.QueueAvailable, "avail")
	env.push(t, store.QueueStaging, "staged")
	// Stale queue entries without a provider instance are not listed.
	env.push(t, store.QueueAvailable, "gone")

	entries, err := env.m.Inventory(ctx)
	if err != nil {
		t.Fatalf("Inventory() error = %v", err)
	}

	want := []struct {
		id string
		p  Placement
	}{
		{"orphan", PlacementOrphan},
		{"locked", PlacementLocked},
		{"avail", PlacementAvailable},
		{"staged", PlacementStaging},
	}
	if len(entries) != len(want) {
		t.Fatalf("len(Inventory()) = %d, want %d", len(entries), len(want))
	}
	for i, w := range want {
		if entries[i].VM.ID != w.id || entries[i].Placement != w.p {
			t.Errorf("Inventory()[%d] = %s/%s, want %s/%s", i, entries[i].VM.ID, entries[i].Placement, w.id, w.p)
		}
	}
}

func TestInventory_LockedWinsOverQueue(t *testing.T) {
	a := newFakeAdapter(true)
	a.add("vm-1", t0)
	env := newTestEnv(t, testConfig(), a)

	ctx := context.Background()
	env.push(t, store.QueueAvailable, "vm-1")
	env.pool.TryAcquireLock(ctx, "vm-1", time.Minute)

	entries, err := env.m.Inventory(ctx)
	if err != nil {
		t.Fatalf("Inventory() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Placement != PlacementLocked {
		t.Errorf("Inventory() = %+v, want vm-1 locked", entries)
	}
}

func TestInventory_ListFailure(t *testing.T) {
	a := newFakeAdapter(true)
	a.listErr = errors.New("docker daemon unreachable")
	env := newTestEnv(t, testConfig(), a)

	if _, err := env.m.Inventory(context.Background()); err == nil {
		t.Error("Inventory() error = nil, want error")
	}
}
