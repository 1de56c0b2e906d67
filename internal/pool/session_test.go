package pool

import (
	"context"
	"testing"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/session"
	"github.com/instant-demo/vbrowser-pool/internal/store"
)

func TestRelease(t *testing.T) {
	tests := []struct {
		name        string
		binding     session.Binding
		wantDetach  bool
		wantNotice  session.Notice
		wantCounter string
	}{
		{
			name:        "timed out",
			binding:     session.Binding{Provider: "docker", Participants: 2, AssignTime: t0.Add(-3*time.Hour - time.Minute)},
			wantDetach:  true,
			wantNotice:  session.NoticeTimeout,
			wantCounter: CounterTerminateTimeout,
		},
		{
			name:        "empty room",
			binding:     session.Binding{Provider: "docker", Participants: 0, AssignTime: t0.Add(-10 * time.Minute)},
			wantDetach:  true,
			wantCounter: CounterTerminateEmpty,
		},
		{
			name:       "almost timed out",
			binding:    session.Binding{Provider: "docker", Participants: 1, AssignTime: t0.Add(-3*time.Hour + 2*time.Minute)},
			wantNotice: session.NoticeAlmostTimeout,
		},
		{
			name:    "large gets twelve hours",
			binding: session.Binding{Provider: "docker", Large: true, Participants: 1, AssignTime: t0.Add(-4 * time.Hour)},
		},
		{
			name:    "within limit",
			binding: session.Binding{Provider: "docker", Participants: 1, AssignTime: t0.Add(-time.Hour)},
		},
		{
			name:    "other pool",
			binding: session.Binding{Provider: "dockerLarge", Participants: 0, AssignTime: t0.Add(-5 * time.Hour)},
		},
		{
			name:        "untagged binding is claimed",
			binding:     session.Binding{Participants: 0, AssignTime: t0.Add(-time.Minute)},
			wantDetach:  true,
			wantCounter: CounterTerminateEmpty,
		},
		{
			name:    "not yet assigned",
			binding: session.Binding{Provider: "docker", Participants: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, testConfig(), newFakeAdapter(true))
			b := tt.binding
			b.RoomID = "room-1"
			b.VMID = "vm-1"
			env.sessions.Put(b)

			if err := env.m.Release(context.Background()); err != nil {
				t.Fatalf("Release() error = %v", err)
			}

			detached := env.sessions.Detached()
			if got := len(detached) == 1; got != tt.wantDetach {
				t.Errorf("detached = %v, wantDetach %v", detached, tt.wantDetach)
			}

			notices := env.sessions.Notices()
			if tt.wantNotice == "" {
				if len(notices) != 0 {
					t.Errorf("notices = %v, want none", notices)
				}
			} else if len(notices) != 1 || notices[0].Notice != tt.wantNotice {
				t.Errorf("notices = %v, want [%s]", notices, tt.wantNotice)
			}

			for _, c := range []string{CounterTerminateTimeout, CounterTerminateEmpty} {
				want := int64(0)
				if c == tt.wantCounter {
					want = 1
				}
				if got := env.store.Counter(c); got != want {
					t.Errorf("counter %s = %d, want %d", c, got, want)
				}
			}
		})
	}
}

func TestRenew(t *testing.T) {
	env := newTestEnv(t, testConfig(), newFakeAdapter(true))
	ctx := context.Background()

	env.pool.TryAcquireLock(ctx, "vm-1", 300*time.Second)
	env.sessions.Put(session.Binding{RoomID: "room-1", VMID: "vm-1", Provider: "docker", CreatorUID: "uid-1", CreatorClientID: "client-1"})
	env.sessions.Put(session.Binding{RoomID: "room-2", VMID: "vm-2", Provider: "dockerLarge", CreatorUID: "uid-2"})
	env.sessions.Put(session.Binding{RoomID: "room-3", Provider: "docker", CreatorUID: "uid-3"})

	env.clock.Advance(200 * time.Second)
	if err := env.m.Renew(ctx); err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	env.clock.Advance(200 * time.Second)

	if ok, _ := env.pool.TryAcquireLock(ctx, "vm-1", time.Minute); ok {
		t.Error("lock on vm-1 expired, want renewed")
	}
	if got := env.store.Usage(store.UsageUIDMinutes, "uid-1"); got != 1 {
		t.Errorf("uid-1 minutes = %v, want 1", got)
	}
	if got := env.store.Usage(store.UsageClientMinutes, "client-1"); got != 1 {
		t.Errorf("client-1 minutes = %v, want 1", got)
	}
	if got := env.store.Usage(store.UsageUIDMinutes, "uid-2"); got != 0 {
		t.Errorf("uid-2 minutes = %v, want 0 (other pool)", got)
	}
	if got := env.store.Usage(store.UsageUIDMinutes, "uid-3"); got != 0 {
		t.Errorf("uid-3 minutes = %v, want 0 (no instance)", got)
	}
}
