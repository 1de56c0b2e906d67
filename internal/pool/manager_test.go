package pool

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/internal/store"
)

func TestNewConfig(t *testing.T) {
	timing := config.DefaultTiming()
	cfg := NewConfig(config.PoolConfig{Provider: "docker", Buffer: 3, Fixed: 0}, timing)

	if cfg.Buffer != 3 || cfg.Fixed != 0 {
		t.Errorf("sizes = %d/%d, want 3/0", cfg.Buffer, cfg.Fixed)
	}
	if cfg.LockTTL != 300*time.Second {
		t.Errorf("LockTTL = %v, want 300s", cfg.LockTTL)
	}
	if cfg.GiveUpAfter != 600 || cfg.PowerOnEvery != 20 {
		t.Errorf("GiveUpAfter/PowerOnEvery = %d/%d, want 600/20", cfg.GiveUpAfter, cfg.PowerOnEvery)
	}
	if cfg.MinShrinkAge != 45*time.Minute {
		t.Errorf("MinShrinkAge = %v, want 45m", cfg.MinShrinkAge)
	}
}

func TestStats(t *testing.T) {
	cfg := testConfig()
	cfg.Buffer = 2
	env := newTestEnv(t, cfg, newFakeAdapter(true))
	env.push(t, store.QueueAvailable, "a", "b")
	env.push(t, store.QueueStaging, "c")
	env.pool.TryAcquireLock(context.Background(), "d", time.Minute)

	stats, err := env.m.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := domain.PoolStats{Pool: "docker", Available: 2, Staging: 1, Locked: 1, Buffer: 2}
	if *stats != want {
		t.Errorf("Stats() = %+v, want %+v", *stats, want)
	}
	if stats.Mode() != domain.ModeBuffer {
		t.Errorf("Mode() = %v, want buffer", stats.Mode())
	}
}

func TestSafely_RecoversPanic(t *testing.T) {
	env := newTestEnv(t, testConfig(), newFakeAdapter(true))

	err := env.m.safely("grow", func() error { panic("boom") })
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("safely() error = %v, want panic error", err)
	}

	want := errors.New("plain")
	if err := env.m.safely("grow", func() error { return want }); !errors.Is(err, want) {
		t.Errorf("safely() error = %v, want %v", err, want)
	}
}

func TestSleep(t *testing.T) {
	if err := sleep(context.Background(), time.Millisecond); err != nil {
		t.Errorf("sleep() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if err := sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("sleep() error = %v, want %v", err, context.Canceled)
	}
	if time.Since(start) > time.Second {
		t.Error("sleep() did not return on cancellation")
	}
}

func TestManager_StartFillsBufferAndStops(t *testing.T) {
	a := newFakeAdapter(true)
	cfg := testConfig()
	cfg.Buffer = 2
	cfg.ReapInterval = time.Hour
	cfg.ShrinkInterval = time.Hour
	env := newTestEnv(t, cfg, a)
	env.m.now = time.Now
	env.store.SetClock(time.Now)
	env.health.all = true

	runner := env.m.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for {
		stats, err := env.m.Stats(context.Background())
		if err != nil {
			t.Fatalf("Stats() error = %v", err)
		}
		if stats.Available == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("available = %d after 5s, want 2", stats.Available)
		}
		time.Sleep(10 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	vm, err := env.m.Assign(ctx)
	if err != nil {
		t.Fatalf("Assign() error = %v", err)
	}
	if !strings.HasPrefix(vm.ID, "new-") {
		t.Errorf("Assign().ID = %q, want a launched instance", vm.ID)
	}

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
}

func TestRunner_StopCancelsDetachedLaunch(t *testing.T) {
	a := newFakeAdapter(true)
	a.blockStart = true
	cfg := testConfig()
	cfg.GrowInterval = time.Hour
	cfg.ShrinkInterval = time.Hour
	cfg.ReapInterval = time.Hour
	cfg.RenewInterval = time.Hour
	env := newTestEnv(t, cfg, a)

	runner := env.m.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := env.m.Assign(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Assign() error = %v, want %v", err, context.DeadlineExceeded)
	}

	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() blocked on a pending launch")
	}
}
