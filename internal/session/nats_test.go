package session

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// These tests require NATS with JetStream. Set NATS_TEST=1 to run.

func skipIfNoNATS(t *testing.T) *config.QueueConfig {
	t.Helper()
	if os.Getenv("NATS_TEST") == "" {
		t.Skip("Skipping NATS integration test. Set NATS_TEST=1 to run.")
	}

	suffix := time.Now().Format("20060102150405")
	return &config.QueueConfig{
		NATSURL:       getEnvOrDefault("NATS_URL", "nats://localhost:4222"),
		StreamName:    "TEST_VBROWSER_" + suffix,
		BindingBucket: "TEST_BINDINGS_" + suffix,
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func cleanupNATS(t *testing.T, r *NATSRegistry) {
	t.Helper()
	ctx := context.Background()
	_ = r.js.DeleteStream(ctx, r.cfg.StreamName)
	_ = r.js.DeleteKeyValue(ctx, r.cfg.BindingBucket)
}

func TestNATSRegistry_Bindings(t *testing.T) {
	cfg := skipIfNoNATS(t)

	r, err := NewNATSRegistry(cfg, logging.Nop())
	if err != nil {
		t.Fatalf("NewNATSRegistry() error = %v", err)
	}
	defer r.Close()
	defer cleanupNATS(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	want := Binding{RoomID: "room-1", VMID: "vm-1", Provider: "docker", Participants: 2, AssignTime: time.Now().UTC().Truncate(time.Second)}
	if err := r.PutBinding(ctx, want); err != nil {
		t.Fatalf("PutBinding() error = %v", err)
	}
	if _, err := r.kv.Put(ctx, "room-broken", []byte("not json")); err != nil {
		t.Fatalf("kv.Put() error = %v", err)
	}

	got, err := r.Bindings(ctx)
	if err != nil {
		t.Fatalf("Bindings() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len(Bindings()) = %d, want 1", len(got))
	}
	if got[0].VMID != want.VMID || !got[0].AssignTime.Equal(want.AssignTime) {
		t.Errorf("Bindings()[0] = %+v, want %+v", got[0], want)
	}
}

func TestNATSRegistry_DetachDeduplicates(t *testing.T) {
	cfg := skipIfNoNATS(t)

	r, err := NewNATSRegistry(cfg, logging.Nop())
	if err != nil {
		t.Fatalf("NewNATSRegistry() error = %v", err)
	}
	defer r.Close()
	defer cleanupNATS(t, r)

	fixed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := r.Detach(ctx, "room-1"); err != nil {
			t.Fatalf("Detach() error = %v", err)
		}
	}
	if err := r.Notify(ctx, "room-1", NoticeTimeout); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	stream, err := r.js.Stream(ctx, cfg.StreamName)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		t.Fatalf("Info() error = %v", err)
	}
	if info.State.Msgs != 2 {
		t.Errorf("stream messages = %d, want 2", info.State.Msgs)
	}

	msg, err := stream.GetLastMsgForSubject(ctx, cfg.StreamName+".detach")
	if err != nil {
		t.Fatalf("GetLastMsgForSubject() error = %v", err)
	}
	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if cmd.Kind != kindDetach || cmd.RoomID != "room-1" {
		t.Errorf("command = %+v, want detach for room-1", cmd)
	}
}
