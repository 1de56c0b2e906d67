package provider

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
)

func inspectRecord(id, name, slot, startedAt string) container.InspectResponse {
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:   id,
			Name: name,
			State: &container.State{
				Status:    "running",
				StartedAt: startedAt,
			},
		},
		Config: &container.Config{
			Labels: map[string]string{
				labelManaged: "",
				labelIndex:   slot,
				labelPool:    "dockerLarge",
			},
		},
	}
}

func TestNormalizePayload_RoundTrip(t *testing.T) {
	n := inspectNormalizer{
		gatewayHost: "vm.example.com",
		key:         domain.PoolKey{Provider: "docker", Size: domain.SizeLarge},
	}

	rec := inspectRecord("abc123", "/secret-pass", "7", "2024-05-01T10:00:00.5Z")
	payload, err := json.Marshal([]container.InspectResponse{rec})
	if err != nil {
		t.Fatalf("json.Marshal() error = %v", err)
	}

	vm, err := n.normalizePayload(payload)
	if err != nil {
		t.Fatalf("normalizePayload() error = %v", err)
	}

	if vm.ID != "abc123" {
		t.Errorf("ID = %q, want %q", vm.ID, "abc123")
	}
	if vm.Host != "vm.example.com:5007" {
		t.Errorf("Host = %q, want %q", vm.Host, "vm.example.com:5007")
	}
	if !vm.Large {
		t.Error("Large = false, want true")
	}
	if vm.Provider != "dockerLarge" {
		t.Errorf("Provider = %q, want %q", vm.Provider, "dockerLarge")
	}
	if vm.Password != "secret-pass" {
		t.Errorf("Password = %q, want %q", vm.Password, "secret-pass")
	}
	if vm.State != "running" {
		t.Errorf("State = %q, want %q", vm.State, "running")
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 500_000_000, time.UTC)
	if !vm.CreatedAt.Equal(want) {
		t.Errorf("CreatedAt = %v, want %v", vm.CreatedAt, want)
	}
	if vm.Tags[labelIndex] != "7" {
		t.Errorf("Tags[index] = %q, want %q", vm.Tags[labelIndex], "7")
	}

	// The normalized VM survives its own JSON encoding.
	encoded, _ := json.Marshal(vm)
	var decoded domain.VM
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	if decoded.ID != vm.ID || decoded.Host != vm.Host || decoded.Large != vm.Large {
		t.Errorf("decoded = %+v, want id/host/large of %+v", decoded, vm)
	}
}

func TestNormalizePayload_BareObject(t *testing.T) {
	n := inspectNormalizer{gatewayHost: "localhost", key: domain.PoolKey{Provider: "docker"}}
	payload, _ := json.Marshal(inspectRecord("id-1", "/pw", "0", ""))

	vm, err := n.normalizePayload(payload)
	if err != nil {
		t.Fatalf("normalizePayload() error = %v", err)
	}
	if vm.Host != "localhost:5000" {
		t.Errorf("Host = %q, want %q", vm.Host, "localhost:5000")
	}
	if !vm.CreatedAt.IsZero() {
		t.Errorf("CreatedAt = %v, want zero", vm.CreatedAt)
	}
	if vm.Large {
		t.Error("Large = true, want false")
	}
}

func TestNormalizePayload_Errors(t *testing.T) {
	n := inspectNormalizer{gatewayHost: "localhost", key: domain.PoolKey{Provider: "docker"}}

	marshal := func(v any) []byte {
		b, _ := json.Marshal(v)
		return b
	}

	tests := []struct {
		name    string
		payload []byte
		wantErr error
	}{
		{"empty", []byte("  "), domain.ErrMalformedRecord},
		{"not json", []byte("Error: boom"), domain.ErrMalformedRecord},
		{"empty array", []byte("[]"), domain.ErrInstanceNotFound},
		{"missing id", marshal(inspectRecord("", "/pw", "1", "")), domain.ErrMalformedRecord},
		{"missing index", marshal(inspectRecord("id", "/pw", "", "")), domain.ErrMalformedRecord},
		{"index out of range", marshal(inspectRecord("id", "/pw", "64", "")), domain.ErrMalformedRecord},
		{"bad start time", marshal(inspectRecord("id", "/pw", "1", "yesterday")), domain.ErrMalformedRecord},
		{"no config", []byte(`{"Id":"x"}`), domain.ErrMalformedRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.normalizePayload(tt.payload)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("normalizePayload() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestFreeSlot(t *testing.T) {
	slot, err := freeSlot(map[int]bool{0: true, 1: true, 3: true})
	if err != nil || slot != 2 {
		t.Errorf("freeSlot() = %d, %v, want 2, nil", slot, err)
	}

	full := make(map[int]bool, maxSlots)
	for i := 0; i < maxSlots; i++ {
		full[i] = true
	}
	if _, err := freeSlot(full); err == nil {
		t.Error("freeSlot() on full host error = nil, want error")
	}
}

func TestSlotEnv(t *testing.T) {
	bind, udp, display := slotEnv(3)
	if bind != ":5003" {
		t.Errorf("bind = %q, want %q", bind, ":5003")
	}
	if udp != ":59300-59399" {
		t.Errorf("udp = %q, want %q", udp, ":59300-59399")
	}
	if display != ":3.0" {
		t.Errorf("display = %q, want %q", display, ":3.0")
	}
}
