package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Binding links a room to the VM it is watching on.
// Maintained by the session service; the pool manager only reads it.
type Binding struct {
	RoomID          string    `json:"roomId"`
	VMID            string    `json:"vmId"`
	Provider        string    `json:"provider"` // pool name, e.g. "dockerLarge"
	Large           bool      `json:"large"`
	AssignTime      time.Time `json:"assignTime"`
	Participants    int       `json:"participants"`
	CreatorUID      string    `json:"creatorUID,omitempty"`
	CreatorClientID string    `json:"creatorClientID,omitempty"`
}

// Notice is a message the session service relays to a room.
type Notice string

const (
	NoticeTimeout       Notice = "vBrowserTimeout"
	NoticeAlmostTimeout Notice = "vBrowserAlmostTimeout"
)

// Registry is the session layer as seen by the pool manager.
type Registry interface {
	// Bindings returns every room currently holding a VM.
	Bindings(ctx context.Context) ([]Binding, error)

	// Detach tells the session service to stop using the room's VM.
	// The service is responsible for handing the VM back for reset.
	Detach(ctx context.Context, roomID string) error

	Notify(ctx context.Context, roomID string, notice Notice) error
}

// NoticeRecord is a notice delivered through a StaticRegistry.
type NoticeRecord struct {
	RoomID string
	Notice Notice
}

// StaticRegistry is an in-memory Registry for development and tests.
type StaticRegistry struct {
	mu       sync.Mutex
	bindings map[string]Binding
	detached []string
	notices  []NoticeRecord
}

// NewStaticRegistry creates a registry holding bindings.
func NewStaticRegistry(bindings ...Binding) *StaticRegistry {
	r := &StaticRegistry{bindings: make(map[string]Binding)}
	for _, b := range bindings {
		r.bindings[b.RoomID] = b
	}
	return r
}

// Put adds or replaces the binding for b.RoomID.
func (r *StaticRegistry) Put(b Binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[b.RoomID] = b
}

// Bindings returns the bindings ordered by room id.
func (r *StaticRegistry) Bindings(ctx context.Context) ([]Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Binding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out, nil
}

// Detach records the call and drops the binding.
func (r *StaticRegistry) Detach(ctx context.Context, roomID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, roomID)
	r.detached = append(r.detached, roomID)
	return nil
}

func (r *StaticRegistry) Notify(ctx context.Context, roomID string, notice Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, NoticeRecord{RoomID: roomID, Notice: notice})
	return nil
}

// Detached returns the rooms detached so far, in call order.
func (r *StaticRegistry) Detached() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.detached...)
}

// Notices returns the notices sent so far, in call order.
func (r *StaticRegistry) Notices() []NoticeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NoticeRecord(nil), r.notices...)
}

var _ Registry = (*StaticRegistry)(nil)
