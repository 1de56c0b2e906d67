package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// Command is published to the session service's work queue.
type Command struct {
	Kind     string    `json:"kind"` // "detach" or "notice"
	RoomID   string    `json:"room_id"`
	Notice   Notice    `json:"notice,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

const (
	kindDetach = "detach"
	kindNotice = "notice"
)

// NATSRegistry implements Registry on NATS JetStream. Bindings live in a
// key-value bucket keyed by room id; commands go to a work-queue stream.
type NATSRegistry struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	cfg    *config.QueueConfig
	logger *logging.Logger
	now    func() time.Time
}

var _ Registry = (*NATSRegistry)(nil)

// NewNATSRegistry connects to NATS and ensures the command stream and the
// binding bucket exist.
func NewNATSRegistry(cfg *config.QueueConfig, logger *logging.Logger) (*NATSRegistry, error) {
	nc, err := nats.Connect(cfg.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.StreamName,
		Description: "Commands from the VM pool manager to the session service",
		Subjects: []string{
			cfg.StreamName + "." + kindDetach,
			cfg.StreamName + "." + kindNotice,
		},
		Retention:  jetstream.WorkQueuePolicy,
		MaxAge:     time.Hour,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Discard:    jetstream.DiscardOld,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create stream: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      cfg.BindingBucket,
		Description: "Room to VM bindings",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create binding bucket: %w", err)
	}

	return &NATSRegistry{
		nc:     nc,
		js:     js,
		kv:     kv,
		cfg:    cfg,
		logger: logger.With("component", "session"),
		now:    time.Now,
	}, nil
}

// Bindings reads every binding in the bucket. Entries that fail to decode
// are logged and skipped.
func (r *NATSRegistry) Bindings(ctx context.Context) ([]Binding, error) {
	lister, err := r.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list bindings: %w", err)
	}
	defer lister.Stop()

	bindings := make([]Binding, 0)
	for key := range lister.Keys() {
		entry, err := r.kv.Get(ctx, key)
		if err != nil {
			// Rooms close between listing and reading.
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				continue
			}
			return nil, fmt.Errorf("failed to read binding %s: %w", key, err)
		}
		b, err := decodeBinding(key, entry.Value())
		if err != nil {
			r.logger.Warn("Skipping malformed binding", "roomID", key, "error", err)
			continue
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

// PutBinding writes a binding. The session service owns the bucket; this is
// used by operators and tests.
func (r *NATSRegistry) PutBinding(ctx context.Context, b Binding) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal binding: %w", err)
	}
	if _, err := r.kv.Put(ctx, b.RoomID, data); err != nil {
		return fmt.Errorf("failed to write binding: %w", err)
	}
	return nil
}

// Detach publishes a detach command for roomID.
func (r *NATSRegistry) Detach(ctx context.Context, roomID string) error {
	return r.publish(ctx, Command{Kind: kindDetach, RoomID: roomID, IssuedAt: r.now()})
}

// Notify publishes a notice for roomID.
func (r *NATSRegistry) Notify(ctx context.Context, roomID string, notice Notice) error {
	return r.publish(ctx, Command{Kind: kindNotice, RoomID: roomID, Notice: notice, IssuedAt: r.now()})
}

func (r *NATSRegistry) publish(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	subject := r.cfg.StreamName + "." + cmd.Kind
	_, err = r.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(commandMsgID(cmd)),
	)
	if err != nil {
		return fmt.Errorf("failed to publish %s command: %w", cmd.Kind, err)
	}
	return nil
}

// Close drains the NATS connection.
func (r *NATSRegistry) Close() error {
	return r.nc.Drain()
}

// decodeBinding parses a bucket entry. The key is authoritative for the
// room id.
func decodeBinding(key string, data []byte) (Binding, error) {
	var b Binding
	if err := json.Unmarshal(data, &b); err != nil {
		return Binding{}, err
	}
	b.RoomID = key
	return b, nil
}

// commandMsgID lets JetStream drop duplicates when several manager processes
// act on the same room within the same minute.
func commandMsgID(cmd Command) string {
	id := cmd.Kind + ":" + cmd.RoomID
	if cmd.Notice != "" {
		id += ":" + string(cmd.Notice)
	}
	return id + ":" + cmd.IssuedAt.UTC().Truncate(time.Minute).Format("200601021504")
}
