package store

import (
	"context"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/domain"
)

// Queue names one of the two per-pool id sequences.
type Queue string

const (
	QueueAvailable Queue = "available"
	QueueStaging   Queue = "staging"
)

// Rolling sample lists.
const (
	SamplesStartMS    = "vBrowserStartMS"
	SamplesVMLifetime = "vBrowserVMLifetime"

	StartMSWindow    = 100
	VMLifetimeWindow = 50
)

// Usage sorted sets, keyed by creator.
const (
	UsageClientMinutes = "client_minutes"
	UsageUIDMinutes    = "uid_minutes"
)

// PoolStore is the shared state of a single pool (one provider × size class).
// Implementations must be safe for concurrent use by many goroutines and, for
// the Valkey implementation, by many processes.
type PoolStore interface {
	Key() domain.PoolKey

	// Queue operations. Pushes go to the head, pops come from the tail (FIFO).
	QueueLength(ctx context.Context, q Queue) (int64, error)
	PushAvailable(ctx context.Context, id string) error
	PushStaging(ctx context.Context, id string) error
	// PopAvailable blocks until an id is available or ctx is done.
	PopAvailable(ctx context.Context) (string, error)
	// RotateStaging blocks until staging is non-empty, then moves its tail to
	// its head and returns that id.
	RotateStaging(ctx context.Context) (string, error)
	// MoveStagingToAvailable atomically removes id from staging, pushes it to
	// available and clears its retry counter. Returns false, doing nothing,
	// when id was no longer staged.
	MoveStagingToAvailable(ctx context.Context, id string) (bool, error)
	RemoveFromQueue(ctx context.Context, q Queue, id string) error
	ListQueue(ctx context.Context, q Queue) ([]string, error)

	// Locks mark an id as assigned.
	TryAcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, id string) error
	RefreshLock(ctx context.Context, id string, ttl time.Duration) error
	ListLockedIDs(ctx context.Context) ([]string, error)

	// Staging retry counters.
	IncrementRetry(ctx context.Context, id string) (int64, error)
	ClearRetry(ctx context.Context, id string) error

	// Metrics.
	PushSample(ctx context.Context, list string, value int64, window int) error
	Samples(ctx context.Context, list string) ([]int64, error)
	IncrementCounter(ctx context.Context, name string) error
	IncrementUsage(ctx context.Context, kind, member string, expireAt time.Time) error

	Ping(ctx context.Context) error
}

// Store hands out per-pool views over one backing connection.
type Store interface {
	Pool(key domain.PoolKey) PoolStore
	Ping(ctx context.Context) error
	Close()
}

// EndOfDay returns the start of the UTC day after t.
func EndOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
