package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/valkey-io/valkey-go"
)

// moveStagingScript atomically promotes a staged id.
// KEYS[1] = staging list
// KEYS[2] = available list
// KEYS[3] = retry counter key
// ARGV[1] = instance ID
// Returns: 1 if moved, 0 if the id was not staged
var moveStagingScript = valkey.NewLuaScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed == 0 then
    return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

const (
	keyPoolPrefix = "pool:"
	keyCounter    = "counter:" // counter:{name} -> int
	keyUsage      = "usage:"   // usage:{kind} -> sorted set

	// Server-side timeout of one blocking pop attempt, in seconds.
	blockTimeout = 1
)

// ValkeyStore owns the shared Valkey client used by every pool.
type ValkeyStore struct {
	client valkey.Client
}

// NewValkeyStore creates a new Valkey-backed store.
func NewValkeyStore(cfg *config.StoreConfig) (*ValkeyStore, error) {
	opts := valkey.ClientOption{
		InitAddress: []string{cfg.ValkeyAddr},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return &ValkeyStore{client: client}, nil
}

// Close closes the Valkey connection.
func (s *ValkeyStore) Close() {
	s.client.Close()
}

// Ping checks the Valkey connection.
func (s *ValkeyStore) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey ping failed: %w", err)
	}
	return nil
}

// Pool returns the view of a single pool.
func (s *ValkeyStore) Pool(key domain.PoolKey) PoolStore {
	return s.pool(key)
}

func (s *ValkeyStore) pool(key domain.PoolKey) *ValkeyPool {
	prefix := keyPoolPrefix + key.String() + ":"
	return &ValkeyPool{
		client:    s.client,
		key:       key,
		available: prefix + string(QueueAvailable),
		staging:   prefix + string(QueueStaging),
		retry:     prefix + "retry:",
		lock:      prefix + "lock:",
		samples:   prefix + "samples:",
	}
}

// ValkeyPool implements PoolStore for one pool using namespaced keys.
type ValkeyPool struct {
	client    valkey.Client
	key       domain.PoolKey
	available string
	staging   string
	retry     string
	lock      string
	samples   string
}

func (p *ValkeyPool) Key() domain.PoolKey { return p.key }

func (p *ValkeyPool) queueKey(q Queue) (string, error) {
	switch q {
	case QueueAvailable:
		return p.available, nil
	case QueueStaging:
		return p.staging, nil
	}
	return "", fmt.Errorf("unknown queue %q", q)
}

// QueueLength returns the number of ids in q.
func (p *ValkeyPool) QueueLength(ctx context.Context, q Queue) (int64, error) {
	key, err := p.queueKey(q)
	if err != nil {
		return 0, err
	}
	n, err := p.client.Do(ctx, p.client.B().Llen().Key(key).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to get %s length: %w", q, err)
	}
	return n, nil
}

func (p *ValkeyPool) PushAvailable(ctx context.Context, id string) error {
	return p.push(ctx, p.available, id)
}

func (p *ValkeyPool) PushStaging(ctx context.Context, id string) error {
	return p.push(ctx, p.staging, id)
}

func (p *ValkeyPool) push(ctx context.Context, key, id string) error {
	if err := p.client.Do(ctx, p.client.B().Lpush().Key(key).Element(id).Build()).Error(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", key, err)
	}
	return nil
}

// PopAvailable blocks on BRPOP in short attempts so that cancellation of ctx
// is observed within one attempt.
func (p *ValkeyPool) PopAvailable(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		res, err := p.client.Do(ctx, p.client.B().Brpop().Key(p.available).Timeout(blockTimeout).Build()).AsStrSlice()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("failed to pop available: %w", err)
		}
		// BRPOP replies with [key, element].
		if len(res) != 2 {
			return "", fmt.Errorf("unexpected BRPOP reply length %d", len(res))
		}
		return res[1], nil
	}
}

// RotateStaging moves the tail of staging to its head with BRPOPLPUSH.
func (p *ValkeyPool) RotateStaging(ctx context.Context) (string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		cmd := p.client.B().Brpoplpush().Source(p.staging).Destination(p.staging).Timeout(blockTimeout).Build()
		id, err := p.client.Do(ctx, cmd).ToString()
		if err != nil {
			if valkey.IsValkeyNil(err) {
				continue
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("failed to rotate staging: %w", err)
		}
		return id, nil
	}
}

// MoveStagingToAvailable promotes id using a Lua script so that LREM, LPUSH
// and DEL happen atomically.
func (p *ValkeyPool) MoveStagingToAvailable(ctx context.Context, id string) (bool, error) {
	moved, err := moveStagingScript.Exec(
		ctx,
		p.client,
		[]string{p.staging, p.available, p.retry + id},
		[]string{id},
	).ToInt64()
	if err != nil {
		return false, fmt.Errorf("failed to promote %s: %w", id, err)
	}
	return moved == 1, nil
}

// RemoveFromQueue removes the first occurrence of id from q.
func (p *ValkeyPool) RemoveFromQueue(ctx context.Context, q Queue, id string) error {
	key, err := p.queueKey(q)
	if err != nil {
		return err
	}
	if err := p.client.Do(ctx, p.client.B().Lrem().Key(key).Count(1).Element(id).Build()).Error(); err != nil {
		return fmt.Errorf("failed to remove from %s: %w", q, err)
	}
	return nil
}

func (p *ValkeyPool) ListQueue(ctx context.Context, q Queue) ([]string, error) {
	key, err := p.queueKey(q)
	if err != nil {
		return nil, err
	}
	ids, err := p.client.Do(ctx, p.client.B().Lrange().Key(key).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", q, err)
	}
	return ids, nil
}

// TryAcquireLock sets the lock key only if it is absent (SET NX EX).
func (p *ValkeyPool) TryAcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	cmd := p.client.B().Set().Key(p.lock + id).Value("1").Nx().ExSeconds(int64(ttl / time.Second)).Build()
	err := p.client.Do(ctx, cmd).Error()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return true, nil
}

func (p *ValkeyPool) ReleaseLock(ctx context.Context, id string) error {
	if err := p.client.Do(ctx, p.client.B().Del().Key(p.lock+id).Build()).Error(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// RefreshLock resets the lock TTL. A missing lock is left missing.
func (p *ValkeyPool) RefreshLock(ctx context.Context, id string, ttl time.Duration) error {
	cmd := p.client.B().Expire().Key(p.lock + id).Seconds(int64(ttl / time.Second)).Build()
	if err := p.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	return nil
}

// ListLockedIDs scans the lock keys of this pool.
func (p *ValkeyPool) ListLockedIDs(ctx context.Context) ([]string, error) {
	ids := make([]string, 0)
	var cursor uint64
	for {
		entry, err := p.client.Do(ctx, p.client.B().Scan().Cursor(cursor).Match(p.lock+"*").Count(100).Build()).AsScanEntry()
		if err != nil {
			return nil, fmt.Errorf("failed to scan locks: %w", err)
		}
		for _, k := range entry.Elements {
			ids = append(ids, strings.TrimPrefix(k, p.lock))
		}
		cursor = entry.Cursor
		if cursor == 0 {
			return ids, nil
		}
	}
}

func (p *ValkeyPool) IncrementRetry(ctx context.Context, id string) (int64, error) {
	n, err := p.client.Do(ctx, p.client.B().Incr().Key(p.retry+id).Build()).ToInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment retry counter: %w", err)
	}
	return n, nil
}

func (p *ValkeyPool) ClearRetry(ctx context.Context, id string) error {
	if err := p.client.Do(ctx, p.client.B().Del().Key(p.retry+id).Build()).Error(); err != nil {
		return fmt.Errorf("failed to clear retry counter: %w", err)
	}
	return nil
}

// PushSample prepends value to a capped list.
func (p *ValkeyPool) PushSample(ctx context.Context, list string, value int64, window int) error {
	key := p.samples + list
	cmds := valkey.Commands{
		p.client.B().Lpush().Key(key).Element(strconv.FormatInt(value, 10)).Build(),
		p.client.B().Ltrim().Key(key).Start(0).Stop(int64(window - 1)).Build(),
	}
	for _, res := range p.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("failed to push sample to %s: %w", list, err)
		}
	}
	return nil
}

// Samples returns the list newest first.
func (p *ValkeyPool) Samples(ctx context.Context, list string) ([]int64, error) {
	raw, err := p.client.Do(ctx, p.client.B().Lrange().Key(p.samples+list).Start(0).Stop(-1).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return []int64{}, nil
		}
		return nil, fmt.Errorf("failed to read samples %s: %w", list, err)
	}
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

// IncrementCounter increments a named global counter.
func (p *ValkeyPool) IncrementCounter(ctx context.Context, name string) error {
	if err := p.client.Do(ctx, p.client.B().Incr().Key(keyCounter+name).Build()).Error(); err != nil {
		return fmt.Errorf("failed to increment counter: %w", err)
	}
	return nil
}

// IncrementUsage adds one to member in the usage:{kind} sorted set and moves
// the set's expiry to expireAt.
func (p *ValkeyPool) IncrementUsage(ctx context.Context, kind, member string, expireAt time.Time) error {
	key := keyUsage + kind
	cmds := valkey.Commands{
		p.client.B().Zincrby().Key(key).Increment(1).Member(member).Build(),
		p.client.B().Expireat().Key(key).Timestamp(expireAt.Unix()).Build(),
	}
	for _, res := range p.client.DoMulti(ctx, cmds...) {
		if err := res.Error(); err != nil {
			return fmt.Errorf("failed to record usage: %w", err)
		}
	}
	return nil
}

func (p *ValkeyPool) Ping(ctx context.Context) error {
	if err := p.client.Do(ctx, p.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey ping failed: %w", err)
	}
	return nil
}

// Compile-time checks
var (
	_ Store     = (*ValkeyStore)(nil)
	_ PoolStore = (*ValkeyPool)(nil)
)
