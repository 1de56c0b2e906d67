package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/instant-demo/vbrowser-pool/internal/config"
	"github.com/instant-demo/vbrowser-pool/internal/domain"
	"github.com/instant-demo/vbrowser-pool/pkg/logging"
)

// BadgerStore persists pool state in an embedded badger database. State
// survives restarts, but the data directory is held by a single process, so
// blocking pops are woken in process like MemoryStore.
type BadgerStore struct {
	db  *badger.DB
	wmu sync.Mutex // serializes writers so transactions never conflict

	mu    sync.Mutex
	pools map[string]*BadgerPool
}

// NewBadgerStore opens or creates the database in cfg.BadgerDir.
func NewBadgerStore(cfg *config.StoreConfig, logger *logging.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.BadgerDir).
		WithLogger(badgerLogger{logger.With("component", "badger")})
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerStore, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w: %w", domain.ErrStoreUnavailable, err)
	}
	return &BadgerStore{db: db, pools: make(map[string]*BadgerPool)}, nil
}

// Close flushes and closes the database.
func (s *BadgerStore) Close() {
	_ = s.db.Close()
}

func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return domain.ErrStoreUnavailable
	}
	return nil
}

// Pool returns the pool for key, creating it on first use.
func (s *BadgerStore) Pool(key domain.PoolKey) PoolStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := key.String()
	if p, ok := s.pools[name]; ok {
		return p
	}
	prefix := keyPoolPrefix + name + ":"
	p := &BadgerPool{
		store:     s,
		key:       key,
		available: []byte(prefix + string(QueueAvailable)),
		staging:   []byte(prefix + string(QueueStaging)),
		retry:     prefix + "retry:",
		lock:      prefix + "lock:",
		samples:   prefix + "samples:",
		wake:      make(chan struct{}),
	}
	s.pools[name] = p
	return p
}

// Counter returns the current value of a named counter.
func (s *BadgerStore) Counter(name string) (int64, error) {
	var n int64
	err := s.view(func(txn *badger.Txn) error {
		var err error
		n, err = getInt(txn, []byte(keyCounter+name))
		return err
	})
	return n, err
}

func (s *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return storeErr(s.db.Update(fn))
}

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	return storeErr(s.db.View(fn))
}

func storeErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	return err
}

// BadgerPool implements PoolStore on a BadgerStore. Queues are JSON arrays in
// pop order; locks are keys with a TTL.
type BadgerPool struct {
	store *BadgerStore
	key   domain.PoolKey

	available []byte
	staging   []byte
	retry     string
	lock      string
	samples   string

	mu   sync.Mutex    // serializes queue mutations with wake
	wake chan struct{} // closed and replaced on every push
}

func (p *BadgerPool) Key() domain.PoolKey { return p.key }

func (p *BadgerPool) queueKey(q Queue) ([]byte, error) {
	switch q {
	case QueueAvailable:
		return p.available, nil
	case QueueStaging:
		return p.staging, nil
	}
	return nil, fmt.Errorf("unknown queue %q", q)
}

// signal wakes every blocked pop. Callers hold p.mu.
func (p *BadgerPool) signal() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *BadgerPool) QueueLength(ctx context.Context, q Queue) (int64, error) {
	ids, err := p.ListQueue(ctx, q)
	return int64(len(ids)), err
}

func (p *BadgerPool) PushAvailable(ctx context.Context, id string) error {
	return p.push(p.available, id)
}

func (p *BadgerPool) PushStaging(ctx context.Context, id string) error {
	return p.push(p.staging, id)
}

func (p *BadgerPool) push(key []byte, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.store.update(func(txn *badger.Txn) error {
		list, err := getList(txn, key)
		if err != nil {
			return err
		}
		return setJSON(txn, key, append(list, id))
	})
	if err != nil {
		return err
	}
	p.signal()
	return nil
}

func (p *BadgerPool) PopAvailable(ctx context.Context) (string, error) {
	return p.await(ctx, func(txn *badger.Txn) (string, error) {
		list, err := getList(txn, p.available)
		if err != nil || len(list) == 0 {
			return "", err
		}
		return list[0], setJSON(txn, p.available, list[1:])
	})
}

func (p *BadgerPool) RotateStaging(ctx context.Context) (string, error) {
	return p.await(ctx, func(txn *badger.Txn) (string, error) {
		list, err := getList(txn, p.staging)
		if err != nil || len(list) == 0 {
			return "", err
		}
		id := list[0]
		return id, setJSON(txn, p.staging, append(list[1:], id))
	})
}

// await runs take until it yields an id, waiting for a push between attempts.
func (p *BadgerPool) await(ctx context.Context, take func(txn *badger.Txn) (string, error)) (string, error) {
	for {
		p.mu.Lock()
		var id string
		err := p.store.update(func(txn *badger.Txn) error {
			var err error
			id, err = take(txn)
			return err
		})
		wake := p.wake
		p.mu.Unlock()

		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		}
	}
}

func (p *BadgerPool) MoveStagingToAvailable(ctx context.Context, id string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var moved bool
	err := p.store.update(func(txn *badger.Txn) error {
		moved = false
		staging, err := getList(txn, p.staging)
		if err != nil {
			return err
		}
		i := slices.Index(staging, id)
		if i < 0 {
			return nil
		}
		available, err := getList(txn, p.available)
		if err != nil {
			return err
		}
		if err := setJSON(txn, p.staging, slices.Delete(staging, i, i+1)); err != nil {
			return err
		}
		if err := setJSON(txn, p.available, append(available, id)); err != nil {
			return err
		}
		moved = true
		return txn.Delete([]byte(p.retry + id))
	})
	if err != nil {
		return false, err
	}
	if moved {
		p.signal()
	}
	return moved, nil
}

func (p *BadgerPool) RemoveFromQueue(ctx context.Context, q Queue, id string) error {
	key, err := p.queueKey(q)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.store.update(func(txn *badger.Txn) error {
		list, err := getList(txn, key)
		if err != nil {
			return err
		}
		// LREM with count 1: the most recently pushed copy goes first.
		for i := len(list) - 1; i >= 0; i-- {
			if list[i] == id {
				return setJSON(txn, key, slices.Delete(list, i, i+1))
			}
		}
		return nil
	})
}

func (p *BadgerPool) ListQueue(ctx context.Context, q Queue) ([]string, error) {
	key, err := p.queueKey(q)
	if err != nil {
		return nil, err
	}
	var list []string
	err = p.store.view(func(txn *badger.Txn) error {
		var err error
		list, err = getList(txn, key)
		return err
	})
	if list == nil {
		list = []string{}
	}
	return list, err
}

func (p *BadgerPool) TryAcquireLock(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	key := []byte(p.lock + id)
	var acquired bool
	err := p.store.update(func(txn *badger.Txn) error {
		acquired = false
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		acquired = true
		return txn.SetEntry(badger.NewEntry(key, []byte("1")).WithTTL(ttl))
	})
	return acquired, err
}

func (p *BadgerPool) ReleaseLock(ctx context.Context, id string) error {
	return p.store.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(p.lock + id))
	})
}

func (p *BadgerPool) RefreshLock(ctx context.Context, id string, ttl time.Duration) error {
	key := []byte(p.lock + id)
	return p.store.update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return txn.SetEntry(badger.NewEntry(key, []byte("1")).WithTTL(ttl))
	})
}

// ListLockedIDs relies on iterators skipping expired keys.
func (p *BadgerPool) ListLockedIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := p.store.view(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(p.lock)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, strings.TrimPrefix(string(it.Item().Key()), p.lock))
		}
		return nil
	})
	slices.Sort(ids)
	return ids, err
}

func (p *BadgerPool) IncrementRetry(ctx context.Context, id string) (int64, error) {
	return p.store.incr([]byte(p.retry+id), 0)
}

func (p *BadgerPool) ClearRetry(ctx context.Context, id string) error {
	return p.store.update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(p.retry + id))
	})
}

func (p *BadgerPool) PushSample(ctx context.Context, list string, value int64, window int) error {
	key := []byte(p.samples + list)
	return p.store.update(func(txn *badger.Txn) error {
		var s []int64
		if err := getJSON(txn, key, &s); err != nil {
			return err
		}
		s = append([]int64{value}, s...)
		if window > 0 && len(s) > window {
			s = s[:window]
		}
		return setJSON(txn, key, s)
	})
}

func (p *BadgerPool) Samples(ctx context.Context, list string) ([]int64, error) {
	var s []int64
	err := p.store.view(func(txn *badger.Txn) error {
		return getJSON(txn, []byte(p.samples+list), &s)
	})
	return s, err
}

func (p *BadgerPool) IncrementCounter(ctx context.Context, name string) error {
	_, err := p.store.incr([]byte(keyCounter+name), 0)
	return err
}

// IncrementUsage adds one minute to member's usage in kind. The entry expires
// at expireAt.
func (p *BadgerPool) IncrementUsage(ctx context.Context, kind, member string, expireAt time.Time) error {
	ttl := time.Until(expireAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	_, err := p.store.incr([]byte(keyUsage+kind+":"+member), ttl)
	return err
}

func (p *BadgerPool) Ping(ctx context.Context) error {
	return p.store.Ping(ctx)
}

// incr adds one to the integer at key. A positive ttl is (re)applied.
func (s *BadgerStore) incr(key []byte, ttl time.Duration) (int64, error) {
	var n int64
	err := s.update(func(txn *badger.Txn) error {
		cur, err := getInt(txn, key)
		if err != nil {
			return err
		}
		n = cur + 1
		e := badger.NewEntry(key, []byte(strconv.FormatInt(n, 10)))
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
	return n, err
}

func getInt(txn *badger.Txn, key []byte) (int64, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var n int64
	err = item.Value(func(val []byte) error {
		n, err = strconv.ParseInt(string(val), 10, 64)
		return err
	})
	return n, err
}

func getList(txn *badger.Txn, key []byte) ([]string, error) {
	var list []string
	err := getJSON(txn, key, &list)
	return list, err
}

// getJSON decodes the value at key into v, leaving v untouched when the key
// does not exist.
func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// badgerLogger routes badger's printf-style logging into slog. Info output is
// demoted to debug.
type badgerLogger struct {
	l *logging.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

var (
	_ Store     = (*BadgerStore)(nil)
	_ PoolStore = (*BadgerPool)(nil)
)
