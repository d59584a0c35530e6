package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker hands out exclusive locks per key. The returned unlock func must
// be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are reference counted and
// dropped once no goroutine holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty in-process Locker.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx ends.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.drop(key, e)
		return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.drop(key, e)
		})
	}, nil
}

func (k *KeyedMutex) drop(key string, e *keyedEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// RedisLocker is a cross-host Locker built on RedisLock.
type RedisLocker struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	interval time.Duration
}

// NewRedisLocker creates a Locker whose keys live under prefix. ttl bounds
// how long a crashed holder can block others.
func NewRedisLocker(client *redis.Client, prefix string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, interval: 25 * time.Millisecond}
}

// Lock polls until the key is acquired or ctx ends.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	l := NewRedisLock(r.client, r.prefix+key, r.ttl)
	if err := l.AcquireWait(ctx, r.interval); err != nil {
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done; release on a fresh one.
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = l.Release(rctx)
		})
	}, nil
}

// PGLocker is a cross-host Locker built on blocking advisory locks.
type PGLocker struct {
	db     *sql.DB
	prefix string
}

// NewPGLocker creates a Locker backed by pg_advisory_lock.
func NewPGLocker(db *sql.DB, prefix string) *PGLocker {
	return &PGLocker{db: db, prefix: prefix}
}

// Lock blocks in the database until the key is free or ctx ends.
func (p *PGLocker) Lock(ctx context.Context, key string) (func(), error) {
	id := advisoryID(p.prefix + key)
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("advisory lock conn: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s", ErrNotAcquired, key)
		}
		return nil, fmt.Errorf("advisory lock %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_, _ = conn.ExecContext(rctx, "SELECT pg_advisory_unlock($1)", id)
			conn.Close()
		})
	}, nil
}
