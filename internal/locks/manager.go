// Package locks provides the lease that lets several replicas share one tick
// schedule: whichever replica takes the lease for a T0 runs that tick.
//
// The lease is a redsync mutex keyed by T0. It is renewed while the tick runs
// and, once released, left to expire rather than deleted, so a replica whose
// cron fires late for the same T0 still finds it taken.
package locks

import (
	"context"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v8"

	"polling-scheduler/internal/common/errors"
	"polling-scheduler/internal/redis"
)

// DefaultLeaseTTL is how long a tick lease outlives its last renewal.
const DefaultLeaseTTL = 5 * time.Minute

// ErrLockHeld is returned when another instance holds the lock.
var ErrLockHeld = errors.New("lock already held by another instance")

// Lock is a held lease.
type Lock interface {
	Key() string
	// Release stops renewal. The key expires on its own.
	Release(ctx context.Context) error
	// IsHeld reports whether renewal is still running.
	IsHeld() bool
}

// Manager acquires and renews leases.
type Manager struct {
	redsync    *redsync.Redsync
	ttl        time.Duration
	localLocks map[string]*LocalLock
	mutex      sync.Mutex
}

// LocalLock is a lease held by this instance.
type LocalLock struct {
	mutex      *redsync.Mutex
	key        string
	expiration time.Duration
	acquired   time.Time
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewManager creates a lease manager on top of redisClient.
func NewManager(redisClient *redis.Client, ttl time.Duration) (*Manager, error) {
	if redisClient == nil {
		return nil, errors.ConfigError("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}

	pool := goredis.NewPool(redisClient.GetGoRedisClient())

	return &Manager{
		redsync:    redsync.New(pool),
		ttl:        ttl,
		localLocks: make(map[string]*LocalLock),
	}, nil
}

// TickKey is the lease key for the tick anchored at t0.
func TickKey(t0 time.Time) string {
	return "tick:" + t0.UTC().Format(time.RFC3339)
}

// AcquireTickLock takes the lease for the tick anchored at t0.
func (m *Manager) AcquireTickLock(ctx context.Context, t0 time.Time) (Lock, error) {
	return m.AcquireLock(ctx, TickKey(t0), m.ttl)
}

// AcquireLock makes a single attempt to take key. It returns ErrLockHeld when
// another instance has it.
func (m *Manager) AcquireLock(ctx context.Context, key string, expiration time.Duration) (Lock, error) {
	mutex := m.redsync.NewMutex("lock:"+key,
		redsync.WithExpiry(expiration),
		redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.As(err, &taken) || errors.Is(err, redsync.ErrFailed) {
			return nil, ErrLockHeld
		}
		return nil, errors.ConnectionError("failed to acquire lease", err).WithContext("key", key)
	}

	lockCtx, cancel := context.WithCancel(context.Background())
	lock := &LocalLock{
		mutex:      mutex,
		key:        key,
		expiration: expiration,
		acquired:   time.Now(),
		ctx:        lockCtx,
		cancel:     cancel,
	}

	m.mutex.Lock()
	m.localLocks[key] = lock
	m.mutex.Unlock()

	go m.renewLock(lock)

	return lock, nil
}

// renewLock extends the lease every third of its expiration until released.
func (m *Manager) renewLock(lock *LocalLock) {
	renewInterval := lock.expiration / 3
	if renewInterval < time.Second {
		renewInterval = time.Second
	}

	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lock.ctx.Done():
			m.forget(lock)
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			ok, err := lock.mutex.ExtendContext(ctx)
			cancel()

			if err != nil || !ok {
				lock.cancel()
				m.forget(lock)
				return
			}
		}
	}
}

func (m *Manager) forget(lock *LocalLock) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.localLocks[lock.key] == lock {
		delete(m.localLocks, lock.key)
	}
}

// Held returns the keys this instance is renewing.
func (m *Manager) Held() []string {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	keys := make([]string, 0, len(m.localLocks))
	for key := range m.localLocks {
		keys = append(keys, key)
	}
	return keys
}

// Close stops renewing every lease.
func (m *Manager) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	for _, lock := range m.localLocks {
		lock.cancel()
	}
	m.localLocks = make(map[string]*LocalLock)
	return nil
}

func (l *LocalLock) Key() string {
	return l.key
}

func (l *LocalLock) Release(ctx context.Context) error {
	l.cancel()
	return nil
}

func (l *LocalLock) IsHeld() bool {
	select {
	case <-l.ctx.Done():
		return false
	default:
		return true
	}
}
