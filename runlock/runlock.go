package runlock

import (
	"context"
	"errors"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/tcgpos_sync/config"
	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// ErrLocked means the operation is already running.
var ErrLocked = errors.New("operation already running")

// Locker serializes runs per key. TryLock never waits: it returns ErrLocked
// when the key is held. unlock is safe to call more than once.
type Locker interface {
	TryLock(ctx context.Context, key string) (unlock func(), err error)
}

// LocalLocker guards keys inside one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]bool{}}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrLocked
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker guards keys across processes sharing one redis. The lock is
// refreshed while held so long runs keep it.
type RedisLocker struct {
	client *redislock.Client
	prefix string
	ttl    time.Duration
	logger *logrus.Logger
}

func NewRedisLocker(client *redislock.Client, prefix string, ttl time.Duration, logger *logrus.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = config.GetLogger()
	}
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	lockKey := l.prefix + key
	lock, err := l.client.Obtain(ctx, lockKey, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLocked
	}
	if err != nil {
		return nil, err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					l.logger.WithFields(logrus.Fields{
						"field": "RunLock",
						"key":   lockKey,
					}).Warn("failed to refresh redis lock: " + err.Error())
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				l.logger.WithFields(logrus.Fields{
					"field": "RunLock",
					"key":   lockKey,
				}).Warn("failed to release redis lock: " + err.Error())
			}
		})
	}, nil
}

// Chain takes every locker in order and releases in reverse. The first refusal wins.
type Chain []Locker

func (c Chain) TryLock(ctx context.Context, key string) (func(), error) {
	unlocks := make([]func(), 0, len(c))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		unlock, err := l.TryLock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

// New returns a process-local locker, chained with redis when a client is configured.
func New(client *redislock.Client, prefix string, logger *logrus.Logger) Locker {
	local := NewLocalLocker()
	if client == nil {
		return local
	}
	return Chain{local, NewRedisLocker(client, prefix, 30*time.Second, logger)}
}
