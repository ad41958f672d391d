package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
)

// Redis is a Locker backed by redislock. Held locks are refreshed at half
// their TTL until released, so long sync cycles keep their key.
type Redis struct {
	client  *redislock.Client
	prefix  string
	ttl     time.Duration
	backoff time.Duration
	log     logrus.FieldLogger
}

func NewRedis(rdb redislock.RedisClient, prefix string, ttl time.Duration, log logrus.FieldLogger) *Redis {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Redis{
		client:  redislock.New(rdb),
		prefix:  prefix,
		ttl:     ttl,
		backoff: 50 * time.Millisecond,
		log:     log.WithField("module", "keylock"),
	}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	lock, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(r.backoff),
	})
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return r.hold(key, lock), nil
}

func (r *Redis) TryLock(ctx context.Context, key string) (func(), bool, error) {
	lock, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return r.hold(key, lock), true, nil
}

func (r *Redis) hold(key string, lock *redislock.Lock) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), r.ttl, nil); err != nil {
					r.log.WithError(err).WithField("key", key).Warn("lock refresh failed")
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
				r.log.WithError(err).WithField("key", key).Warn("lock release failed")
			}
		})
	}
}
