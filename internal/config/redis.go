package config

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedisWithRetry dials Redis until it answers PING or ctx ends.
func ConnectRedisWithRetry(ctx context.Context, addr string, logger logrus.FieldLogger) (*redis.Client, error) {
	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     addr,
			DB:       0,
			PoolSize: 20,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			logger.WithFields(logrus.Fields{"attempt": attempt, "addr": addr}).Info("connected to redis")
			return rdb, nil
		}
		rdb.Close()

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "addr": addr}).
			Warnf("failed to connect redis; retrying in %s", sleep)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
