package config

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

func GetRedisLock() *redislock.Client {
	return locker
}

// ConnectRedisWithRetry connects and sets the global Redis client + lock client.
// Redis is optional on a terminal: an empty addr leaves both nil and the agent
// falls back to in-process run locks.
func ConnectRedisWithRetry(ctx context.Context, addr string, maxAttempts int) error {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		client := redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: "",
			DB:       0,
			PoolSize: 10,
		})
		if err := client.Ping(ctx).Err(); err == nil {
			rdb = client
			locker = redislock.New(rdb)
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, addr)
			return nil
		} else {
			lastErr = err
			_ = client.Close()
		}

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, addr, lastErr, sleep)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
	return fmt.Errorf("connect redis %s: %w", addr, lastErr)
}

// CloseRedis releases the global client, if any.
func CloseRedis() error {
	if rdb == nil {
		return nil
	}
	err := rdb.Close()
	rdb = nil
	locker = nil
	return err
}
