package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

var (
	rdb    *redis.Client
	locker *redislock.Client
)

// GetRedisDB returns the shared client used for report-cache invalidation and rate limiting.
func GetRedisDB() *redis.Client {
	return rdb
}

// GetRedisLock returns the lock client backing per-machine creation locks.
func GetRedisLock() *redislock.Client {
	return locker
}

// redisOptions reads REDIS_ADDRESS, REDIS_PASSWORD, REDIS_DB and REDIS_POOL_SIZE.
func redisOptions() *redis.Options {
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDRESS"))
	if addr == "" {
		addr = "localhost:6379"
	}
	return &redis.Options{
		Addr:     addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       intFromEnv("REDIS_DB", 0),
		PoolSize: intFromEnv("REDIS_POOL_SIZE", 100),
	}
}

// ConnectRedisWithRetry blocks until Redis answers a PING, then sets the global clients.
func ConnectRedisWithRetry() {
	opts := redisOptions()
	entry := logg.WithFields(logrus.Fields{"field": "redis", "addr": opts.Addr})

	for attempt := 1; ; attempt++ {
		client := redis.NewClient(opts)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Ping(ctx).Err()
		cancel()
		if err == nil {
			rdb = client
			locker = redislock.New(client)
			entry.WithField("attempt", attempt).Info("connected to redis")
			return
		}
		_ = client.Close()

		sleep := connectBackoff(attempt)
		entry.WithFields(logrus.Fields{"attempt": attempt, "retry_in": sleep.String()}).WithError(err).Warn("failed to connect redis")
		time.Sleep(sleep)
	}
}
