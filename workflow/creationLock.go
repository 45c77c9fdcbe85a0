package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/sirupsen/logrus"
	"github.com/vendcash/collections_backend/models"
)

// CreationLock serializes duplicate check + insert per machine. It narrows the
// race between two near-simultaneous creates; it is not a uniqueness guarantee.
type CreationLock interface {
	Acquire(ctx context.Context, machineId string) (release func(), err error)
}

type noopCreationLock struct{}

func (noopCreationLock) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

// RedisCreationLock is a CreationLock backed by redislock.
type RedisCreationLock struct {
	locker  *redislock.Client
	ttl     time.Duration
	wait    time.Duration
	backoff time.Duration
	logger  *logrus.Logger
}

const maxCreationLockWait = 2 * time.Second

// NewRedisCreationLock holds locks for ttl. A busy lock is retried for a quarter of
// ttl (at most 2s) and then reported as a concurrency conflict.
func NewRedisCreationLock(locker *redislock.Client, ttl time.Duration, logger *logrus.Logger) *RedisCreationLock {
	return &RedisCreationLock{
		locker:  locker,
		ttl:     ttl,
		wait:    min(ttl/4, maxCreationLockWait),
		backoff: 50 * time.Millisecond,
		logger:  logger,
	}
}

func (l *RedisCreationLock) Acquire(ctx context.Context, machineId string) (func(), error) {
	key := "collections:create:" + machineId

	// Obtain otherwise waits until ttl when ctx has no deadline.
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()
	lock, err := l.locker.Obtain(waitCtx, key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(l.backoff),
	})
	if err != nil {
		busy := errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded)
		if busy && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: creation lock for machine %s is busy", models.ErrConcurrencyConflict, machineId)
		}
		return nil, fmt.Errorf("%w: creation lock: %w", models.ErrInfrastructure, err)
	}
	return func() {
		if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			if l.logger != nil {
				l.logger.WithField("machine_id", machineId).Warn("release creation lock: " + err.Error())
			}
		}
	}, nil
}
