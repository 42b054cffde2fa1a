// Package redislock implements InstanceLockService on top of go-redis,
// using SET NX PX per state id as the single-key try-lock primitive and the
// Runtime's shared AcquireProgressive loop to drive retries, progress
// callbacks, and the abort race.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
	"github.com/ionforge/orchestrator/internal/orchestrator/runtime"
	"github.com/ionforge/orchestrator/internal/ports"
)

type Locker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

func keyFor(projectID string, stateID model.StateID) string {
	return fmt.Sprintf("orchestrator:lock:%s:%s", projectID, stateID)
}

func (l *Locker) LockInstances(
	ctx context.Context,
	projectID string,
	stateIDs []model.StateID,
	meta ports.LockMeta,
	onAcquire func(acquired []model.StateID),
	allowPartial bool,
	abortSignal <-chan struct{},
	timeout time.Duration,
	unlockToken string,
) error {
	tryLock := func(ctx context.Context, id model.StateID) (bool, string, error) {
		ok, err := l.rdb.SetNX(ctx, keyFor(projectID, id), unlockToken, timeout).Result()
		if err != nil {
			return false, "", err
		}
		if ok {
			return true, "", nil
		}
		holder, err := l.rdb.Get(ctx, keyFor(projectID, id)).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return false, "", err
		}
		return false, holder, nil
	}
	return runtime.AcquireProgressive(ctx, stateIDs, tryLock, onAcquire, allowPartial, abortSignal, timeout)
}

// UnlockInstances only deletes keys this unlockToken actually still owns,
// via a small Lua script so the check-then-delete is atomic (the same
// compare-and-delete idiom go-redis's own distributed-lock recipe uses).
func (l *Locker) UnlockInstances(ctx context.Context, projectID string, stateIDs []model.StateID, unlockToken string) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	for _, id := range stateIDs {
		if err := script.Run(ctx, l.rdb, []string{keyFor(projectID, id)}, unlockToken).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
	}
	return nil
}

func (l *Locker) UnlockInstancesUnconditionally(ctx context.Context, projectID string, stateIDs []model.StateID) error {
	keys := make([]string, len(stateIDs))
	for i, id := range stateIDs {
		keys[i] = keyFor(projectID, id)
	}
	if len(keys) == 0 {
		return nil
	}
	return l.rdb.Del(ctx, keys...).Err()
}

var _ ports.InstanceLockService = (*Locker)(nil)
