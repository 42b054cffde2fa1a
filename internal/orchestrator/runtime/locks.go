package runtime

import (
	"context"
	"time"

	"github.com/ionforge/orchestrator/internal/orchestrator/model"
)

// AcquireProgressive is the shared shape a concrete InstanceLockService is
// expected to honor: try every requested id, report whichever subset becomes
// available as it becomes available via onAcquire, and keep retrying the
// remainder until either everything is locked, timeout elapses, or
// abortSignal fires. It lives here rather than in an adapter package because
// every adapter's retry/backoff loop is identical; only the single-id
// try-lock primitive differs per backend.
//
// tryLock attempts to lock exactly one id, returning (true, "") on success or
// (false, holder) if some other unlock token already holds it.
type tryLockFunc func(ctx context.Context, id model.StateID) (bool, string, error)

// AcquireProgressive drives tryLock across stateIDs until all are locked,
// honoring allowPartial (when timeout elapses with at least one id locked,
// return success instead of an error — used for partial composite
// operations), timeout, and abortSignal. It calls onAcquire once per newly-locked batch, matching spec
// section 4.2's "progressive partial lock acquisition."
func AcquireProgressive(
	ctx context.Context,
	stateIDs []model.StateID,
	tryLock tryLockFunc,
	onAcquire func(acquired []model.StateID),
	allowPartial bool,
	abortSignal <-chan struct{},
	timeout time.Duration,
) error {
	deadline := time.Now().Add(timeout)
	remaining := make(map[model.StateID]bool, len(stateIDs))
	for _, id := range stateIDs {
		remaining[id] = true
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for len(remaining) > 0 {
		if time.Now().After(deadline) {
			if allowPartial && len(remaining) < len(stateIDs) {
				return nil
			}
			return model.ErrInstanceLockLost("")
		}

		select {
		case <-abortSignal:
			return model.ErrAbort(false)
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var acquired []model.StateID
		for id := range remaining {
			ok, _, err := tryLock(ctx, id)
			if err != nil {
				return err
			}
			if ok {
				acquired = append(acquired, id)
				delete(remaining, id)
			}
		}
		if len(acquired) > 0 && onAcquire != nil {
			onAcquire(acquired)
		}
	}
	return nil
}
