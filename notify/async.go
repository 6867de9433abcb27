package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Async hands notifications to a bounded goroutine pool so the caller never
// waits on delivery. Failures are logged and dropped.
type Async struct {
	next    Dispatcher
	pool    *ants.Pool
	timeout time.Duration
	logger  *zap.Logger
}

func NewAsync(next Dispatcher, workers int, timeout time.Duration, logger *zap.Logger) (*Async, error) {
	if workers <= 0 {
		workers = 16
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, fmt.Errorf("notify: create pool: %w", err)
	}
	return &Async{next: next, pool: pool, timeout: timeout, logger: logger}, nil
}

// Send always returns nil; delivery happens on the pool.
func (a *Async) Send(ctx context.Context, userID string, event Event, payload map[string]any) error {
	detached := context.WithoutCancel(ctx)
	err := a.pool.Submit(func() {
		sendCtx, cancel := context.WithTimeout(detached, a.timeout)
		defer cancel()
		if err := a.next.Send(sendCtx, userID, event, payload); err != nil {
			a.logger.Warn("notification dropped",
				zap.String("user_id", userID),
				zap.String("event", string(event)),
				zap.Error(err),
			)
		}
	})
	if err != nil {
		a.logger.Warn("notification pool saturated",
			zap.String("user_id", userID),
			zap.String("event", string(event)),
			zap.Error(err),
		)
	}
	return nil
}

// Close waits up to timeout for queued notifications to drain.
func (a *Async) Close(timeout time.Duration) error {
	return a.pool.ReleaseTimeout(timeout)
}
