package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bookgen/api/internal/recovery"
)

var ErrHardTimeout = errors.New("task exceeded its hard time limit")

type softLimitKey struct{}

// SoftLimit returns a channel closed when the task's soft limit passes.
// Handlers should wind down when it fires. Outside a task it returns nil,
// which never fires.
func SoftLimit(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(softLimitKey{}).(<-chan struct{})
	return ch
}

func withSoftLimit(ctx context.Context, d time.Duration) (context.Context, func()) {
	ch := make(chan struct{})
	timer := time.AfterFunc(d, func() { close(ch) })
	return context.WithValue(ctx, softLimitKey{}, (<-chan struct{})(ch)), func() { timer.Stop() }
}

// runWithLimits runs h under the hard and soft limits. When the hard limit
// passes the handler's context is cancelled and the attempt fails with a
// timeout even if the handler has not returned yet.
func runWithLimits(ctx context.Context, t *Task, h Handler, hard, soft time.Duration) (err error) {
	ctx, span := startSpan(ctx, t)
	defer func() { endSpan(span, err) }()

	hctx, cancel := context.WithTimeoutCause(ctx, hard, ErrHardTimeout)
	defer cancel()
	sctx, stop := withSoftLimit(hctx, soft)
	defer stop()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task %s panicked: %v", t.Name, r)
			}
		}()
		done <- h(sctx, t)
	}()

	select {
	case err = <-done:
		if err == nil {
			return nil
		}
	case <-hctx.Done():
		err = hctx.Err()
	}
	if errors.Is(context.Cause(hctx), ErrHardTimeout) {
		return recovery.E(recovery.KindTimeout, "task "+t.Name, fmt.Errorf("%w (%s)", ErrHardTimeout, hard))
	}
	return err
}
