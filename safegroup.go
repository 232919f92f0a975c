package locationagent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"
)

// SafeGroup is an errgroup.Group with safer defaults for long-running
// workers: GoSafe restarts a worker after a panic with doubling backoff, and
// WaitOrInterrupt waits for completion but returns early when the parent
// context is cancelled.
type SafeGroup struct {
	*errgroup.Group
	// ctx is the errgroup-derived context, cancelled on parent cancellation
	// or the first non-nil worker error.
	ctx context.Context
	// parent is the caller-provided context, typically from
	// signal.NotifyContext. WaitOrInterrupt watches this one so a worker
	// error is not normalized away into context.Canceled.
	parent context.Context
}

// NewSafeGroup creates a SafeGroup backed by errgroup.WithContext.
func NewSafeGroup(ctx context.Context) *SafeGroup {
	if ctx == nil {
		ctx = context.Background()
	}
	group, groupCtx := errgroup.WithContext(ctx)
	return &SafeGroup{Group: group, ctx: groupCtx, parent: ctx}
}

// GoSafe runs fn in a group goroutine, logging panics to stderr and
// restarting the worker with doubling backoff. A panic never cancels sibling
// goroutines; a returned error keeps errgroup semantics and does.
//
// Panic reports deliberately bypass structured logging: the logger itself
// may be what panicked.
func (sg *SafeGroup) GoSafe(name string, fn func(context.Context) error) {
	if sg == nil || sg.Group == nil || fn == nil {
		return
	}
	sg.Group.Go(func() (err error) {
		backoff := 200 * time.Millisecond
		const maxBackoff = 30 * time.Second
		for {
			if sg.ctx != nil {
				select {
				case <-sg.ctx.Done():
					return nil
				default:
				}
			}

			panicked := false
			var recovered any
			func() {
				defer func() {
					if r := recover(); r != nil {
						panicked = true
						recovered = r
					}
				}()
				err = fn(sg.ctx)
			}()

			if !panicked {
				return err
			}

			_, _ = fmt.Fprintf(os.Stderr, "WARN: %s panicked: %v\n%s\n", name, recovered, debug.Stack())

			// Small deterministic jitter without math/rand.
			jitter := time.Duration(0)
			if jitterMax := backoff / 2; jitterMax > 0 {
				jitter = time.Duration(time.Now().UnixNano() % int64(jitterMax))
			}
			time.Sleep(backoff + jitter)

			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	})
}

// WaitOrInterrupt waits for the group's goroutines to finish. When the
// parent context is cancelled first, it allows up to gracePeriod for workers
// to unwind before returning the parent's error.
func (sg *SafeGroup) WaitOrInterrupt(gracePeriod time.Duration) error {
	if sg == nil || sg.Group == nil {
		return nil
	}
	ctx := sg.parent
	if ctx == nil {
		return sg.Group.Wait()
	}

	waitCh := make(chan error, 1)
	go func() {
		waitCh <- sg.Group.Wait()
	}()

	select {
	case err := <-waitCh:
		return normalizeInterruptError(ctx, err)
	case <-ctx.Done():
		if gracePeriod <= 0 {
			return ctx.Err()
		}
		select {
		case err := <-waitCh:
			return normalizeInterruptError(ctx, err)
		case <-time.After(gracePeriod):
			return ctx.Err()
		}
	}
}

// normalizeInterruptError maps context cancellation errors to ctx.Err().
func normalizeInterruptError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	if ctx != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return ctx.Err()
	}
	return err
}
