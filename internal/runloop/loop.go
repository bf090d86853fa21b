// internal/runloop/loop.go
package runloop

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/poll"
)

// loop runs iterations until a guard trips or the advance control disappears. A
// per-iteration failure is logged and retried; only a panic ends the loop as an error.
func (r *RunLoop) loop(cur *run) (reason schemas.StopReason, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Polling loop panicked.", zap.String("run_id", cur.id), zap.Any("panic", p))
			reason, err = schemas.StopError, fmt.Errorf("polling loop panicked: %v", p)
		}
	}()

	started := r.Now()
	for {
		if reason, stop := r.guard(cur, started); stop {
			return reason, nil
		}
		more, err := r.step(cur)
		if err != nil {
			if cur.ctx.Err() != nil || cur.stopped() {
				return schemas.StopRequested, nil
			}
			r.logger.Warn("Iteration failed; continuing.", zap.String("run_id", cur.id), zap.Int("iteration", cur.iterations), zap.Error(err))
			r.pause(cur, r.Run.ErrorDelay)
			continue
		}
		if !more {
			r.logger.Info("Advance control gone; end of content.", zap.String("run_id", cur.id))
			return schemas.StopEndOfContent, nil
		}
	}
}

// guard is checked before every iteration. Tripping it is never an error.
func (r *RunLoop) guard(cur *run, started time.Time) (schemas.StopReason, bool) {
	switch {
	case cur.stopped() || cur.ctx.Err() != nil || !r.Machine.IsRunning():
		return schemas.StopRequested, true
	case r.Run.MaxDuration > 0 && r.Now().Sub(started) >= r.Run.MaxDuration:
		r.logger.Info("Run reached its duration cap.", zap.Duration("max_duration", r.Run.MaxDuration))
		return schemas.StopMaxDuration, true
	case r.Run.MaxIterations > 0 && cur.iterations >= r.Run.MaxIterations:
		r.logger.Info("Run reached its iteration cap.", zap.Int("max_iterations", r.Run.MaxIterations))
		return schemas.StopMaxIterations, true
	}
	return "", false
}

// step processes the current item: press primary if it is offered, then advance. An item
// whose advance click failed is not counted again on the retry. It reports false once
// there is nothing left to advance to.
func (r *RunLoop) step(cur *run) (bool, error) {
	ctx := cur.ctx
	advance := r.Site.Selector(schemas.RoleAdvance)
	ok, err := r.Page.Exists(ctx, advance)
	if err != nil {
		return false, fmt.Errorf("advance check: %w", err)
	}
	if !ok {
		return false, nil
	}

	if !cur.counted {
		if err := r.tally(cur); err != nil {
			return false, err
		}
	}

	if err := r.Page.Click(ctx, advance); err != nil {
		return false, fmt.Errorf("advance click: %w", err)
	}
	cur.counted = false
	r.pause(cur, r.settle())
	return true, nil
}

// tally presses primary if it is offered and counts the current item once.
func (r *RunLoop) tally(cur *run) error {
	ctx := cur.ctx
	var (
		pending bool
		err     error
	)
	if primary := r.Site.Selector(schemas.RolePrimary); primary != "" {
		if pending, err = r.Page.Exists(ctx, primary); err != nil {
			return fmt.Errorf("primary check: %w", err)
		}
		if pending {
			if err := r.Page.Click(ctx, primary); err != nil {
				return fmt.Errorf("primary click: %w", err)
			}
		}
	}
	if pending {
		err = r.Tracker.IncrementNewly()
		if r.Metrics != nil {
			r.Metrics.PrimaryClicks.Inc()
		}
	} else {
		err = r.Tracker.IncrementAlready()
	}
	if err != nil {
		return err
	}
	cur.counted = true
	cur.iterations++
	if r.Metrics != nil {
		r.Metrics.Iterations.Inc()
	}
	if pending {
		r.pause(cur, r.settle())
	}
	return nil
}

func (r *RunLoop) settle() time.Duration {
	return poll.Jittered(r.Run.SettleDelay, r.Run.Jitter)
}

// pause waits for d, returning early on a stop request.
func (r *RunLoop) pause(cur *run, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-cur.stop:
	case <-cur.ctx.Done():
	}
}
