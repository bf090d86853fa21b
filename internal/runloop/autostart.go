// internal/runloop/autostart.go
package runloop

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/internal/settings"
)

// AutoStart starts a run when the auto_start flag is set and the minimum rerun delay has
// passed since the last run finished. It reports whether a run was started.
func (r *RunLoop) AutoStart(ctx context.Context) (bool, error) {
	enabled, err := settings.Bool(ctx, r.Store, settings.KeyAutoStart, false)
	if err != nil {
		return false, fmt.Errorf("auto-start flag: %w", err)
	}
	if !enabled {
		r.logger.Debug("Auto-start disabled.")
		return false, nil
	}
	if r.IsRunning() {
		r.logger.Debug("Auto-start skipped; a run is already active.")
		return false, nil
	}

	delay, err := settings.MinRerunDelay(ctx, r.Store, r.Deps.AutoStart.DefaultMinRerunDelay)
	if err != nil {
		return false, fmt.Errorf("minimum rerun delay: %w", err)
	}
	last, ok, err := settings.LastRunFinished(ctx, r.Store)
	if err != nil {
		return false, fmt.Errorf("last run time: %w", err)
	}
	if ok {
		if elapsed := r.Now().Sub(last); elapsed < delay {
			r.logger.Info("Auto-start skipped; minimum rerun delay not reached.",
				zap.Time("last_run_finished_at", last),
				zap.Duration("min_rerun_delay", delay),
				zap.Duration("remaining", delay-elapsed))
			return false, nil
		}
	}

	r.logger.Info("Auto-starting run.")
	if err := r.Start(ctx); err != nil {
		return false, err
	}
	return true, nil
}
