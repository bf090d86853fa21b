// internal/runloop/runloop.go
package runloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/runstate"
	"github.com/xkilldash9x/autotap/internal/settings"
	"github.com/xkilldash9x/autotap/internal/stats"
)

var (
	ErrAlreadyRunning          = schemas.NewTypedError(schemas.ErrorTypeAlreadyRunning, errors.New("a run is already active"))
	ErrConfigurationMissing    = schemas.NewTypedError(schemas.ErrorTypeConfigurationMissing, errors.New("login configuration missing"))
	ErrLoginVerificationFailed = schemas.NewTypedError(schemas.ErrorTypeLoginVerificationFailed, errors.New("still logged out after login"))
	ErrSetupFailed             = schemas.NewTypedError(schemas.ErrorTypeSetupFailed, errors.New("setup action failed"))
)

// -- Collaborators --

// Page is the DOM surface of the monitored tab.
type Page interface {
	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
}

// Authenticator runs a federated login. popupauth.Driver satisfies it.
type Authenticator interface {
	Login(ctx context.Context, method schemas.LoginMethod) error
}

// Delivery emits the end-of-run statistics. webhook.Sender satisfies it.
type Delivery interface {
	Send(ctx context.Context, p schemas.StatsPayload) error
}

// Sender is the request half of the message bus.
type Sender interface {
	Send(ctx context.Context, from, to channel.Address, msg schemas.Message) schemas.Response
}

// Deps wires a RunLoop to its tab. Metrics and Delivery may be nil.
type Deps struct {
	TabID     int
	Page      Page
	Machine   *runstate.Machine
	Tracker   *stats.Tracker
	Federated Authenticator
	Sender    Sender
	Delivery  Delivery
	Store     settings.Store
	Site      config.SiteConfig
	Run       config.RunConfig
	Auth      config.AuthConfig
	AutoStart config.AutoStartConfig
	Metrics   *observability.Metrics
	Logger    *zap.Logger
	Now       func() time.Time
}

// RunLoop drives one tab's automation: login, setup, the polling loop and finalization.
// At most one run is active at a time.
type RunLoop struct {
	Deps
	logger *zap.Logger

	life     context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	current *run
}

// run is the bookkeeping of one Start.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	stop     chan struct{}
	stopOnce sync.Once
	ready    chan error
	done     chan struct{}

	iterations int

	// counted marks an item already tallied whose advance click has not yet succeeded.
	counted bool
	final   sync.Once
}

func (r *run) requestStop() { r.stopOnce.Do(func() { close(r.stop) }) }

func (r *run) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

// New builds a RunLoop. The loop outlives the requests that start it until Close.
func New(d Deps) *RunLoop {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	life, shutdown := context.WithCancel(context.Background())
	return &RunLoop{
		Deps:     d,
		logger:   d.Logger.Named("runloop").With(zap.Int("tab_id", d.TabID)),
		life:     life,
		shutdown: shutdown,
	}
}

// IsRunning reports whether a run is starting or running.
func (r *RunLoop) IsRunning() bool { return r.Machine.IsRunning() }

// Start begins a run. It returns once login and setup have finished, or when ctx ends
// first, in which case the run carries on and its outcome is reported through status.
func (r *RunLoop) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.current != nil || r.Machine.IsRunning() {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	if err := r.life.Err(); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("run loop closed: %w", err)
	}
	switch r.Machine.State() {
	case runstate.Error, runstate.Stopped:
		if err := r.Machine.SetState(runstate.Idle); err != nil {
			r.mu.Unlock()
			return err
		}
	}
	if err := r.Machine.SetState(runstate.Starting); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrAlreadyRunning, err)
	}

	rctx, cancel := context.WithCancel(r.life)
	cur := &run{
		id:     uuid.NewString(),
		ctx:    rctx,
		cancel: cancel,
		stop:   make(chan struct{}),
		ready:  make(chan error, 1),
		done:   make(chan struct{}),
	}
	r.current = cur
	r.mu.Unlock()

	if r.Metrics != nil {
		r.Metrics.RunsStarted.Inc()
		r.Metrics.RunActive.Set(1)
	}
	r.logger.Info("Run starting.", zap.String("run_id", cur.id))
	go r.execute(cur)

	select {
	case err := <-cur.ready:
		return err
	case <-ctx.Done():
		r.logger.Info("Start request ended before preparation finished; run continues.", zap.String("run_id", cur.id))
		return nil
	}
}

// Stop ends the active run cooperatively and waits for it to finalize. Without an active
// run it does nothing.
func (r *RunLoop) Stop(ctx context.Context) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil {
		r.logger.Debug("Stop requested with no active run.")
		return nil
	}

	switch r.Machine.State() {
	case runstate.Running:
		if err := r.Machine.SetState(runstate.Stopping); err != nil {
			// The loop finished on its own in the meantime.
			r.logger.Debug("Stop raced with finalization.", zap.Error(err))
		}
		cur.requestStop()
	case runstate.Starting:
		// Login and setup are abandoned outright.
		cur.requestStop()
		cur.cancel()
	default:
		cur.requestStop()
	}
	r.logger.Info("Stop requested.", zap.String("run_id", cur.id))

	select {
	case <-cur.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any active run and releases the loop. It is safe to call more than once.
func (r *RunLoop) Close() {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur != nil {
		if r.Machine.State() == runstate.Running {
			_ = r.Machine.SetState(runstate.Stopping)
		}
		cur.requestStop()
	}
	r.shutdown()
	if cur != nil {
		<-cur.done
	}
	r.Machine.Flush()
}

// -- Run execution --

func (r *RunLoop) execute(cur *run) {
	defer func() {
		r.release(cur)
		cur.cancel()
		close(cur.done)
	}()
	log := r.logger.With(zap.String("run_id", cur.id))

	err := r.prepare(cur)
	if err == nil {
		err = r.Tracker.Initialize(cur.id, r.Now())
	}
	if err == nil {
		err = r.Machine.SetState(runstate.Running)
	}
	if err != nil {
		err = r.abort(cur, err)
		// A failed start can be retried as soon as the caller hears about it.
		r.release(cur)
		cur.ready <- err
		return
	}
	cur.ready <- nil
	log.Info("Run started.")

	reason, loopErr := r.loop(cur)
	r.finalize(cur, reason, loopErr)
}

func (r *RunLoop) release(cur *run) {
	r.mu.Lock()
	if r.current == cur {
		r.current = nil
	}
	r.mu.Unlock()
}

// abort ends a run that never reached Running. A stop request during preparation is not
// a failure.
func (r *RunLoop) abort(cur *run, cause error) error {
	defer func() {
		if r.Metrics != nil {
			r.Metrics.RunActive.Set(0)
		}
		r.Machine.Flush()
	}()
	log := r.logger.With(zap.String("run_id", cur.id))

	if cur.stopped() {
		if err := r.Machine.SetState(runstate.Stopped); err != nil {
			log.Warn("Failed to record stopped state.", zap.Error(err))
		}
		log.Info("Run stopped during preparation.")
		return nil
	}
	if err := r.Machine.SetState(runstate.Error); err != nil {
		log.Warn("Failed to record error state.", zap.Error(err))
	}
	log.Error("Run aborted before the loop started.", zap.Error(cause), zap.String("error_type", string(schemas.ErrorTypeOf(cause))))
	return cause
}

// prepare brings the page to a signed-in, set-up state.
func (r *RunLoop) prepare(cur *run) error {
	ctx := cur.ctx
	loggedIn, err := r.loggedIn(ctx)
	if err != nil {
		return fmt.Errorf("%w: login check: %v", ErrLoginVerificationFailed, err)
	}
	if !loggedIn {
		if err := r.login(ctx); err != nil {
			return err
		}
		if loggedIn, err = r.loggedIn(ctx); err != nil || !loggedIn {
			return ErrLoginVerificationFailed
		}
	}
	return r.setup(ctx)
}

// setup performs the one-time actions before the loop: close a blocking overlay if one is
// shown, then open the initial target.
func (r *RunLoop) setup(ctx context.Context) error {
	if r.Site.Selector(schemas.RoleAdvance) == "" {
		return fmt.Errorf("%w: no selector configured for %s", ErrSetupFailed, schemas.RoleAdvance)
	}
	if sel := r.Site.Selector(schemas.RoleOverlayDismiss); sel != "" {
		shown, err := r.Page.Exists(ctx, sel)
		if err != nil {
			return fmt.Errorf("%w: overlay check: %v", ErrSetupFailed, err)
		}
		if shown {
			if err := r.Page.Click(ctx, sel); err != nil {
				return fmt.Errorf("%w: dismiss overlay: %v", ErrSetupFailed, err)
			}
			r.logger.Debug("Overlay dismissed.")
		}
	}
	if sel := r.Site.Selector(schemas.RoleInitialTarget); sel != "" {
		if err := r.Page.Click(ctx, sel); err != nil {
			return fmt.Errorf("%w: open initial target: %v", ErrSetupFailed, err)
		}
	}
	return nil
}

// finalize runs once per run that reached Running, whatever ended its loop.
func (r *RunLoop) finalize(cur *run, reason schemas.StopReason, loopErr error) {
	cur.final.Do(func() {
		log := r.logger.With(zap.String("run_id", cur.id), zap.String("stop_reason", string(reason)))
		end := r.Now()

		if loopErr != nil {
			msg := loopErr.Error()
			if err := r.Tracker.Update(stats.Update{Error: stats.Bool(true), ErrorMessage: &msg}); err != nil {
				log.Warn("Failed to flag run error.", zap.Error(err))
			}
		}
		if err := r.Tracker.Finalize(end); err != nil {
			log.Warn("Failed to finalize statistics.", zap.Error(err))
		}
		snapshot, ok := r.Tracker.Stats()
		if ok {
			r.deliver(log, schemas.NewStatsPayload(snapshot, cur.iterations, reason))
		}

		if r.Machine.State() == runstate.Running {
			if err := r.Machine.SetState(runstate.Stopping); err != nil {
				log.Debug("Stopping transition skipped.", zap.Error(err))
			}
		}
		if err := r.Machine.SetState(runstate.Stopped); err != nil {
			log.Warn("Failed to record stopped state.", zap.Error(err))
		}
		r.Tracker.Clear()
		r.Machine.Flush()

		if r.Metrics != nil {
			r.Metrics.ObserveRunFinished(string(reason), snapshot.Duration)
		}
		log.Info("Run finished.",
			zap.Int("iterations", cur.iterations),
			zap.Int("already_processed", snapshot.AlreadyProcessedCount),
			zap.Int("newly_processed", snapshot.NewlyProcessedCount),
			zap.Duration("duration", snapshot.Duration))
	})
}

func (r *RunLoop) deliver(log *zap.Logger, p schemas.StatsPayload) {
	if r.Delivery == nil {
		return
	}
	// The run context may already be cancelled; delivery gets its own budget.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	outcome := "delivered"
	if err := r.Delivery.Send(ctx, p); err != nil {
		outcome = "failed"
		log.Warn("Statistics delivery failed.", zap.Error(err))
	}
	if r.Metrics != nil {
		r.Metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}
