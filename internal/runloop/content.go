// internal/runloop/content.go
package runloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/browser"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/popupauth"
	"github.com/xkilldash9x/autotap/internal/runstate"
	"github.com/xkilldash9x/autotap/internal/settings"
	"github.com/xkilldash9x/autotap/internal/stats"
	"github.com/xkilldash9x/autotap/internal/tabwatch"
)

// replyMargin caps how much of a request's budget is held back for the reply.
const replyMargin = time.Second

// ContentPage is everything the content side does to its own tab. *browser.Tab satisfies it.
type ContentPage interface {
	Page
	FrameAttached(ctx context.Context, patterns []string) (bool, error)
}

// ContentDeps wires one content context.
type ContentDeps struct {
	TabID      int
	Page       ContentPage
	Popups     browser.PopupWatcher
	Locator    popupauth.Locator
	Bus        *channel.Bus
	Classifier *tabwatch.Classifier
	Delivery   Delivery
	Store      settings.Store
	Config     *config.Config
	Metrics    *observability.Metrics
	Logger     *zap.Logger
	Now        func() time.Time
}

// Content is the automation attached to one monitored tab. It owns the tab's state
// machine, statistics, login driver and run loop, and talks to other contexts only
// through the bus.
type Content struct {
	tabID   int
	bus     *channel.Bus
	machine *runstate.Machine
	tracker *stats.Tracker
	driver  *popupauth.Driver
	loop    *RunLoop
	logger  *zap.Logger

	mu      sync.Mutex
	release []func()
	closed  bool
}

// NewContent builds a detached content context. Call Attach to start serving messages.
func NewContent(d ContentDeps) *Content {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []runstate.Option{runstate.WithRecorder(settings.Recorder{Store: d.Store})}
	if d.Now != nil {
		opts = append(opts, runstate.WithClock(d.Now))
	}
	machine := runstate.New(logger.With(zap.Int("tab_id", d.TabID)), opts...)
	tracker := stats.NewTracker()

	driver := popupauth.NewDriver(popupauth.Deps{
		TabID:      d.TabID,
		Page:       d.Page,
		Popups:     d.Popups,
		Locator:    d.Locator,
		Sender:     d.Bus,
		Classifier: d.Classifier,
		Site:       d.Config.Site,
		Auth:       d.Config.Auth,
		Metrics:    d.Metrics,
		Logger:     logger,
	})

	loop := New(Deps{
		TabID:     d.TabID,
		Page:      d.Page,
		Machine:   machine,
		Tracker:   tracker,
		Federated: driver,
		Sender:    d.Bus,
		Delivery:  d.Delivery,
		Store:     d.Store,
		Site:      d.Config.Site,
		Run:       d.Config.Run,
		Auth:      d.Config.Auth,
		AutoStart: d.Config.AutoStart,
		Metrics:   d.Metrics,
		Logger:    logger,
		Now:       d.Now,
	})

	return &Content{
		tabID:   d.TabID,
		bus:     d.Bus,
		machine: machine,
		tracker: tracker,
		driver:  driver,
		loop:    loop,
		logger:  logger.Named("content").With(zap.Int("tab_id", d.TabID)),
	}
}

// TabID returns the tab this content context is attached to.
func (c *Content) TabID() int { return c.tabID }

// RunLoop exposes the tab's run loop.
func (c *Content) RunLoop() *RunLoop { return c.loop }

// State returns the tab's lifecycle state.
func (c *Content) State() runstate.State { return c.machine.State() }

// Attach starts serving the tab's address and broadcasting its status changes.
func (c *Content) Attach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(c.release) > 0 {
		return
	}
	c.release = append(c.release,
		c.machine.Subscribe(c.broadcastStatus),
		c.bus.OnMessage(channel.Tab(c.tabID), c.Handle),
	)
	c.logger.Info("Content automation attached.")
}

// Close stops any run and detaches from the bus.
func (c *Content) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	release := c.release
	c.release = nil
	c.mu.Unlock()

	// Stop first so the final status still reaches the bus.
	c.loop.Close()
	for i := len(release) - 1; i >= 0; i-- {
		release[i]()
	}
	c.logger.Info("Content automation detached.")
}

func (c *Content) broadcastStatus(ch runstate.Change) {
	running := ch.New == runstate.Starting || ch.New == runstate.Running
	c.logger.Info("Script state changed.", zap.String("from", string(ch.Old)), zap.String("to", string(ch.New)))
	c.bus.Broadcast(channel.Tab(c.tabID), schemas.ScriptStatusChanged{IsRunning: running})
}

// Handle is the channel.Handler for the tab's address.
func (c *Content) Handle(ctx context.Context, env channel.Envelope, respond channel.Responder) bool {
	switch msg := env.Message.(type) {
	case schemas.StartScript:
		go func() {
			rctx, cancel := replyContext(ctx)
			defer cancel()
			// A start still preparing at the reply deadline is reported as running; its
			// outcome follows as scriptStatusChanged.
			if err := c.loop.Start(rctx); err != nil {
				respond(schemas.Fail(err))
				return
			}
			respond(schemas.OK(schemas.ScriptStatusData{IsRunning: c.loop.IsRunning()}))
		}()
		return true
	case schemas.StopScript:
		go func() {
			rctx, cancel := replyContext(ctx)
			defer cancel()
			err := c.loop.Stop(rctx)
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				// The stop is requested; finalization carries on after the reply.
				err = nil
			}
			respond(result(err))
		}()
		return true
	case schemas.GetScriptStatus:
		respond(schemas.OK(schemas.ScriptStatusData{IsRunning: c.loop.IsRunning()}))
		return false
	case schemas.AuthPopupDetected:
		c.driver.PopupDetected(msg.TabID, msg.TabURL)
		respond(schemas.OK(nil))
		return false
	}
	return false
}

// replyContext ends slightly before ctx so a reply always beats the sender's deadline.
func replyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	margin := min(time.Until(deadline)/10, replyMargin)
	return context.WithDeadline(ctx, deadline.Add(-margin))
}

func result(err error) schemas.Response {
	if err != nil {
		return schemas.Fail(err)
	}
	return schemas.OK(nil)
}
