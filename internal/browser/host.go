// internal/browser/host.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/config"
)

var (
	ErrTabNotFound = errors.New("tab not found")
	ErrHostClosed  = errors.New("browser host closed")
)

const (
	startupTimeout = 30 * time.Second
	rawQueueSize   = 256
	eventQueueSize = 64
)

// Host owns the browser process, the tab registry and the per-tab chromedp contexts.
type Host struct {
	logger   *zap.Logger
	registry *Registry

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	raw    chan interface{}
	events chan TabEvent
	done   chan struct{}
	wg     sync.WaitGroup

	mu       sync.Mutex
	tabs     map[int]*Tab
	watchers map[int]map[*popupWatch]struct{}

	// attach is swapped out in tests that run without a browser.
	attach func(TabInfo) (*Tab, error)

	closeOnce sync.Once
}

// newHost builds the bookkeeping half of a Host without a browser attached.
func newHost(logger *zap.Logger) *Host {
	h := &Host{
		logger:   logger.Named("browser"),
		registry: NewRegistry(),
		raw:      make(chan interface{}, rawQueueSize),
		events:   make(chan TabEvent, eventQueueSize),
		done:     make(chan struct{}),
		tabs:     make(map[int]*Tab),
		watchers: make(map[int]map[*popupWatch]struct{}),
	}
	h.attach = h.attachTab
	return h
}

// Launch starts Chromium, begins target discovery and opens cfg.StartURL in the first tab.
func Launch(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Host, error) {
	h := newHost(logger)
	h.logger.Info("Initializing browser allocator...")

	h.allocCtx, h.allocCancel = chromedp.NewExecAllocator(ctx, AllocatorOptions(cfg)...)

	var ctxOpts []chromedp.ContextOption
	if cfg.Debug {
		ctxOpts = append(ctxOpts, chromedp.WithDebugf(h.logger.Sugar().Debugf))
	}
	ctxOpts = append(ctxOpts, chromedp.WithErrorf(h.logger.Sugar().Errorf))
	h.browserCtx, h.browserCancel = chromedp.NewContext(h.allocCtx, ctxOpts...)

	// The first Run allocates the browser for the lifetime of browserCtx, so it must not carry
	// a deadline of its own.
	if err := chromedp.Run(h.browserCtx); err != nil {
		h.shutdown()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	chromedp.ListenBrowser(h.browserCtx, h.onBrowserEvent)
	h.wg.Add(1)
	go h.pump()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := h.discover(startCtx); err != nil {
		h.Close()
		return nil, err
	}

	startURL := cfg.StartURL
	if startURL == "" {
		startURL = "about:blank"
	}
	if err := h.runBrowser(startCtx, chromedp.Navigate(startURL)); err != nil {
		h.Close()
		return nil, fmt.Errorf("browser failed to respond: %w", err)
	}

	h.logger.Info("Browser launched successfully and is responsive.", zap.String("start_url", startURL))
	return h, nil
}

// discover enables browser-wide target events and seeds the registry with existing pages.
func (h *Host) discover(ctx context.Context) error {
	var infos []*target.Info
	err := h.runBrowser(ctx, chromedp.ActionFunc(func(c context.Context) error {
		b := chromedp.FromContext(c).Browser
		if err := target.SetDiscoverTargets(true).Do(cdp.WithExecutor(c, b)); err != nil {
			return fmt.Errorf("failed to enable target discovery: %w", err)
		}
		var err error
		infos, err = chromedp.Targets(c)
		if err != nil {
			return fmt.Errorf("failed to list targets: %w", err)
		}
		return nil
	}))
	if err != nil {
		return err
	}
	for _, info := range infos {
		h.dispatch(&target.EventTargetCreated{TargetInfo: info})
	}
	return nil
}

// runBrowser runs actions against the initial tab, bounded by ctx.
func (h *Host) runBrowser(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(h.browserCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// onBrowserEvent runs on the chromedp event loop and must not block.
func (h *Host) onBrowserEvent(ev interface{}) {
	switch ev.(type) {
	case *target.EventTargetCreated, *target.EventTargetInfoChanged, *target.EventTargetDestroyed:
	default:
		return
	}
	select {
	case h.raw <- ev:
	default:
		h.logger.Warn("Target event queue full; dropping event")
	}
}

func (h *Host) pump() {
	defer h.wg.Done()
	for {
		select {
		case <-h.done:
			return
		case ev := <-h.raw:
			h.dispatch(ev)
		}
	}
}

// dispatch applies one raw target event to the registry, popup watchers and subscribers.
func (h *Host) dispatch(ev interface{}) {
	var (
		tev TabEvent
		ok  bool
	)
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		tev, ok = h.registry.Observe(e.TargetInfo)
	case *target.EventTargetInfoChanged:
		tev, ok = h.registry.Observe(e.TargetInfo)
	case *target.EventTargetDestroyed:
		tev, ok = h.registry.Remove(e.TargetID)
	}
	if !ok {
		return
	}

	switch tev.Kind {
	case TabCreated:
		if tev.Tab.OpenerID != 0 {
			h.notifyWatchers(tev.Tab)
		}
	case TabClosed:
		h.detach(tev.Tab.ID)
	}

	h.logger.Debug("Tab event", zap.Stringer("kind", tev.Kind), zap.Int("tab_id", tev.Tab.ID), zap.String("url", tev.Tab.URL))
	select {
	case h.events <- tev:
	case <-h.done:
	}
}

// Events delivers tab lifecycle events in order. The channel closes when the host closes.
func (h *Host) Events() <-chan TabEvent { return h.events }

// Tabs lists the open page tabs.
func (h *Host) Tabs() []TabInfo { return h.registry.List() }

// Lookup returns the registry entry for a tab.
func (h *Host) Lookup(id int) (TabInfo, bool) { return h.registry.Lookup(id) }

// Tab returns the attached chromedp context for a tab, attaching on first use.
func (h *Host) Tab(id int) (*Tab, error) {
	select {
	case <-h.done:
		return nil, ErrHostClosed
	default:
	}

	info, ok := h.registry.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTabNotFound, id)
	}

	h.mu.Lock()
	t, ok := h.tabs[id]
	h.mu.Unlock()
	if ok {
		return t, nil
	}

	// Attaching is a CDP round trip; event dispatch must not wait on it.
	fresh, err := h.attach(info)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.tabs[id]; ok {
		fresh.cancel()
		return t, nil
	}
	select {
	case <-h.done:
		fresh.cancel()
		return nil, ErrHostClosed
	default:
	}
	// The registry drops a tab before detaching it, so a close seen here is final.
	if _, ok := h.registry.Lookup(id); !ok {
		fresh.cancel()
		return nil, fmt.Errorf("%w: %d", ErrTabNotFound, id)
	}
	h.tabs[id] = fresh
	return fresh, nil
}

// attachTab binds a chromedp context to the tab's target.
func (h *Host) attachTab(info TabInfo) (*Tab, error) {
	ctx, cancel := chromedp.NewContext(h.browserCtx, chromedp.WithTargetID(info.TargetID))
	// Attach now so the session is bound to the tab context rather than a short-lived caller.
	if err := chromedp.Run(ctx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to attach to tab %d: %w", info.ID, err)
	}
	return &Tab{id: info.ID, ctx: ctx, cancel: cancel, logger: h.logger.With(zap.Int("tab_id", info.ID))}, nil
}

func (h *Host) detach(id int) {
	h.mu.Lock()
	t, ok := h.tabs[id]
	delete(h.tabs, id)
	delete(h.watchers, id)
	h.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Close tears down every tab context and terminates the browser process.
func (h *Host) Close() {
	h.closeOnce.Do(func() {
		h.logger.Info("Shutting down browser host.")
		close(h.done)
		h.wg.Wait()

		h.mu.Lock()
		for id, t := range h.tabs {
			t.cancel()
			delete(h.tabs, id)
		}
		h.mu.Unlock()

		h.shutdown()
		close(h.events)
	})
}

func (h *Host) shutdown() {
	if h.browserCancel != nil {
		h.browserCancel()
	}
	if h.allocCancel != nil {
		h.allocCancel()
		<-h.allocCtx.Done()
	}
}

// ClickControl clicks a control inside tab id. See Tab.ClickControl.
func (h *Host) ClickControl(ctx context.Context, id int, value string, by schemas.SearchType, scrollDelay time.Duration) (bool, error) {
	t, err := h.Tab(id)
	if err != nil {
		return false, err
	}
	return t.ClickControl(ctx, value, by, scrollDelay)
}

// Location returns the live URL of tab id.
func (h *Host) Location(ctx context.Context, id int) (string, error) {
	t, err := h.Tab(id)
	if err != nil {
		return "", err
	}
	return t.Location(ctx)
}
