// internal/runloop/manager.go
package runloop

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/internal/browser"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/popupauth"
	"github.com/xkilldash9x/autotap/internal/settings"
	"github.com/xkilldash9x/autotap/internal/tabwatch"
)

// PageOpener returns the page handle for a tab.
type PageOpener func(tabID int) (ContentPage, error)

// ManagerDeps is shared by every content context the manager creates.
type ManagerDeps struct {
	Open       PageOpener
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

// Manager attaches content contexts to monitored tabs. It is the tab watcher's injector.
type Manager struct {
	deps   ManagerDeps
	logger *zap.Logger

	mu       sync.Mutex
	contents map[int]*Content
	closed   bool
	pending  sync.WaitGroup
}

func NewManager(d ManagerDeps) *Manager {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	return &Manager{
		deps:     d,
		logger:   d.Logger.Named("content_manager"),
		contents: make(map[int]*Content),
	}
}

// Inject attaches automation to tab. A tab that already has it yields
// tabwatch.ErrAlreadyInjected.
func (m *Manager) Inject(ctx context.Context, tab browser.TabInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("content manager closed")
	}
	if _, ok := m.contents[tab.ID]; ok {
		return tabwatch.ErrAlreadyInjected
	}
	page, err := m.deps.Open(tab.ID)
	if err != nil {
		return fmt.Errorf("open tab %d: %w", tab.ID, err)
	}

	c := NewContent(ContentDeps{
		TabID:      tab.ID,
		Page:       page,
		Popups:     m.deps.Popups,
		Locator:    m.deps.Locator,
		Bus:        m.deps.Bus,
		Classifier: m.deps.Classifier,
		Delivery:   m.deps.Delivery,
		Store:      m.deps.Store,
		Config:     m.deps.Config,
		Metrics:    m.deps.Metrics,
		Logger:     m.deps.Logger,
		Now:        m.deps.Now,
	})
	c.Attach()
	m.contents[tab.ID] = c

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		m.autoStart(ctx, c)
	}()
	return nil
}

// Detach tears down the tab's content context, stopping any run on it. It returns
// without waiting for the run to finalize; Close waits for every detach in flight.
func (m *Manager) Detach(tabID int) {
	m.mu.Lock()
	c, ok := m.contents[tabID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.contents, tabID)
	m.pending.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.pending.Done()
		c.Close()
	}()
}

// Content returns the context attached to tabID.
func (m *Manager) Content(tabID int) (*Content, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contents[tabID]
	return c, ok
}

// Contents returns every attached context ordered by tab.
func (m *Manager) Contents() []*Content {
	m.mu.Lock()
	out := make([]*Content, 0, len(m.contents))
	for _, c := range m.contents {
		out = append(out, c)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].tabID < out[j].tabID })
	return out
}

// AutoStartAll runs the auto-start check on every attached tab.
func (m *Manager) AutoStartAll(ctx context.Context) {
	for _, c := range m.Contents() {
		m.autoStart(ctx, c)
	}
}

func (m *Manager) autoStart(ctx context.Context, c *Content) {
	if _, err := c.loop.AutoStart(ctx); err != nil {
		m.logger.Warn("Auto-start failed.", zap.Int("tab_id", c.tabID), zap.Error(err))
	}
}

// RunSchedule repeats the auto-start check on a cron schedule until ctx is done.
// An empty spec disables scheduling.
func (m *Manager) RunSchedule(ctx context.Context, spec string) error {
	if spec == "" {
		<-ctx.Done()
		return nil
	}
	c := cron.New(cron.WithLogger(cron.PrintfLogger(zap.NewStdLog(m.logger.Named("cron")))))
	if _, err := c.AddFunc(spec, func() { m.AutoStartAll(ctx) }); err != nil {
		return fmt.Errorf("invalid auto-start schedule %q: %w", spec, err)
	}
	c.Start()
	m.logger.Info("Auto-start schedule active.", zap.String("schedule", spec))

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Close detaches every tab and waits for pending auto-start checks and detaches.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	contents := m.contents
	m.contents = make(map[int]*Content)
	m.mu.Unlock()

	for _, c := range contents {
		c.Close()
	}
	m.pending.Wait()
}
