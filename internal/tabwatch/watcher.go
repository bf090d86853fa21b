// internal/tabwatch/watcher.go
package tabwatch

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/browser"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/observability"
)

// ErrAlreadyInjected is returned by an Injector when the tab already has content automation.
var ErrAlreadyInjected = errors.New("content automation already present in tab")

// TabSource delivers tab lifecycle events and the current tab list.
type TabSource interface {
	Events() <-chan browser.TabEvent
	Tabs() []browser.TabInfo
}

// Injector attaches and detaches content automation for a tab.
type Injector interface {
	Inject(ctx context.Context, tab browser.TabInfo) error
	Detach(tabID int)
}

// Notifier is the fire-and-forget half of the message bus.
type Notifier interface {
	Notify(from, to channel.Address, msg schemas.Message)
}

// Watcher routes tab events: monitored pages get content automation, auth-provider pages are
// announced to every monitored tab. It keeps no state between events.
type Watcher struct {
	src        TabSource
	classifier *Classifier
	injector   Injector
	notifier   Notifier
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// New wires a Watcher. metrics may be nil.
func New(src TabSource, classifier *Classifier, injector Injector, notifier Notifier, metrics *observability.Metrics, logger *zap.Logger) *Watcher {
	return &Watcher{
		src:        src,
		classifier: classifier,
		injector:   injector,
		notifier:   notifier,
		metrics:    metrics,
		logger:     logger.Named("tabwatch"),
	}
}

// Run consumes tab events until ctx ends or the source closes.
func (w *Watcher) Run(ctx context.Context) error {
	w.logger.Info("Tab watcher started.")
	events := w.src.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				w.logger.Info("Tab event source closed; tab watcher exiting.")
				return nil
			}
			w.Handle(ctx, ev)
		}
	}
}

// Handle classifies and routes a single event.
func (w *Watcher) Handle(ctx context.Context, ev browser.TabEvent) {
	if ev.Kind == browser.TabClosed {
		w.injector.Detach(ev.Tab.ID)
		return
	}

	match := w.classifier.Classify(ev.Tab.URL)
	if w.metrics != nil {
		w.metrics.TabEvents.WithLabelValues(match.String()).Inc()
	}

	switch match {
	case MatchMonitored:
		w.inject(ctx, ev.Tab)
	case MatchAuthProvider:
		w.announce(ev.Tab)
	}
}

func (w *Watcher) inject(ctx context.Context, tab browser.TabInfo) {
	err := w.injector.Inject(ctx, tab)
	switch {
	case err == nil:
		w.logger.Info("Content automation attached.", zap.Int("tab_id", tab.ID), zap.String("url", tab.URL))
	case errors.Is(err, ErrAlreadyInjected):
		w.logger.Debug("Content automation already present.", zap.Int("tab_id", tab.ID))
	default:
		w.logger.Error("Failed to attach content automation.", zap.Int("tab_id", tab.ID), zap.Error(err))
	}
}

func (w *Watcher) announce(tab browser.TabInfo) {
	msg := schemas.AuthPopupDetected{TabID: tab.ID, TabURL: tab.URL}
	sent := 0
	for _, t := range w.src.Tabs() {
		if t.ID == tab.ID || !w.classifier.IsMonitored(t.URL) {
			continue
		}
		w.notifier.Notify(channel.Background, channel.Tab(t.ID), msg)
		sent++
	}
	w.logger.Info("Auth provider tab detected.",
		zap.Int("tab_id", tab.ID),
		zap.String("url", tab.URL),
		zap.Int("notified_tabs", sent),
	)
}
