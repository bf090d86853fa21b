// internal/browser/popup.go
package browser

import "go.uber.org/zap"

type popupWatch struct {
	ch chan int
}

// WatchPopups subscribes to tabs opened by the opener tab. The returned release function must
// be called to drop the subscription; WithPopupWatch does this on every exit path.
func (h *Host) WatchPopups(opener int) (<-chan int, func()) {
	w := &popupWatch{ch: make(chan int, 4)}

	h.mu.Lock()
	set, ok := h.watchers[opener]
	if !ok {
		set = make(map[*popupWatch]struct{})
		h.watchers[opener] = set
	}
	set[w] = struct{}{}
	h.mu.Unlock()

	release := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.watchers[opener]; ok {
			delete(set, w)
			if len(set) == 0 {
				delete(h.watchers, opener)
			}
		}
	}
	return w.ch, release
}

func (h *Host) notifyWatchers(tab TabInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for w := range h.watchers[tab.OpenerID] {
		select {
		case w.ch <- tab.ID:
		default:
			h.logger.Debug("Popup watcher not draining; dropping popup notice", zap.Int("popup_tab_id", tab.ID))
		}
	}
}

// PopupWatcher is the capability to observe popups created by a tab.
type PopupWatcher interface {
	WatchPopups(opener int) (<-chan int, func())
}

// WithPopupWatch runs fn with a popup subscription for opener and releases it when fn returns.
func WithPopupWatch(w PopupWatcher, opener int, fn func(popups <-chan int) error) error {
	popups, release := w.WatchPopups(opener)
	defer release()
	return fn(popups)
}
