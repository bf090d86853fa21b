// internal/browser/registry.go
package browser

import (
	"sort"
	"sync"

	"github.com/chromedp/cdproto/target"
)

// EventKind classifies a tab lifecycle event.
type EventKind int

const (
	TabCreated EventKind = iota
	TabNavigated
	TabClosed
)

func (k EventKind) String() string {
	switch k {
	case TabCreated:
		return "created"
	case TabNavigated:
		return "navigated"
	case TabClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TabInfo is the registry's view of one page target.
type TabInfo struct {
	ID       int
	TargetID target.ID
	URL      string
	Title    string
	// OpenerID is the tab that opened this one, or zero.
	OpenerID int
}

// TabEvent reports a change to a page target.
type TabEvent struct {
	Kind EventKind
	Tab  TabInfo
}

// Registry assigns stable integer IDs to CDP page targets and tracks their last known URL.
type Registry struct {
	mu       sync.RWMutex
	next     int
	byTarget map[target.ID]int
	tabs     map[int]TabInfo
}

func NewRegistry() *Registry {
	return &Registry{
		byTarget: make(map[target.ID]int),
		tabs:     make(map[int]TabInfo),
	}
}

// Observe records target info and reports the resulting event. Non-page targets and updates
// that leave the URL unchanged produce no event.
func (r *Registry) Observe(info *target.Info) (TabEvent, bool) {
	if info == nil || info.Type != "page" {
		return TabEvent{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byTarget[info.TargetID]; ok {
		tab := r.tabs[id]
		if tab.URL == info.URL {
			tab.Title = info.Title
			r.tabs[id] = tab
			return TabEvent{}, false
		}
		tab.URL = info.URL
		tab.Title = info.Title
		r.tabs[id] = tab
		return TabEvent{Kind: TabNavigated, Tab: tab}, true
	}

	r.next++
	tab := TabInfo{
		ID:       r.next,
		TargetID: info.TargetID,
		URL:      info.URL,
		Title:    info.Title,
	}
	if info.OpenerID != "" {
		tab.OpenerID = r.byTarget[info.OpenerID]
	}
	r.byTarget[info.TargetID] = tab.ID
	r.tabs[tab.ID] = tab
	return TabEvent{Kind: TabCreated, Tab: tab}, true
}

// Remove forgets a destroyed target.
func (r *Registry) Remove(id target.ID) (TabEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tabID, ok := r.byTarget[id]
	if !ok {
		return TabEvent{}, false
	}
	tab := r.tabs[tabID]
	delete(r.byTarget, id)
	delete(r.tabs, tabID)
	return TabEvent{Kind: TabClosed, Tab: tab}, true
}

// Lookup returns the tab registered under id.
func (r *Registry) Lookup(id int) (TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tab, ok := r.tabs[id]
	return tab, ok
}

// List returns all open tabs ordered by ID.
func (r *Registry) List() []TabInfo {
	r.mu.RLock()
	out := make([]TabInfo, 0, len(r.tabs))
	for _, tab := range r.tabs {
		out = append(out, tab)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
