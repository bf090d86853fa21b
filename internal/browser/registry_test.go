// internal/browser/registry_test.go
package browser

import (
	"testing"

	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func page(id, url string) *target.Info {
	return &target.Info{TargetID: target.ID(id), Type: "page", URL: url}
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()

	ev, ok := r.Observe(page("A", "https://app.example.com/"))
	require.True(t, ok)
	assert.Equal(t, TabCreated, ev.Kind)
	assert.Equal(t, 1, ev.Tab.ID)

	_, ok = r.Observe(page("A", "https://app.example.com/"))
	assert.False(t, ok, "unchanged url is not an event")

	ev, ok = r.Observe(page("A", "https://app.example.com/feed"))
	require.True(t, ok)
	assert.Equal(t, TabNavigated, ev.Kind)
	assert.Equal(t, 1, ev.Tab.ID)

	popup := page("B", "about:blank")
	popup.OpenerID = "A"
	ev, ok = r.Observe(popup)
	require.True(t, ok)
	assert.Equal(t, 2, ev.Tab.ID)
	assert.Equal(t, 1, ev.Tab.OpenerID)

	_, ok = r.Observe(&target.Info{TargetID: "W", Type: "service_worker"})
	assert.False(t, ok)

	assert.Len(t, r.List(), 2)

	ev, ok = r.Remove("B")
	require.True(t, ok)
	assert.Equal(t, TabClosed, ev.Kind)
	assert.Equal(t, 2, ev.Tab.ID)
	_, ok = r.Remove("B")
	assert.False(t, ok)

	_, ok = r.Lookup(2)
	assert.False(t, ok)
	tab, ok := r.Lookup(1)
	require.True(t, ok)
	assert.Equal(t, "https://app.example.com/feed", tab.URL)
}

func TestRegistryIDsAreNotReused(t *testing.T) {
	r := NewRegistry()
	r.Observe(page("A", "about:blank"))
	r.Remove("A")
	ev, _ := r.Observe(page("B", "about:blank"))
	assert.Equal(t, 2, ev.Tab.ID)
}
