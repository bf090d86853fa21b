// internal/background/handlers_test.go
package background

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/browser"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/settings"
	"github.com/xkilldash9x/autotap/internal/tabwatch"
)

type fakePages struct {
	mu       sync.Mutex
	tabs     []browser.TabInfo
	calls    int
	appearAt int // attempt on which the control shows up; 0 means never
	err      error
}

func (f *fakePages) Tabs() []browser.TabInfo { return f.tabs }

func (f *fakePages) ClickControl(_ context.Context, _ int, _ string, _ schemas.SearchType, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.appearAt > 0 && f.calls >= f.appearAt, nil
}

func (f *fakePages) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testAuth() config.AuthConfig {
	return config.AuthConfig{ClickRetries: 8, ClickInterval: 5 * time.Millisecond}
}

func setup(t *testing.T, pages *fakePages, store settings.Store) (*channel.Bus, *observability.Metrics) {
	t.Helper()
	c, err := tabwatch.NewClassifier("example.com", []string{"accounts.google.com", "facebook.com/dialog/oauth"})
	require.NoError(t, err)
	if store == nil {
		store = settings.NewMemoryStore(nil)
	}
	m := observability.NewMetrics()
	bus := channel.NewBus(zaptest.NewLogger(t))
	t.Cleanup(bus.Close)
	New(store, pages, c, testAuth(), m, zaptest.NewLogger(t)).Register(bus)
	return bus, m
}

func send(bus *channel.Bus, msg schemas.Message) schemas.Response {
	return bus.Send(context.Background(), channel.Tab(1), channel.Background, msg)
}

func TestGetCredentials(t *testing.T) {
	store := settings.NewMemoryStore(map[settings.Key]string{
		settings.KeyLoginMethod: "google",
		settings.KeyAutoLogin:   "true",
	})
	bus, _ := setup(t, &fakePages{}, store)

	resp := send(bus, schemas.GetCredentials{})
	require.True(t, resp.Success, resp.Error)
	creds, ok := schemas.DataAs[schemas.Credentials](resp)
	require.True(t, ok)
	assert.Equal(t, schemas.LoginGoogle, creds.Method)
	assert.True(t, creds.AutoLogin)
}

func TestGetCredentialsStoreError(t *testing.T) {
	store := settings.NewMemoryStore(map[settings.Key]string{settings.KeyAutoLogin: "maybe"})
	bus, _ := setup(t, &fakePages{}, store)

	resp := send(bus, schemas.GetCredentials{})
	assert.False(t, resp.Success)
	assert.NotEmpty(t, resp.Error)
}

func TestFindAuthTab(t *testing.T) {
	pages := &fakePages{tabs: []browser.TabInfo{
		{ID: 1, URL: "https://example.com/"},
		{ID: 5, URL: "https://www.facebook.com/dialog/oauth?app_id=1"},
		{ID: 7, URL: "https://accounts.google.com/signin"},
	}}
	bus, _ := setup(t, pages, nil)

	t.Run("newest provider tab wins", func(t *testing.T) {
		data, ok := schemas.DataAs[schemas.FindAuthTabData](send(bus, schemas.FindAuthTab{}))
		require.True(t, ok)
		require.NotNil(t, data.TabID)
		assert.Equal(t, 7, *data.TabID)
	})

	t.Run("url hint narrows", func(t *testing.T) {
		data, ok := schemas.DataAs[schemas.FindAuthTabData](send(bus, schemas.FindAuthTab{URL: "facebook.com"}))
		require.True(t, ok)
		require.NotNil(t, data.TabID)
		assert.Equal(t, 5, *data.TabID)
	})

	t.Run("no match is success with null tab", func(t *testing.T) {
		resp := send(bus, schemas.FindAuthTab{URL: "appleid.apple.com"})
		require.True(t, resp.Success)
		data, ok := schemas.DataAs[schemas.FindAuthTabData](resp)
		require.True(t, ok)
		assert.Nil(t, data.TabID)
	})
}

func TestClickControlInTab(t *testing.T) {
	t.Run("clicks once the control appears", func(t *testing.T) {
		pages := &fakePages{appearAt: 3}
		bus, m := setup(t, pages, nil)

		resp := send(bus, schemas.ClickControlInTab{TabID: 9, ControlValue: "Continue", SearchType: schemas.SearchByText, MaxRetries: 8})
		assert.True(t, resp.Success, resp.Error)
		assert.Equal(t, 3, pages.Calls())
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlClicks.WithLabelValues("clicked")))
	})

	t.Run("never appears resolves as not found", func(t *testing.T) {
		pages := &fakePages{}
		bus, m := setup(t, pages, nil)

		resp := send(bus, schemas.ClickControlInTab{TabID: 9, ControlValue: "confirm", SearchType: schemas.SearchByID})
		assert.False(t, resp.Success)
		assert.Equal(t, schemas.ErrorTypeButtonNotFound, resp.ErrorType)
		assert.Equal(t, 8, pages.Calls(), "zero maxRetries falls back to the configured retry count")
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlClicks.WithLabelValues("not_found")))
	})

	t.Run("transport failures exhaust as not found", func(t *testing.T) {
		pages := &fakePages{err: errors.New("tab 9: target closed")}
		bus, _ := setup(t, pages, nil)

		resp := send(bus, schemas.ClickControlInTab{TabID: 9, ControlValue: "x", MaxRetries: 2})
		assert.False(t, resp.Success)
		assert.Equal(t, schemas.ErrorTypeButtonNotFound, resp.ErrorType)
		assert.Equal(t, 2, pages.Calls())
	})

	t.Run("caller cancellation", func(t *testing.T) {
		pages := &fakePages{}
		bus, m := setup(t, pages, nil)
		ctx, cancel := context.WithTimeout(context.Background(), 12*time.Millisecond)
		defer cancel()

		resp := bus.Send(ctx, channel.Tab(1), channel.Background, schemas.ClickControlInTab{TabID: 9, ControlValue: "x", MaxRetries: 1000})
		assert.False(t, resp.Success)
		assert.Eventually(t, func() bool {
			done := testutil.ToFloat64(m.ControlClicks.WithLabelValues("error")) +
				testutil.ToFloat64(m.ControlClicks.WithLabelValues("not_found"))
			return done == 1
		}, time.Second, 5*time.Millisecond, "the click loop stops with the request")
		assert.Less(t, pages.Calls(), 10)
	})
}

func TestUnrelatedActionIsUnknown(t *testing.T) {
	bus, _ := setup(t, &fakePages{}, nil)
	resp := send(bus, schemas.StartScript{})
	assert.False(t, resp.Success)
	assert.Equal(t, schemas.ErrorTypeUnknownAction, resp.ErrorType)
}
