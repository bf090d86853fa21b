// internal/control/server_test.go
package control

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
)

// fakeTab stands in for a content context.
type fakeTab struct {
	mu       sync.Mutex
	running  bool
	received []schemas.Action
}

func (f *fakeTab) handle(_ context.Context, env channel.Envelope, respond channel.Responder) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, env.Message.Action())
	switch env.Message.(type) {
	case schemas.StartScript:
		if f.running {
			respond(schemas.FailWith(schemas.ErrorTypeAlreadyRunning, "a run is already active"))
			return false
		}
		f.running = true
		respond(schemas.OK(nil))
	case schemas.StopScript:
		f.running = false
		respond(schemas.OK(nil))
	case schemas.GetScriptStatus:
		respond(schemas.OK(schemas.ScriptStatusData{IsRunning: f.running}))
	}
	return false
}

func (f *fakeTab) actions() []schemas.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]schemas.Action(nil), f.received...)
}

func setup(t *testing.T) (*httptest.Server, *channel.Bus, *fakeTab) {
	t.Helper()
	bus := channel.NewBus(zaptest.NewLogger(t), channel.WithTimeout(time.Second))
	tab := &fakeTab{}
	bus.OnMessage(channel.Tab(4), tab.handle)
	bus.OnMessage(channel.Background, func(_ context.Context, env channel.Envelope, respond channel.Responder) bool {
		if _, ok := env.Message.(schemas.GetCredentials); ok {
			respond(schemas.OK(schemas.Credentials{Method: schemas.LoginEmail, Email: "a@b.c", Password: "secret", AutoLogin: true}))
		}
		return false
	})

	s := NewServer(config.ControlConfig{Timeout: time.Second}, bus, observability.NewMetrics(), zaptest.NewLogger(t))
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(func() {
		srv.Close()
		bus.Close()
	})
	return srv, bus, tab
}

func decode(t *testing.T, resp *http.Response) schemas.Response {
	t.Helper()
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out schemas.Response
	require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	return out
}

func TestScriptRoutes(t *testing.T) {
	srv, _, tab := setup(t)

	resp, err := http.Post(srv.URL+"/api/v1/script/start", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decode(t, resp).Success)

	resp, err = http.Post(srv.URL+"/api/v1/script/start?tab=4", "", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decode(t, resp)
	assert.False(t, body.Success)
	assert.Equal(t, schemas.ErrorTypeAlreadyRunning, body.ErrorType)

	resp, err = http.Get(srv.URL + "/api/v1/script/status")
	require.NoError(t, err)
	var status schemas.ScriptStatusData
	require.NoError(t, DecodeData(decode(t, resp), &status))
	assert.True(t, status.IsRunning)

	resp, err = http.Post(srv.URL+"/api/v1/script/stop", "", nil)
	require.NoError(t, err)
	assert.True(t, decode(t, resp).Success)

	assert.Equal(t, []schemas.Action{
		schemas.ActionStartScript, schemas.ActionStartScript, schemas.ActionGetScriptStatus, schemas.ActionStopScript,
	}, tab.actions())
}

func TestTargetSelection(t *testing.T) {
	srv, _, _ := setup(t)

	t.Run("unattached tab", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/v1/script/start?tab=99", "", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, schemas.ErrorTypeChannelUnavailable, decode(t, resp).ErrorType)
	})

	t.Run("malformed tab", func(t *testing.T) {
		resp, err := http.Post(srv.URL+"/api/v1/script/start?tab=first", "", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, schemas.ErrorTypeInvalidArgument, decode(t, resp).ErrorType)
	})
}

func TestNoTabsAttached(t *testing.T) {
	bus := channel.NewBus(zaptest.NewLogger(t))
	t.Cleanup(bus.Close)
	srv := httptest.NewServer(NewServer(config.ControlConfig{}, bus, nil, zaptest.NewLogger(t)).Routes())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/v1/script/status")
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "no registry, no metrics route")
}

func TestMessagesRoute(t *testing.T) {
	srv, _, tab := setup(t)
	post := func(body string) *http.Response {
		resp, err := http.Post(srv.URL+"/api/v1/messages", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		return resp
	}

	t.Run("tab message", func(t *testing.T) {
		resp := post(`{"action":"getScriptStatus"}`)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, decode(t, resp).Success)
		assert.Contains(t, tab.actions(), schemas.ActionGetScriptStatus)
	})

	t.Run("background message has its password redacted", func(t *testing.T) {
		resp := post(`{"action":"getCredentials"}`)
		body := decode(t, resp)
		require.True(t, body.Success)
		var creds schemas.Credentials
		require.NoError(t, DecodeData(body, &creds))
		assert.Equal(t, "a@b.c", creds.Email)
		assert.Equal(t, "********", creds.Password)
	})

	t.Run("unknown action", func(t *testing.T) {
		resp := post(`{"action":"selfDestruct"}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, schemas.ErrorTypeUnknownAction, decode(t, resp).ErrorType)
	})

	t.Run("malformed body", func(t *testing.T) {
		resp := post(`{"action":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, schemas.ErrorTypeInvalidMessage, decode(t, resp).ErrorType)
	})

	t.Run("no claimant", func(t *testing.T) {
		resp := post(`{"action":"authPopupDetected","tabId":5,"tabUrl":"https://accounts.google.com"}`)
		assert.Equal(t, schemas.ErrorTypeUnknownAction, decode(t, resp).ErrorType)
	})
}

func TestEventStream(t *testing.T) {
	srv, bus, _ := setup(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Listening(channel.Popup) }, time.Second, 5*time.Millisecond)
	bus.Broadcast(channel.Tab(4), schemas.ScriptStatusChanged{IsRunning: true})
	bus.Broadcast(channel.Tab(4), schemas.StartScript{})
	bus.Broadcast(channel.Tab(4), schemas.ScriptStatusChanged{IsRunning: false})

	var got []bool
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for len(got) < 2 {
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := schemas.DecodeMessage(payload)
		require.NoError(t, err)
		status, ok := msg.(schemas.ScriptStatusChanged)
		require.True(t, ok, "only status changes are streamed")
		got = append(got, status.IsRunning)
	}
	assert.Equal(t, []bool{true, false}, got)
}

func TestMetricsRoute(t *testing.T) {
	srv, _, _ := setup(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, bytes.Contains(raw, []byte("autotap_runs_started_total")))
}

func TestClient(t *testing.T) {
	srv, _, tab := setup(t)
	c := NewClient(srv.URL, time.Second, zaptest.NewLogger(t))
	ctx := context.Background()

	resp, err := c.Start(ctx, 4)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	status, err := c.Status(ctx, 0)
	require.NoError(t, err)
	assert.True(t, status.IsRunning)

	resp, err = c.Send(ctx, 4, schemas.StopScript{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, schemas.ActionStopScript, tab.actions()[len(tab.actions())-1])

	_, err = c.Status(ctx, 77)
	require.Error(t, err)
	assert.Equal(t, schemas.ErrorTypeChannelUnavailable, schemas.ErrorTypeOf(err))
}

func TestClientUnreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1", 200*time.Millisecond, nil)
	_, err := c.Start(context.Background(), 0)
	assert.Error(t, err)
}
