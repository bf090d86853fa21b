// internal/control/client.go
package control

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
)

// Client talks to a running daemon's control API.
type Client struct {
	base string
	http *retryablehttp.Client
}

// NewClient builds a client for addr, a host:port or a full base URL.
func NewClient(addr string, timeout time.Duration, logger *zap.Logger) *Client {
	base := addr
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	c := retryablehttp.NewClient()
	c.RetryMax = 2
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = time.Second
	if timeout > 0 {
		c.HTTPClient.Timeout = timeout
	}
	c.Logger = nil
	if logger != nil {
		c.Logger = zapLeveled{logger.Named("control_client").Sugar()}
	}
	// Only retry when the request never reached the daemon; start is not idempotent.
	c.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return err != nil, nil
	}
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return &Client{base: strings.TrimRight(base, "/"), http: c}
}

// Start asks the tab (0 for the first attached) to begin a run.
func (c *Client) Start(ctx context.Context, tab int) (schemas.Response, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/script/start", tab, nil)
}

// Stop asks the tab to end its run.
func (c *Client) Stop(ctx context.Context, tab int) (schemas.Response, error) {
	return c.do(ctx, http.MethodPost, "/api/v1/script/stop", tab, nil)
}

// Status reports whether the tab is running.
func (c *Client) Status(ctx context.Context, tab int) (schemas.ScriptStatusData, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/script/status", tab, nil)
	if err != nil {
		return schemas.ScriptStatusData{}, err
	}
	if !resp.Success {
		return schemas.ScriptStatusData{}, schemas.NewTypedError(resp.ErrorType, fmt.Errorf("status: %s", resp.Error))
	}
	var data schemas.ScriptStatusData
	if err := DecodeData(resp, &data); err != nil {
		return schemas.ScriptStatusData{}, err
	}
	return data, nil
}

// Send posts an arbitrary script message.
func (c *Client) Send(ctx context.Context, tab int, msg schemas.Message) (schemas.Response, error) {
	body, err := schemas.EncodeMessage(msg)
	if err != nil {
		return schemas.Response{}, err
	}
	return c.do(ctx, http.MethodPost, "/api/v1/messages", tab, body)
}

func (c *Client) do(ctx context.Context, method, path string, tab int, body []byte) (schemas.Response, error) {
	u := c.base + path
	if tab > 0 {
		u += "?" + url.Values{"tab": {strconv.Itoa(tab)}}.Encode()
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return schemas.Response{}, fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return schemas.Response{}, fmt.Errorf("daemon unreachable at %s: %w", c.base, err)
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return schemas.Response{}, fmt.Errorf("failed to read response: %w", err)
	}
	var resp schemas.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return schemas.Response{}, fmt.Errorf("unexpected %d response from daemon: %w", httpResp.StatusCode, err)
	}
	return resp, nil
}

// DecodeData converts a decoded response payload into v.
func DecodeData(resp schemas.Response, v interface{}) error {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("unexpected response payload: %w", err)
	}
	return nil
}

// zapLeveled adapts a SugaredLogger to retryablehttp.LeveledLogger.
type zapLeveled struct {
	s *zap.SugaredLogger
}

func (z zapLeveled) Error(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Info(msg string, kv ...interface{})  { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Debug(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Warn(msg string, kv ...interface{})  { z.s.Debugw(msg, kv...) }
