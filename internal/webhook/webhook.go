// internal/webhook/webhook.go
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/settings"
)

// Sender posts end-of-run statistics to the webhook URL held in the settings store.
type Sender struct {
	client  *retryablehttp.Client
	store   settings.Store
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New builds a Sender with bounded retry. The URL is looked up on every Send so
// changes made through the settings CLI apply without a restart.
func New(cfg config.WebhookConfig, store settings.Store, logger *zap.Logger) *Sender {
	logger = logger.Named("webhook")

	client := retryablehttp.NewClient()
	client.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		client.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		client.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		client.HTTPClient.Timeout = cfg.Timeout
	}
	client.Logger = zapLeveled{logger.Sugar()}
	client.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			logger.Debug("Retrying statistics delivery", zap.String("url", req.URL.Redacted()), zap.Int("attempt", attempt))
		}
	}
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	s := &Sender{client: client, store: store, logger: logger}
	if cfg.RatePerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/cfg.RatePerMinute)), 1)
	}
	return s
}

// Send delivers p as JSON. An unset webhook URL skips delivery and returns nil.
func (s *Sender) Send(ctx context.Context, p schemas.StatsPayload) error {
	url, _, err := s.store.Get(ctx, settings.KeyWebhookURL)
	if err != nil {
		return fmt.Errorf("failed to read webhook url: %w", err)
	}
	if url == "" {
		s.logger.Info("Webhook URL not configured; skipping statistics delivery", zap.String("run_id", p.RunID))
		return nil
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("delivery rate limit: %w", err)
		}
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode statistics: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "autotap")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook delivery failed: status %d", resp.StatusCode)
	}
	s.logger.Info("Statistics delivered", zap.String("run_id", p.RunID), zap.Int("status", resp.StatusCode))
	return nil
}

// zapLeveled adapts a SugaredLogger to retryablehttp.LeveledLogger.
type zapLeveled struct {
	s *zap.SugaredLogger
}

func (z zapLeveled) Error(msg string, kv ...interface{}) { z.s.Warnw(msg, kv...) }
func (z zapLeveled) Info(msg string, kv ...interface{})  { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Debug(msg string, kv ...interface{}) { z.s.Debugw(msg, kv...) }
func (z zapLeveled) Warn(msg string, kv ...interface{})  { z.s.Warnw(msg, kv...) }
