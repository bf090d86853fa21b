// internal/background/handlers.go
package background

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/browser"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/poll"
	"github.com/xkilldash9x/autotap/internal/settings"
	"github.com/xkilldash9x/autotap/internal/tabwatch"
)

// ErrControlNotFound marks a clickControlInTab request whose control never appeared.
var ErrControlNotFound = schemas.NewTypedError(schemas.ErrorTypeButtonNotFound, errors.New("control not found"))

// errNotYet makes a missed attempt retryable without logging it as a failure.
var errNotYet = errors.New("control not present yet")

// Pages is the slice of the browser host the background handlers act on.
type Pages interface {
	Tabs() []browser.TabInfo
	ClickControl(ctx context.Context, tabID int, value string, by schemas.SearchType, scrollDelay time.Duration) (bool, error)
}

// Handlers serves the privileged requests content contexts send to the background.
type Handlers struct {
	store      settings.Store
	pages      Pages
	classifier *tabwatch.Classifier
	auth       config.AuthConfig
	metrics    *observability.Metrics
	logger     *zap.Logger
}

// New builds the background handlers. metrics may be nil.
func New(store settings.Store, pages Pages, classifier *tabwatch.Classifier, auth config.AuthConfig, metrics *observability.Metrics, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:      store,
		pages:      pages,
		classifier: classifier,
		auth:       auth,
		metrics:    metrics,
		logger:     logger.Named("background"),
	}
}

// Register attaches the handlers to the background address.
func (h *Handlers) Register(bus *channel.Bus) (unregister func()) {
	return bus.OnMessage(channel.Background, h.Handle)
}

// Handle is the channel.Handler for the background context.
func (h *Handlers) Handle(ctx context.Context, env channel.Envelope, respond channel.Responder) bool {
	switch msg := env.Message.(type) {
	case schemas.GetCredentials:
		respond(h.getCredentials(ctx))
		return false
	case schemas.FindAuthTab:
		respond(h.findAuthTab(msg))
		return false
	case schemas.ClickControlInTab:
		go func() { respond(h.clickControlInTab(ctx, msg)) }()
		return true
	}
	// Not ours; the bus answers UnknownAction if nobody else claims it.
	return false
}

func (h *Handlers) getCredentials(ctx context.Context) schemas.Response {
	creds, err := settings.Credentials(ctx, h.store)
	if err != nil {
		h.logger.Error("Failed to read credentials.", zap.Error(err))
		return schemas.Fail(err)
	}
	h.logger.Debug("Credentials served.", zap.String("login_method", string(creds.Method)), zap.Bool("auto_login", creds.AutoLogin))
	return schemas.OK(creds)
}

// findAuthTab returns the newest open tab hosted by an auth provider. A URL hint narrows the
// match to tabs whose URL contains it.
func (h *Handlers) findAuthTab(msg schemas.FindAuthTab) schemas.Response {
	tabs := h.pages.Tabs()
	for i := len(tabs) - 1; i >= 0; i-- {
		t := tabs[i]
		if !h.classifier.IsAuthProvider(t.URL) {
			continue
		}
		if msg.URL != "" && !strings.Contains(t.URL, msg.URL) {
			continue
		}
		id := t.ID
		return schemas.OK(schemas.FindAuthTabData{TabID: &id})
	}
	return schemas.OK(schemas.FindAuthTabData{})
}

// clickControlInTab polls the target tab until the control is clicked or retries run out.
// Running out is a failed response, never a transport error, so callers can carry on.
func (h *Handlers) clickControlInTab(ctx context.Context, msg schemas.ClickControlInTab) schemas.Response {
	retries := msg.MaxRetries
	if retries <= 0 {
		retries = h.auth.ClickRetries
	}
	by := msg.SearchType
	if by == "" {
		by = schemas.SearchByText
	}
	log := h.logger.With(zap.Int("tab_id", msg.TabID), zap.String("control", msg.ControlValue), zap.String("search_type", string(by)))

	err := poll.Attempts(ctx, retries, h.auth.ClickInterval, func(ctx context.Context, attempt int) error {
		clicked, err := h.pages.ClickControl(ctx, msg.TabID, msg.ControlValue, by, h.auth.ClickScrollDelay)
		if err != nil {
			log.Debug("Click attempt failed.", zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		if !clicked {
			return errNotYet
		}
		return nil
	})

	switch {
	case err == nil:
		h.countClick("clicked")
		log.Info("Control clicked.")
		return schemas.OK(nil)
	case errors.Is(err, poll.ErrExhausted):
		h.countClick("not_found")
		log.Warn("Control not found after retries.", zap.Int("retries", retries))
		return schemas.Fail(fmt.Errorf("%w: %q in tab %d after %d attempts",
			ErrControlNotFound, msg.ControlValue, msg.TabID, retries))
	default:
		h.countClick("error")
		return schemas.Fail(schemas.NewTypedError(schemas.ErrorTypeTransport, err))
	}
}

func (h *Handlers) countClick(outcome string) {
	if h.metrics != nil {
		h.metrics.ControlClicks.WithLabelValues(outcome).Inc()
	}
}
