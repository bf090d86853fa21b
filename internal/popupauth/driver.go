// internal/popupauth/driver.go
package popupauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/browser"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/poll"
	"github.com/xkilldash9x/autotap/internal/tabwatch"
)

var (
	ErrPopupNotDetected = schemas.NewTypedError(schemas.ErrorTypePopupNotDetected, errors.New("auth popup not detected"))
	ErrButtonNotFound   = schemas.NewTypedError(schemas.ErrorTypeButtonNotFound, errors.New("login control not found"))
	ErrLoginTimeout     = schemas.NewTypedError(schemas.ErrorTypeLoginTimeout, errors.New("login not confirmed before timeout"))
)

// -- Collaborators --

// Page is the monitored tab the login starts from.
type Page interface {
	Exists(ctx context.Context, selector string) (bool, error)
	Click(ctx context.Context, selector string) error
	FrameAttached(ctx context.Context, patterns []string) (bool, error)
}

// Locator reads the live URL of another tab.
type Locator interface {
	Location(ctx context.Context, tabID int) (string, error)
}

// Sender is the request half of the message bus.
type Sender interface {
	Send(ctx context.Context, from, to channel.Address, msg schemas.Message) schemas.Response
}

// Deps wires a Driver to its tab and the background.
type Deps struct {
	TabID      int
	Page       Page
	Popups     browser.PopupWatcher
	Locator    Locator
	Sender     Sender
	Classifier *tabwatch.Classifier
	Site       config.SiteConfig
	Auth       config.AuthConfig
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// Driver runs one federated login at a time for its tab.
type Driver struct {
	Deps
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	signals chan int
}

func NewDriver(d Deps) *Driver {
	return &Driver{
		Deps:   d,
		logger: d.Logger.Named("popupauth").With(zap.Int("tab_id", d.TabID)),
		state:  StateIdle,
	}
}

// discovery is the winning popup signal.
type discovery struct {
	tabID  int
	signal string
}

// Login clicks the provider's login control, finds its popup, walks the consent screens and
// waits for the monitored page to show a signed-in session.
func (d *Driver) Login(ctx context.Context, method schemas.LoginMethod) (err error) {
	if !method.Federated() {
		return fmt.Errorf("login method %q does not use a popup", method)
	}
	d.reset()
	log := d.logger.With(zap.String("login_method", string(method)))
	defer func() {
		if err != nil {
			at := d.State()
			d.fail()
			log.Error("Federated login failed.", zap.Error(err), zap.Stringer("state", at))
		}
	}()

	selector := d.Site.Selector(schemas.LoginButtonRole(method))
	if selector == "" {
		return fmt.Errorf("%w: no selector configured for %s", ErrButtonNotFound, schemas.LoginButtonRole(method))
	}

	var found discovery
	started := time.Now()
	err = browser.WithPopupWatch(d.Popups, d.TabID, func(popups <-chan int) error {
		signals, release := d.listen()
		defer release()

		if err := d.Page.Click(ctx, selector); err != nil {
			return fmt.Errorf("%w: %v", ErrButtonNotFound, err)
		}
		if err := d.advance(StateButtonClicked); err != nil {
			return err
		}
		if err := d.advance(StateAwaitingPopup); err != nil {
			return err
		}

		var err error
		found, err = d.discover(ctx, popups, signals)
		return err
	})
	if err != nil {
		return err
	}
	if d.Metrics != nil {
		d.Metrics.PopupDetection.WithLabelValues(found.signal).Observe(time.Since(started).Seconds())
	}
	log.Info("Auth popup found.", zap.Int("popup_tab_id", found.tabID), zap.String("signal", found.signal))
	if err := d.advance(StatePopupFound); err != nil {
		return err
	}

	if err := d.advance(StateDrivingPopup); err != nil {
		return err
	}
	if err := d.driveSteps(ctx, method, found.tabID); err != nil {
		return err
	}

	d.awaitClosed(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.advance(StatePopupClosed); err != nil {
		return err
	}

	if err := d.awaitLoggedIn(ctx, method); err != nil {
		return err
	}
	log.Info("Federated login confirmed.")
	return d.advance(StateLoginConfirmed)
}

// -- Popup discovery --

// discover races the direct popup handle against the background's broadcast and tab query.
// The first path to resolve cancels the other.
func (d *Driver) discover(ctx context.Context, popups <-chan int, signals <-chan int) (discovery, error) {
	raceCtx, cancel := context.WithTimeout(ctx, d.Auth.PopupTimeout)
	defer cancel()

	var (
		once   sync.Once
		winner discovery
		won    bool
	)
	resolve := func(r discovery) {
		once.Do(func() {
			winner, won = r, true
			cancel()
		})
	}

	g, gctx := errgroup.WithContext(raceCtx)
	g.Go(func() error {
		if r, ok := d.watchDirect(gctx, popups); ok {
			resolve(r)
		}
		return nil
	})
	g.Go(func() error {
		if r, ok := d.watchIndirect(gctx, signals); ok {
			resolve(r)
		}
		return nil
	})
	_ = g.Wait()

	if won {
		return winner, nil
	}
	if err := ctx.Err(); err != nil {
		return discovery{}, err
	}
	return discovery{}, fmt.Errorf("%w within %s", ErrPopupNotDetected, d.Auth.PopupTimeout)
}

// watchDirect follows the popup this tab opened and polls its location until it lands on a
// provider page.
func (d *Driver) watchDirect(ctx context.Context, popups <-chan int) (discovery, bool) {
	var id int
	select {
	case <-ctx.Done():
		return discovery{}, false
	case id = <-popups:
	}
	d.logger.Debug("Popup handle acquired.", zap.Int("popup_tab_id", id))

	err := poll.Until(ctx, d.Auth.PopupPollInterval, d.Auth.PopupTimeout, func(ctx context.Context) (bool, error) {
		loc, err := d.Locator.Location(ctx, id)
		if err != nil {
			// Not attached yet, or mid-navigation.
			d.logger.Debug("Popup location unavailable.", zap.Int("popup_tab_id", id), zap.Error(err))
			return false, nil
		}
		return d.Classifier.IsAuthProvider(loc), nil
	})
	if err != nil {
		return discovery{}, false
	}
	return discovery{tabID: id, signal: "direct"}, true
}

// watchIndirect waits for the tab watcher's broadcast while polling the background for any
// provider tab.
func (d *Driver) watchIndirect(ctx context.Context, signals <-chan int) (discovery, bool) {
	ticker := time.NewTicker(d.Auth.PopupPollInterval)
	defer ticker.Stop()
	for {
		if id, ok := d.queryAuthTab(ctx); ok {
			return discovery{tabID: id, signal: "query"}, true
		}
		select {
		case <-ctx.Done():
			return discovery{}, false
		case id := <-signals:
			return discovery{tabID: id, signal: "broadcast"}, true
		case <-ticker.C:
		}
	}
}

func (d *Driver) queryAuthTab(ctx context.Context) (int, bool) {
	resp := d.Sender.Send(ctx, channel.Tab(d.TabID), channel.Background, schemas.FindAuthTab{})
	if !resp.Success {
		if ctx.Err() == nil {
			d.logger.Debug("findAuthTab failed.", zap.String("error", resp.Error))
		}
		return 0, false
	}
	data, ok := schemas.DataAs[schemas.FindAuthTabData](resp)
	if !ok || data.TabID == nil {
		return 0, false
	}
	return *data.TabID, true
}

// PopupDetected receives the tab watcher's broadcast. It is dropped unless a login is waiting.
func (d *Driver) PopupDetected(tabID int, url string) {
	if !d.Classifier.IsAuthProvider(url) {
		d.logger.Debug("Ignoring popup notice for non-provider url.", zap.String("url", url))
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.signals == nil {
		return
	}
	select {
	case d.signals <- tabID:
	default:
	}
}

// listen opens the broadcast subscription for one discovery.
func (d *Driver) listen() (<-chan int, func()) {
	ch := make(chan int, 1)
	d.mu.Lock()
	d.signals = ch
	d.mu.Unlock()
	return ch, func() {
		d.mu.Lock()
		if d.signals == ch {
			d.signals = nil
		}
		d.mu.Unlock()
	}
}

// -- Consent screens --

// driveSteps clicks through the provider's consent screens in order. A missing control is
// logged and skipped; some accounts never see every screen.
func (d *Driver) driveSteps(ctx context.Context, method schemas.LoginMethod, popupTab int) error {
	for _, step := range d.Auth.Steps[string(method)] {
		if err := poll.Sleep(ctx, step.Delay); err != nil {
			return err
		}
		req := schemas.ClickControlInTab{
			TabID:        popupTab,
			ControlValue: step.Control,
			SearchType:   schemas.SearchType(step.SearchType),
			MaxRetries:   d.Auth.ClickRetries,
		}
		resp := d.Sender.Send(ctx, channel.Tab(d.TabID), channel.Background, req)
		if err := ctx.Err(); err != nil {
			return err
		}
		switch {
		case resp.Success:
			d.logger.Info("Consent step completed.", zap.String("step", step.Name))
		case resp.ErrorType == schemas.ErrorTypeButtonNotFound:
			d.logger.Warn("Consent step control not found; continuing.",
				zap.String("step", step.Name), zap.String("control", step.Control), zap.String("error", resp.Error))
		default:
			d.logger.Warn("Consent step failed; continuing.",
				zap.String("step", step.Name), zap.String("error_type", string(resp.ErrorType)), zap.String("error", resp.Error))
		}
	}
	return nil
}

// awaitClosed waits for provider frames to leave the monitored page. It never fails the login.
func (d *Driver) awaitClosed(ctx context.Context) {
	patterns := d.Classifier.ProviderPatterns()
	err := poll.Until(ctx, d.Auth.ClosePollInterval, d.Auth.CloseTimeout, func(ctx context.Context) (bool, error) {
		attached, err := d.Page.FrameAttached(ctx, patterns)
		if err != nil {
			return false, nil
		}
		return !attached, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		d.logger.Warn("Auth popup still attached after close timeout; continuing.", zap.Duration("timeout", d.Auth.CloseTimeout))
	}
}

func (d *Driver) awaitLoggedIn(ctx context.Context, method schemas.LoginMethod) error {
	selector := d.Site.Selector(schemas.RoleLoggedIn)
	if selector == "" {
		// Without a signed-in marker the page counts as signed in.
		return nil
	}
	timeout := d.Auth.LoginTimeoutFor(method)
	err := poll.Until(ctx, d.Auth.LoginPollInterval, timeout, func(ctx context.Context) (bool, error) {
		ok, err := d.Page.Exists(ctx, selector)
		if err != nil {
			return false, nil
		}
		return ok, nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		return fmt.Errorf("%w after %s", ErrLoginTimeout, timeout)
	}
	return err
}
