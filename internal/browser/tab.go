// internal/browser/tab.go
package browser

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/api/schemas"
)

// ErrElementNotFound is returned when a selector matches nothing on the page.
var ErrElementNotFound = errors.New("element not found")

// -- Embedded page scripts --

//go:embed scripts/exists.js
var existsScript string

//go:embed scripts/click.js
var clickScript string

//go:embed scripts/fill.js
var fillScript string

//go:embed scripts/click_control.js
var clickControlScript string

//go:embed scripts/auth_frame.js
var authFrameScript string

// Tab drives a single page target through its own chromedp context.
type Tab struct {
	id     int
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// ID returns the registry ID of the tab.
func (t *Tab) ID() int { return t.id }

// Exists reports whether selector matches a visible element.
func (t *Tab) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	if err := t.call(ctx, existsScript, selector, &found); err != nil {
		return false, err
	}
	return found, nil
}

// Click scrolls the first element matching selector into view and clicks it.
func (t *Tab) Click(ctx context.Context, selector string) error {
	var clicked bool
	if err := t.call(ctx, clickScript, selector, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("click %q: %w", selector, ErrElementNotFound)
	}
	return nil
}

// Fill sets the value of an input and fires the events frameworks listen for.
func (t *Tab) Fill(ctx context.Context, selector, value string) error {
	args := map[string]string{"selector": selector, "value": value}
	var filled bool
	if err := t.call(ctx, fillScript, args, &filled); err != nil {
		return err
	}
	if !filled {
		return fmt.Errorf("fill %q: %w", selector, ErrElementNotFound)
	}
	return nil
}

// ClickControl finds a control by element ID (falling back to visible text) or by text alone,
// scrolls it into view, waits scrollDelay and clicks it. It reports false when nothing matched.
func (t *Tab) ClickControl(ctx context.Context, value string, by schemas.SearchType, scrollDelay time.Duration) (bool, error) {
	args := map[string]interface{}{
		"value":         value,
		"searchType":    string(by),
		"scrollDelayMs": scrollDelay.Milliseconds(),
	}
	var clicked bool
	if err := t.call(ctx, clickControlScript, args, &clicked); err != nil {
		return false, err
	}
	return clicked, nil
}

// Location returns the current URL of the tab.
func (t *Tab) Location(ctx context.Context) (string, error) {
	var loc string
	if err := t.run(ctx, chromedp.Location(&loc)); err != nil {
		return "", err
	}
	return loc, nil
}

// FrameAttached reports whether any iframe on the page points at one of the host/path patterns.
func (t *Tab) FrameAttached(ctx context.Context, patterns []string) (bool, error) {
	var attached bool
	if err := t.call(ctx, authFrameScript, patterns, &attached); err != nil {
		return false, err
	}
	return attached, nil
}

// Navigate loads url in the tab.
func (t *Tab) Navigate(ctx context.Context, url string) error {
	return t.run(ctx, chromedp.Navigate(url))
}

// call invokes an embedded function expression with a single JSON encoded argument.
func (t *Tab) call(ctx context.Context, fn string, arg interface{}, res interface{}) error {
	encoded, err := json.Marshal(arg)
	if err != nil {
		return fmt.Errorf("failed to encode script argument: %w", err)
	}
	script := fmt.Sprintf("(%s)(%s)", fn, encoded)
	return t.run(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithReturnByValue(true).WithAwaitPromise(true).WithSilent(true)
	}))
}

// run executes actions on the tab, bounded by both the caller's context and the tab's lifetime.
// Cancelling the derived context never closes the target itself.
func (t *Tab) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("tab %d: %w", t.id, err)
	}
	return nil
}
