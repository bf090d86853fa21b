// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/background"
	"github.com/xkilldash9x/autotap/internal/browser"
	"github.com/xkilldash9x/autotap/internal/channel"
	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/control"
	"github.com/xkilldash9x/autotap/internal/observability"
	"github.com/xkilldash9x/autotap/internal/runloop"
	"github.com/xkilldash9x/autotap/internal/settings"
	"github.com/xkilldash9x/autotap/internal/tabwatch"
	"github.com/xkilldash9x/autotap/internal/webhook"
)

// launchBrowser is swapped in tests.
var launchBrowser = browser.Launch

var errBrowserClosed = errors.New("browser closed")

// newRunCmd creates the `run` command, the long-lived daemon.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launches the browser and serves the control API until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			logger := observability.GetLogger()
			logger.Info("Starting autotap daemon.", zap.String("version", Version))
			return runDaemon(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().Bool("headless", false, "run Chromium without a window (overrides browser.headless)")
	cmd.Flags().String("start-url", "", "page to open in the first tab (overrides browser.start_url)")
	cmd.Flags().String("store", "", "settings backend: file, postgres or memory (overrides store.driver)")
	return cmd
}

// components holds everything the daemon owns, in start order.
type components struct {
	store   settings.Store
	host    *browser.Host
	bus     *channel.Bus
	manager *runloop.Manager
	watcher *tabwatch.Watcher
	server  *control.Server
	metrics *observability.Metrics
	logger  *zap.Logger
}

// initializeComponents wires the background, content and control contexts together.
// On error, everything already started has been released.
func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *components, err error) {
	c := &components{metrics: observability.NewMetrics(), logger: logger}
	defer func() {
		if err != nil {
			c.Shutdown()
		}
	}()

	classifier, err := tabwatch.NewClassifier(cfg.Site.MonitoredDomain, cfg.Site.AuthProviderDomains)
	if err != nil {
		return nil, fmt.Errorf("invalid site configuration: %w", err)
	}

	if c.store, err = settings.Open(ctx, cfg.Store, logger.Named("settings")); err != nil {
		return nil, fmt.Errorf("failed to open settings store: %w", err)
	}

	if c.host, err = launchBrowser(ctx, cfg.Browser, logger); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	c.bus = channel.NewBus(logger, channel.WithObserver(func(action schemas.Action, resp schemas.Response) {
		c.metrics.MessagesHandled.WithLabelValues(string(action), strconv.FormatBool(resp.Success)).Inc()
	}))
	background.New(c.store, c.host, classifier, cfg.Auth, c.metrics, logger).Register(c.bus)

	host := c.host
	c.manager = runloop.NewManager(runloop.ManagerDeps{
		Open:       func(id int) (runloop.ContentPage, error) { return host.Tab(id) },
		Popups:     host,
		Locator:    host,
		Bus:        c.bus,
		Classifier: classifier,
		Delivery:   webhook.New(cfg.Webhook, c.store, logger),
		Store:      c.store,
		Config:     cfg,
		Metrics:    c.metrics,
		Logger:     logger,
	})
	c.watcher = tabwatch.New(host, classifier, c.manager, c.bus, c.metrics, logger)
	c.server = control.NewServer(cfg.Control, c.bus, c.metrics, logger)
	return c, nil
}

// Shutdown releases components in reverse start order. Nil members are skipped.
func (c *components) Shutdown() {
	if c.manager != nil {
		c.manager.Close()
	}
	if c.host != nil {
		c.host.Close()
	}
	if c.bus != nil {
		c.bus.Close()
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.logger.Warn("Failed to close settings store.", zap.Error(err))
		}
	}
}

// runDaemon blocks until ctx is done or a supervised task fails.
func runDaemon(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	c, err := initializeComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer c.Shutdown()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.watcher.Run(gctx); err != nil || gctx.Err() != nil {
			return err
		}
		// The browser went away under us; nothing left to automate.
		return errBrowserClosed
	})
	g.Go(func() error { return c.server.Run(gctx) })
	g.Go(func() error { return c.manager.RunSchedule(gctx, cfg.AutoStart.Schedule) })

	err = g.Wait()
	if errors.Is(err, errBrowserClosed) {
		logger.Info("Browser closed; shutting down.")
		return nil
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("Daemon stopped on error.", zap.Error(err))
		return err
	}
	logger.Info("Daemon shut down gracefully.")
	return nil
}
