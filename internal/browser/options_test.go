// internal/browser/options_test.go
package browser

import (
	"testing"

	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/autotap/internal/config"
)

func TestAllocatorOptions(t *testing.T) {
	base := len(AllocatorOptions(config.BrowserConfig{}))

	t.Run("extends chromedp defaults", func(t *testing.T) {
		assert.Greater(t, base, len(chromedp.DefaultExecAllocatorOptions))
	})

	t.Run("custom args", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Args: []string{"--lang=de-DE", "mute-audio"}})
		assert.Len(t, opts, base+2)
	})

	t.Run("optional settings only when set", func(t *testing.T) {
		full := AllocatorOptions(config.BrowserConfig{
			ExecPath:    "/opt/chromium/chrome",
			UserDataDir: "/tmp/autotap-profile",
			Viewport:    map[string]int{"width": 1280, "height": 900},
		})
		assert.Len(t, full, base+3)
	})

	t.Run("partial viewport ignored", func(t *testing.T) {
		opts := AllocatorOptions(config.BrowserConfig{Viewport: map[string]int{"width": 1280}})
		assert.Len(t, opts, base)
	})
}
