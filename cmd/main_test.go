// File: cmd/main_test.go
package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autotap/internal/config"
	"github.com/xkilldash9x/autotap/internal/observability"
)

// resetForTest provides the single source of truth for resetting test state.
func resetForTest(t *testing.T) {
	t.Helper()

	cfgFile = ""
	osExit = os.Exit
	original := launchBrowser
	t.Cleanup(func() { launchBrowser = original })

	// The first initialization wins, so the commands under test stay silent.
	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})
	t.Cleanup(observability.ResetForTest)

	// Keep the developer's real settings file out of reach unless the test pinned one.
	if os.Getenv("AUTOTAP_STORE_PATH") == "" {
		t.Setenv("AUTOTAP_STORE_PATH", filepath.Join(t.TempDir(), "settings.json"))
	}
}

// execute runs a pristine root command with args and returns its combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)

	root := newRootCmd()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

// createTempConfig writes content to a config file that is removed after the test.
func createTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
