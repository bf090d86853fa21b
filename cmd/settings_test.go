// File: cmd/settings_test.go
package cmd

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/autotap/api/schemas"
	"github.com/xkilldash9x/autotap/internal/settings"
)

func TestSettingsCommands(t *testing.T) {
	// One file for the whole test; execute leaves a pinned path alone.
	t.Setenv("AUTOTAP_STORE_PATH", filepath.Join(t.TempDir(), "settings.json"))
	run := func(args ...string) (string, error) {
		return execute(t, args...)
	}

	out, err := run("settings", "get", "email")
	require.NoError(t, err)
	assert.Equal(t, "<unset>\n", out)

	_, err = run("settings", "set", "email", "me@example.com")
	require.NoError(t, err)
	out, err = run("settings", "set", "password", " hunter2 ")
	require.NoError(t, err)
	assert.Equal(t, "password updated.\n", out)
	_, err = run("settings", "set", "AUTO_START", "1")
	require.NoError(t, err)

	out, err = run("settings", "get", "password")
	require.NoError(t, err)
	assert.Equal(t, "********\n", out)

	out, err = run("settings", "get", "password", "--reveal")
	require.NoError(t, err)
	assert.Equal(t, " hunter2 \n", out)

	out, err = run("settings", "get")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, len(settings.Keys()))
	assert.Contains(t, lines, "email=me@example.com")
	assert.Contains(t, lines, "auto_start=true")
	assert.Contains(t, lines, "password=********")
	assert.Contains(t, lines, "webhook_url=<unset>")
}

func TestSettingsRejectsBadInput(t *testing.T) {
	_, err := execute(t, "settings", "get", "favourite_colour")
	require.Error(t, err)
	assert.ErrorIs(t, err, settings.ErrUnknownKey)

	_, err = execute(t, "settings", "set", "auto_login", "maybe")
	require.Error(t, err)
	assert.Equal(t, schemas.ErrorTypeInvalidArgument, schemas.ErrorTypeOf(err))

	_, err = execute(t, "settings", "set", "email")
	assert.Error(t, err, "set needs a value")
}

func TestNormalizeSetting(t *testing.T) {
	tests := []struct {
		key     settings.Key
		in      string
		want    string
		wantErr bool
	}{
		{settings.KeyAutoStart, "TRUE", "true", false},
		{settings.KeyAutoLogin, "0", "false", false},
		{settings.KeyAutoLogin, "yes", "", true},
		{settings.KeyLoginMethod, " Google ", "google", false},
		{settings.KeyLoginMethod, "myspace", "", true},
		{settings.KeyMinRerunDelayHour, "0.5", "0.5", false},
		{settings.KeyMinRerunDelayHour, "-1", "", true},
		{settings.KeyMinRerunDelayHour, "soon", "", true},
		{settings.KeyLastRunFinishedAt, "2024-05-01T10:00:00+02:00", "2024-05-01T08:00:00Z", false},
		{settings.KeyLastRunFinishedAt, "", "", false},
		{settings.KeyLastRunFinishedAt, "yesterday", "", true},
		{settings.KeyWebhookURL, " https://hooks.example.com/x ", "https://hooks.example.com/x", false},
		{settings.KeyPassword, " pw ", " pw ", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.key)+"/"+tt.in, func(t *testing.T) {
			got, err := normalizeSetting(tt.key, tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, schemas.ErrorTypeInvalidArgument, schemas.ErrorTypeOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
