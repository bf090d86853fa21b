// internal/tabwatch/classifier_test.go
package tabwatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var defaultProviders = []string{
	"accounts.google.com",
	"facebook.com/login",
	"facebook.com/dialog/oauth",
	"facebook.com/v",
	"appleid.apple.com",
}

func TestClassify(t *testing.T) {
	c, err := NewClassifier("app.example.com", defaultProviders)
	require.NoError(t, err)

	cases := []struct {
		url  string
		want Match
	}{
		{"https://app.example.com/feed", MatchMonitored},
		{"https://www.example.com/", MatchMonitored},
		{"http://example.com", MatchMonitored},
		{"https://example.co.uk/", MatchNone},
		{"https://notexample.com/", MatchNone},
		{"https://accounts.google.com/o/oauth2/v2/auth?client_id=1", MatchAuthProvider},
		{"https://ACCOUNTS.google.com/signin", MatchAuthProvider},
		{"https://www.facebook.com/login.php?skip_api_login=1", MatchAuthProvider},
		{"https://m.facebook.com/dialog/oauth?app_id=1", MatchAuthProvider},
		{"https://www.facebook.com/v19.0/dialog/oauth", MatchAuthProvider},
		{"https://www.facebook.com/some.page", MatchNone},
		{"https://appleid.apple.com/auth/authorize", MatchAuthProvider},
		{"https://www.apple.com/", MatchNone},
		{"about:blank", MatchNone},
		{"chrome://newtab/", MatchNone},
		{"::not a url", MatchNone},
	}
	for _, tc := range cases {
		t.Run(tc.url, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Classify(tc.url))
		})
	}
}

func TestNewClassifier(t *testing.T) {
	c, err := NewClassifier("https://App.Example.com/home", []string{" https://AppleID.apple.com ", ""})
	require.NoError(t, err)
	assert.Equal(t, []string{"appleid.apple.com"}, c.ProviderPatterns())
	assert.True(t, c.IsMonitored("https://example.com/x"))
	assert.True(t, c.IsAuthProvider("https://appleid.apple.com/auth"))

	_, err = NewClassifier("", nil)
	assert.Error(t, err)
	_, err = NewClassifier("com", nil)
	assert.Error(t, err, "a bare public suffix is not a site")
}
