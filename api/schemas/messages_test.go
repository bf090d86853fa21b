package schemas

import (
	"errors"
	"fmt"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessage(t *testing.T) {
	t.Run("typed variant by value", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"action":"clickControlInTab","tabId":42,"controlValue":"Continue","searchType":"text","maxRetries":8}`))
		require.NoError(t, err)
		click, ok := msg.(ClickControlInTab)
		require.True(t, ok, "got %T", msg)
		assert.Equal(t, ClickControlInTab{TabID: 42, ControlValue: "Continue", SearchType: SearchByText, MaxRetries: 8}, click)
	})

	t.Run("fieldless variant", func(t *testing.T) {
		msg, err := DecodeMessage([]byte(`{"action":"startScript"}`))
		require.NoError(t, err)
		assert.Equal(t, StartScript{}, msg)
	})

	t.Run("missing action", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{"tabId":1}`))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{"action":`))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})

	t.Run("unknown action", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{"action":"launchRockets"}`))
		require.Error(t, err)
		assert.Equal(t, ErrorTypeUnknownAction, ErrorTypeOf(err))
	})

	t.Run("wrong field type", func(t *testing.T) {
		_, err := DecodeMessage([]byte(`{"action":"authPopupDetected","tabId":"seven"}`))
		assert.ErrorIs(t, err, ErrInvalidMessage)
	})
}

func TestEncodeMessageCarriesAction(t *testing.T) {
	raw, err := EncodeMessage(AuthPopupDetected{TabID: 7, TabURL: "https://accounts.google.com/o/oauth2"})
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Equal(t, "authPopupDetected", fields["action"])
	assert.Equal(t, float64(7), fields["tabId"])
	assert.Equal(t, "https://accounts.google.com/o/oauth2", fields["tabUrl"])

	back, err := DecodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, AuthPopupDetected{TabID: 7, TabURL: "https://accounts.google.com/o/oauth2"}, back)
}

func TestResponseHelpers(t *testing.T) {
	typed := NewTypedError(ErrorTypePopupNotDetected, errors.New("no popup within 15s"))
	wrapped := fmt.Errorf("federated login: %w", typed)

	r := Fail(wrapped)
	assert.False(t, r.Success)
	assert.Equal(t, ErrorTypePopupNotDetected, r.ErrorType)
	assert.Equal(t, "federated login: no popup within 15s", r.Error)

	assert.Equal(t, ErrorTypeInternal, Fail(errors.New("plain")).ErrorType)
	assert.Equal(t, ErrorTypeInternal, Fail(nil).ErrorType)
	assert.Nil(t, NewTypedError(ErrorTypeInternal, nil))

	id := 42
	data, ok := DataAs[FindAuthTabData](OK(FindAuthTabData{TabID: &id}))
	require.True(t, ok)
	assert.Equal(t, 42, *data.TabID)

	status, ok := DataAs[ScriptStatusData](OK(&ScriptStatusData{IsRunning: true}))
	require.True(t, ok)
	assert.True(t, status.IsRunning)

	_, ok = DataAs[ScriptStatusData](OK("nope"))
	assert.False(t, ok)
}

func TestParseLoginMethod(t *testing.T) {
	m, err := ParseLoginMethod("FaceBook")
	require.NoError(t, err)
	assert.Equal(t, LoginFacebook, m)
	assert.True(t, m.Federated())

	m, err = ParseLoginMethod("")
	require.NoError(t, err)
	assert.Equal(t, LoginEmail, m)
	assert.False(t, m.Federated())

	_, err = ParseLoginMethod("carrier-pigeon")
	assert.Error(t, err)
}
