package schemas

import (
	"errors"
	"fmt"

	json "github.com/json-iterator/go"
)

// -- Script Messages --

// Action names a supported cross-context operation.
type Action string

const (
	ActionGetCredentials      Action = "getCredentials"
	ActionFindAuthTab         Action = "findAuthTab"
	ActionClickControlInTab   Action = "clickControlInTab"
	ActionAuthPopupDetected   Action = "authPopupDetected"
	ActionStartScript         Action = "startScript"
	ActionStopScript          Action = "stopScript"
	ActionGetScriptStatus     Action = "getScriptStatus"
	ActionScriptStatusChanged Action = "scriptStatusChanged"
)

// Message is the closed set of script messages. Each variant reports its own action.
type Message interface {
	Action() Action
}

// GetCredentials asks the background for the persisted login settings.
type GetCredentials struct{}

// FindAuthTab asks the background for any tab currently on an auth-provider domain.
// URL, when set, narrows the match to tabs whose URL contains it.
type FindAuthTab struct {
	URL string `json:"url,omitempty"`
}

// SearchType selects how ClickControlInTab matches its control.
type SearchType string

const (
	SearchByID   SearchType = "id"
	SearchByText SearchType = "text"
)

// ClickControlInTab asks the background to find and click a control inside another tab.
type ClickControlInTab struct {
	TabID        int        `json:"tabId"`
	ControlValue string     `json:"controlValue"`
	SearchType   SearchType `json:"searchType"`
	MaxRetries   int        `json:"maxRetries"`
}

// AuthPopupDetected is broadcast by the background when an auth-provider tab appears.
type AuthPopupDetected struct {
	TabID  int    `json:"tabId"`
	TabURL string `json:"tabUrl"`
}

type StartScript struct{}
type StopScript struct{}
type GetScriptStatus struct{}

// ScriptStatusChanged is broadcast by the content side at every lifecycle transition.
type ScriptStatusChanged struct {
	IsRunning bool `json:"isRunning"`
}

func (GetCredentials) Action() Action      { return ActionGetCredentials }
func (FindAuthTab) Action() Action         { return ActionFindAuthTab }
func (ClickControlInTab) Action() Action   { return ActionClickControlInTab }
func (AuthPopupDetected) Action() Action   { return ActionAuthPopupDetected }
func (StartScript) Action() Action         { return ActionStartScript }
func (StopScript) Action() Action          { return ActionStopScript }
func (GetScriptStatus) Action() Action     { return ActionGetScriptStatus }
func (ScriptStatusChanged) Action() Action { return ActionScriptStatusChanged }

// -- Response Payloads --

// FindAuthTabData is the payload for findAuthTab. TabID is nil when no tab matched.
type FindAuthTabData struct {
	TabID *int `json:"tabId"`
}

// ScriptStatusData is the payload for getScriptStatus.
type ScriptStatusData struct {
	IsRunning bool `json:"isRunning"`
}

// -- Wire Codec --

// ErrInvalidMessage is returned when a wire message cannot be decoded into a known variant.
var ErrInvalidMessage = errors.New("invalid script message")

// newMessage returns a zero value for the variant named by action.
func newMessage(action Action) (Message, bool) {
	switch action {
	case ActionGetCredentials:
		return &GetCredentials{}, true
	case ActionFindAuthTab:
		return &FindAuthTab{}, true
	case ActionClickControlInTab:
		return &ClickControlInTab{}, true
	case ActionAuthPopupDetected:
		return &AuthPopupDetected{}, true
	case ActionStartScript:
		return &StartScript{}, true
	case ActionStopScript:
		return &StopScript{}, true
	case ActionGetScriptStatus:
		return &GetScriptStatus{}, true
	case ActionScriptStatusChanged:
		return &ScriptStatusChanged{}, true
	}
	return nil, false
}

// EncodeMessage renders m in its wire form: the variant's fields plus an "action" field.
func EncodeMessage(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s message: %w", m.Action(), err)
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("failed to flatten %s message: %w", m.Action(), err)
	}
	fields["action"] = m.Action()
	return json.Marshal(fields)
}

// DecodeMessage parses a wire message and returns the typed variant by value.
func DecodeMessage(data []byte) (Message, error) {
	var head struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if head.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrInvalidMessage)
	}
	msg, ok := newMessage(head.Action)
	if !ok {
		return nil, NewTypedError(ErrorTypeUnknownAction, fmt.Errorf("unknown action %q", head.Action))
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, head.Action, err)
	}
	return deref(msg), nil
}

func deref(m Message) Message {
	switch v := m.(type) {
	case *GetCredentials:
		return *v
	case *FindAuthTab:
		return *v
	case *ClickControlInTab:
		return *v
	case *AuthPopupDetected:
		return *v
	case *StartScript:
		return *v
	case *StopScript:
		return *v
	case *GetScriptStatus:
		return *v
	case *ScriptStatusChanged:
		return *v
	}
	return m
}
