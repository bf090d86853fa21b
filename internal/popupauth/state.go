// internal/popupauth/state.go
package popupauth

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/autotap/internal/runstate"
)

// State is the progress of one federated login attempt.
type State string

const (
	StateIdle           State = "idle"
	StateButtonClicked  State = "button_clicked"
	StateAwaitingPopup  State = "awaiting_popup"
	StatePopupFound     State = "popup_found"
	StateDrivingPopup   State = "driving_popup"
	StatePopupClosed    State = "popup_closed"
	StateLoginConfirmed State = "login_confirmed"
	StateFailed         State = "failed"
)

func (s State) String() string { return string(s) }

// sequence is the only forward path; Failed is reachable from any non-terminal state.
var sequence = []State{
	StateIdle,
	StateButtonClicked,
	StateAwaitingPopup,
	StatePopupFound,
	StateDrivingPopup,
	StatePopupClosed,
	StateLoginConfirmed,
}

func (s State) terminal() bool { return s == StateLoginConfirmed || s == StateFailed }

func nextOf(s State) (State, bool) {
	for i, st := range sequence[:len(sequence)-1] {
		if st == s {
			return sequence[i+1], true
		}
	}
	return "", false
}

// State returns the current attempt state.
func (d *Driver) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Driver) reset() {
	d.mu.Lock()
	d.state = StateIdle
	d.mu.Unlock()
}

// advance moves one step along the forward path.
func (d *Driver) advance(to State) error {
	d.mu.Lock()
	from := d.state
	want, ok := nextOf(from)
	if !ok || want != to {
		d.mu.Unlock()
		return fmt.Errorf("%w: login %s -> %s", runstate.ErrInvalidTransition, from, to)
	}
	d.state = to
	d.mu.Unlock()

	d.logger.Debug("Login state changed.", zap.Stringer("from", from), zap.Stringer("to", to))
	return nil
}

func (d *Driver) fail() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.terminal() {
		d.state = StateFailed
	}
}
