package dfu

import "fmt"

// State is the phase of an update session.
type State uint8

// Update states in protocol order. StateWait and StateError interrupt the
// sequence: StateWait while a transfer is outstanding, StateError after a
// failure until the session is detached.
const (
	StateUnattached State = iota
	StateAttached
	StateSetInterface
	StateGetStatus
	StateTransfer
	StateZeroLengthTransfer
	StateReadBack
	StateGetStatusRead
	StateDetach
	StateCheckStatus
	StateComplete
	StateWait
	StateError

	numStates
)

var stateNames = [numStates]string{
	StateUnattached:         "Unattached",
	StateAttached:           "Attached",
	StateSetInterface:       "SetInterface",
	StateGetStatus:          "GetStatus",
	StateTransfer:           "Transfer",
	StateZeroLengthTransfer: "ZeroLengthTransfer",
	StateReadBack:           "ReadBack",
	StateGetStatusRead:      "GetStatusRead",
	StateDetach:             "Detach",
	StateCheckStatus:        "CheckStatus",
	StateComplete:           "Complete",
	StateWait:               "Wait",
	StateError:              "Error",
}

// String returns the state name.
func (s State) String() string {
	if s.Valid() {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Valid reports whether s is one of the defined states.
func (s State) Valid() bool {
	return s < numStates
}

// Terminal reports whether Step has nothing left to do in s without an
// external Attach or Detach.
func (s State) Terminal() bool {
	return s == StateUnattached || s == StateError
}

// Phase is the data pass a chunk belongs to.
type Phase uint8

// Data passes.
const (
	PhaseDownload Phase = iota
	PhaseReadBack
)

// String returns the phase name.
func (p Phase) String() string {
	if p == PhaseReadBack {
		return "read-back"
	}
	return "download"
}
