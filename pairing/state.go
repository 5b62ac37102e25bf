package pairing

import "golang.org/x/xerrors"

var errInviteLength = xerrors.New("pairing: decoded invite credential is not 32 bytes")

// State is the candidate-side redemption state machine:
//
//	INIT → ANNOUNCE → MATCHED → KEY_XFER → ADDED → WRITABLE
//	                     │                    │
//	                     └── rejected ────────┴── terminal: FAILED
type State uint8

const (
	StateInit State = iota
	StateAnnounce
	StateMatched
	StateKeyXfer
	StateAdded
	StateWritable
	StateRejected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAnnounce:
		return "ANNOUNCE"
	case StateMatched:
		return "MATCHED"
	case StateKeyXfer:
		return "KEY_XFER"
	case StateAdded:
		return "ADDED"
	case StateWritable:
		return "WRITABLE"
	case StateRejected:
		return "REJECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

func (s State) Terminal() bool {
	return s == StateWritable || s == StateRejected || s == StateFailed
}
