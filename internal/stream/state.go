package stream

import "fmt"

// State is the observable lifecycle position of a Stream.
type State uint8

const (
	StateOpen State = iota
	// StateReadPaused: a reader is suspended waiting for more bytes from the peer.
	StateReadPaused
	// StateEOFReceived: the peer has half-closed; buffered bytes may remain.
	StateEOFReceived
	// StateWriteEOFRequested: no further writes are accepted.
	StateWriteEOFRequested
	// StateDraining: a graceful close is waiting for the write buffer to empty.
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "OPEN"
	case StateReadPaused:
		return "READ_PAUSED"
	case StateEOFReceived:
		return "EOF_RECEIVED"
	case StateWriteEOFRequested:
		return "WRITE_EOF_REQUESTED"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN_STATE(%d)", uint8(s))
	}
}
