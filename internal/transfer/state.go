package transfer

// State is a transfer's lifecycle position.
type State int32

const (
	StateInit State = iota
	StateTransferring
	StateVerifying
	StateComplete
	StateFailed
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateTransferring:
		return "TRANSFERRING"
	case StateVerifying:
		return "VERIFYING"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	case StatePaused:
		return "PAUSED"
	default:
		return "UNKNOWN"
	}
}
