package applier

import (
	"fmt"

	"github.com/Blackdeer1524/walapply/src/wal"
)

// StateParameter is the target system parameter the applier state is
// published through.
const StateParameter = "ha_applier_state"

type State uint8

const (
	StateRecovering State = iota
	StateWorking
	StateDone
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "RECOVERING"
	case StateWorking:
		return "WORKING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// nextState derives the applier state from the primary's role, the copy's
// file status and whether the scan has reached the end of the log. A primary
// in either transition still produces work. Real-time application starts only
// once the copied log is marked synchronized with the primary.
func nextState(primary wal.HAServerState, file wal.HAFileStatus, caughtUp bool) State {
	switch {
	case !caughtUp:
		return StateRecovering
	case primary.IsActive() || primary == wal.HAServerToBeStandby:
		if file != wal.HAFileSynchronized {
			return StateRecovering
		}
		return StateWorking
	default:
		return StateDone
	}
}
