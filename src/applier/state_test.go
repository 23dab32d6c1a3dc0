package applier

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Blackdeer1524/walapply/src/wal"
)

func TestNextState(t *testing.T) {
	const (
		cleared  = wal.HAFileClear
		archived = wal.HAFileArchived
		synced   = wal.HAFileSynchronized
	)
	tests := []struct {
		primary  wal.HAServerState
		file     wal.HAFileStatus
		caughtUp bool
		want     State
	}{
		{wal.HAServerActive, synced, false, StateRecovering},
		{wal.HAServerStandby, synced, false, StateRecovering},
		{wal.HAServerActive, synced, true, StateWorking},
		{wal.HAServerToBeActive, synced, true, StateWorking},
		{wal.HAServerToBeStandby, synced, true, StateWorking},
		{wal.HAServerActive, cleared, true, StateRecovering},
		{wal.HAServerActive, archived, true, StateRecovering},
		{wal.HAServerToBeStandby, archived, true, StateRecovering},
		{wal.HAServerStandby, synced, true, StateDone},
		{wal.HAServerStandby, cleared, true, StateDone},
		{wal.HAServerMaintenance, archived, true, StateDone},
		{wal.HAServerDead, cleared, true, StateDone},
		{wal.HAServerIdle, synced, true, StateDone},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, nextState(tt.primary, tt.file, tt.caughtUp),
			"%s %s caughtUp=%v", tt.primary, tt.file, tt.caughtUp)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RECOVERING", StateRecovering.String())
	assert.Equal(t, "WORKING", StateWorking.String())
	assert.Equal(t, "DONE", StateDone.String())
	assert.Equal(t, "STATE(9)", State(9).String())
}
