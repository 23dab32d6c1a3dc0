package wal

import "fmt"

// RecordType is the type tag of a generic log record header.
type RecordType uint16

const (
	TypeUndefined RecordType = iota
	TypeUndoRedo
	TypeUndo
	TypeRedo
	TypeDiffUndoRedo
	TypeReplicationData
	TypeReplicationSchema
	TypeCommit
	TypeUnlockCommit
	TypeCommitTopOpe
	TypeAbort
	TypeUnlockAbort
	TypeDummyCrashRecovery
	TypeDummyFillPageForArchive
	TypeEndOfLog
	TypeDummyHAServerState
	typeEnd
)

// Valid reports whether t lies inside the known record type range.
func (t RecordType) Valid() bool {
	return t > TypeUndefined && t < typeEnd
}

func (t RecordType) String() string {
	switch t {
	case TypeUndoRedo:
		return "UNDOREDO"
	case TypeUndo:
		return "UNDO"
	case TypeRedo:
		return "REDO"
	case TypeDiffUndoRedo:
		return "DIFF_UNDOREDO"
	case TypeReplicationData:
		return "REPLICATION_DATA"
	case TypeReplicationSchema:
		return "REPLICATION_SCHEMA"
	case TypeCommit:
		return "COMMIT"
	case TypeUnlockCommit:
		return "UNLOCK_COMMIT"
	case TypeCommitTopOpe:
		return "COMMIT_TOPOPE"
	case TypeAbort:
		return "ABORT"
	case TypeUnlockAbort:
		return "UNLOCK_ABORT"
	case TypeDummyCrashRecovery:
		return "DUMMY_CRASH_RECOVERY"
	case TypeDummyFillPageForArchive:
		return "DUMMY_FILLPAGE_FORARCHIVE"
	case TypeEndOfLog:
		return "END_OF_LOG"
	case TypeDummyHAServerState:
		return "DUMMY_HA_SERVER_STATE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// IsDataRecord reports undo/redo family records that carry a heap change.
func (t RecordType) IsDataRecord() bool {
	switch t {
	case TypeUndoRedo, TypeUndo, TypeRedo, TypeDiffUndoRedo:
		return true
	}
	return false
}

// RcvIndex is the recovery index of a data record: which storage operation
// produced it.
type RcvIndex int32

const (
	RcvHeapInsert         RcvIndex = 1
	RcvHeapUpdate         RcvIndex = 2
	RcvHeapDelete         RcvIndex = 3
	RcvHeapNewHomeInsert  RcvIndex = 4
	RcvOverflowNewPage    RcvIndex = 5
	RcvOverflowPageUpdate RcvIndex = 6
	RcvOverflowChangeLink RcvIndex = 7

	RcvReplInsert RcvIndex = 100
	RcvReplUpdate RcvIndex = 101
	RcvReplDelete RcvIndex = 102
)

func (r RcvIndex) String() string {
	switch r {
	case RcvHeapInsert:
		return "HEAP_INSERT"
	case RcvHeapUpdate:
		return "HEAP_UPDATE"
	case RcvHeapDelete:
		return "HEAP_DELETE"
	case RcvHeapNewHomeInsert:
		return "HEAP_NEWHOME_INSERT"
	case RcvOverflowNewPage:
		return "OVF_NEWPAGE_INSERT"
	case RcvOverflowPageUpdate:
		return "OVF_PAGE_UPDATE"
	case RcvOverflowChangeLink:
		return "OVF_CHANGE_LINK"
	case RcvReplInsert:
		return "REPL_INSERT"
	case RcvReplUpdate:
		return "REPL_UPDATE"
	case RcvReplDelete:
		return "REPL_DELETE"
	default:
		return fmt.Sprintf("RCV(%d)", int32(r))
	}
}

// RowTag is the first two bytes of a heap redo payload.
type RowTag uint16

const (
	RowHome          RowTag = 1
	RowBigOne        RowTag = 2
	RowRelocation    RowTag = 3
	RowNewHome       RowTag = 4
	RowAssignAddress RowTag = 5
)

const RowTagSize = 2

func (t RowTag) String() string {
	switch t {
	case RowHome:
		return "HOME"
	case RowBigOne:
		return "BIGONE"
	case RowRelocation:
		return "RELOCATION"
	case RowNewHome:
		return "NEWHOME"
	case RowAssignAddress:
		return "ASSIGN_ADDRESS"
	default:
		return fmt.Sprintf("ROWTAG(%d)", uint16(t))
	}
}

// HAServerState is the primary's high-availability role stored in the log header.
type HAServerState uint8

const (
	HAServerIdle HAServerState = iota
	HAServerActive
	HAServerToBeActive
	HAServerStandby
	HAServerToBeStandby
	HAServerMaintenance
	HAServerDead
)

func (s HAServerState) String() string {
	switch s {
	case HAServerIdle:
		return "idle"
	case HAServerActive:
		return "active"
	case HAServerToBeActive:
		return "to-be-active"
	case HAServerStandby:
		return "standby"
	case HAServerToBeStandby:
		return "to-be-standby"
	case HAServerMaintenance:
		return "maintenance"
	case HAServerDead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// IsActive reports whether the primary is producing new work.
func (s HAServerState) IsActive() bool {
	return s == HAServerActive || s == HAServerToBeActive
}

type HAFileStatus uint8

const (
	HAFileClear HAFileStatus = iota
	HAFileArchived
	HAFileSynchronized
)

func (s HAFileStatus) String() string {
	switch s {
	case HAFileClear:
		return "clear"
	case HAFileArchived:
		return "archived"
	case HAFileSynchronized:
		return "synchronized"
	default:
		return fmt.Sprintf("file-status(%d)", uint8(s))
	}
}
