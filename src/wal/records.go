package wal

import (
	"time"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
)

// Record is a decoded log record. The concrete type depends on the header type.
type Record interface {
	Header() RecordHeader
}

var (
	_ Record = DataRecord{}
	_ Record = ReplicationDataRecord{}
	_ Record = ReplicationSchemaRecord{}
	_ Record = DonetimeRecord{}
	_ Record = TopOpeRecord{}
	_ Record = HAStateRecord{}
	_ Record = MarkerRecord{}
)

// DataRecord is an UNDOREDO, DIFF_UNDOREDO, UNDO or REDO record. For the
// single image types only the matching length is set.
type DataRecord struct {
	Hdr        RecordHeader
	Addr       RecAddr
	UndoLength Length
	RedoLength Length

	// DataLSA is where the undo (or only) image starts.
	DataLSA common.LSA
}

func (r DataRecord) Header() RecordHeader { return r.Hdr }

// ReplicationDataRecord announces a row change of a replicated class. The
// row image lives at TargetLSA; a NIL TargetLSA marks a delete.
type ReplicationDataRecord struct {
	Hdr       RecordHeader
	TargetLSA common.LSA
	RcvIndex  RcvIndex
	ClassName string
	Key       value.Value
}

func (r ReplicationDataRecord) Header() RecordHeader { return r.Hdr }

type ReplicationSchemaRecord struct {
	Hdr           RecordHeader
	StatementType int32
	ClassName     string
	DDL           string
	DBUser        string
}

func (r ReplicationSchemaRecord) Header() RecordHeader { return r.Hdr }

// DonetimeRecord covers COMMIT, UNLOCK_COMMIT, ABORT and UNLOCK_ABORT.
type DonetimeRecord struct {
	Hdr    RecordHeader
	AtTime time.Time
}

func (r DonetimeRecord) Header() RecordHeader { return r.Hdr }

type TopOpeRecord struct {
	Hdr              RecordHeader
	LastParentLSA    common.LSA
	PrevTopResultLSA common.LSA
}

func (r TopOpeRecord) Header() RecordHeader { return r.Hdr }

type HAStateRecord struct {
	Hdr    RecordHeader
	State  HAServerState
	AtTime time.Time
}

func (r HAStateRecord) Header() RecordHeader { return r.Hdr }

// MarkerRecord has no body: DUMMY_CRASH_RECOVERY, DUMMY_FILLPAGE_FORARCHIVE
// and END_OF_LOG.
type MarkerRecord struct {
	Hdr RecordHeader
}

func (r MarkerRecord) Header() RecordHeader { return r.Hdr }

// ReplicationFixed is the fixed struct of both replication record types.
type ReplicationFixed struct {
	TargetLSA common.LSA
	Length    int32
	RcvIndex  RcvIndex
}

func DecodeReplicationFixed(r *binio.Reader) ReplicationFixed {
	return ReplicationFixed{
		TargetLSA: r.LSA(),
		Length:    r.Int32(),
		RcvIndex:  RcvIndex(r.Int32()),
	}
}

func (f ReplicationFixed) Encode(w *binio.Writer) {
	w.LSA(f.TargetLSA)
	w.Int32(f.Length)
	w.Int32(int32(f.RcvIndex))
}

func DecodeMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}
