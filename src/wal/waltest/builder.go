// Package waltest fabricates log volumes byte for byte the way the primary
// writes them, for tests of every component that reads the log.
package waltest

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
	"github.com/Blackdeer1524/walapply/src/wal"
)

const DefaultPageSize = 512

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Builder appends records to an in-memory log, chain style. The first error
// sticks and turns every later call into a no-op.
type Builder struct {
	pageSize int
	areaSize int32
	pages    [][]byte

	pos  common.LSA
	last common.LSA
	eol  common.LSA

	// back pointer of the pending END_OF_LOG, restored when it is overwritten
	eolBack common.LSA

	prevTran map[common.TxnID]common.LSA

	trid  common.TxnID
	codec wal.Codec
	ticks int

	lastTarget common.LSA
	err        error
}

func New(pageSize int) *Builder {
	b := &Builder{
		pageSize: pageSize,
		areaSize: int32(pageSize - wal.PageHeaderSize),
		pos:      common.NewLSA(0, 0),
		last:     common.NilLSA,
		eol:      common.NilLSA,
		eolBack:  common.NilLSA,
		prevTran: map[common.TxnID]common.LSA{},
	}
	b.ensurePage(0)
	return b
}

func (b *Builder) Err() error { return b.err }

func (b *Builder) PageSize() int { return b.pageSize }

// Last is the LSA of the most recently appended record.
func (b *Builder) Last() common.LSA { return b.last }

// LastTarget is the LSA of the record holding the row image of the most
// recent row helper call.
func (b *Builder) LastTarget() common.LSA { return b.lastTarget }

// Pos is where the next record would start if it fits.
func (b *Builder) Pos() common.LSA { return b.pos }

// Page returns the current bytes of a logical page, header included.
func (b *Builder) Page(id common.PageID) []byte {
	if id < 0 || int(id) >= len(b.pages) {
		return nil
	}
	return b.pages[id]
}

// NumPages counts pages touched so far.
func (b *Builder) NumPages() int { return len(b.pages) }

// Txn switches the transaction id used by subsequent records.
func (b *Builder) Txn(trid common.TxnID) *Builder {
	b.trid = trid
	return b
}

// Codec compresses the data of subsequent data records.
func (b *Builder) Codec(c wal.Codec) *Builder {
	b.codec = c
	return b
}

func (b *Builder) ensurePage(id common.PageID) {
	for common.PageID(len(b.pages)) <= id {
		p := make([]byte, b.pageSize)
		wal.PageHeader{
			LogicalPageID:     common.PageID(len(b.pages)),
			FirstRecordOffset: wal.NoRecordOffset,
		}.Put(p)
		b.pages = append(b.pages, p)
	}
}

func (b *Builder) area(id common.PageID) []byte {
	b.ensurePage(id)
	return wal.Area(b.pages[id])
}

// place moves pos to the next page when n bytes do not fit in the current one.
func (b *Builder) place(n int) common.LSA {
	if b.pos.Offset+int32(n) > b.areaSize {
		b.pos = common.NewLSA(b.pos.PageID+1, 0)
	}
	b.ensurePage(b.pos.PageID)
	return b.pos
}

func (b *Builder) writeFixed(p []byte) {
	at := b.place(len(p))
	copy(b.area(at.PageID)[at.Offset:], p)
	b.pos.Offset += int32(len(p))
}

func (b *Builder) writeData(p []byte) {
	for len(p) > 0 {
		if b.pos.Offset >= b.areaSize {
			b.pos = common.NewLSA(b.pos.PageID+1, 0)
		}
		area := b.area(b.pos.PageID)
		n := copy(area[b.pos.Offset:], p)
		b.pos.Offset += int32(n)
		p = p[n:]
	}
}

// Append writes one raw record: header, fixed struct, then data. It is the
// primitive every other method is built on.
func (b *Builder) Append(typ wal.RecordType, trid common.TxnID, fixed []byte, data ...[]byte) common.LSA {
	if b.err != nil {
		return common.NilLSA
	}
	if !b.eol.IsNil() {
		// the new record overwrites the pending END_OF_LOG in place
		b.pos = b.eol
		b.last = b.eolBack
		b.eol = common.NilLSA
		b.eolBack = common.NilLSA
	}

	at := b.place(wal.RecordHeaderSize)

	page := b.pages[at.PageID]
	if h := wal.DecodePageHeader(page); h.FirstRecordOffset == wal.NoRecordOffset || h.FirstRecordOffset > at.Offset {
		h.FirstRecordOffset = at.Offset
		h.Put(page)
	}

	prev, ok := b.prevTran[trid]
	if !ok || trid == common.NilTxnID {
		prev = common.NilLSA
	}

	if !b.last.IsNil() {
		wal.PatchForwLSA(b.area(b.last.PageID)[b.last.Offset:], at)
	}

	w := binio.NewWriter(wal.RecordHeaderSize)
	wal.RecordHeader{
		PrevTranLSA: prev,
		BackLSA:     b.last,
		ForwLSA:     common.NilLSA,
		TrID:        trid,
		Type:        typ,
	}.Encode(w)
	b.writeFixed(w.Bytes())

	if len(fixed) > 0 {
		b.writeFixed(fixed)
	}
	for _, d := range data {
		b.writeData(d)
	}

	b.last = at
	if trid != common.NilTxnID {
		b.prevTran[trid] = at
	}
	return at
}

// PatchForw overwrites forwLSA of the record at lsa, for corruption tests.
func (b *Builder) PatchForw(lsa, forw common.LSA) *Builder {
	wal.PatchForwLSA(b.area(lsa.PageID)[lsa.Offset:], forw)
	return b
}

// PatchType overwrites the type of the record at lsa.
func (b *Builder) PatchType(lsa common.LSA, typ uint16) *Builder {
	area := b.area(lsa.PageID)
	off := int(lsa.Offset) + 3*common.SerializedLSASize + 4
	area[off] = byte(typ)
	area[off+1] = byte(typ >> 8)
	return b
}

func (b *Builder) pack(data []byte) ([]byte, wal.Length) {
	if b.err != nil {
		return nil, 0
	}
	if b.codec == wal.CodecNone {
		return data, wal.MakeLength(len(data), false)
	}
	stored, compressed, err := wal.Compress(b.codec, data)
	if err != nil {
		b.err = errors.Wrap(err, "compress")
		return nil, 0
	}
	return stored, wal.MakeLength(len(stored), compressed)
}

func (b *Builder) UndoRedo(rcv wal.RcvIndex, target common.RecordID, undo, redo []byte) *Builder {
	return b.undoRedo(wal.TypeUndoRedo, rcv, target, undo, redo)
}

// DiffUndoRedo stores redo as a diff against undo.
func (b *Builder) DiffUndoRedo(rcv wal.RcvIndex, target common.RecordID, undo, redo []byte) *Builder {
	return b.undoRedo(wal.TypeDiffUndoRedo, rcv, target, undo, wal.MakeDiff(undo, redo))
}

func (b *Builder) undoRedo(typ wal.RecordType, rcv wal.RcvIndex, target common.RecordID, undo, redo []byte) *Builder {
	undoData, undoLen := b.pack(undo)
	redoData, redoLen := b.pack(redo)

	w := binio.NewWriter(wal.UndoRedoSize)
	wal.RecAddr{RcvIndex: rcv, Target: target}.Encode(w)
	w.Uint32(uint32(undoLen))
	w.Uint32(uint32(redoLen))

	b.Append(typ, b.trid, w.Bytes(), undoData, redoData)
	return b
}

func (b *Builder) Redo(rcv wal.RcvIndex, target common.RecordID, redo []byte) *Builder {
	return b.single(wal.TypeRedo, rcv, target, redo)
}

func (b *Builder) Undo(rcv wal.RcvIndex, target common.RecordID, undo []byte) *Builder {
	return b.single(wal.TypeUndo, rcv, target, undo)
}

func (b *Builder) single(typ wal.RecordType, rcv wal.RcvIndex, target common.RecordID, data []byte) *Builder {
	stored, length := b.pack(data)

	w := binio.NewWriter(wal.UndoOrRedoSize)
	wal.RecAddr{RcvIndex: rcv, Target: target}.Encode(w)
	w.Uint32(uint32(length))

	b.Append(typ, b.trid, w.Bytes(), stored)
	return b
}

// ReplData logs a replication item; target NIL marks a delete.
func (b *Builder) ReplData(rcv wal.RcvIndex, class string, key value.Value, target common.LSA) *Builder {
	payload := wal.EncodeReplicationData(class, key)
	return b.repl(wal.TypeReplicationData, rcv, target, payload)
}

func (b *Builder) ReplSchema(p wal.SchemaPayload) *Builder {
	return b.repl(wal.TypeReplicationSchema, 0, common.NilLSA, p.Encode())
}

func (b *Builder) repl(typ wal.RecordType, rcv wal.RcvIndex, target common.LSA, payload []byte) *Builder {
	w := binio.NewWriter(wal.ReplicationSize)
	wal.ReplicationFixed{
		TargetLSA: target,
		Length:    int32(len(payload)),
		RcvIndex:  rcv,
	}.Encode(w)

	b.Append(typ, b.trid, w.Bytes(), payload)
	return b
}

func (b *Builder) donetime(typ wal.RecordType) *Builder {
	b.ticks++
	w := binio.NewWriter(wal.DonetimeSize)
	w.Int64(baseTime.Add(time.Duration(b.ticks) * time.Second).UnixMicro())
	b.Append(typ, b.trid, w.Bytes())
	return b
}

func (b *Builder) Commit() *Builder { return b.donetime(wal.TypeCommit) }

func (b *Builder) UnlockCommit() *Builder { return b.donetime(wal.TypeUnlockCommit) }

func (b *Builder) Abort() *Builder { return b.donetime(wal.TypeAbort) }

func (b *Builder) UnlockAbort() *Builder { return b.donetime(wal.TypeUnlockAbort) }

// CommitTopOpe logs a top operation commit of the current transaction.
func (b *Builder) CommitTopOpe() *Builder {
	w := binio.NewWriter(wal.TopOpeSize)
	prev, ok := b.prevTran[b.trid]
	if !ok {
		prev = common.NilLSA
	}
	w.LSA(prev)
	w.LSA(common.NilLSA)
	b.Append(wal.TypeCommitTopOpe, b.trid, w.Bytes())
	return b
}

// HAState logs a primary role change.
func (b *Builder) HAState(s wal.HAServerState) *Builder {
	b.ticks++
	w := binio.NewWriter(wal.HAStateSize)
	w.Int32(int32(s))
	w.Int64(baseTime.Add(time.Duration(b.ticks) * time.Second).UnixMicro())
	b.Append(wal.TypeDummyHAServerState, common.NilTxnID, w.Bytes())
	return b
}

func (b *Builder) CrashRecovery() *Builder {
	b.Append(wal.TypeDummyCrashRecovery, common.NilTxnID, nil)
	return b
}

// FillPage pads the rest of the current page; the next record starts on a
// fresh page.
func (b *Builder) FillPage() *Builder {
	at := b.Append(wal.TypeDummyFillPageForArchive, common.NilTxnID, nil)
	if !at.IsNil() {
		b.pos = common.NewLSA(at.PageID+1, 0)
		b.ensurePage(b.pos.PageID)
	}
	return b
}

// EndOfArchive writes the END_OF_LOG an archive closes with; the log goes on
// at the next page.
func (b *Builder) EndOfArchive() *Builder {
	at := b.Append(wal.TypeEndOfLog, common.NilTxnID, nil)
	if !at.IsNil() {
		b.pos = common.NewLSA(at.PageID+1, 0)
		b.ensurePage(b.pos.PageID)
	}
	return b
}

// EndOfLog marks the append point. The next appended record replaces it.
func (b *Builder) EndOfLog() *Builder {
	back := b.last
	at := b.Append(wal.TypeEndOfLog, common.NilTxnID, nil)
	b.eol = at
	b.eolBack = back
	return b
}

// EndLSA is the pending END_OF_LOG address, or the next write position.
func (b *Builder) EndLSA() common.LSA {
	if !b.eol.IsNil() {
		return b.eol
	}
	if b.pos.Offset+wal.RecordHeaderSize > b.areaSize {
		return common.NewLSA(b.pos.PageID+1, 0)
	}
	return b.pos
}
