package decoder

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/bufferpool"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

var (
	ErrDecompress       = wal.ErrDecompress
	ErrChainBroken      = errors.New("record chain broken")
	ErrLogPageCorrupted = errors.New("log page corrupted")
	ErrShortRecord      = errors.New("short record")

	// ErrEndOfLog is returned by NextLSA for the END_OF_LOG of the active
	// log: there is no next record yet.
	ErrEndOfLog = errors.New("end of log")
)

type PageSource interface {
	GetPage(ctx context.Context, pageID common.PageID) (*bufferpool.Frame, error)
	Unpin(pageID common.PageID)
}

var _ PageSource = &bufferpool.Manager{}

// Entry is a record header together with where it was read from.
type Entry struct {
	LSA       common.LSA
	Hdr       wal.RecordHeader
	InArchive bool
}

type Decoder struct {
	pages    PageSource
	areaSize int32
}

func New(pages PageSource, pageSize int) *Decoder {
	return &Decoder{
		pages:    pages,
		areaSize: int32(pageSize - wal.PageHeaderSize),
	}
}

func (d *Decoder) Header(ctx context.Context, lsa common.LSA) (Entry, error) {
	c, err := d.open(ctx, lsa)
	if err != nil {
		return Entry{}, err
	}
	defer c.close()

	hdr, err := d.readHeader(c, lsa)
	if err != nil {
		return Entry{}, err
	}
	return Entry{LSA: lsa, Hdr: hdr, InArchive: c.inArchive()}, nil
}

func (d *Decoder) readHeader(c *cursor, lsa common.LSA) (wal.RecordHeader, error) {
	if lsa.Offset+wal.RecordHeaderSize > d.areaSize {
		return wal.RecordHeader{}, errors.Wrapf(ErrLogPageCorrupted, "record header at %s straddles a page", lsa)
	}
	r, err := c.fixed(wal.RecordHeaderSize)
	if err != nil {
		return wal.RecordHeader{}, err
	}
	return wal.DecodeRecordHeader(r), nil
}

// Record decodes the header and the type-specific part at lsa. Replication
// payloads are decoded in full; undo and redo images are left in the log
// and read by Image.
func (d *Decoder) Record(ctx context.Context, lsa common.LSA) (wal.Record, error) {
	c, err := d.open(ctx, lsa)
	if err != nil {
		return nil, err
	}
	defer c.close()

	hdr, err := d.readHeader(c, lsa)
	if err != nil {
		return nil, err
	}
	if !hdr.Type.Valid() {
		return nil, errors.Wrapf(ErrLogPageCorrupted, "record at %s has type %d", lsa, uint16(hdr.Type))
	}

	size := wal.FixedSize(hdr.Type)
	if size == 0 {
		return wal.MarkerRecord{Hdr: hdr}, nil
	}
	r, err := c.fixed(size)
	if err != nil {
		return nil, err
	}

	switch hdr.Type {
	case wal.TypeUndoRedo, wal.TypeDiffUndoRedo:
		rec := wal.DataRecord{Hdr: hdr, Addr: wal.DecodeRecAddr(r)}
		rec.UndoLength = wal.Length(r.Uint32())
		rec.RedoLength = wal.Length(r.Uint32())
		rec.DataLSA = c.lsa()
		return rec, nil

	case wal.TypeUndo, wal.TypeRedo:
		rec := wal.DataRecord{Hdr: hdr, Addr: wal.DecodeRecAddr(r)}
		length := wal.Length(r.Uint32())
		if hdr.Type == wal.TypeUndo {
			rec.UndoLength = length
		} else {
			rec.RedoLength = length
		}
		rec.DataLSA = c.lsa()
		return rec, nil

	case wal.TypeReplicationData, wal.TypeReplicationSchema:
		fixed := wal.DecodeReplicationFixed(r)
		payload, err := c.read(int(fixed.Length))
		if err != nil {
			return nil, err
		}
		return decodeReplication(hdr, fixed, payload)

	case wal.TypeCommit, wal.TypeUnlockCommit, wal.TypeAbort, wal.TypeUnlockAbort:
		return wal.DonetimeRecord{Hdr: hdr, AtTime: wal.DecodeMicros(r.Int64())}, nil

	case wal.TypeCommitTopOpe:
		return wal.TopOpeRecord{
			Hdr:              hdr,
			LastParentLSA:    r.LSA(),
			PrevTopResultLSA: r.LSA(),
		}, nil

	case wal.TypeDummyHAServerState:
		state := wal.HAServerState(r.Int32())
		return wal.HAStateRecord{Hdr: hdr, State: state, AtTime: wal.DecodeMicros(r.Int64())}, nil
	}

	return wal.MarkerRecord{Hdr: hdr}, nil
}

func decodeReplication(hdr wal.RecordHeader, fixed wal.ReplicationFixed, payload []byte) (wal.Record, error) {
	if hdr.Type == wal.TypeReplicationSchema {
		p, err := wal.DecodeSchemaPayload(payload)
		if err != nil {
			return nil, errors.Wrapf(ErrShortRecord, "schema item of trid %d: %v", hdr.TrID, err)
		}
		return wal.ReplicationSchemaRecord{
			Hdr:           hdr,
			StatementType: p.StatementType,
			ClassName:     p.ClassName,
			DDL:           p.DDL,
			DBUser:        p.DBUser,
		}, nil
	}

	class, key, err := wal.DecodeReplicationData(payload)
	if err != nil {
		return nil, errors.Wrapf(ErrShortRecord, "data item of trid %d: %v", hdr.TrID, err)
	}
	return wal.ReplicationDataRecord{
		Hdr:       hdr,
		TargetLSA: fixed.TargetLSA,
		RcvIndex:  fixed.RcvIndex,
		ClassName: class,
		Key:       key,
	}, nil
}

// NextLSA applies the forward-progress rule to e. Fill pages and the end of
// an archive continue at the first record of the next page.
func (d *Decoder) NextLSA(ctx context.Context, e Entry) (common.LSA, error) {
	if !e.Hdr.Type.Valid() {
		return common.NilLSA, errors.Wrapf(ErrLogPageCorrupted, "record at %s has type %d", e.LSA, uint16(e.Hdr.Type))
	}

	switch {
	case e.Hdr.Type == wal.TypeDummyFillPageForArchive:
		return d.NextPageStart(ctx, e.LSA.PageID+1)
	case e.Hdr.Type == wal.TypeEndOfLog && e.InArchive:
		return d.NextPageStart(ctx, e.LSA.PageID+1)
	case e.Hdr.Type == wal.TypeEndOfLog:
		return common.NilLSA, ErrEndOfLog
	}

	if e.Hdr.ForwLSA.IsNil() || !e.LSA.Less(e.Hdr.ForwLSA) {
		return common.NilLSA, errors.Wrapf(ErrLogPageCorrupted, "record at %s has forward lsa %s", e.LSA, e.Hdr.ForwLSA)
	}
	return e.Hdr.ForwLSA, nil
}

// NextPageStart re-derives the first record address of pageID from its header.
func (d *Decoder) NextPageStart(ctx context.Context, pageID common.PageID) (common.LSA, error) {
	frame, err := d.pages.GetPage(ctx, pageID)
	if err != nil {
		return common.NilLSA, err
	}
	defer d.pages.Unpin(pageID)

	h := wal.DecodePageHeader(frame.Data())
	if h.FirstRecordOffset < 0 || h.FirstRecordOffset >= d.areaSize {
		return common.NilLSA, errors.Wrapf(ErrLogPageCorrupted, "page %d has no record start (%d)", pageID, h.FirstRecordOffset)
	}
	return common.NewLSA(pageID, h.FirstRecordOffset), nil
}
