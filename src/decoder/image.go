package decoder

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

// maxRowHops bounds how many deferred or relocated records a single row
// image lookup may follow.
const maxRowHops = 8

// RowImage is a resolved heap row: the record the bytes came from and the
// bytes without their row tag.
type RowImage struct {
	Tag  wal.RowTag
	LSA  common.LSA
	Data []byte
}

// Image returns the after image of rec, or the before image for an UNDO
// record. Compressed images are unpacked and diffs applied to the undo image.
func (d *Decoder) Image(ctx context.Context, rec wal.DataRecord) ([]byte, error) {
	undoLen, redoLen := rec.UndoLength.Stored(), rec.RedoLength.Stored()
	if undoLen+redoLen == 0 {
		return nil, nil
	}

	c, err := d.open(ctx, rec.DataLSA)
	if err != nil {
		return nil, err
	}
	defer c.close()

	undo, err := unpack(c, rec.UndoLength)
	if err != nil {
		return nil, errors.Wrapf(err, "undo image of %s", rec.DataLSA)
	}
	if rec.Hdr.Type == wal.TypeUndo {
		return undo, nil
	}

	redo, err := unpack(c, rec.RedoLength)
	if err != nil {
		return nil, errors.Wrapf(err, "redo image of %s", rec.DataLSA)
	}
	if rec.Hdr.Type != wal.TypeDiffUndoRedo {
		return redo, nil
	}

	img, err := wal.ApplyDiff(undo, redo)
	if err != nil {
		return nil, errors.Wrapf(ErrLogPageCorrupted, "diff at %s: %v", rec.DataLSA, err)
	}
	return img, nil
}

func unpack(c *cursor, l wal.Length) ([]byte, error) {
	if l.Stored() == 0 {
		return nil, nil
	}
	stored, err := c.read(l.Stored())
	if err != nil {
		return nil, err
	}
	if !l.Compressed() {
		return stored, nil
	}
	return wal.Decompress(stored)
}

// RowImage resolves the row image a replication item points at. Big rows
// are rebuilt from their overflow pages; deferred and relocated rows are
// followed to the record that carries the image.
func (d *Decoder) RowImage(ctx context.Context, lsa common.LSA) (RowImage, error) {
	return d.rowImage(ctx, lsa, 0)
}

func (d *Decoder) rowImage(ctx context.Context, lsa common.LSA, hops int) (RowImage, error) {
	if hops > maxRowHops {
		return RowImage{}, errors.Wrapf(ErrChainBroken, "row image at %s: too many hops", lsa)
	}

	rec, err := d.dataRecord(ctx, lsa)
	if err != nil {
		return RowImage{}, err
	}
	img, err := d.Image(ctx, rec)
	if err != nil {
		return RowImage{}, err
	}
	if len(img) < wal.RowTagSize {
		return RowImage{}, errors.Wrapf(ErrShortRecord, "row image at %s has %d bytes", lsa, len(img))
	}

	tag := wal.RowTag(binio.NewReader(img).Uint16())
	body := img[wal.RowTagSize:]

	switch tag {
	case wal.RowHome, wal.RowNewHome:
		return RowImage{Tag: tag, LSA: lsa, Data: body}, nil

	case wal.RowBigOne:
		r := binio.NewReader(body)
		first := r.Int64()
		if r.Err() != nil {
			return RowImage{}, errors.Wrapf(ErrShortRecord, "big row at %s", lsa)
		}
		data, err := d.overflow(ctx, rec, first)
		if err != nil {
			return RowImage{}, errors.Wrapf(err, "big row at %s", lsa)
		}
		return RowImage{Tag: tag, LSA: lsa, Data: data}, nil

	case wal.RowRelocation:
		r := binio.NewReader(body)
		newHome := common.RecordID{VolID: rec.Addr.Target.VolID, PageID: r.Int64(), SlotID: r.Int32()}
		if r.Err() != nil {
			return RowImage{}, errors.Wrapf(ErrShortRecord, "relocation at %s", lsa)
		}
		next, err := d.findLater(ctx, rec, wal.RcvHeapNewHomeInsert, newHome)
		if err != nil {
			return RowImage{}, errors.Wrapf(err, "relocation at %s", lsa)
		}
		return d.rowImage(ctx, next, hops+1)

	case wal.RowAssignAddress:
		next, err := d.findLater(ctx, rec, wal.RcvHeapUpdate, rec.Addr.Target)
		if err != nil {
			return RowImage{}, errors.Wrapf(err, "assigned address at %s", lsa)
		}
		return d.rowImage(ctx, next, hops+1)
	}

	return RowImage{}, errors.Wrapf(ErrLogPageCorrupted, "row image at %s has tag %s", lsa, tag)
}

func (d *Decoder) dataRecord(ctx context.Context, lsa common.LSA) (wal.DataRecord, error) {
	rec, err := d.Record(ctx, lsa)
	if err != nil {
		return wal.DataRecord{}, err
	}
	data, ok := rec.(wal.DataRecord)
	if !ok {
		return wal.DataRecord{}, errors.Wrapf(ErrLogPageCorrupted, "record at %s is %s, not a data record", lsa, rec.Header().Type)
	}
	return data, nil
}
