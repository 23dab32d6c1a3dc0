package waltest

import (
	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
	"github.com/Blackdeer1524/walapply/src/wal"
)

// EncodeRow lays out a heap row image: representation id, the var offset
// table, the fixed area, bound bits and the var area. Kinds follow schema
// column order.
func EncodeRow(kinds []value.Kind, vals []value.Value) []byte {
	var fixed, variable []int
	for i, k := range kinds {
		if k.IsFixed() {
			fixed = append(fixed, i)
		} else {
			variable = append(variable, i)
		}
	}

	fixedSize := 0
	for _, i := range fixed {
		fixedSize += kinds[i].FixedSize()
	}
	boundSize := (len(fixed) + 7) / 8
	varStart := 4 + 4*(len(variable)+1) + fixedSize + boundSize

	varArea := binio.NewWriter(64)
	offsets := make([]uint32, 0, len(variable)+1)
	for _, i := range variable {
		offsets = append(offsets, uint32(varStart+varArea.Len()))
		if !vals[i].IsNull() {
			varArea.Raw([]byte(vals[i].Str()))
		}
	}
	offsets = append(offsets, uint32(varStart+varArea.Len()))

	w := binio.NewWriter(varStart + varArea.Len())
	w.Uint32(1)
	for _, off := range offsets {
		w.Uint32(off)
	}

	bound := make([]byte, boundSize)
	for n, i := range fixed {
		if vals[i].IsNull() {
			w.Pad(kinds[i].FixedSize())
			continue
		}
		bound[n/8] |= 1 << (n % 8)
		value.EncodeBody(w, vals[i])
	}
	w.Raw(bound)
	w.Raw(varArea.Bytes())
	return w.Bytes()
}

func tagged(tag wal.RowTag, body []byte) []byte {
	w := binio.NewWriter(wal.RowTagSize + len(body))
	w.Uint16(uint16(tag))
	w.Raw(body)
	return w.Bytes()
}

func HomeRow(image []byte) []byte { return tagged(wal.RowHome, image) }

func NewHomeRow(image []byte) []byte { return tagged(wal.RowNewHome, image) }

func BigOneRow(firstOverflowPage int64) []byte {
	w := binio.NewWriter(8)
	w.Int64(firstOverflowPage)
	return tagged(wal.RowBigOne, w.Bytes())
}

func RelocationRow(newHome common.RecordID) []byte {
	w := binio.NewWriter(12)
	w.Int64(newHome.PageID)
	w.Int32(newHome.SlotID)
	return tagged(wal.RowRelocation, w.Bytes())
}

func AssignAddressRow() []byte { return tagged(wal.RowAssignAddress, nil) }

// OverflowPart is the payload of one overflow page record.
func OverflowPart(nextPage int64, data []byte) []byte {
	w := binio.NewWriter(wal.OverflowPartHeaderSize + len(data))
	w.Int64(nextPage)
	w.Raw(data)
	return w.Bytes()
}

// InsertRow logs a heap insert of image at oid and its replication item.
func (b *Builder) InsertRow(class string, key value.Value, oid common.RecordID, image []byte) *Builder {
	b.UndoRedo(wal.RcvHeapInsert, oid, nil, HomeRow(image))
	b.lastTarget = b.last
	return b.ReplData(wal.RcvReplInsert, class, key, b.lastTarget)
}

func (b *Builder) UpdateRow(class string, key value.Value, oid common.RecordID, before, after []byte) *Builder {
	b.UndoRedo(wal.RcvHeapUpdate, oid, HomeRow(before), HomeRow(after))
	b.lastTarget = b.last
	return b.ReplData(wal.RcvReplUpdate, class, key, b.lastTarget)
}

// UpdateRowDiff is UpdateRow with the new image stored as a diff.
func (b *Builder) UpdateRowDiff(class string, key value.Value, oid common.RecordID, before, after []byte) *Builder {
	b.DiffUndoRedo(wal.RcvHeapUpdate, oid, HomeRow(before), HomeRow(after))
	b.lastTarget = b.last
	return b.ReplData(wal.RcvReplUpdate, class, key, b.lastTarget)
}

func (b *Builder) DeleteRow(class string, key value.Value, oid common.RecordID, before []byte) *Builder {
	b.UndoRedo(wal.RcvHeapDelete, oid, HomeRow(before), nil)
	b.lastTarget = common.NilLSA
	return b.ReplData(wal.RcvReplDelete, class, key, common.NilLSA)
}

// InsertBigRow splits image into overflow parts of at most partSize bytes on
// pages firstPage, firstPage+1, ... and logs the home record pointing at them.
func (b *Builder) InsertBigRow(
	class string,
	key value.Value,
	oid common.RecordID,
	image []byte,
	partSize int,
	firstPage int64,
) *Builder {
	parts := split(image, partSize)
	for i, part := range parts {
		next := int64(-1)
		if i < len(parts)-1 {
			next = firstPage + int64(i) + 1
		}
		page := common.RecordID{VolID: oid.VolID, PageID: firstPage + int64(i)}
		b.Redo(wal.RcvOverflowNewPage, page, OverflowPart(next, part))
	}

	b.UndoRedo(wal.RcvHeapInsert, oid, nil, BigOneRow(firstPage))
	b.lastTarget = b.last
	return b.ReplData(wal.RcvReplInsert, class, key, b.lastTarget)
}

func split(image []byte, partSize int) [][]byte {
	var parts [][]byte
	for len(image) > partSize {
		parts = append(parts, image[:partSize])
		image = image[partSize:]
	}
	return append(parts, image)
}

// InsertDeferredRow logs an insert whose address is assigned first and whose
// image arrives with a later update of the same slot.
func (b *Builder) InsertDeferredRow(class string, key value.Value, oid common.RecordID, image []byte) *Builder {
	b.UndoRedo(wal.RcvHeapInsert, oid, nil, AssignAddressRow())
	target := b.last
	b.ReplData(wal.RcvReplInsert, class, key, target)
	b.UndoRedo(wal.RcvHeapUpdate, oid, AssignAddressRow(), HomeRow(image))
	b.lastTarget = target
	return b
}

// RelocateRow logs an update that moved the row to newHome.
func (b *Builder) RelocateRow(
	class string,
	key value.Value,
	oid common.RecordID,
	newHome common.RecordID,
	before, after []byte,
) *Builder {
	b.UndoRedo(wal.RcvHeapUpdate, oid, HomeRow(before), RelocationRow(newHome))
	target := b.last
	b.ReplData(wal.RcvReplUpdate, class, key, target)
	b.UndoRedo(wal.RcvHeapNewHomeInsert, newHome, nil, NewHomeRow(after))
	b.lastTarget = target
	return b
}

// DDL logs a schema replication item.
func (b *Builder) DDL(class, ddl, user string) *Builder {
	return b.ReplSchema(wal.SchemaPayload{StatementType: 1, ClassName: class, DDL: ddl, DBUser: user})
}
