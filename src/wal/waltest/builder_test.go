package waltest

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
	"github.com/Blackdeer1524/walapply/src/wal"
)

func walk(t *testing.T, b *Builder, from common.LSA) []wal.RecordHeader {
	t.Helper()

	var out []wal.RecordHeader
	for lsa := from; !lsa.IsNil(); {
		area := wal.Area(b.Page(lsa.PageID))
		require.LessOrEqual(t, int(lsa.Offset)+wal.RecordHeaderSize, len(area), "header straddles at %v", lsa)

		h := wal.DecodeRecordHeader(binio.NewReader(area[lsa.Offset:]))
		out = append(out, h)
		if h.Type == wal.TypeEndOfLog {
			break
		}
		require.True(t, lsa.Less(h.ForwLSA), "forw of %v goes back to %v", lsa, h.ForwLSA)
		lsa = h.ForwLSA
	}
	return out
}

func TestBuilderChainsRecords(t *testing.T) {
	b := New(128)
	for i := range 20 {
		b.Txn(common.TxnID(i%3+1)).
			InsertRow("t", value.Int(int32(i)), common.RecordID{PageID: int64(i)}, []byte("some row bytes"))
	}
	b.Txn(1).Commit().EndOfLog()
	require.NoError(t, b.Err())

	hdrs := walk(t, b, common.NewLSA(0, 0))
	require.Len(t, hdrs, 20*2+2)
	assert.Equal(t, wal.TypeEndOfLog, hdrs[len(hdrs)-1].Type)

	// prevTranLSA links only records of the same transaction
	for _, h := range hdrs {
		if h.TrID == 0 || h.PrevTranLSA.IsNil() {
			continue
		}
		area := wal.Area(b.Page(h.PrevTranLSA.PageID))
		prev := wal.DecodeRecordHeader(binio.NewReader(area[h.PrevTranLSA.Offset:]))
		assert.Equal(t, h.TrID, prev.TrID)
	}

	for id := range common.PageID(b.NumPages()) {
		ph := wal.DecodePageHeader(b.Page(id))
		assert.Equal(t, id, ph.LogicalPageID)
	}
}

func TestBuilderOverwritesEndOfLog(t *testing.T) {
	b := New(DefaultPageSize)
	b.Txn(1).UnlockCommit().EndOfLog()
	eol := b.EndLSA()

	b.Txn(1).Commit()
	assert.Equal(t, eol, b.Last())

	b.EndOfLog()
	hdrs := walk(t, b, common.NewLSA(0, 0))
	require.Len(t, hdrs, 3)
	assert.Equal(t, wal.TypeCommit, hdrs[1].Type)
}

func TestFlushArchivesOldPages(t *testing.T) {
	fs := afero.NewMemMapFs()
	b := New(128)
	for i := range 40 {
		b.Txn(1).InsertRow("t", value.Int(int32(i)), common.RecordID{}, []byte("0123456789"))
	}
	b.EndOfLog()

	h, err := b.Flush(fs, "/log", "db", VolumeOptions{TotalPages: 4, PagesPerArchive: 5})
	require.NoError(t, err)

	assert.Equal(t, b.EndLSA(), h.AppendLSA)
	require.Greater(t, h.NextArchiveNum, int32(0))

	raw, err := afero.ReadFile(fs, "/log/db_lgar000")
	require.NoError(t, err)
	ah, err := wal.DecodeArchiveHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, common.PageID(0), ah.FirstPageID)
	assert.Equal(t, int32(5), ah.NumPages)

	active, err := afero.ReadFile(fs, "/log/db_lgat")
	require.NoError(t, err)
	got, err := wal.DecodeActiveHeader(active)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	slot := h.PhysicalPage(h.AppendLSA.PageID)
	page := active[slot*128 : (slot+1)*128]
	assert.True(t, wal.VerifyPage(page))
	assert.Equal(t, h.AppendLSA.PageID, wal.DecodePageHeader(page).LogicalPageID)
}

func TestEncodeRowLayout(t *testing.T) {
	kinds := []value.Kind{value.KindInt, value.KindString, value.KindBigInt, value.KindString}
	row := EncodeRow(kinds, []value.Value{value.Int(7), value.String("ab"), value.Null(), value.String("xyz")})

	r := binio.NewReader(row)
	assert.Equal(t, uint32(1), r.Uint32())
	offs := []uint32{r.Uint32(), r.Uint32(), r.Uint32()}

	// 4 repr + 12 offsets + 12 fixed + 1 bound byte
	assert.Equal(t, []uint32{29, 31, 34}, offs)
	assert.Equal(t, int32(7), r.Int32())
	r.Skip(8)
	assert.Equal(t, uint8(0b01), r.Uint8())
	assert.Equal(t, "abxyz", string(r.Bytes(5)))
	require.NoError(t, r.Err())
}
