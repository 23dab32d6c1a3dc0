package diag

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/walapply/src/logvol"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
	"github.com/Blackdeer1524/walapply/src/wal/waltest"
)

const pageSize = 256

type builderPages struct {
	b *waltest.Builder
}

func (p builderPages) PageSize() int { return p.b.PageSize() }

func (p builderPages) Fetch(_ context.Context, id common.PageID, buf []byte) (bool, error) {
	copy(buf, p.b.Page(id))
	return false, nil
}

func TestReadPageWalksRecords(t *testing.T) {
	b := waltest.New(pageSize)
	first := b.Txn(1).Commit().Last()
	second := b.Txn(2).UnlockCommit().Last()
	ha := b.HAState(wal.HAServerActive).Last()
	b.EndOfLog()
	eol := b.EndLSA()
	require.NoError(t, b.Err())

	d, err := ReadPage(context.Background(), builderPages{b}, 0)
	require.NoError(t, err)
	assert.Empty(t, d.Broken)
	assert.Equal(t, common.PageID(0), d.LogicalPageID)
	assert.Equal(t, int32(0), d.FirstRecord)

	require.Len(t, d.Records, 4)
	assert.Equal(t, []common.LSA{first, second, ha, eol}, []common.LSA{
		d.Records[0].LSA, d.Records[1].LSA, d.Records[2].LSA, d.Records[3].LSA,
	})
	assert.Equal(t, wal.TypeCommit, d.Records[0].Hdr.Type)
	assert.Equal(t, common.TxnID(2), d.Records[1].Hdr.TrID)
	assert.Equal(t, second, d.Records[2].Hdr.BackLSA)
	assert.Equal(t, wal.TypeEndOfLog, d.Records[3].Hdr.Type)
}

func TestReadPageStopsAtPageEnd(t *testing.T) {
	b := waltest.New(pageSize)
	for i := range 20 {
		b.Txn(common.TxnID(i + 1)).Commit()
	}
	b.EndOfLog()
	require.NoError(t, b.Err())
	require.Greater(t, b.NumPages(), 2)

	d, err := ReadPage(context.Background(), builderPages{b}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, d.Records)
	for _, r := range d.Records {
		assert.Equal(t, common.PageID(1), r.LSA.PageID)
	}
	// the last record on the page chains into the next one
	assert.Equal(t, common.PageID(2), d.Records[len(d.Records)-1].Hdr.ForwLSA.PageID)
}

func TestReadPageReportsBrokenChain(t *testing.T) {
	b := waltest.New(pageSize)
	first := b.Txn(1).Commit().Last()
	b.Txn(2).Commit()
	b.EndOfLog()
	b.PatchForw(first, common.NewLSA(0, 0))

	d, err := ReadPage(context.Background(), builderPages{b}, 0)
	require.NoError(t, err)
	assert.Len(t, d.Records, 1)
	assert.Contains(t, d.Broken, "does not advance")
}

func TestDumpPageText(t *testing.T) {
	b := waltest.New(pageSize)
	b.Txn(7).Commit()
	b.EndOfLog()

	var out bytes.Buffer
	require.NoError(t, DumpPage(context.Background(), builderPages{b}, 0, &out, false))

	text := out.String()
	assert.Contains(t, text, "page 0 (logical 0, active)")
	assert.Contains(t, text, "COMMIT")
	assert.Contains(t, text, "END_OF_LOG")
	assert.NotContains(t, text, "chain broken")
}

func TestDumpPageJSONThroughVolume(t *testing.T) {
	fs := afero.NewMemMapFs()
	b := waltest.New(pageSize)
	commit := b.Txn(3).Commit().Last()
	b.EndOfLog()
	_, err := b.Flush(fs, "/log", "db", waltest.VolumeOptions{TotalPages: 8})
	require.NoError(t, err)

	vol, err := logvol.Open(context.Background(), fs, "/log", "db",
		logvol.Options{ReadRetries: 1, RetryDelay: time.Millisecond}, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vol.Close() })

	var out bytes.Buffer
	require.NoError(t, DumpPage(context.Background(), vol, 0, &out, true))

	var got struct {
		PageID     int64 `json:"page_id"`
		InArchive  bool  `json:"in_archive"`
		ChecksumOK bool  `json:"checksum_ok"`
		Records    []struct {
			LSA struct {
				Page   int64 `json:"page"`
				Offset int32 `json:"offset"`
			} `json:"lsa"`
			Type     string           `json:"type"`
			TrID     int32            `json:"trid"`
			PrevTran *json.RawMessage `json:"prev_tran_lsa"`
		} `json:"records"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))

	assert.Equal(t, int64(0), got.PageID)
	assert.False(t, got.InArchive)
	assert.True(t, got.ChecksumOK)
	require.Len(t, got.Records, 2)
	assert.Equal(t, "COMMIT", got.Records[0].Type)
	assert.Equal(t, int32(3), got.Records[0].TrID)
	assert.Equal(t, commit.Offset, got.Records[0].LSA.Offset)
	assert.Nil(t, got.Records[0].PrevTran)
	assert.Equal(t, "END_OF_LOG", got.Records[1].Type)
}
