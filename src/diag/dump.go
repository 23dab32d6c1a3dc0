package diag

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/Blackdeer1524/walapply/src/bufferpool"
	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

// Pages is the part of a log volume a dump reads from.
type Pages interface {
	bufferpool.Fetcher
	PageSize() int
}

type Record struct {
	LSA common.LSA
	Hdr wal.RecordHeader
}

// PageDump describes one log page and the records that start in it.
type PageDump struct {
	PageID        common.PageID
	LogicalPageID common.PageID
	InArchive     bool
	FirstRecord   int32
	ChecksumOK    bool
	Records       []Record

	// Broken is set when the forward chain leaves the page area or runs
	// backwards before reaching the page end.
	Broken string
}

// ReadPage fetches pageID and walks its forward chain from the first record
// offset stored in the page header.
func ReadPage(ctx context.Context, vol Pages, pageID common.PageID) (PageDump, error) {
	buf := make([]byte, vol.PageSize())
	inArchive, err := vol.Fetch(ctx, pageID, buf)
	if err != nil {
		return PageDump{}, errors.Wrapf(err, "fetch page %d", pageID)
	}

	h := wal.DecodePageHeader(buf)
	d := PageDump{
		PageID:        pageID,
		LogicalPageID: h.LogicalPageID,
		InArchive:     inArchive,
		FirstRecord:   h.FirstRecordOffset,
		ChecksumOK:    wal.VerifyPage(buf),
	}
	if h.FirstRecordOffset == wal.NoRecordOffset {
		return d, nil
	}

	area := wal.Area(buf)
	offset := h.FirstRecordOffset
	for {
		if offset < 0 || int(offset)+wal.RecordHeaderSize > len(area) {
			d.Broken = fmt.Sprintf("record header at offset %d outside page area", offset)
			return d, nil
		}

		hdr := wal.DecodeRecordHeader(binio.NewReader(area[offset:]))
		d.Records = append(d.Records, Record{LSA: common.NewLSA(pageID, offset), Hdr: hdr})

		switch {
		case !hdr.Type.Valid():
			d.Broken = fmt.Sprintf("invalid record type %d at offset %d", uint16(hdr.Type), offset)
			return d, nil
		case hdr.Type == wal.TypeEndOfLog || hdr.Type == wal.TypeDummyFillPageForArchive:
			return d, nil
		case hdr.ForwLSA.IsNil() || hdr.ForwLSA.PageID != pageID:
			return d, nil
		case hdr.ForwLSA.Offset <= offset:
			d.Broken = fmt.Sprintf("forward lsa %s does not advance past offset %d", hdr.ForwLSA, offset)
			return d, nil
		}
		offset = hdr.ForwLSA.Offset
	}
}

// DumpPage writes the page description as an aligned table or, with asJSON,
// as a single JSON object.
func DumpPage(ctx context.Context, vol Pages, pageID common.PageID, w io.Writer, asJSON bool) error {
	d, err := ReadPage(ctx, vol, pageID)
	if err != nil {
		return err
	}

	if asJSON {
		_, err = w.Write(d.JSON())
		return err
	}
	return d.WriteText(w)
}

func (d PageDump) WriteText(w io.Writer) error {
	source := "active"
	if d.InArchive {
		source = "archive"
	}
	if _, err := fmt.Fprintf(w,
		"page %d (logical %d, %s) first record %d checksum ok %v\n",
		d.PageID, d.LogicalPageID, source, d.FirstRecord, d.ChecksumOK,
	); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LSA\tTYPE\tTRID\tPREV\tBACK\tFORW")
	for _, r := range d.Records {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			r.LSA, r.Hdr.Type, r.Hdr.TrID, r.Hdr.PrevTranLSA, r.Hdr.BackLSA, r.Hdr.ForwLSA)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if d.Broken != "" {
		_, err := fmt.Fprintf(w, "chain broken: %s\n", d.Broken)
		return err
	}
	return nil
}

func (d PageDump) JSON() []byte {
	var e jx.Encoder
	e.ObjStart()

	e.FieldStart("page_id")
	e.Int64(int64(d.PageID))
	e.FieldStart("logical_page_id")
	e.Int64(int64(d.LogicalPageID))
	e.FieldStart("in_archive")
	e.Bool(d.InArchive)
	e.FieldStart("first_record_offset")
	e.Int32(d.FirstRecord)
	e.FieldStart("checksum_ok")
	e.Bool(d.ChecksumOK)

	e.FieldStart("records")
	e.ArrStart()
	for _, r := range d.Records {
		e.ObjStart()
		e.FieldStart("lsa")
		encodeLSA(&e, r.LSA)
		e.FieldStart("type")
		e.Str(r.Hdr.Type.String())
		e.FieldStart("trid")
		e.Int32(int32(r.Hdr.TrID))
		e.FieldStart("prev_tran_lsa")
		encodeLSA(&e, r.Hdr.PrevTranLSA)
		e.FieldStart("back_lsa")
		encodeLSA(&e, r.Hdr.BackLSA)
		e.FieldStart("forw_lsa")
		encodeLSA(&e, r.Hdr.ForwLSA)
		e.ObjEnd()
	}
	e.ArrEnd()

	if d.Broken != "" {
		e.FieldStart("broken")
		e.Str(d.Broken)
	}

	e.ObjEnd()
	return append(e.Bytes(), '\n')
}

func encodeLSA(e *jx.Encoder, lsa common.LSA) {
	if lsa.IsNil() {
		e.Null()
		return
	}
	e.ObjStart()
	e.FieldStart("page")
	e.Int64(int64(lsa.PageID))
	e.FieldStart("offset")
	e.Int32(lsa.Offset)
	e.ObjEnd()
}
