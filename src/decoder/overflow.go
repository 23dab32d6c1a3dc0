package decoder

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

const noOverflowPage = -1

type overflowPart struct {
	next int64
	data []byte
}

// overflow rebuilds a big row by walking the transaction chain of home
// backwards and collecting the overflow page records it wrote. The newest
// record of each page wins.
func (d *Decoder) overflow(ctx context.Context, home wal.DataRecord, first int64) ([]byte, error) {
	parts := make(map[int64]overflowPart)

	lsa := home.Hdr.PrevTranLSA
	cur := home.DataLSA
	for {
		if lsa.IsNil() {
			return nil, errors.Wrapf(ErrChainBroken, "overflow chain of page %d incomplete", first)
		}
		if !lsa.Less(cur) {
			return nil, errors.Wrapf(ErrLogPageCorrupted, "previous lsa %s does not precede %s", lsa, cur)
		}

		e, err := d.Header(ctx, lsa)
		if err != nil {
			return nil, err
		}
		if e.Hdr.TrID != home.Hdr.TrID {
			return nil, errors.Wrapf(ErrChainBroken, "record at %s belongs to trid %d", lsa, e.Hdr.TrID)
		}

		added, err := d.collectOverflow(ctx, lsa, e, parts)
		if err != nil {
			return nil, err
		}
		if added {
			data, complete, err := assemble(parts, first)
			if err != nil {
				return nil, err
			}
			if complete {
				return data, nil
			}
		}

		cur = lsa
		lsa = e.Hdr.PrevTranLSA
	}
}

func (d *Decoder) collectOverflow(ctx context.Context, lsa common.LSA, e Entry, parts map[int64]overflowPart) (bool, error) {
	if !e.Hdr.Type.IsDataRecord() {
		return false, nil
	}
	rec, err := d.dataRecord(ctx, lsa)
	if err != nil {
		return false, err
	}
	if rec.Addr.RcvIndex != wal.RcvOverflowNewPage && rec.Addr.RcvIndex != wal.RcvOverflowPageUpdate {
		return false, nil
	}

	page := rec.Addr.Target.PageID
	if _, seen := parts[page]; seen {
		return false, nil
	}

	img, err := d.Image(ctx, rec)
	if err != nil {
		return false, err
	}
	r := binio.NewReader(img)
	next := r.Int64()
	if r.Err() != nil {
		return false, errors.Wrapf(ErrShortRecord, "overflow page record at %s", lsa)
	}
	parts[page] = overflowPart{next: next, data: img[wal.OverflowPartHeaderSize:]}
	return true, nil
}

// assemble follows the next links from first. It reports false while a page
// of the chain is still missing.
func assemble(parts map[int64]overflowPart, first int64) ([]byte, bool, error) {
	size := 0
	page := first
	for steps := 0; page != noOverflowPage; steps++ {
		if steps > len(parts) {
			return nil, false, errors.Wrapf(ErrChainBroken, "overflow pages loop at %d", page)
		}
		p, ok := parts[page]
		if !ok {
			return nil, false, nil
		}
		size += len(p.data)
		page = p.next
	}
	if size > maxData {
		return nil, false, errors.Wrapf(ErrLogPageCorrupted, "big row of %d bytes", size)
	}

	out := make([]byte, 0, size)
	for page = first; page != noOverflowPage; page = parts[page].next {
		out = append(out, parts[page].data...)
	}
	return out, true, nil
}
