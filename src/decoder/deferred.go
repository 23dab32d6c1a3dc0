package decoder

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

// findLater scans forward from home for the first data record of the same
// transaction with recovery index rcv at target. The scan gives up at the
// end of that transaction.
func (d *Decoder) findLater(ctx context.Context, home wal.DataRecord, rcv wal.RcvIndex, target common.RecordID) (common.LSA, error) {
	trid := home.Hdr.TrID
	lsa := home.Hdr.ForwLSA
	if lsa.IsNil() {
		return common.NilLSA, errors.Wrapf(ErrChainBroken, "no record after the one at %s", home.DataLSA)
	}

	for {
		e, err := d.Header(ctx, lsa)
		if err != nil {
			return common.NilLSA, err
		}

		if e.Hdr.TrID == trid {
			switch e.Hdr.Type {
			case wal.TypeCommit, wal.TypeAbort, wal.TypeUnlockCommit, wal.TypeUnlockAbort:
				return common.NilLSA, errors.Wrapf(ErrChainBroken, "trid %d ended at %s without %s at %v", trid, lsa, rcv, target)
			}
			if e.Hdr.Type.IsDataRecord() {
				rec, err := d.dataRecord(ctx, lsa)
				if err != nil {
					return common.NilLSA, err
				}
				if rec.Addr.RcvIndex == rcv && rec.Addr.Target.Equal(target) {
					return lsa, nil
				}
			}
		}

		next, err := d.NextLSA(ctx, e)
		if errors.Is(err, ErrEndOfLog) {
			return common.NilLSA, errors.Wrapf(ErrChainBroken, "log ended at %s without %s at %v", lsa, rcv, target)
		}
		if err != nil {
			return common.NilLSA, err
		}
		lsa = next
	}
}
