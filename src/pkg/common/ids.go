package common

// TxnID is a primary transaction id as it appears in log record headers.
// Zero marks a free apply-list slot.
type TxnID int32

const NilTxnID TxnID = 0

// PageID is a logical log page id.
type PageID int64

const NilPageID PageID = -1

// RecordID addresses a heap slot of the primary database: the data page a
// redo/undo record changed and the slot within it.
type RecordID struct {
	VolID  int32
	PageID int64
	SlotID int32
}

func (r RecordID) Equal(other RecordID) bool {
	return r.VolID == other.VolID && r.PageID == other.PageID && r.SlotID == other.SlotID
}
