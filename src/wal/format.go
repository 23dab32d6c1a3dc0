package wal

import (
	"fmt"

	"github.com/OneOfOne/xxhash"
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

const (
	PageHeaderSize   = 16
	RecordHeaderSize = 3*common.SerializedLSASize + 4 + 2 + 2
	RecAddrSize      = 20

	UndoRedoSize    = RecAddrSize + 4 + 4
	UndoOrRedoSize  = RecAddrSize + 4
	ReplicationSize = common.SerializedLSASize + 4 + 4
	DonetimeSize    = 8
	TopOpeSize      = 2 * common.SerializedLSASize
	HAStateSize     = 4 + 8

	// OverflowPartHeaderSize prefixes every overflow part payload with the
	// id of the next overflow page.
	OverflowPartHeaderSize = 8

	// forwLSAOffset is where forwLSA lives inside a record header.
	forwLSAOffset = 2 * common.SerializedLSASize

	compressedFlag = uint32(0x80000000)
)

var (
	ErrBadMagic    = errors.New("bad volume magic")
	ErrBadPageSize = errors.New("bad page size")
)

var (
	activeMagic  = [8]byte{'W', 'A', 'L', 'A', 'C', 'T', 'V', '1'}
	archiveMagic = [8]byte{'W', 'A', 'L', 'A', 'R', 'C', 'V', '1'}
)

// ActiveHeader is page 0 of the active log volume. The primary rewrites it
// while appending.
type ActiveHeader struct {
	PageSize          uint32
	TotalPages        int32
	FirstPageID       common.PageID
	AppendLSA         common.LSA
	EOFLSA            common.LSA
	ChkptLSA          common.LSA
	NextArchivePageID common.PageID
	NextArchiveNum    int32
	HAServerState     HAServerState
	HAFileStatus      HAFileStatus
}

const activeHeaderSize = 8 + 4 + 4 + 8 + 3*common.SerializedLSASize + 8 + 4 + 1 + 1

// PhysicalPage maps a logical page id onto its ring slot. Slot 0 is the
// header page, so ring slots start at 1.
func (h ActiveHeader) PhysicalPage(pageID common.PageID) int64 {
	total := int64(h.TotalPages)
	rel := (int64(pageID) - int64(h.FirstPageID)) % total
	if rel < 0 {
		rel += total
	}
	return rel + 1
}

// InWindow reports whether pageID is still held by the active ring.
func (h ActiveHeader) InWindow(pageID common.PageID) bool {
	return pageID > h.AppendLSA.PageID-common.PageID(h.TotalPages) &&
		pageID <= h.AppendLSA.PageID
}

func (h ActiveHeader) Encode() []byte {
	w := binio.NewWriter(activeHeaderSize)
	w.Raw(activeMagic[:])
	w.Uint32(h.PageSize)
	w.Int32(h.TotalPages)
	w.Int64(int64(h.FirstPageID))
	w.LSA(h.AppendLSA)
	w.LSA(h.EOFLSA)
	w.LSA(h.ChkptLSA)
	w.Int64(int64(h.NextArchivePageID))
	w.Int32(h.NextArchiveNum)
	w.Uint8(uint8(h.HAServerState))
	w.Uint8(uint8(h.HAFileStatus))
	return w.Bytes()
}

func DecodeActiveHeader(b []byte) (ActiveHeader, error) {
	r := binio.NewReader(b)

	magic := r.Bytes(len(activeMagic))
	h := ActiveHeader{
		PageSize:          r.Uint32(),
		TotalPages:        r.Int32(),
		FirstPageID:       common.PageID(r.Int64()),
		AppendLSA:         r.LSA(),
		EOFLSA:            r.LSA(),
		ChkptLSA:          r.LSA(),
		NextArchivePageID: common.PageID(r.Int64()),
		NextArchiveNum:    r.Int32(),
		HAServerState:     HAServerState(r.Uint8()),
		HAFileStatus:      HAFileStatus(r.Uint8()),
	}
	if err := r.Err(); err != nil {
		return ActiveHeader{}, errors.Wrap(err, "active header")
	}
	if string(magic) != string(activeMagic[:]) {
		return ActiveHeader{}, errors.Wrapf(ErrBadMagic, "active header magic %q", magic)
	}
	if err := validPageSize(h.PageSize); err != nil {
		return ActiveHeader{}, err
	}
	if h.TotalPages <= 0 {
		return ActiveHeader{}, errors.Errorf("active header: total pages %d", h.TotalPages)
	}
	return h, nil
}

// PeekPageSize reads the page size of either volume kind from the first
// bytes of its header page.
func PeekPageSize(b []byte) (uint32, error) {
	r := binio.NewReader(b)
	r.Skip(len(activeMagic))
	size := r.Uint32()
	if err := r.Err(); err != nil {
		return 0, errors.Wrap(err, "peek page size")
	}
	return size, validPageSize(size)
}

func validPageSize(size uint32) error {
	if size < PageHeaderSize+RecordHeaderSize+UndoRedoSize || size > 1<<20 {
		return errors.Wrapf(ErrBadPageSize, "page size %d", size)
	}
	return nil
}

// ArchiveHeader is page 0 of an archive volume.
type ArchiveHeader struct {
	PageSize    uint32
	FirstPageID common.PageID
	NumPages    int32
	ArchiveNum  int32
}

const archiveHeaderSize = 8 + 4 + 8 + 4 + 4

func (h ArchiveHeader) Contains(pageID common.PageID) bool {
	return pageID >= h.FirstPageID && pageID < h.FirstPageID+common.PageID(h.NumPages)
}

func (h ArchiveHeader) LastPageID() common.PageID {
	return h.FirstPageID + common.PageID(h.NumPages) - 1
}

// PhysicalPage is the slot of pageID inside the archive; the header is slot 0.
func (h ArchiveHeader) PhysicalPage(pageID common.PageID) int64 {
	return int64(pageID-h.FirstPageID) + 1
}

func (h ArchiveHeader) Encode() []byte {
	w := binio.NewWriter(archiveHeaderSize)
	w.Raw(archiveMagic[:])
	w.Uint32(h.PageSize)
	w.Int64(int64(h.FirstPageID))
	w.Int32(h.NumPages)
	w.Int32(h.ArchiveNum)
	return w.Bytes()
}

func DecodeArchiveHeader(b []byte) (ArchiveHeader, error) {
	r := binio.NewReader(b)

	magic := r.Bytes(len(archiveMagic))
	h := ArchiveHeader{
		PageSize:    r.Uint32(),
		FirstPageID: common.PageID(r.Int64()),
		NumPages:    r.Int32(),
		ArchiveNum:  r.Int32(),
	}
	if err := r.Err(); err != nil {
		return ArchiveHeader{}, errors.Wrap(err, "archive header")
	}
	if string(magic) != string(archiveMagic[:]) {
		return ArchiveHeader{}, errors.Wrapf(ErrBadMagic, "archive header magic %q", magic)
	}
	if err := validPageSize(h.PageSize); err != nil {
		return ArchiveHeader{}, err
	}
	return h, nil
}

// PageHeader opens every log page.
type PageHeader struct {
	LogicalPageID     common.PageID
	FirstRecordOffset int32
	Checksum          uint32
}

const NoRecordOffset int32 = -1

func DecodePageHeader(page []byte) PageHeader {
	r := binio.NewReader(page[:PageHeaderSize])
	return PageHeader{
		LogicalPageID:     common.PageID(r.Int64()),
		FirstRecordOffset: r.Int32(),
		Checksum:          r.Uint32(),
	}
}

func (h PageHeader) Put(page []byte) {
	w := binio.NewWriter(PageHeaderSize)
	w.Int64(int64(h.LogicalPageID))
	w.Int32(h.FirstRecordOffset)
	w.Uint32(h.Checksum)
	copy(page, w.Bytes())
}

// Area is the record area of a page.
func Area(page []byte) []byte {
	return page[PageHeaderSize:]
}

func PageChecksum(area []byte) uint32 {
	sum := xxhash.Checksum32(area)
	if sum == 0 {
		// zero is reserved for "not computed"
		sum = 1
	}
	return sum
}

// VerifyPage checks the stored checksum, if any, against the page area.
func VerifyPage(page []byte) bool {
	h := DecodePageHeader(page)
	if h.Checksum == 0 {
		return true
	}
	return PageChecksum(Area(page)) == h.Checksum
}

// RecordHeader is the generic header every log record starts with.
type RecordHeader struct {
	PrevTranLSA common.LSA
	BackLSA     common.LSA
	ForwLSA     common.LSA
	TrID        common.TxnID
	Type        RecordType
}

func DecodeRecordHeader(r *binio.Reader) RecordHeader {
	h := RecordHeader{
		PrevTranLSA: r.LSA(),
		BackLSA:     r.LSA(),
		ForwLSA:     r.LSA(),
		TrID:        common.TxnID(r.Int32()),
		Type:        RecordType(r.Uint16()),
	}
	r.Skip(2)
	return h
}

func (h RecordHeader) Encode(w *binio.Writer) {
	w.LSA(h.PrevTranLSA)
	w.LSA(h.BackLSA)
	w.LSA(h.ForwLSA)
	w.Int32(int32(h.TrID))
	w.Uint16(uint16(h.Type))
	w.Pad(2)
}

// PatchForwLSA rewrites forwLSA of an already encoded header in place.
func PatchForwLSA(encodedHeader []byte, forw common.LSA) {
	forw.Put(encodedHeader[forwLSAOffset : forwLSAOffset+common.SerializedLSASize])
}

// RecAddr is the heap location a data record changed together with the
// recovery index of the change.
type RecAddr struct {
	RcvIndex RcvIndex
	Target   common.RecordID
}

func DecodeRecAddr(r *binio.Reader) RecAddr {
	return RecAddr{
		RcvIndex: RcvIndex(r.Int32()),
		Target: common.RecordID{
			VolID:  r.Int32(),
			PageID: r.Int64(),
			SlotID: r.Int32(),
		},
	}
}

func (a RecAddr) Encode(w *binio.Writer) {
	w.Int32(int32(a.RcvIndex))
	w.Int32(a.Target.VolID)
	w.Int64(a.Target.PageID)
	w.Int32(a.Target.SlotID)
}

// Length is a raw data length field: the top bit flags a compressed blob.
type Length uint32

func MakeLength(n int, compressed bool) Length {
	l := Length(uint32(n) &^ compressedFlag)
	if compressed {
		l |= Length(compressedFlag)
	}
	return l
}

func (l Length) Compressed() bool {
	return uint32(l)&compressedFlag != 0
}

// Stored is the number of bytes the field occupies in the log.
func (l Length) Stored() int {
	return int(uint32(l) &^ compressedFlag)
}

// FixedSize returns the size of the type-specific struct following the
// generic header.
func FixedSize(t RecordType) int {
	switch t {
	case TypeUndoRedo, TypeDiffUndoRedo:
		return UndoRedoSize
	case TypeUndo, TypeRedo:
		return UndoOrRedoSize
	case TypeReplicationData, TypeReplicationSchema:
		return ReplicationSize
	case TypeCommit, TypeUnlockCommit, TypeAbort, TypeUnlockAbort:
		return DonetimeSize
	case TypeCommitTopOpe:
		return TopOpeSize
	case TypeDummyHAServerState:
		return HAStateSize
	default:
		return 0
	}
}

func ActiveVolumeName(db string) string {
	return db + "_lgat"
}

func ArchiveVolumeName(db string, num int32) string {
	return fmt.Sprintf("%s_lgar%03d", db, num)
}
