package common

import (
	"encoding/binary"
	"fmt"

	"github.com/go-faster/errors"
)

// LSA is a log sequence address: a page id and a byte offset inside the page
// area. LSAs are totally ordered by (PageID, Offset).
type LSA struct {
	PageID PageID
	Offset int32
}

const SerializedLSASize = 12

var NilLSA = LSA{PageID: NilPageID, Offset: -1}

func NewLSA(pageID PageID, offset int32) LSA {
	return LSA{PageID: pageID, Offset: offset}
}

func (l LSA) IsNil() bool {
	return l.PageID == NilPageID
}

// Compare returns -1, 0 or 1. NilLSA sorts before every other address.
func (l LSA) Compare(other LSA) int {
	switch {
	case l.PageID < other.PageID:
		return -1
	case l.PageID > other.PageID:
		return 1
	case l.Offset < other.Offset:
		return -1
	case l.Offset > other.Offset:
		return 1
	}
	return 0
}

func (l LSA) Less(other LSA) bool {
	return l.Compare(other) < 0
}

func (l LSA) LessOrEqual(other LSA) bool {
	return l.Compare(other) <= 0
}

func (l LSA) String() string {
	if l.IsNil() {
		return "(nil)"
	}
	return fmt.Sprintf("(%d|%d)", l.PageID, l.Offset)
}

// MaxLSA returns the larger of two addresses.
func MaxLSA(a, b LSA) LSA {
	if a.Less(b) {
		return b
	}
	return a
}

func (l LSA) Put(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], uint64(l.PageID))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(l.Offset))
}

func LSAFromBytes(src []byte) LSA {
	return LSA{
		PageID: PageID(int64(binary.LittleEndian.Uint64(src[0:8]))),
		Offset: int32(binary.LittleEndian.Uint32(src[8:12])),
	}
}

func (l LSA) MarshalBinary() ([]byte, error) {
	b := make([]byte, SerializedLSASize)
	l.Put(b)
	return b, nil
}

func (l *LSA) UnmarshalBinary(data []byte) error {
	if len(data) < SerializedLSASize {
		return errors.Errorf("lsa: need %d bytes, got %d", SerializedLSASize, len(data))
	}
	*l = LSAFromBytes(data)
	return nil
}
