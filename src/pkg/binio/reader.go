package binio

import (
	"encoding/binary"
	"math"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

var ErrShortBuffer = errors.New("short buffer")

// Reader is a bounds-checked little-endian cursor over a byte slice. The
// first failed read latches an error; every later read is a no-op returning
// zero values, so callers may check Err once after a group of reads.
type Reader struct {
	buf []byte
	pos int
	err error
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) Pos() int {
	return r.pos
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.pos
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.Remaining() < n {
		r.err = errors.Wrapf(ErrShortBuffer, "need %d bytes at offset %d, have %d", n, r.pos, r.Remaining())
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Skip(n int) {
	r.take(n)
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Int16() int16 { return int16(r.Uint16()) }

func (r *Reader) Int32() int32 { return int32(r.Uint32()) }

func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

func (r *Reader) LSA() common.LSA {
	b := r.take(common.SerializedLSASize)
	if b == nil {
		return common.NilLSA
	}
	return common.LSAFromBytes(b)
}

func (r *Reader) Uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		r.err = errors.Wrapf(ErrShortBuffer, "bad uvarint at offset %d", r.pos)
		return 0
	}
	r.pos += n
	return v
}

// Bytes returns a sub-slice of the underlying buffer; it is not copied.
func (r *Reader) Bytes(n int) []byte {
	return r.take(n)
}

// String reads a u32 length prefix followed by that many bytes.
func (r *Reader) String() string {
	n := r.Uint32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(r.Remaining()) {
		r.err = errors.Wrapf(ErrShortBuffer, "string of %d bytes at offset %d, have %d", n, r.pos, r.Remaining())
		return ""
	}
	return string(r.take(int(n)))
}
