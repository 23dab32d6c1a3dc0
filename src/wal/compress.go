package wal

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/go-faster/errors"
	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
)

// Codec identifies the algorithm of a compressed data blob.
type Codec uint8

const (
	CodecNone   Codec = 0
	CodecZlib   Codec = 1
	CodecLZ4    Codec = 2
	CodecSnappy Codec = 3
)

const blobHeaderSize = 1 + 4

// MaxImageSize bounds a single stored image, compressed or not, so a
// corrupted length field fails fast.
const MaxImageSize = 64 << 20

var ErrDecompress = errors.New("decompress")

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZlib:
		return "zlib"
	case CodecLZ4:
		return "lz4"
	case CodecSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// Compress wraps data into a compressed blob. It reports false when the codec
// would not shrink the data, in which case data must be stored raw.
func Compress(codec Codec, data []byte) ([]byte, bool, error) {
	var body []byte

	switch codec {
	case CodecNone:
		return data, false, nil
	case CodecZlib:
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return nil, false, errors.Wrap(err, "zlib write")
		}
		if err := zw.Close(); err != nil {
			return nil, false, errors.Wrap(err, "zlib close")
		}
		body = buf.Bytes()
	case CodecLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, false, errors.Wrap(err, "lz4 compress")
		}
		body = dst[:n]
	case CodecSnappy:
		body = snappy.Encode(nil, data)
	default:
		return nil, false, errors.Errorf("unknown codec %d", codec)
	}

	if len(body) == 0 || blobHeaderSize+len(body) >= len(data) {
		return data, false, nil
	}

	w := binio.NewWriter(blobHeaderSize + len(body))
	w.Uint8(uint8(codec))
	w.Uint32(uint32(len(data)))
	w.Raw(body)
	return w.Bytes(), true, nil
}

// Decompress expands a blob produced by Compress. Every failure wraps
// ErrDecompress.
func Decompress(blob []byte) ([]byte, error) {
	r := binio.NewReader(blob)
	codec := Codec(r.Uint8())
	origLen := int(r.Uint32())
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(ErrDecompress, err.Error())
	}
	if origLen > MaxImageSize {
		return nil, errors.Wrapf(ErrDecompress, "original length %d exceeds %d", origLen, MaxImageSize)
	}
	body := r.Bytes(r.Remaining())

	var (
		out []byte
		err error
	)
	switch codec {
	case CodecZlib:
		var zr io.ReadCloser
		zr, err = zlib.NewReader(bytes.NewReader(body))
		if err == nil {
			out = make([]byte, 0, origLen)
			buf := bytes.NewBuffer(out)
			_, err = io.Copy(buf, io.LimitReader(zr, int64(origLen)+1))
			out = buf.Bytes()
			_ = zr.Close()
		}
	case CodecLZ4:
		out = make([]byte, origLen)
		var n int
		n, err = lz4.UncompressBlock(body, out)
		out = out[:max(n, 0)]
	case CodecSnappy:
		out, err = snappy.Decode(nil, body)
	default:
		return nil, errors.Wrapf(ErrDecompress, "codec %d", uint8(codec))
	}
	if err != nil {
		return nil, errors.Wrapf(ErrDecompress, "%s: %v", codec, err)
	}
	if len(out) != origLen {
		return nil, errors.Wrapf(ErrDecompress, "%s: got %d bytes, want %d", codec, len(out), origLen)
	}
	return out, nil
}
