package value

import (
	"time"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
)

var ErrBadKind = errors.New("unknown value kind")

// Encode appends the tagged representation of v: a kind byte followed by the
// kind's payload.
func Encode(w *binio.Writer, v Value) {
	w.Uint8(uint8(v.Kind))
	EncodeBody(w, v)
}

// EncodeBody appends only the payload, as stored in row image columns.
func EncodeBody(w *binio.Writer, v Value) {
	switch v.Kind {
	case KindNull:
	case KindInt:
		w.Int32(int32(v.i))
	case KindBigInt:
		w.Int64(v.i)
	case KindDouble:
		w.Float64(v.f)
	case KindString, KindBytes:
		w.String(v.s)
	case KindNumeric:
		w.Int64(v.dec.Coefficient().Int64())
		w.Int32(-v.dec.Exponent())
	case KindDatetime:
		w.Int64(v.t.UnixMicro())
	}
}

func Decode(r *binio.Reader) (Value, error) {
	kind := Kind(r.Uint8())
	if err := r.Err(); err != nil {
		return Value{}, err
	}
	if !kind.Valid() {
		return Value{}, errors.Wrapf(ErrBadKind, "kind %d", uint8(kind))
	}
	return DecodeBody(r, kind)
}

func DecodeBody(r *binio.Reader, kind Kind) (Value, error) {
	var v Value
	switch kind {
	case KindNull:
		v = Null()
	case KindInt:
		v = Int(r.Int32())
	case KindBigInt:
		v = BigInt(r.Int64())
	case KindDouble:
		v = Double(r.Float64())
	case KindString:
		v = String(r.String())
	case KindBytes:
		v = Value{Kind: KindBytes, s: r.String()}
	case KindNumeric:
		unscaled := r.Int64()
		scale := r.Int32()
		v = NumericFromUnscaled(unscaled, scale)
	case KindDatetime:
		v = Datetime(time.UnixMicro(r.Int64()))
	default:
		return Value{}, errors.Wrapf(ErrBadKind, "kind %d", uint8(kind))
	}
	if err := r.Err(); err != nil {
		return Value{}, errors.Wrapf(err, "decode %s", kind)
	}
	return v, nil
}

// DecodeFixed reads a fixed-length column body of exactly kind.FixedSize() bytes.
func DecodeFixed(b []byte, kind Kind) (Value, error) {
	if len(b) != kind.FixedSize() || !kind.IsFixed() {
		return Value{}, errors.Errorf("fixed %s column needs %d bytes, got %d", kind, kind.FixedSize(), len(b))
	}
	return DecodeBody(binio.NewReader(b), kind)
}

// DecodeVariable interprets the raw bytes of a variable-area column.
func DecodeVariable(b []byte, kind Kind) (Value, error) {
	switch kind {
	case KindString:
		return String(string(b)), nil
	case KindBytes:
		return Bytes(b), nil
	default:
		return Value{}, errors.Errorf("%s is not a variable-length kind", kind)
	}
}
