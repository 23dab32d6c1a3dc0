package value

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Kind uint8

const (
	KindNull Kind = iota
	KindInt
	KindBigInt
	KindDouble
	KindString
	KindBytes
	KindNumeric
	KindDatetime
	kindEnd
)

func (k Kind) Valid() bool {
	return k < kindEnd
}

// FixedSize is the on-disk width of a fixed-length column of this kind, or
// zero when the kind is stored in the variable area of a row image.
func (k Kind) FixedSize() int {
	switch k {
	case KindInt:
		return 4
	case KindBigInt, KindDouble, KindDatetime:
		return 8
	case KindNumeric:
		return 12
	default:
		return 0
	}
}

func (k Kind) IsFixed() bool {
	return k.FixedSize() > 0
}

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "NULL"
	case KindInt:
		return "INT"
	case KindBigInt:
		return "BIGINT"
	case KindDouble:
		return "DOUBLE"
	case KindString:
		return "STRING"
	case KindBytes:
		return "BYTES"
	case KindNumeric:
		return "NUMERIC"
	case KindDatetime:
		return "DATETIME"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Value is a database value as carried by replication items and row images.
type Value struct {
	Kind Kind

	i   int64
	f   float64
	s   string
	dec decimal.Decimal
	t   time.Time
}

func Null() Value { return Value{Kind: KindNull} }

func Int(v int32) Value { return Value{Kind: KindInt, i: int64(v)} }

func BigInt(v int64) Value { return Value{Kind: KindBigInt, i: v} }

func Double(v float64) Value { return Value{Kind: KindDouble, f: v} }

func String(v string) Value { return Value{Kind: KindString, s: v} }

func Bytes(v []byte) Value { return Value{Kind: KindBytes, s: string(v)} }

func Numeric(v decimal.Decimal) Value { return Value{Kind: KindNumeric, dec: v} }

// NumericFromUnscaled builds unscaled * 10^-scale.
func NumericFromUnscaled(unscaled int64, scale int32) Value {
	return Numeric(decimal.New(unscaled, -scale))
}

// Datetime values keep microsecond precision in UTC.
func Datetime(v time.Time) Value {
	return Value{Kind: KindDatetime, t: v.UTC().Truncate(time.Microsecond)}
}

func (v Value) IsNull() bool { return v.Kind == KindNull }

// Any returns the Go representation handed to database drivers.
func (v Value) Any() any {
	switch v.Kind {
	case KindInt, KindBigInt:
		return v.i
	case KindDouble:
		return v.f
	case KindString:
		return v.s
	case KindBytes:
		return []byte(v.s)
	case KindNumeric:
		return v.dec.String()
	case KindDatetime:
		return v.t
	default:
		return nil
	}
}

func (v Value) Int64() int64 { return v.i }

func (v Value) Float64() float64 { return v.f }

func (v Value) Str() string { return v.s }

func (v Value) Decimal() decimal.Decimal { return v.dec }

func (v Value) Time() time.Time { return v.t }

// Equal compares kind and content; numerics compare by value, not scale.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindInt, KindBigInt:
		return v.i == other.i
	case KindDouble:
		return v.f == other.f
	case KindString, KindBytes:
		return v.s == other.s
	case KindNumeric:
		return v.dec.Equal(other.dec)
	case KindDatetime:
		return v.t.Equal(other.t)
	}
	return false
}

// Key renders the value as a map key that distinguishes kinds.
func (v Value) Key() string {
	return v.Kind.String() + ":" + v.String()
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "NULL"
	case KindInt, KindBigInt:
		return fmt.Sprint(v.i)
	case KindDouble:
		return fmt.Sprint(v.f)
	case KindString:
		return v.s
	case KindBytes:
		return fmt.Sprintf("%x", v.s)
	case KindNumeric:
		return v.dec.String()
	case KindDatetime:
		return v.t.Format(time.RFC3339Nano)
	}
	return "?"
}
