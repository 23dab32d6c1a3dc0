package replay

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/walapply/src/storage/value"
	"github.com/Blackdeer1524/walapply/src/wal/waltest"
)

func assertRow(t *testing.T, want, got []value.Value) {
	t.Helper()

	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Equal(got[i]), "column %d: want %s, got %s", i, want[i], got[i])
	}
}

func TestDecodeRowAllKinds(t *testing.T) {
	kinds := []value.Kind{
		value.KindInt,
		value.KindString,
		value.KindBigInt,
		value.KindBytes,
		value.KindDouble,
		value.KindNumeric,
		value.KindDatetime,
		value.KindString,
	}
	vals := []value.Value{
		value.Int(-7),
		value.String("hello"),
		value.Null(),
		value.Bytes([]byte{0, 1, 2}),
		value.Double(2.5),
		value.NumericFromUnscaled(-12345, 3),
		value.Datetime(time.Date(2024, 2, 29, 12, 0, 0, 1000, time.UTC)),
		value.Null(),
	}

	row, err := DecodeRow(waltest.EncodeRow(kinds, vals), kinds)
	require.NoError(t, err)
	assertRow(t, vals, row)
}

func TestDecodeRowManyFixedColumns(t *testing.T) {
	// more than eight fixed columns need a second bound byte
	kinds := make([]value.Kind, 11)
	vals := make([]value.Value, 11)
	for i := range kinds {
		kinds[i] = value.KindInt
		vals[i] = value.Int(int32(i))
		if i%3 == 0 {
			vals[i] = value.Null()
		}
	}

	row, err := DecodeRow(waltest.EncodeRow(kinds, vals), kinds)
	require.NoError(t, err)
	assertRow(t, vals, row)
}

func TestDecodeRowTruncated(t *testing.T) {
	kinds := []value.Kind{value.KindInt, value.KindString, value.KindBigInt}
	image := waltest.EncodeRow(kinds, []value.Value{value.Int(1), value.String("abc"), value.BigInt(2)})

	for n := range len(image) {
		_, err := DecodeRow(image[:n], kinds)
		assert.ErrorIs(t, err, ErrMalformedRow, "prefix of %d bytes", n)
	}
}

func TestDecodeRowBadVarOffsets(t *testing.T) {
	kinds := []value.Kind{value.KindInt, value.KindString}
	image := waltest.EncodeRow(kinds, []value.Value{value.Int(1), value.String("abc")})

	tooFar := append([]byte(nil), image...)
	binary.LittleEndian.PutUint32(tooFar[8:], uint32(len(image)+10))
	_, err := DecodeRow(tooFar, kinds)
	assert.ErrorIs(t, err, ErrMalformedRow)

	backwards := append([]byte(nil), image...)
	binary.LittleEndian.PutUint32(backwards[4:], uint32(len(image)))
	_, err = DecodeRow(backwards, kinds)
	assert.ErrorIs(t, err, ErrMalformedRow)

	intoHeader := append([]byte(nil), image...)
	binary.LittleEndian.PutUint32(intoHeader[4:], 0)
	_, err = DecodeRow(intoHeader, kinds)
	assert.ErrorIs(t, err, ErrMalformedRow)
}

func TestDecodeRowRejectsNullKind(t *testing.T) {
	_, err := DecodeRow([]byte{0, 0, 0, 0}, []value.Kind{value.KindNull})
	assert.ErrorIs(t, err, ErrMalformedRow)
}
