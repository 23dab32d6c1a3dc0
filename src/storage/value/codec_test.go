package value

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
)

func TestDecodeKeyValues(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 123456000, time.UTC)
	cases := []Value{
		Null(),
		Int(5),
		BigInt(-1 << 40),
		Double(3.25),
		String("hello"),
		Bytes([]byte{0, 1, 2}),
		NumericFromUnscaled(12345, 2),
		Datetime(ts),
	}

	w := binio.NewWriter(128)
	for _, v := range cases {
		Encode(w, v)
	}

	r := binio.NewReader(w.Bytes())
	for _, want := range cases {
		got, err := Decode(r)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "want %v got %v", want, got)
	}
	assert.Equal(t, 0, r.Remaining())
}

func TestNumericKeepsScale(t *testing.T) {
	v := NumericFromUnscaled(12345, 2)
	assert.Equal(t, "123.45", v.String())
	assert.Equal(t, "123.45", v.Any())
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	_, err := Decode(binio.NewReader([]byte{200}))
	assert.ErrorIs(t, err, ErrBadKind)
}

func TestDecodeFixedChecksWidth(t *testing.T) {
	_, err := DecodeFixed([]byte{1, 2}, KindInt)
	assert.Error(t, err)

	v, err := DecodeFixed([]byte{7, 0, 0, 0}, KindInt)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64())
}

func TestKeyDistinguishesKinds(t *testing.T) {
	assert.NotEqual(t, Int(5).Key(), String("5").Key())
	assert.Equal(t, Int(5).Key(), Int(5).Key())
}
