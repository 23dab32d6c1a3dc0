package replay

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/storage/value"
)

var ErrMalformedRow = errors.New("malformed row image")

// DecodeRow turns a heap row image into values in schema column order.
//
// The image starts with a representation id and the var offset table
// (one absolute offset per variable column plus the end of the var area).
// The fixed area follows, then one bound bit per fixed column; a clear bit
// means NULL. A variable column of zero length is NULL.
func DecodeRow(image []byte, kinds []value.Kind) ([]value.Value, error) {
	var fixed, variable []int
	fixedSize := 0
	for i, k := range kinds {
		if !k.Valid() || k == value.KindNull {
			return nil, errors.Wrapf(ErrMalformedRow, "column %d has kind %s", i, k)
		}
		if k.IsFixed() {
			fixed = append(fixed, i)
			fixedSize += k.FixedSize()
		} else {
			variable = append(variable, i)
		}
	}

	r := binio.NewReader(image)
	r.Uint32() // representation id

	offsets := make([]int, len(variable)+1)
	for n := range offsets {
		offsets[n] = int(r.Uint32())
	}
	fixedArea := r.Bytes(fixedSize)
	bound := r.Bytes((len(fixed) + 7) / 8)
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(ErrMalformedRow, err.Error())
	}
	varStart := r.Pos()

	row := make([]value.Value, len(kinds))

	pos := 0
	for n, i := range fixed {
		size := kinds[i].FixedSize()
		body := fixedArea[pos : pos+size]
		pos += size

		if bound[n/8]&(1<<(n%8)) == 0 {
			row[i] = value.Null()
			continue
		}
		v, err := value.DecodeFixed(body, kinds[i])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRow, "column %d: %s", i, err)
		}
		row[i] = v
	}

	for n, i := range variable {
		start, end := offsets[n], offsets[n+1]
		if start < varStart || end < start || end > len(image) {
			return nil, errors.Wrapf(ErrMalformedRow,
				"column %d spans [%d, %d) outside var area [%d, %d)", i, start, end, varStart, len(image))
		}
		if start == end {
			row[i] = value.Null()
			continue
		}
		v, err := value.DecodeVariable(image[start:end], kinds[i])
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedRow, "column %d: %s", i, err)
		}
		row[i] = v
	}
	return row, nil
}
