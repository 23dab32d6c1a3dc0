package wal

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
)

var ErrBadDiff = errors.New("bad diff")

// maxDiffImage bounds the reconstructed image so a corrupted length cannot
// force a huge allocation.
const maxDiffImage = 64 << 20

// MakeDiff encodes target as a patch against base. The patch is the target
// length followed by segments of (skip, n, n XOR bytes); positions that no
// segment covers keep the base byte, base being zero-padded to the target
// length.
func MakeDiff(base, target []byte) []byte {
	w := binio.NewWriter(16 + len(target)/2)
	w.Uvarint(uint64(len(target)))

	at := func(i int) byte {
		if i < len(base) {
			return base[i]
		}
		return 0
	}

	last := 0
	for i := 0; i < len(target); {
		if target[i] == at(i) {
			i++
			continue
		}
		start := i
		for i < len(target) && target[i] != at(i) {
			i++
		}
		w.Uvarint(uint64(start - last))
		w.Uvarint(uint64(i - start))
		for j := start; j < i; j++ {
			w.Uint8(target[j] ^ at(j))
		}
		last = i
	}
	return w.Bytes()
}

// ApplyDiff rebuilds the image MakeDiff was given as target.
func ApplyDiff(base, diff []byte) ([]byte, error) {
	r := binio.NewReader(diff)

	newLen := r.Uvarint()
	if err := r.Err(); err != nil {
		return nil, errors.Wrap(ErrBadDiff, err.Error())
	}
	if newLen > maxDiffImage {
		return nil, errors.Wrapf(ErrBadDiff, "image length %d", newLen)
	}

	out := make([]byte, newLen)
	copy(out, base)

	pos := uint64(0)
	for r.Remaining() > 0 {
		skip := r.Uvarint()
		n := r.Uvarint()
		if err := r.Err(); err != nil {
			return nil, errors.Wrap(ErrBadDiff, err.Error())
		}
		if skip > newLen-pos || n > newLen-pos-skip {
			return nil, errors.Wrapf(ErrBadDiff, "segment %d+%d past image end %d", pos+skip, n, newLen)
		}
		pos += skip
		patch := r.Bytes(int(n))
		if err := r.Err(); err != nil {
			return nil, errors.Wrap(ErrBadDiff, err.Error())
		}
		for j := range patch {
			out[pos+uint64(j)] ^= patch[j]
		}
		pos += n
	}
	return out, nil
}
