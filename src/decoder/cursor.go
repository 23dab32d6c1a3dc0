package decoder

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/bufferpool"
	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

// maxData bounds a single stored image so a corrupted length field fails
// fast instead of walking the whole log.
const maxData = wal.MaxImageSize

// cursor walks record bytes across pages. It keeps exactly one page pinned
// and swaps the pin on every page crossing.
type cursor struct {
	ctx   context.Context
	pages PageSource
	area  int32

	frame *bufferpool.Frame
	pos   common.LSA
}

func (d *Decoder) open(ctx context.Context, lsa common.LSA) (*cursor, error) {
	if lsa.IsNil() || lsa.Offset < 0 || lsa.Offset >= d.areaSize {
		return nil, errors.Wrapf(ErrLogPageCorrupted, "lsa %s outside page area", lsa)
	}

	frame, err := d.pages.GetPage(ctx, lsa.PageID)
	if err != nil {
		return nil, err
	}

	return &cursor{
		ctx:   ctx,
		pages: d.pages,
		area:  d.areaSize,
		frame: frame,
		pos:   lsa,
	}, nil
}

func (c *cursor) close() {
	if c.frame != nil {
		c.pages.Unpin(c.frame.PageID())
		c.frame = nil
	}
}

func (c *cursor) inArchive() bool {
	return c.frame.InArchive()
}

func (c *cursor) bytes() []byte {
	return wal.Area(c.frame.Data())
}

func (c *cursor) nextPage() error {
	next := c.pos.PageID + 1
	c.close()

	frame, err := c.pages.GetPage(c.ctx, next)
	if err != nil {
		return err
	}
	c.frame = frame
	c.pos = common.NewLSA(next, 0)
	return nil
}

// fixed returns a reader over the next n bytes of a struct that never
// straddles a page.
func (c *cursor) fixed(n int) (*binio.Reader, error) {
	if c.pos.Offset+int32(n) > c.area {
		if err := c.nextPage(); err != nil {
			return nil, err
		}
	}
	off := c.pos.Offset
	c.pos.Offset += int32(n)
	return binio.NewReader(c.bytes()[off : off+int32(n)]), nil
}

// lsa is the address of the next unread byte, moved past a full page.
func (c *cursor) lsa() common.LSA {
	if c.pos.Offset >= c.area {
		return common.NewLSA(c.pos.PageID+1, 0)
	}
	return c.pos
}

// read copies n data bytes that may span any number of pages.
func (c *cursor) read(n int) ([]byte, error) {
	if n < 0 || n > maxData {
		return nil, errors.Wrapf(ErrLogPageCorrupted, "data length %d at %s", n, c.pos)
	}

	out := make([]byte, n)
	for done := 0; done < n; {
		if c.pos.Offset >= c.area {
			if err := c.nextPage(); err != nil {
				return nil, err
			}
		}
		k := copy(out[done:], c.bytes()[c.pos.Offset:])
		c.pos.Offset += int32(k)
		done += k
	}
	return out, nil
}
