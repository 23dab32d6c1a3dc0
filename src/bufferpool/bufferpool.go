package bufferpool

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/assert"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

const minGrowFrames = 8

var ErrPageNotAvailable = errors.New("page not available")

// FetchError is a failed page read. It matches ErrPageNotAvailable and
// unwraps to the fetcher's error.
type FetchError struct {
	PageID common.PageID
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("page %d not available: %v", e.PageID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrPageNotAvailable }

// Fetcher reads one logical log page into buf.
type Fetcher interface {
	Fetch(ctx context.Context, pageID common.PageID, buf []byte) (inArchive bool, err error)
}

// Frame is one cached log page. Callers get it pinned from GetPage and must
// hand it back with Unpin.
type Frame struct {
	idx    int
	pageID common.PageID
	data   []byte

	fixCount      int
	recentlyFreed bool
	inArchive     bool
	drop          bool
	used          bool
}

func (f *Frame) PageID() common.PageID { return f.pageID }

// Data is the whole page, header included. It must not be retained after
// Unpin.
func (f *Frame) Data() []byte { return f.data }

func (f *Frame) InArchive() bool { return f.inArchive }

func (f *Frame) FixCount() int { return f.fixCount }

type Stats struct {
	Frames    int
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Grows     uint64
}

// Manager caches log pages in arena blocks and evicts with a clock sweep.
// It is owned by a single goroutine and does no locking.
type Manager struct {
	fetcher       Fetcher
	pageSize      int
	growthPercent int

	blocks      [][]byte
	frames      []*Frame
	pageToFrame map[common.PageID]*Frame
	emptyFrames []int

	replacer *ClockReplacer
	stats    Stats
}

func New(fetcher Fetcher, pageSize, frames, growthPercent int) *Manager {
	assert.Assert(pageSize > 0, "page size must be greater than zero")
	assert.Assert(frames > 0, "pool size must be greater than zero")

	m := &Manager{
		fetcher:       fetcher,
		pageSize:      pageSize,
		growthPercent: growthPercent,
		pageToFrame:   make(map[common.PageID]*Frame, frames),
		replacer:      NewClockReplacer(),
	}
	m.addBlock(frames)

	return m
}

func (m *Manager) Stats() Stats {
	s := m.stats
	s.Frames = len(m.frames)
	return s
}

// addBlock allocates n frames carved out of one contiguous block.
func (m *Manager) addBlock(n int) {
	block := make([]byte, n*m.pageSize)
	m.blocks = append(m.blocks, block)

	for i := range n {
		f := &Frame{
			idx:    len(m.frames),
			pageID: common.NilPageID,
			data:   block[i*m.pageSize : (i+1)*m.pageSize : (i+1)*m.pageSize],
		}
		m.frames = append(m.frames, f)
		m.emptyFrames = append(m.emptyFrames, f.idx)
	}
}

func (m *Manager) grow() {
	n := len(m.frames) * m.growthPercent / 100
	n = max(n, minGrowFrames)
	m.addBlock(n)
	m.stats.Grows++
}

// GetPage returns the frame holding pageID with its fix count raised.
// A failed fetch leaves nothing cached and wraps ErrPageNotAvailable.
func (m *Manager) GetPage(ctx context.Context, pageID common.PageID) (*Frame, error) {
	if f, ok := m.pageToFrame[pageID]; ok {
		if f.drop {
			if err := m.refetch(ctx, f); err != nil {
				return nil, err
			}
		} else {
			m.stats.Hits++
		}
		f.fixCount++
		return f, nil
	}

	m.stats.Misses++

	f := m.reserveFrame()
	inArchive, err := m.fetcher.Fetch(ctx, pageID, f.data)
	if err != nil {
		m.release(f)
		return nil, &FetchError{PageID: pageID, Err: err}
	}

	f.pageID = pageID
	f.used = true
	f.inArchive = inArchive
	f.drop = false
	f.recentlyFreed = false
	f.fixCount = 1
	m.pageToFrame[pageID] = f

	return f, nil
}

// refetch rereads a dropped frame in place. Content the primary already
// wrote does not change, so current holders keep a valid view.
func (m *Manager) refetch(ctx context.Context, f *Frame) error {
	m.stats.Misses++

	inArchive, err := m.fetcher.Fetch(ctx, f.pageID, f.data)
	if err != nil {
		pageID := f.pageID
		if f.fixCount == 0 {
			delete(m.pageToFrame, f.pageID)
			m.release(f)
		}
		return &FetchError{PageID: pageID, Err: err}
	}

	f.inArchive = inArchive
	f.drop = false
	return nil
}

func (m *Manager) reserveFrame() *Frame {
	if f := m.popEmpty(); f != nil {
		return f
	}

	if idx, ok := m.replacer.ChooseVictim(m.frames); ok {
		victim := m.frames[idx]
		assert.Assert(victim.fixCount == 0, "evicting pinned page %d", victim.pageID)

		delete(m.pageToFrame, victim.pageID)
		victim.used = false
		m.stats.Evictions++
		return victim
	}

	m.grow()
	f := m.popEmpty()
	assert.Assert(f != nil, "no free frame after grow")
	return f
}

func (m *Manager) popEmpty() *Frame {
	if len(m.emptyFrames) == 0 {
		return nil
	}
	idx := m.emptyFrames[len(m.emptyFrames)-1]
	m.emptyFrames = m.emptyFrames[:len(m.emptyFrames)-1]
	return m.frames[idx]
}

func (m *Manager) release(f *Frame) {
	f.pageID = common.NilPageID
	f.used = false
	f.fixCount = 0
	f.drop = false
	f.recentlyFreed = false
	m.emptyFrames = append(m.emptyFrames, f.idx)
}

// Unpin lowers the fix count of pageID. Releasing more often than pinning
// is tolerated.
func (m *Manager) Unpin(pageID common.PageID) {
	f, ok := m.pageToFrame[pageID]
	if !ok {
		return
	}
	if f.fixCount > 0 {
		f.fixCount--
	}
	f.recentlyFreed = true
}

// Invalidate forces the next GetPage of pageID to read the page again.
// With alsoRelease the caller's pin is given back at the same time.
func (m *Manager) Invalidate(pageID common.PageID, alsoRelease bool) {
	f, ok := m.pageToFrame[pageID]
	if !ok {
		return
	}
	f.drop = true
	if alsoRelease {
		m.Unpin(pageID)
	}
}
