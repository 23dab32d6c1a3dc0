package logvol

import (
	"context"
	"io"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/pkg/utils"
	"github.com/Blackdeer1524/walapply/src/wal"
)

var (
	ErrPageNotYetWritten = errors.New("page not yet written")
	ErrPageNotInArchive  = errors.New("page not in archive")
	ErrArchiveMissing    = errors.New("archive missing")
	ErrIO                = errors.New("log volume io")
	ErrBadHeader         = errors.New("bad volume header")

	// errPageRecycled means the ring slot already holds a newer page, so
	// the requested one has to come from an archive.
	errPageRecycled = errors.New("ring slot recycled")
)

// headerProbe covers the encoded header of either volume kind.
const headerProbe = 128

type Options struct {
	ReadRetries     int
	RetryDelay      time.Duration
	PagesPerArchive int32
}

func (o Options) withDefaults() Options {
	if o.ReadRetries < 0 {
		o.ReadRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 50 * time.Millisecond
	}
	return o
}

// ActiveLog reads the ring of the active volume. The primary keeps writing
// it, so pages past the known append point require a header refresh first.
type ActiveLog struct {
	fs   afero.Fs
	path string
	file afero.File

	header   wal.ActiveHeader
	pageSize int
	opts     Options

	log src.Logger
}

func OpenActiveLog(
	ctx context.Context,
	fs afero.Fs,
	logPath, db string,
	opts Options,
	log src.Logger,
) (*ActiveLog, error) {
	path := filepath.Join(logPath, wal.ActiveVolumeName(db))

	file, err := fs.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open active log %s: %v", path, err)
	}

	a := &ActiveLog{
		fs:   fs,
		path: path,
		file: file,
		opts: opts.withDefaults(),
		log:  log,
	}

	if err := a.RefreshHeader(ctx); err != nil {
		_ = file.Close()
		return nil, err
	}
	a.pageSize = int(a.header.PageSize)

	log.Infow("opened active log",
		"path", path,
		"page_size", a.pageSize,
		"total_pages", a.header.TotalPages,
		"append_lsa", a.header.AppendLSA,
	)

	return a, nil
}

func (a *ActiveLog) Header() wal.ActiveHeader {
	return a.header
}

func (a *ActiveLog) PageSize() int {
	return a.pageSize
}

// RefreshHeader rereads page 0. A header that does not decode is treated
// as a torn read and retried.
func (a *ActiveLog) RefreshHeader(ctx context.Context) error {
	buf := make([]byte, headerProbe)

	var lastErr error
	for attempt := 0; ; attempt++ {
		n, err := a.file.ReadAt(buf, 0)
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrapf(ErrIO, "read header of %s: %v", a.path, err)
		}

		if n == len(buf) {
			h, err := wal.DecodeActiveHeader(buf)
			if err == nil {
				if a.pageSize != 0 && int(h.PageSize) != a.pageSize {
					return errors.Wrapf(ErrBadHeader, "page size changed from %d to %d", a.pageSize, h.PageSize)
				}
				a.header = h
				return nil
			}
			lastErr = err
		} else {
			lastErr = errors.Errorf("short header read of %d bytes", n)
		}

		if attempt >= a.opts.ReadRetries {
			return errors.Wrapf(ErrBadHeader, "%s: %v", a.path, lastErr)
		}
		if err := utils.SleepContext(ctx, a.opts.RetryDelay); err != nil {
			return err
		}
	}
}

// ReadPage fills buf with logical page pageID from the ring.
func (a *ActiveLog) ReadPage(ctx context.Context, pageID common.PageID, buf []byte) error {
	if len(buf) != a.pageSize {
		return errors.Errorf("buffer of %d bytes for page size %d", len(buf), a.pageSize)
	}

	if pageID > a.header.AppendLSA.PageID {
		if err := a.RefreshHeader(ctx); err != nil {
			return err
		}
		if pageID > a.header.AppendLSA.PageID {
			return errors.Wrapf(ErrPageNotYetWritten, "page %d beyond append lsa %s", pageID, a.header.AppendLSA)
		}
	}
	if !a.header.InWindow(pageID) {
		return errPageRecycled
	}

	off := a.header.PhysicalPage(pageID) * int64(a.pageSize)
	for attempt := 0; ; attempt++ {
		n, err := a.file.ReadAt(buf, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return errors.Wrapf(ErrIO, "read page %d of %s: %v", pageID, a.path, err)
		}

		if n == len(buf) {
			h := wal.DecodePageHeader(buf)
			switch {
			case h.LogicalPageID > pageID:
				return errPageRecycled
			case h.LogicalPageID == pageID && wal.VerifyPage(buf):
				return nil
			}
			// older page in the slot or a torn write: the primary is not
			// done with it yet
		}

		if attempt >= a.opts.ReadRetries {
			return errors.Wrapf(ErrPageNotYetWritten, "page %d after %d attempts", pageID, attempt+1)
		}
		if err := utils.SleepContext(ctx, a.opts.RetryDelay); err != nil {
			return err
		}
	}
}

func (a *ActiveLog) Close() error {
	return a.file.Close()
}
