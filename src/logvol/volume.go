package logvol

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

// Volume serves logical log pages from the active ring or, once they have
// left it, from the archives.
type Volume struct {
	active   *ActiveLog
	archives *ArchiveSet
}

func Open(
	ctx context.Context,
	fs afero.Fs,
	logPath, db string,
	opts Options,
	log src.Logger,
) (*Volume, error) {
	active, err := OpenActiveLog(ctx, fs, logPath, db, opts, log)
	if err != nil {
		return nil, err
	}

	ppa := opts.PagesPerArchive
	if ppa <= 0 {
		ppa = active.Header().TotalPages
	}

	return &Volume{
		active:   active,
		archives: NewArchiveSet(fs, logPath, db, active.PageSize(), ppa, log),
	}, nil
}

func (v *Volume) Header() wal.ActiveHeader {
	return v.active.Header()
}

func (v *Volume) RefreshHeader(ctx context.Context) error {
	return v.active.RefreshHeader(ctx)
}

func (v *Volume) PageSize() int {
	return v.active.PageSize()
}

// Fetch reads pageID into buf and reports whether it came from an archive.
func (v *Volume) Fetch(ctx context.Context, pageID common.PageID, buf []byte) (bool, error) {
	if pageID < 0 {
		return false, errors.Wrapf(ErrPageNotInArchive, "page %d", pageID)
	}

	h := v.active.Header()
	if pageID > h.AppendLSA.PageID-common.PageID(h.TotalPages) {
		err := v.active.ReadPage(ctx, pageID, buf)
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, errPageRecycled) {
			return false, err
		}
		if err := v.active.RefreshHeader(ctx); err != nil {
			return false, err
		}
	}

	return true, v.ReadArchivePage(ctx, pageID, buf)
}

// ReadArchivePage reads pageID from the archives only.
func (v *Volume) ReadArchivePage(ctx context.Context, pageID common.PageID, buf []byte) error {
	return v.archives.ReadPage(ctx, pageID, buf, v.active.Header().NextArchiveNum)
}

func (v *Volume) Close() error {
	archErr := v.archives.Close()
	if err := v.active.Close(); err != nil {
		return err
	}
	return archErr
}
