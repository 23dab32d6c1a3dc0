package logvol

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

type archive struct {
	num    int32
	path   string
	file   afero.File
	header wal.ArchiveHeader
}

// ArchiveSet reads pages that already left the active ring. At most one
// archive volume is open at a time.
type ArchiveSet struct {
	fs              afero.Fs
	logPath         string
	db              string
	pageSize        int
	pagesPerArchive int32

	cur *archive

	log src.Logger
}

func NewArchiveSet(
	fs afero.Fs,
	logPath, db string,
	pageSize int,
	pagesPerArchive int32,
	log src.Logger,
) *ArchiveSet {
	return &ArchiveSet{
		fs:              fs,
		logPath:         logPath,
		db:              db,
		pageSize:        pageSize,
		pagesPerArchive: max(pagesPerArchive, 1),
		log:             log,
	}
}

// ReadPage finds the archive holding pageID, starting from the guess
// pageID / pagesPerArchive and stepping towards the page by header range.
// Only archives numbered below nextArchiveNum exist.
func (s *ArchiveSet) ReadPage(
	ctx context.Context,
	pageID common.PageID,
	buf []byte,
	nextArchiveNum int32,
) error {
	if nextArchiveNum <= 0 || pageID < 0 {
		return errors.Wrapf(ErrPageNotInArchive, "page %d, no archives", pageID)
	}

	num := int32(int64(pageID) / int64(s.pagesPerArchive))
	num = min(max(num, 0), nextArchiveNum-1)

	step := int32(0)
	for num >= 0 && num < nextArchiveNum {
		if err := ctx.Err(); err != nil {
			return err
		}

		arv, err := s.open(num)
		if err != nil {
			return err
		}

		if arv.header.Contains(pageID) {
			return s.read(arv, pageID, buf)
		}

		dir := int32(1)
		if pageID < arv.header.FirstPageID {
			dir = -1
		}
		if step != 0 && dir != step {
			break
		}
		step = dir
		num += dir
	}

	return errors.Wrapf(ErrPageNotInArchive, "page %d", pageID)
}

func (s *ArchiveSet) open(num int32) (*archive, error) {
	if s.cur != nil && s.cur.num == num {
		return s.cur, nil
	}
	if err := s.Close(); err != nil {
		s.log.Warnw("failed to close archive", "error", err)
	}

	path := filepath.Join(s.logPath, wal.ArchiveVolumeName(s.db, num))
	file, err := s.fs.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrapf(ErrArchiveMissing, "%s", path)
	} else if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}

	probe := make([]byte, headerProbe)
	n, err := file.ReadAt(probe, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = file.Close()
		return nil, errors.Wrapf(ErrIO, "read header of %s: %v", path, err)
	}
	header, err := wal.DecodeArchiveHeader(probe[:n])
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(ErrBadHeader, "%s: %v", path, err)
	}
	if int(header.PageSize) != s.pageSize {
		_ = file.Close()
		return nil, errors.Wrapf(ErrBadHeader, "%s: page size %d, active log uses %d", path, header.PageSize, s.pageSize)
	}

	s.log.Debugw("opened archive",
		"path", path,
		"first_page", header.FirstPageID,
		"num_pages", header.NumPages,
	)

	s.cur = &archive{num: num, path: path, file: file, header: header}
	return s.cur, nil
}

func (s *ArchiveSet) read(arv *archive, pageID common.PageID, buf []byte) error {
	off := arv.header.PhysicalPage(pageID) * int64(s.pageSize)

	n, err := arv.file.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrapf(ErrIO, "read page %d of %s: %v", pageID, arv.path, err)
	}
	if n != len(buf) {
		return errors.Wrapf(ErrIO, "short read of page %d in %s: %d bytes", pageID, arv.path, n)
	}

	h := wal.DecodePageHeader(buf)
	if h.LogicalPageID != pageID || !wal.VerifyPage(buf) {
		return errors.Wrapf(ErrIO, "page %d of %s is corrupted", pageID, arv.path)
	}
	return nil
}

func (s *ArchiveSet) Close() error {
	if s.cur == nil {
		return nil
	}
	err := s.cur.file.Close()
	s.cur = nil
	return err
}
