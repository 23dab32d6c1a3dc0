package waltest

import (
	"path/filepath"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/wal"
)

type VolumeOptions struct {
	// TotalPages is the ring size of the active volume.
	TotalPages int32
	// PagesPerArchive defaults to TotalPages.
	PagesPerArchive int32

	HAState    wal.HAServerState
	FileStatus wal.HAFileStatus

	NoChecksums bool
}

func (o VolumeOptions) withDefaults() VolumeOptions {
	if o.TotalPages <= 0 {
		o.TotalPages = 64
	}
	if o.PagesPerArchive <= 0 {
		o.PagesPerArchive = o.TotalPages
	}
	return o
}

// Flush writes the log as an active volume plus the archives holding every
// page that dropped out of the ring. It may be called repeatedly while the
// builder keeps appending.
func (b *Builder) Flush(fs afero.Fs, logPath, db string, opts VolumeOptions) (wal.ActiveHeader, error) {
	if b.err != nil {
		return wal.ActiveHeader{}, b.err
	}
	opts = opts.withDefaults()

	if err := fs.MkdirAll(logPath, 0o755); err != nil {
		return wal.ActiveHeader{}, errors.Wrap(err, "mkdir")
	}

	appendLSA := b.EndLSA()
	b.ensurePage(appendLSA.PageID)

	lastArchived := appendLSA.PageID - common.PageID(opts.TotalPages)
	header := wal.ActiveHeader{
		PageSize:          uint32(b.pageSize),
		TotalPages:        opts.TotalPages,
		FirstPageID:       0,
		AppendLSA:         appendLSA,
		EOFLSA:            appendLSA,
		ChkptLSA:          common.NilLSA,
		NextArchivePageID: 0,
		NextArchiveNum:    0,
		HAServerState:     opts.HAState,
		HAFileStatus:      opts.FileStatus,
	}

	if lastArchived >= 0 {
		ppa := common.PageID(opts.PagesPerArchive)
		num := int32(0)
		for first := common.PageID(0); first <= lastArchived; first += ppa {
			n := min(ppa, lastArchived-first+1)
			if err := b.writeArchive(fs, logPath, db, num, first, int32(n), opts); err != nil {
				return wal.ActiveHeader{}, err
			}
			num++
		}
		header.NextArchiveNum = num
		header.NextArchivePageID = lastArchived + 1
	}

	vol := make([]byte, b.pageSize*(int(opts.TotalPages)+1))
	copy(vol, header.Encode())
	for slot := int64(1); slot <= int64(opts.TotalPages); slot++ {
		wal.PageHeader{LogicalPageID: common.NilPageID, FirstRecordOffset: wal.NoRecordOffset}.
			Put(vol[slot*int64(b.pageSize):])
	}
	for id := max(0, lastArchived+1); id <= appendLSA.PageID; id++ {
		slot := header.PhysicalPage(id)
		copy(vol[slot*int64(b.pageSize):], b.sealed(id, opts))
	}

	path := filepath.Join(logPath, wal.ActiveVolumeName(db))
	if err := afero.WriteFile(fs, path, vol, 0o644); err != nil {
		return wal.ActiveHeader{}, errors.Wrapf(err, "write %s", path)
	}
	return header, nil
}

func (b *Builder) writeArchive(
	fs afero.Fs,
	logPath, db string,
	num int32,
	first common.PageID,
	n int32,
	opts VolumeOptions,
) error {
	header := wal.ArchiveHeader{
		PageSize:    uint32(b.pageSize),
		FirstPageID: first,
		NumPages:    n,
		ArchiveNum:  num,
	}

	vol := make([]byte, b.pageSize*(int(n)+1))
	copy(vol, header.Encode())
	for i := range common.PageID(n) {
		copy(vol[(int64(i)+1)*int64(b.pageSize):], b.sealed(first+i, opts))
	}

	path := filepath.Join(logPath, wal.ArchiveVolumeName(db, num))
	if err := afero.WriteFile(fs, path, vol, 0o644); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return nil
}

// sealed returns a copy of a page with its checksum filled in.
func (b *Builder) sealed(id common.PageID, opts VolumeOptions) []byte {
	b.ensurePage(id)
	page := append([]byte(nil), b.pages[id]...)
	h := wal.DecodePageHeader(page)
	h.Checksum = 0
	if !opts.NoChecksums {
		h.Checksum = wal.PageChecksum(wal.Area(page))
	}
	h.Put(page)
	return page
}
