package app

import (
	"context"
	"io"

	"github.com/spf13/afero"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/cfg"
	"github.com/Blackdeer1524/walapply/src/diag"
	"github.com/Blackdeer1524/walapply/src/logvol"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
)

type DumpOptions struct {
	Page common.PageID
	JSON bool
	// Archive reads the page from the archives even when the active ring
	// still holds it.
	Archive bool
}

// archivePages serves pages from the archives only.
type archivePages struct {
	vol *logvol.Volume
}

func (p archivePages) PageSize() int { return p.vol.PageSize() }

func (p archivePages) Fetch(ctx context.Context, id common.PageID, buf []byte) (bool, error) {
	return true, p.vol.ReadArchivePage(ctx, id, buf)
}

// Dump prints one log page of the configured database to w.
func Dump(ctx context.Context, fs afero.Fs, c cfg.Config, opts DumpOptions, w io.Writer, log src.Logger) error {
	vol, err := openVolume(ctx, fs, c, log)
	if err != nil {
		return err
	}
	defer vol.Close()

	var pages diag.Pages = vol
	if opts.Archive {
		pages = archivePages{vol: vol}
	}
	return diag.DumpPage(ctx, pages, opts.Page, w, opts.JSON)
}
