package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/spf13/afero"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/applier"
	"github.com/Blackdeer1524/walapply/src/cfg"
	"github.com/Blackdeer1524/walapply/src/logvol"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/target"
)

// ApplierEntrypoint replays one database's log onto the configured target.
type ApplierEntrypoint struct {
	Config cfg.Config
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Store overrides the target selected by Config.TargetDSN.
	Store target.Store
	Log   src.Logger

	vol     *logvol.Volume
	applier *applier.Applier
}

func (e *ApplierEntrypoint) Init(ctx context.Context) error {
	if err := e.Config.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}

	if e.Log == nil {
		log, err := newLogger(e.Config.Environment)
		if err != nil {
			return errors.Wrap(err, "logger")
		}
		e.Log = log
	}
	if e.Fs == nil {
		e.Fs = afero.NewOsFs()
	}

	vol, err := openVolume(ctx, e.Fs, e.Config, e.Log)
	if err != nil {
		return err
	}
	e.vol = vol

	if e.Store == nil {
		if e.Store, err = openTarget(ctx, e.Config, e.Log); err != nil {
			return err
		}
	}

	e.applier = applier.New(e.vol, e.Store, applier.Options{
		LogPath:            e.Config.LogPath,
		CacheFrames:        e.Config.PageCacheFrames,
		CacheGrowthPercent: e.Config.PageCacheGrowthPercent,
		CommitInterval:     e.Config.CommitInterval,
		PollInterval:       e.Config.PollInterval,
		StartPage:          common.PageID(e.Config.StartPage),
		StopWhenCaughtUp:   e.Config.StopWhenCaughtUp,
	}, e.Log)

	e.Log.Infow("applier initialized",
		"database", e.Config.Database,
		"log_path", e.Config.LogPath,
		"page_size", e.vol.PageSize(),
		"dry_run", e.Config.TargetDSN == "",
	)
	return nil
}

func (e *ApplierEntrypoint) Run(ctx context.Context) error {
	err := e.applier.Run(ctx)

	st := e.applier.Stats()
	e.Log.Infow("applier finished",
		"state", e.applier.State(),
		"committed", e.applier.Committed(),
		"transactions", st.Transactions,
		"rows", st.RowsApplied,
		"aborted", st.Aborted,
		"commits", st.Commits,
	)
	return err
}

func (e *ApplierEntrypoint) Close() error {
	var errs []error
	if e.Store != nil {
		errs = append(errs, e.Store.Close())
	}
	if e.vol != nil {
		errs = append(errs, e.vol.Close())
	}
	if e.Log != nil {
		// syncing stderr fails on some platforms
		_ = e.Log.Sync()
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func openVolume(ctx context.Context, fs afero.Fs, c cfg.Config, log src.Logger) (*logvol.Volume, error) {
	vol, err := logvol.Open(ctx, fs, c.LogPath, c.Database, logvol.Options{
		ReadRetries:     c.ReadRetries,
		RetryDelay:      c.ReadRetryDelay,
		PagesPerArchive: c.PagesPerArchive,
	}, log)
	if err != nil {
		return nil, errors.Wrapf(err, "open log of %s at %s", c.Database, c.LogPath)
	}
	return vol, nil
}

func openTarget(ctx context.Context, c cfg.Config, log src.Logger) (target.Store, error) {
	if c.TargetDSN == "" {
		log.Warnw("no target dsn configured, changes are only journaled in memory")
		return target.NewMemStore(), nil
	}

	store, err := target.OpenSQL(ctx, c.TargetDSN, log)
	if err != nil {
		return nil, errors.Wrap(err, "open target")
	}
	return store, nil
}
