// Package applier drives replication: it scans the log, groups replication
// items per transaction and replays them on the target in commit order.
package applier

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/bufferpool"
	"github.com/Blackdeer1524/walapply/src/decoder"
	"github.com/Blackdeer1524/walapply/src/logvol"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/pkg/utils"
	"github.com/Blackdeer1524/walapply/src/replay"
	"github.com/Blackdeer1524/walapply/src/target"
	"github.com/Blackdeer1524/walapply/src/txns"
	"github.com/Blackdeer1524/walapply/src/wal"
)

const (
	instrumentation = "github.com/Blackdeer1524/walapply/src/applier"

	// the scan counts as lagging again once the primary is this many pages
	// ahead of it
	lagPages = 2

	statusInterval = 30 * time.Second
)

// Log is the log volume the applier reads.
type Log interface {
	bufferpool.Fetcher
	Header() wal.ActiveHeader
	RefreshHeader(ctx context.Context) error
	PageSize() int
}

var _ Log = &logvol.Volume{}

type Options struct {
	// LogPath keys the watermark on the target.
	LogPath string

	CacheFrames        int
	CacheGrowthPercent int

	CommitInterval time.Duration
	PollInterval   time.Duration

	// StartPage is where a run without a watermark begins. A negative value
	// starts at the end of the log as recorded in the volume header.
	StartPage common.PageID

	// StopWhenCaughtUp makes Run return once the end of the log is reached
	// and no committed work is left.
	StopWhenCaughtUp bool
}

func (o Options) withDefaults() Options {
	if o.CacheFrames <= 0 {
		o.CacheFrames = 128
	}
	if o.CacheGrowthPercent <= 0 {
		o.CacheGrowthPercent = 15
	}
	if o.CommitInterval <= 0 {
		o.CommitInterval = 500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 100 * time.Millisecond
	}
	return o
}

// position is where the scan continues: a record, or the first record of a
// page that could not be read yet.
type position struct {
	lsa  common.LSA
	page common.PageID
}

func (p position) String() string {
	if p.lsa.IsNil() {
		return fmt.Sprintf("page %d start", p.page)
	}
	return p.lsa.String()
}

type Stats struct {
	Records      uint64
	Items        uint64
	Transactions uint64
	Aborted      uint64
	Discarded    uint64
	RowsApplied  uint64
	Commits      uint64
}

type Applier struct {
	vol    Log
	pages  *bufferpool.Manager
	dec    *decoder.Decoder
	engine *replay.Engine
	store  target.Store
	lists  *txns.ApplyLists
	queue  *txns.CommitQueue

	opts  Options
	log   src.Logger
	runID uuid.UUID
	now   func() time.Time

	pos  position
	last common.LSA
	// committed is the highest COMMIT LSA replayed.
	committed common.LSA
	// pending holds COMMIT LSAs at or below committed that an earlier run
	// left queued. They are still replayed when the rescan reaches them.
	pending map[common.LSA]struct{}

	primary   wal.HAServerState
	file      wal.HAFileStatus
	caughtUp  bool
	state     State
	announced bool
	// dirty is set while replayed work waits for a commit.
	dirty bool

	lastCommit time.Time
	lastStatus time.Time
	stats      Stats

	tracer      trace.Tracer
	txnsApplied metric.Int64Counter
	commits     metric.Int64Counter
}

func New(vol Log, store target.Store, opts Options, log src.Logger) *Applier {
	opts = opts.withDefaults()

	pages := bufferpool.New(vol, vol.PageSize(), opts.CacheFrames, opts.CacheGrowthPercent)
	dec := decoder.New(pages, vol.PageSize())
	meter := otel.Meter(instrumentation)

	return &Applier{
		vol:    vol,
		pages:  pages,
		dec:    dec,
		engine: replay.New(dec, store, log),
		store:  store,
		lists:  txns.NewApplyLists(),
		queue:  txns.NewCommitQueue(),

		opts:  opts,
		log:   log,
		runID: uuid.New(),
		now:   time.Now,

		pos:       position{lsa: common.NilLSA},
		last:      common.NilLSA,
		committed: common.NilLSA,

		tracer: otel.Tracer(instrumentation),
		txnsApplied: utils.Must(meter.Int64Counter("walapply.txns.applied",
			metric.WithDescription("committed transactions replayed"))),
		commits: utils.Must(meter.Int64Counter("walapply.commits",
			metric.WithDescription("target commits"))),
	}
}

func (a *Applier) Stats() Stats { return a.stats }

func (a *Applier) State() State { return a.state }

// Committed is the LSA of the last COMMIT replayed on the target.
func (a *Applier) Committed() common.LSA { return a.committed }

// Run applies the log until ctx is cancelled or a fatal error occurs. A
// cancelled run returns nil without a final commit.
func (a *Applier) Run(ctx context.Context) error {
	err := a.run(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		a.log.Infow("applier stopped", "run_id", a.runID, "lsa", a.last, "committed", a.committed)
		return nil
	}
	if err != nil {
		a.log.Errorw("applier failed", "run_id", a.runID, "lsa", a.last, "position", a.pos, "error", err)
		return errors.Wrapf(err, "last lsa %s", a.last)
	}
	return nil
}

func (a *Applier) run(ctx context.Context) error {
	if err := a.start(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		stop, err := a.step(ctx)
		if err != nil {
			return err
		}
		if stop {
			a.log.Infow("caught up, stopping", "run_id", a.runID, "lsa", a.last, "committed", a.committed)
			return nil
		}

		if a.now().Sub(a.lastCommit) >= a.opts.CommitInterval {
			if err := a.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (a *Applier) start(ctx context.Context) error {
	if err := a.vol.RefreshHeader(ctx); err != nil {
		return errors.Wrap(err, "read log header")
	}
	h := a.vol.Header()
	a.primary = h.HAServerState
	a.file = h.HAFileStatus

	w, ok, err := a.store.ReadWatermark(ctx, a.opts.LogPath)
	if err != nil {
		return errors.Wrap(err, "read watermark")
	}

	switch {
	case ok:
		a.committed = w.CommittedLSA
		a.pending = make(map[common.LSA]struct{}, len(w.Pending))
		for _, lsa := range w.Pending {
			a.pending[lsa] = struct{}{}
		}
		a.pos = position{lsa: w.RequiredLSA}
		if w.RequiredLSA.IsNil() {
			a.pos = position{lsa: w.CommittedLSA}
		}
	case a.opts.StartPage >= 0:
		a.pos = position{lsa: common.NilLSA, page: a.opts.StartPage}
	default:
		a.pos = position{lsa: h.EOFLSA}
	}
	if a.pos.lsa.IsNil() && a.pos.page < 0 {
		return errors.Errorf("no start position: watermark %+v", w)
	}

	a.lastCommit = a.now()
	a.lastStatus = a.lastCommit
	a.log.Infow("applier started",
		"run_id", a.runID,
		"log_path", a.opts.LogPath,
		"position", a.pos,
		"committed", a.committed,
		"pending", len(a.pending),
		"resumed", ok,
		"primary", a.primary,
	)
	return nil
}

func notYetWritten(err error) bool {
	return errors.Is(err, logvol.ErrPageNotYetWritten)
}

// step processes the record at the scan position. It reports whether a
// run in catch-up mode is done.
func (a *Applier) step(ctx context.Context) (bool, error) {
	if a.pos.lsa.IsNil() {
		lsa, err := a.dec.NextPageStart(ctx, a.pos.page)
		if notYetWritten(err) {
			return a.waitForLog(ctx)
		}
		if err != nil {
			return false, err
		}
		a.pos.lsa = lsa
	}

	e, err := a.dec.Header(ctx, a.pos.lsa)
	if notYetWritten(err) {
		return a.waitForLog(ctx)
	}
	if err != nil {
		return false, err
	}

	if err := a.dispatch(ctx, e); err != nil {
		if notYetWritten(err) {
			return a.waitForLog(ctx)
		}
		return false, err
	}
	a.stats.Records++

	next, err := a.dec.NextLSA(ctx, e)
	switch {
	case errors.Is(err, decoder.ErrEndOfLog):
		// the end of log record is overwritten by the next append, so the
		// scan stays on it
		return a.waitForLog(ctx)
	case notYetWritten(err):
		a.last = e.LSA
		a.pos = position{lsa: common.NilLSA, page: e.LSA.PageID + 1}
		return a.waitForLog(ctx)
	case err != nil:
		return false, err
	}

	a.last = e.LSA
	a.pos = position{lsa: next}
	return false, nil
}

func (a *Applier) dispatch(ctx context.Context, e decoder.Entry) error {
	trid := e.Hdr.TrID

	if trid == common.NilTxnID && (e.Hdr.Type == wal.TypeReplicationData || e.Hdr.Type == wal.TypeReplicationSchema) {
		a.log.Warnw("replication record without transaction", "lsa", e.LSA, "type", e.Hdr.Type)
		return nil
	}

	switch e.Hdr.Type {
	case wal.TypeUndoRedo, wal.TypeUndo, wal.TypeRedo, wal.TypeDiffUndoRedo:
		if trid != common.NilTxnID {
			a.lists.GetOrCreate(trid, e.LSA)
		}

	case wal.TypeReplicationData:
		rec, err := a.record(ctx, e)
		if err != nil {
			return err
		}
		a.lists.Append(trid, e.LSA, txns.DataItem(e.LSA, rec.(wal.ReplicationDataRecord)))
		a.stats.Items++

	case wal.TypeReplicationSchema:
		rec, err := a.record(ctx, e)
		if err != nil {
			return err
		}
		a.lists.Append(trid, e.LSA, txns.SchemaItem(e.LSA, rec.(wal.ReplicationSchemaRecord)))
		a.stats.Items++

	case wal.TypeUnlockCommit, wal.TypeCommitTopOpe:
		a.queue.EnqueueUnlockCommit(trid, e.LSA)

	case wal.TypeCommit:
		rec, err := a.record(ctx, e)
		if err != nil {
			return err
		}
		return a.commitRecord(ctx, e, rec.(wal.DonetimeRecord))

	case wal.TypeAbort, wal.TypeUnlockAbort:
		a.discard(trid)
		a.stats.Aborted++
		// the aborted entry may have been the one holding the queue back
		return a.drain(ctx)

	case wal.TypeDummyHAServerState:
		rec, err := a.record(ctx, e)
		if err != nil {
			return err
		}
		if s := rec.(wal.HAStateRecord).State; s != a.primary {
			a.log.Infow("primary state changed", "from", a.primary, "to", s, "lsa", e.LSA)
			a.primary = s
		}

	case wal.TypeDummyCrashRecovery, wal.TypeDummyFillPageForArchive, wal.TypeEndOfLog:
	}
	return nil
}

func (a *Applier) record(ctx context.Context, e decoder.Entry) (wal.Record, error) {
	rec, err := a.dec.Record(ctx, e.LSA)
	if err != nil {
		return nil, errors.Wrapf(err, "%s record at %s", e.Hdr.Type, e.LSA)
	}
	return rec, nil
}

func (a *Applier) discard(trid common.TxnID) {
	a.lists.Clear(trid)
	a.queue.RemoveAll(trid)
}

// commitRecord handles a COMMIT: the transaction becomes ready and every
// ready transaction at the head of the queue is replayed.
func (a *Applier) commitRecord(ctx context.Context, e decoder.Entry, rec wal.DonetimeRecord) error {
	trid := e.Hdr.TrID

	if a.replayedBefore(e.LSA) {
		a.discard(trid)
		a.stats.Discarded++
		return a.drain(ctx)
	}

	a.queue.PromoteToCommit(trid, e.LSA, rec.AtTime)
	return a.drain(ctx)
}

// replayedBefore reports whether an earlier run already replayed the
// transaction committed at lsa. A commit the queue still held back when the
// watermark was written is not replayed, however low its LSA.
func (a *Applier) replayedBefore(lsa common.LSA) bool {
	if a.committed.IsNil() || a.committed.Less(lsa) {
		return false
	}
	if _, ok := a.pending[lsa]; ok {
		delete(a.pending, lsa)
		return false
	}
	return true
}

// drain replays every committed transaction at the head of the queue and
// stages the watermark if any was replayed.
func (a *Applier) drain(ctx context.Context) error {
	_, n, err := a.queue.DrainReady(func(entry txns.CommitEntry) error {
		return a.replayEntry(ctx, entry)
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	a.dirty = true
	return a.writeWatermark(ctx)
}

func (a *Applier) replayEntry(ctx context.Context, entry txns.CommitEntry) error {
	if list := a.lists.Find(entry.TrID); list != nil {
		applied, err := a.engine.Replay(ctx, list)
		a.stats.RowsApplied += uint64(applied)
		if err != nil {
			return err
		}
		a.lists.Clear(entry.TrID)
	}

	a.committed = common.MaxLSA(a.committed, entry.LSA)
	a.stats.Transactions++
	a.txnsApplied.Add(ctx, 1)
	a.log.Debugw("transaction applied", "trid", entry.TrID, "lsa", entry.LSA, "committed_at", entry.CommittedAt)
	return nil
}

// requiredLSA is the oldest record a restart must scan from to rebuild
// every transaction that is still open.
func (a *Applier) requiredLSA() common.LSA {
	required := a.pos.lsa
	if required.IsNil() {
		required = a.last
	}
	for _, lsa := range []common.LSA{a.lists.MinStartLSA(), a.queue.MinLSA()} {
		if !lsa.IsNil() && (required.IsNil() || lsa.Less(required)) {
			required = lsa
		}
	}
	return required
}

func (a *Applier) watermark() target.Watermark {
	// commits an earlier run held back and the rescan has not reached yet
	// stay pending
	held := a.queue.Committed()
	for lsa := range a.pending {
		held = append(held, lsa)
	}
	slices.SortFunc(held, common.LSA.Compare)

	return target.Watermark{
		LogPath:      a.opts.LogPath,
		CommittedLSA: a.committed,
		RequiredLSA:  a.requiredLSA(),
		Pending:      held,
	}
}

// writeWatermark stages the watermark in the current target transaction.
// Only a lost target is fatal; a later write catches up otherwise.
func (a *Applier) writeWatermark(ctx context.Context) error {
	w := a.watermark()
	err := a.store.WriteWatermark(ctx, w)
	if err == nil {
		return nil
	}
	if replay.IsFatal(err) {
		return errors.Wrap(err, "write watermark")
	}
	a.log.Warnw("watermark not written", "committed", w.CommittedLSA, "required", w.RequiredLSA, "error", err)
	return nil
}

// commit persists the watermark together with everything replayed since
// the last commit.
func (a *Applier) commit(ctx context.Context) error {
	ctx, span := a.tracer.Start(ctx, "applier.commit", trace.WithAttributes(
		attribute.String("committed", a.committed.String()),
	))
	defer span.End()

	if err := a.writeWatermark(ctx); err != nil {
		span.RecordError(err)
		return err
	}
	a.lastCommit = a.now()

	if err := a.store.Commit(ctx); err != nil {
		span.RecordError(err)
		if replay.IsFatal(err) {
			return errors.Wrap(err, "commit")
		}
		a.log.Errorw("commit failed, rolling back", "committed", a.committed, "error", err)
		if err := a.store.Rollback(ctx); err != nil && replay.IsFatal(err) {
			return errors.Wrap(err, "rollback")
		}
		return nil
	}

	a.dirty = false
	a.stats.Commits++
	a.commits.Add(ctx, 1)
	return nil
}

// tick is the commit cadence. It also notices when the primary has pulled
// ahead again and publishes state changes.
func (a *Applier) tick(ctx context.Context) error {
	if err := a.vol.RefreshHeader(ctx); err != nil {
		return errors.Wrap(err, "refresh log header")
	}
	h := a.vol.Header()
	a.primary = h.HAServerState
	a.file = h.HAFileStatus

	if a.caughtUp && h.AppendLSA.PageID > a.scanPage()+lagPages {
		a.caughtUp = false
	}
	if err := a.commit(ctx); err != nil {
		return err
	}
	if err := a.updateState(ctx); err != nil {
		return err
	}

	if a.now().Sub(a.lastStatus) >= statusInterval {
		a.lastStatus = a.now()
		cache := a.pages.Stats()
		a.log.Infow("applier status",
			"run_id", a.runID,
			"state", a.state,
			"lsa", a.last,
			"committed", a.committed,
			"append_lsa", h.AppendLSA,
			"active_txns", a.lists.Active(),
			"queued_commits", a.queue.Len(),
			"transactions", a.stats.Transactions,
			"rows_applied", a.stats.RowsApplied,
			"cache_frames", cache.Frames,
			"cache_hits", cache.Hits,
			"cache_misses", cache.Misses,
			"cache_evictions", cache.Evictions,
		)
	}
	return nil
}

func (a *Applier) scanPage() common.PageID {
	if a.pos.lsa.IsNil() {
		return a.pos.page
	}
	return a.pos.lsa.PageID
}

// updateState publishes a state change. Work replayed so far is committed
// before the new state is announced.
func (a *Applier) updateState(ctx context.Context) error {
	s := nextState(a.primary, a.file, a.caughtUp)
	if a.announced && s == a.state {
		return nil
	}

	if err := a.commit(ctx); err != nil {
		return err
	}
	if err := a.store.SetSystemParameter(ctx, StateParameter, s.String()); err != nil {
		if replay.IsFatal(err) {
			return errors.Wrap(err, "publish state")
		}
		a.log.Warnw("state not published", "state", s, "error", err)
	}
	if err := a.store.Commit(ctx); err != nil {
		if replay.IsFatal(err) {
			return errors.Wrap(err, "publish state")
		}
		a.log.Warnw("state not published", "state", s, "error", err)
		_ = a.store.Rollback(ctx)
	}

	a.log.Infow("applier state changed", "from", a.state, "to", s, "announced", a.announced, "lsa", a.last)
	a.state = s
	a.announced = true
	return nil
}

// waitForLog is reached when the scan has nothing more to read. It commits,
// publishes the state and waits for the primary to append.
func (a *Applier) waitForLog(ctx context.Context) (bool, error) {
	a.caughtUp = true

	if a.dirty {
		if err := a.commit(ctx); err != nil {
			return false, err
		}
	}
	if err := a.updateState(ctx); err != nil {
		return false, err
	}
	if a.opts.StopWhenCaughtUp && a.queue.Len() == 0 {
		return true, nil
	}

	if err := utils.SleepContext(ctx, a.opts.PollInterval); err != nil {
		return false, err
	}

	// the page at the scan position is still being written
	a.pages.Invalidate(a.scanPage(), false)
	if err := a.vol.RefreshHeader(ctx); err != nil {
		return false, errors.Wrap(err, "refresh log header")
	}
	h := a.vol.Header()
	a.primary = h.HAServerState
	a.file = h.HAFileStatus
	return false, nil
}
