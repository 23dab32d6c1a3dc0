// Package replay applies committed transactions to the target store.
package replay

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/bufferpool"
	"github.com/Blackdeer1524/walapply/src/decoder"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/pkg/utils"
	"github.com/Blackdeer1524/walapply/src/target"
	"github.com/Blackdeer1524/walapply/src/txns"
)

const instrumentation = "github.com/Blackdeer1524/walapply/src/replay"

var errNoKey = errors.New("row item without key")

// RowSource resolves the row image a replication item points at.
type RowSource interface {
	RowImage(ctx context.Context, lsa common.LSA) (decoder.RowImage, error)
}

var _ RowSource = &decoder.Decoder{}

type Engine struct {
	rows  RowSource
	store target.Store
	log   src.Logger

	schemas map[string]target.Schema

	tracer  trace.Tracer
	applied metric.Int64Counter
	failed  metric.Int64Counter
}

func New(rows RowSource, store target.Store, log src.Logger) *Engine {
	meter := otel.Meter(instrumentation)
	return &Engine{
		rows:    rows,
		store:   store,
		log:     log,
		schemas: map[string]target.Schema{},
		tracer:  otel.Tracer(instrumentation),
		applied: utils.Must(meter.Int64Counter("walapply.rows.applied",
			metric.WithDescription("replication items applied to the target"))),
		failed: utils.Must(meter.Int64Counter("walapply.rows.failed",
			metric.WithDescription("replication items skipped after an apply error"))),
	}
}

// IsFatal reports whether err ends the run. Log decoding problems and a lost
// target are fatal; a failure of one row is not.
func IsFatal(err error) bool {
	return errors.Is(err, target.ErrConnectivity) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, bufferpool.ErrPageNotAvailable) ||
		errors.Is(err, decoder.ErrChainBroken) ||
		errors.Is(err, decoder.ErrLogPageCorrupted) ||
		errors.Is(err, decoder.ErrDecompress) ||
		errors.Is(err, decoder.ErrShortRecord)
}

// Replay applies the items of list in order and returns how many succeeded.
// A failed item forces a commit of the work before it and is skipped. Only
// fatal errors are returned, and they stop the replay at once.
func (e *Engine) Replay(ctx context.Context, list *txns.ApplyList) (int, error) {
	ctx, span := e.tracer.Start(ctx, "replay.transaction", trace.WithAttributes(
		attribute.Int("trid", int(list.TrID)),
		attribute.Int("items", len(list.Items)),
	))
	defer span.End()

	applied := 0
	for i := range list.Items {
		item := &list.Items[i]

		err := e.apply(ctx, item)
		if err == nil {
			applied++
			continue
		}
		if IsFatal(err) {
			e.applied.Add(ctx, int64(applied))
			span.RecordError(err)
			span.SetStatus(codes.Error, "replay aborted")
			return applied, errors.Wrapf(err, "replay trid %d item at %s", list.TrID, item.LSA)
		}

		e.failed.Add(ctx, 1)
		e.log.Warnw("replication item skipped",
			"trid", list.TrID,
			"lsa", item.LSA,
			"kind", item.Kind,
			"class", item.ClassName,
			"key", item.Key,
			"error", err,
		)
		if err := e.forceCommit(ctx); err != nil {
			e.applied.Add(ctx, int64(applied))
			span.RecordError(err)
			return applied, err
		}
	}

	e.applied.Add(ctx, int64(applied))
	return applied, nil
}

// forceCommit keeps the items applied so far when a later one fails.
func (e *Engine) forceCommit(ctx context.Context) error {
	err := e.store.Commit(ctx)
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		return errors.Wrap(err, "forced commit")
	}

	e.log.Errorw("forced commit failed, rolling back", "error", err)
	if err := e.store.Rollback(ctx); err != nil && IsFatal(err) {
		return errors.Wrap(err, "rollback")
	}
	return nil
}

func (e *Engine) apply(ctx context.Context, item *txns.Item) error {
	switch item.Kind {
	case txns.ItemInsert, txns.ItemUpdate:
		return e.upsert(ctx, item)
	case txns.ItemDelete:
		return e.delete(ctx, item)
	case txns.ItemDDL:
		return e.ddl(ctx, item)
	default:
		return errors.Errorf("unknown item kind %d", item.Kind)
	}
}

func (e *Engine) schema(ctx context.Context, class string) (target.Schema, error) {
	if s, ok := e.schemas[class]; ok {
		return s, nil
	}
	s, err := e.store.Schema(ctx, class)
	if err != nil {
		return target.Schema{}, err
	}
	e.schemas[class] = s
	return s, nil
}

// upsert writes the row image as an update when the key exists on the
// target and as an insert otherwise.
func (e *Engine) upsert(ctx context.Context, item *txns.Item) error {
	if item.Key.IsNull() {
		return errNoKey
	}
	if item.TargetLSA.IsNil() {
		return e.delete(ctx, item)
	}

	schema, err := e.schema(ctx, item.ClassName)
	if err != nil {
		return err
	}
	img, err := e.rows.RowImage(ctx, item.TargetLSA)
	if err != nil {
		return err
	}
	row, err := DecodeRow(img.Data, schema.Kinds())
	if err != nil {
		return errors.Wrapf(err, "row image at %s", img.LSA)
	}

	exists, err := e.store.Exists(ctx, item.ClassName, item.Key)
	if err != nil {
		return err
	}
	if exists {
		return e.store.Update(ctx, item.ClassName, item.Key, row)
	}
	return e.store.Insert(ctx, item.ClassName, row)
}

// delete removes the row with the item key. A missing row is not an error.
func (e *Engine) delete(ctx context.Context, item *txns.Item) error {
	if item.Key.IsNull() {
		return errNoKey
	}
	if _, err := e.schema(ctx, item.ClassName); err != nil {
		return err
	}

	err := e.store.Delete(ctx, item.ClassName, item.Key)
	if errors.Is(err, target.ErrNotFound) {
		e.log.Debugw("delete of absent row", "class", item.ClassName, "key", item.Key, "lsa", item.LSA)
		return nil
	}
	return err
}

// ddl runs the statement as the user that issued it on the primary.
func (e *Engine) ddl(ctx context.Context, item *txns.Item) (err error) {
	if item.DBUser != "" {
		var prev string
		prev, err = e.store.SwitchUser(ctx, item.DBUser)
		if err != nil {
			return errors.Wrapf(err, "switch to %s", item.DBUser)
		}
		defer func() {
			if _, rerr := e.store.SwitchUser(ctx, prev); rerr != nil && err == nil {
				err = errors.Wrapf(rerr, "restore user %s", prev)
			}
		}()
	}

	clear(e.schemas)
	if err = e.store.ExecDDL(ctx, item.DDL); err != nil {
		return errors.Wrapf(err, "ddl on %s", item.ClassName)
	}
	return nil
}
