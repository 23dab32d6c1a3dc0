package replay

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/walapply/src/decoder"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
	"github.com/Blackdeer1524/walapply/src/target"
	"github.com/Blackdeer1524/walapply/src/txns"
	"github.com/Blackdeer1524/walapply/src/wal"
	"github.com/Blackdeer1524/walapply/src/wal/waltest"
)

var testSchema = target.Schema{Name: "t", Columns: []target.Column{
	{Name: "id", Kind: value.KindInt, PrimaryKey: true},
	{Name: "name", Kind: value.KindString},
}}

// fakeRows serves row images by lsa.
type fakeRows map[common.LSA][]byte

func (f fakeRows) RowImage(_ context.Context, lsa common.LSA) (decoder.RowImage, error) {
	img, ok := f[lsa]
	if !ok {
		return decoder.RowImage{}, errors.Wrapf(decoder.ErrChainBroken, "no image at %s", lsa)
	}
	return decoder.RowImage{Tag: wal.RowHome, LSA: lsa, Data: img}, nil
}

type fixture struct {
	rows   fakeRows
	store  *target.MemStore
	engine *Engine
	next   int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{rows: fakeRows{}, store: target.NewMemStore()}
	f.store.DefineClass(testSchema)
	f.engine = New(f.rows, f.store, zap.NewNop().Sugar())
	return f
}

func (f *fixture) image(id int32, name string) common.LSA {
	f.next += 8
	lsa := common.NewLSA(1, f.next)
	f.rows[lsa] = waltest.EncodeRow(testSchema.Kinds(), []value.Value{value.Int(id), value.String(name)})
	return lsa
}

func (f *fixture) insert(id int32, name string) txns.Item {
	return txns.Item{Kind: txns.ItemInsert, ClassName: "t", Key: value.Int(id), TargetLSA: f.image(id, name)}
}

func (f *fixture) update(id int32, name string) txns.Item {
	return txns.Item{Kind: txns.ItemUpdate, ClassName: "t", Key: value.Int(id), TargetLSA: f.image(id, name)}
}

func del(id int32) txns.Item {
	return txns.Item{Kind: txns.ItemDelete, ClassName: "t", Key: value.Int(id), TargetLSA: common.NilLSA}
}

func (f *fixture) replay(t *testing.T, items ...txns.Item) (int, error) {
	t.Helper()
	return f.engine.Replay(context.Background(), &txns.ApplyList{TrID: 7, Items: items})
}

func (f *fixture) name(t *testing.T, id int32) (string, bool) {
	t.Helper()

	row, ok := f.store.Row("t", value.Int(id))
	if !ok {
		return "", false
	}
	return row[1].Str(), true
}

func TestReplayInsertsAndUpdates(t *testing.T) {
	f := newFixture(t)

	applied, err := f.replay(t, f.insert(5, "a"), f.update(5, "b"), f.update(6, "c"))
	require.NoError(t, err)
	assert.Equal(t, 3, applied)
	require.NoError(t, f.store.Commit(context.Background()))

	name, ok := f.name(t, 5)
	require.True(t, ok)
	assert.Equal(t, "b", name)

	// an update of a row the target never saw creates it
	name, ok = f.name(t, 6)
	require.True(t, ok)
	assert.Equal(t, "c", name)

	kinds := []target.OpKind{}
	for _, op := range f.store.Journal() {
		kinds = append(kinds, op.Kind)
	}
	assert.Equal(t, []target.OpKind{target.OpInsert, target.OpUpdate, target.OpInsert}, kinds)
}

func TestReplayUpdateThenDelete(t *testing.T) {
	f := newFixture(t)
	f.store.DefineClass(testSchema)

	_, err := f.replay(t, f.insert(5, "a"))
	require.NoError(t, err)
	require.NoError(t, f.store.Commit(context.Background()))

	applied, err := f.replay(t, f.update(5, "b"), del(5))
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	require.NoError(t, f.store.Commit(context.Background()))

	_, ok := f.name(t, 5)
	assert.False(t, ok)
}

func TestReplayDeleteOfAbsentRow(t *testing.T) {
	f := newFixture(t)

	applied, err := f.replay(t, del(42))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	require.NoError(t, f.store.Commit(context.Background()))
	assert.Empty(t, f.store.Journal())
}

func TestReplayFailedItemForcesCommit(t *testing.T) {
	f := newFixture(t)
	f.store.FailOn = func(op target.Op) error {
		if op.Kind == target.OpInsert && op.Key.Int64() == 2 {
			return errors.New("constraint violated")
		}
		return nil
	}

	applied, err := f.replay(t, f.insert(1, "a"), f.insert(2, "b"), f.insert(3, "c"))
	require.NoError(t, err)
	assert.Equal(t, 2, applied)

	// work before the failure is committed, work after it is still pending
	_, ok := f.name(t, 1)
	assert.True(t, ok)
	_, ok = f.name(t, 3)
	assert.False(t, ok)
	assert.Equal(t, 1, f.store.Commits())

	require.NoError(t, f.store.Commit(context.Background()))
	_, ok = f.name(t, 2)
	assert.False(t, ok)
	_, ok = f.name(t, 3)
	assert.True(t, ok)
}

func TestReplayUnknownClassIsSkipped(t *testing.T) {
	f := newFixture(t)

	item := f.insert(1, "a")
	item.ClassName = "missing"
	applied, err := f.replay(t, item, f.insert(2, "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestReplayMalformedImageIsSkipped(t *testing.T) {
	f := newFixture(t)

	bad := f.insert(1, "a")
	f.rows[bad.TargetLSA] = []byte{1, 2, 3}
	applied, err := f.replay(t, bad, f.insert(2, "b"))
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
}

func TestReplayStopsOnConnectivityLoss(t *testing.T) {
	f := newFixture(t)

	var attempted []int64
	f.store.FailOn = func(op target.Op) error {
		if op.Kind != target.OpInsert {
			return nil
		}
		attempted = append(attempted, op.Key.Int64())
		if op.Key.Int64() == 2 {
			return &target.ConnectivityError{Err: errors.New("server gone")}
		}
		return nil
	}

	applied, err := f.replay(t, f.insert(1, "a"), f.insert(2, "b"), f.insert(3, "c"))
	require.Error(t, err)
	assert.ErrorIs(t, err, target.ErrConnectivity)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, applied)
	assert.Equal(t, []int64{1, 2}, attempted)
	assert.Equal(t, 0, f.store.Commits())
}

func TestReplayStopsOnDecodeError(t *testing.T) {
	f := newFixture(t)

	lost := f.insert(1, "a")
	delete(f.rows, lost.TargetLSA)
	applied, err := f.replay(t, lost, f.insert(2, "b"))
	assert.ErrorIs(t, err, decoder.ErrChainBroken)
	assert.Equal(t, 0, applied)
}

func TestReplayDDLRunsAsIssuingUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ddl := txns.Item{Kind: txns.ItemDDL, ClassName: "t", DDL: "ALTER TABLE t ADD c INT", DBUser: "dba"}
	applied, err := f.replay(t, f.insert(1, "a"), ddl)
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	require.NoError(t, f.store.Commit(ctx))

	journal := f.store.Journal()
	require.Len(t, journal, 4)
	assert.Equal(t, target.OpInsert, journal[0].Kind)
	assert.Equal(t, target.Op{Kind: target.OpSwitchUser, User: "dba"}, journal[1])
	assert.Equal(t, target.Op{Kind: target.OpDDL, Text: ddl.DDL, User: "dba"}, journal[2])
	assert.Equal(t, target.Op{Kind: target.OpSwitchUser, User: ""}, journal[3])
}

// countingStore counts schema lookups that reach the store.
type countingStore struct {
	*target.MemStore
	lookups int
}

func (s *countingStore) Schema(ctx context.Context, class string) (target.Schema, error) {
	s.lookups++
	return s.MemStore.Schema(ctx, class)
}

func TestReplayCachesSchemasUntilDDL(t *testing.T) {
	f := newFixture(t)
	store := &countingStore{MemStore: f.store}
	f.engine = New(f.rows, store, zap.NewNop().Sugar())

	_, err := f.replay(t, f.insert(1, "a"), f.insert(2, "b"), del(1))
	require.NoError(t, err)
	assert.Equal(t, 1, store.lookups)

	ddl := txns.Item{Kind: txns.ItemDDL, ClassName: "t", DDL: "ALTER TABLE t ADD INDEX (name)"}
	_, err = f.replay(t, ddl, f.insert(3, "c"))
	require.NoError(t, err)
	assert.Equal(t, 2, store.lookups)
}
