package target

import (
	"context"
	"database/sql/driver"
	"net"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
)

var testNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db, "repl", zap.NewNop().Sugar())
	s.now = func() time.Time { return testNow }
	return s, mock
}

func expectSchema(mock sqlmock.Sqlmock) {
	mock.ExpectQuery(regexp.QuoteMeta(schemaQuery)).
		WithArgs("t").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "column_key"}).
			AddRow("id", "int", "PRI").
			AddRow("name", "varchar", "").
			AddRow("price", "decimal", ""))
}

func TestSQLSchemaFromInformationSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	expectSchema(mock)

	schema, err := s.Schema(context.Background(), "t")
	require.NoError(t, err)
	assert.Equal(t, Schema{Name: "t", Columns: []Column{
		{Name: "id", Kind: value.KindInt, PrimaryKey: true},
		{Name: "name", Kind: value.KindString},
		{Name: "price", Kind: value.KindNumeric},
	}}, schema)

	// cached until the next DDL
	_, err = s.Schema(context.Background(), "t")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSchemaOfMissingClass(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(schemaQuery)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "column_key"}))

	_, err := s.Schema(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLWritesShareOneTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	row := []value.Value{value.Int(5), value.String("x"), value.NumericFromUnscaled(125, 2)}

	mock.ExpectBegin()
	expectSchema(mock)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM `t` WHERE `id` = ? LIMIT 1")).
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `t` (`id`, `name`, `price`) VALUES (?, ?, ?)")).
		WithArgs(int64(5), "x", "1.25").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `t` SET `id` = ?, `name` = ?, `price` = ? WHERE `id` = ?")).
		WithArgs(int64(5), "x", "1.25", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `t` WHERE `id` = ?")).
		WithArgs(int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	exists, err := s.Exists(ctx, "t", value.Int(5))
	require.NoError(t, err)
	assert.False(t, exists)
	require.NoError(t, s.Insert(ctx, "t", row))
	require.NoError(t, s.Update(ctx, "t", value.Int(5), row))
	require.NoError(t, s.Delete(ctx, "t", value.Int(5)))
	require.NoError(t, s.Commit(ctx))

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLDeleteOfMissingRow(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	expectSchema(mock)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM `t` WHERE `id` = ?")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Delete(context.Background(), "t", value.Int(9))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLInsertArity(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	expectSchema(mock)

	err := s.Insert(context.Background(), "t", []value.Value{value.Int(1)})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrConnectivity)
}

func TestSQLDDLCommitsPendingWorkFirst(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(actingUserQuery)).
		WithArgs("dba").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("ALTER TABLE t ADD c INT")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	prev, err := s.SwitchUser(ctx, "dba")
	require.NoError(t, err)
	assert.Equal(t, "repl", prev)
	require.NoError(t, s.ExecDDL(ctx, "ALTER TABLE t ADD c INT"))

	// switching to the current user is free
	prev, err = s.SwitchUser(ctx, "dba")
	require.NoError(t, err)
	assert.Equal(t, "dba", prev)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSwitchUserSetsOnlySessionVariable(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	// no SET ROLE or reconnect: the statements between still run as the
	// connection user
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(actingUserQuery)).
		WithArgs("dba").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(actingUserQuery)).
		WithArgs("repl").
		WillReturnResult(sqlmock.NewResult(0, 0))

	prev, err := s.SwitchUser(ctx, "dba")
	require.NoError(t, err)
	assert.Equal(t, "repl", prev)

	prev, err = s.SwitchUser(ctx, prev)
	require.NoError(t, err)
	assert.Equal(t, "dba", prev)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLWatermark(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(readWatermarkQuery)).
		WithArgs("/log").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e"}))

	_, ok, err := s.ReadWatermark(ctx, "/log")
	require.NoError(t, err)
	assert.False(t, ok)

	w := Watermark{
		LogPath:      "/log",
		CommittedLSA: common.NewLSA(100, 80),
		RequiredLSA:  common.NewLSA(99, 12),
	}
	mock.ExpectExec(regexp.QuoteMeta(writeWatermarkQuery)).
		WithArgs("/log", int64(100), int64(80), int64(99), int64(12), []byte{}, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(readWatermarkQuery)).
		WithArgs("/log").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e"}).AddRow(100, 80, 99, 12, []byte{}))

	require.NoError(t, s.WriteWatermark(ctx, w))
	got, ok, err := s.ReadWatermark(ctx, "/log")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, w, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLWatermarkKeepsPendingCommits(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	w := Watermark{
		LogPath:      "/log",
		CommittedLSA: common.NewLSA(7, 213),
		RequiredLSA:  common.NewLSA(6, 167),
		Pending:      []common.LSA{common.NewLSA(7, 40), common.NewLSA(7, 120)},
	}
	blob := encodeLSAs(w.Pending)
	require.Len(t, blob, 2*common.SerializedLSASize)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(writeWatermarkQuery)).
		WithArgs("/log", int64(7), int64(213), int64(6), int64(167), blob, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(readWatermarkQuery)).
		WithArgs("/log").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e"}).AddRow(7, 213, 6, 167, blob))

	require.NoError(t, s.WriteWatermark(ctx, w))
	got, ok, err := s.ReadWatermark(ctx, "/log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, w, got)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecodeLSAsRejectsTornBlob(t *testing.T) {
	_, err := decodeLSAs(make([]byte, common.SerializedLSASize+3))
	assert.Error(t, err)

	lsas, err := decodeLSAs(nil)
	require.NoError(t, err)
	assert.Nil(t, lsas)
}

func TestSQLSystemParameter(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setParamQuery)).
		WithArgs("ha_applier_state", "WORKING").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	require.NoError(t, s.SetSystemParameter(ctx, "ha_applier_state", "WORKING"))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLBootstrap(t *testing.T) {
	s, mock := newMockStore(t)
	for _, ddl := range bootstrapDDL {
		mock.ExpectExec(regexp.QuoteMeta(ddl)).WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, s.Bootstrap(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLConnectivityErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		lost bool
	}{
		{"bad conn", driver.ErrBadConn, true},
		{"invalid conn", mysql.ErrInvalidConn, true},
		{"server gone", &mysql.MySQLError{Number: 2006, Message: "gone away"}, true},
		{"server lost", &mysql.MySQLError{Number: 2013, Message: "lost"}, true},
		{"net", &net.OpError{Op: "read", Err: errors.New("reset")}, true},
		{"duplicate key", &mysql.MySQLError{Number: 1062, Message: "dup"}, false},
		{"other", errors.New("syntax"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectBegin()
			mock.ExpectExec(regexp.QuoteMeta(setParamQuery)).WillReturnError(tc.err)

			err := s.SetSystemParameter(context.Background(), "p", "v")
			require.Error(t, err)
			assert.Equal(t, tc.lost, errors.Is(err, ErrConnectivity))

			var connErr *ConnectivityError
			assert.Equal(t, tc.lost, errors.As(err, &connErr))
		})
	}
}

func TestSQLRollbackDropsTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setParamQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(setParamQuery)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.SetSystemParameter(ctx, "p", "1"))
	require.NoError(t, s.Rollback(ctx))
	require.NoError(t, s.SetSystemParameter(ctx, "p", "2"))
	require.NoError(t, s.Commit(ctx))
	require.NoError(t, s.Commit(ctx), "commit without work is a no-op")

	require.NoError(t, mock.ExpectationsWereMet())
}
