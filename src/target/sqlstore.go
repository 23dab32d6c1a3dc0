package target

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-sql-driver/mysql"

	"github.com/Blackdeer1524/walapply/src"
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
)

const (
	ApplyInfoTable = "walapply_apply_info"
	ParamTable     = "walapply_param"
)

var bootstrapDDL = []string{
	"CREATE TABLE IF NOT EXISTS " + ApplyInfoTable + " (" +
		"log_path VARCHAR(512) NOT NULL PRIMARY KEY, " +
		"committed_page_id BIGINT NOT NULL, " +
		"committed_offset INT NOT NULL, " +
		"required_page_id BIGINT NOT NULL, " +
		"required_offset INT NOT NULL, " +
		"pending_commits BLOB NOT NULL, " +
		"updated_at DATETIME(6) NOT NULL)",
	"CREATE TABLE IF NOT EXISTS " + ParamTable + " (" +
		"name VARCHAR(128) NOT NULL PRIMARY KEY, " +
		"value VARCHAR(1024) NOT NULL)",
}

const (
	schemaQuery = "SELECT column_name, data_type, column_key FROM information_schema.columns " +
		"WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position"

	readWatermarkQuery = "SELECT committed_page_id, committed_offset, required_page_id, required_offset," +
		" pending_commits FROM " + ApplyInfoTable + " WHERE log_path = ?"

	writeWatermarkQuery = "INSERT INTO " + ApplyInfoTable +
		" (log_path, committed_page_id, committed_offset, required_page_id, required_offset," +
		" pending_commits, updated_at)" +
		" VALUES (?, ?, ?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE" +
		" committed_page_id = VALUES(committed_page_id), committed_offset = VALUES(committed_offset)," +
		" required_page_id = VALUES(required_page_id), required_offset = VALUES(required_offset)," +
		" pending_commits = VALUES(pending_commits), updated_at = VALUES(updated_at)"

	setParamQuery = "INSERT INTO " + ParamTable + " (name, value) VALUES (?, ?)" +
		" ON DUPLICATE KEY UPDATE value = VALUES(value)"

	actingUserQuery = "SET @walapply_acting_user = ?"
)

var _ Store = &SQLStore{}

// SQLStore writes to a MySQL compatible target through one connection and
// at most one open transaction.
type SQLStore struct {
	db  *sql.DB
	tx  *sql.Tx
	log src.Logger

	user    string
	schemas map[string]Schema
	now     func() time.Time
}

// OpenSQL connects to dsn and creates the bookkeeping tables.
func OpenSQL(ctx context.Context, dsn string, log src.Logger) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse target dsn")
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open target")
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(classify(err), "ping target %s", cfg.Addr)
	}

	s := NewSQLStore(db, cfg.User, log)
	if err := s.Bootstrap(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	log.Infow("connected to target", "addr", cfg.Addr, "db", cfg.DBName, "user", cfg.User)
	return s, nil
}

func NewSQLStore(db *sql.DB, user string, log src.Logger) *SQLStore {
	return &SQLStore{
		db:      db,
		log:     log,
		user:    user,
		schemas: map[string]Schema{},
		now:     time.Now,
	}
}

func (s *SQLStore) Bootstrap(ctx context.Context) error {
	for _, ddl := range bootstrapDDL {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return errors.Wrap(classify(err), "create bookkeeping table")
		}
	}
	return nil
}

func (s *SQLStore) begin(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(classify(err), "begin")
	}
	s.tx = tx
	return tx, nil
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func kindFromSQL(dataType string) (value.Kind, bool) {
	switch strings.ToLower(dataType) {
	case "tinyint", "smallint", "mediumint", "int", "integer":
		return value.KindInt, true
	case "bigint":
		return value.KindBigInt, true
	case "float", "double", "real":
		return value.KindDouble, true
	case "decimal", "numeric":
		return value.KindNumeric, true
	case "date", "datetime", "timestamp":
		return value.KindDatetime, true
	case "char", "varchar", "tinytext", "text", "mediumtext", "longtext", "enum", "set":
		return value.KindString, true
	case "binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "bit":
		return value.KindBytes, true
	}
	return value.KindNull, false
}

func (s *SQLStore) Schema(ctx context.Context, class string) (Schema, error) {
	if schema, ok := s.schemas[class]; ok {
		return schema, nil
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return Schema{}, err
	}
	rows, err := tx.QueryContext(ctx, schemaQuery, class)
	if err != nil {
		return Schema{}, errors.Wrapf(classify(err), "schema of %s", class)
	}
	defer rows.Close()

	schema := Schema{Name: class}
	for rows.Next() {
		var name, dataType, key string
		if err := rows.Scan(&name, &dataType, &key); err != nil {
			return Schema{}, errors.Wrapf(classify(err), "schema of %s", class)
		}
		kind, ok := kindFromSQL(dataType)
		if !ok {
			return Schema{}, errors.Errorf("column %s.%s has unsupported type %s", class, name, dataType)
		}
		schema.Columns = append(schema.Columns, Column{Name: name, Kind: kind, PrimaryKey: key == "PRI"})
	}
	if err := rows.Err(); err != nil {
		return Schema{}, errors.Wrapf(classify(err), "schema of %s", class)
	}
	if len(schema.Columns) == 0 {
		return Schema{}, errors.Wrapf(ErrNotFound, "class %s", class)
	}
	if _, ok := schema.PrimaryKey(); !ok {
		return Schema{}, errors.Errorf("class %s has no primary key", class)
	}

	s.schemas[class] = schema
	return schema, nil
}

func (s *SQLStore) keyColumn(ctx context.Context, class string) (Schema, string, error) {
	schema, err := s.Schema(ctx, class)
	if err != nil {
		return Schema{}, "", err
	}
	pk, _ := schema.PrimaryKey()
	return schema, quoteIdent(schema.Columns[pk].Name), nil
}

func args(row []value.Value) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v.Any()
	}
	return out
}

func (s *SQLStore) Exists(ctx context.Context, class string, key value.Value) (bool, error) {
	_, pk, err := s.keyColumn(ctx, class)
	if err != nil {
		return false, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	query := "SELECT 1 FROM " + quoteIdent(class) + " WHERE " + pk + " = ? LIMIT 1"

	var one int
	err = tx.QueryRowContext(ctx, query, key.Any()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify(err)
	}
	return true, nil
}

func (s *SQLStore) Insert(ctx context.Context, class string, row []value.Value) error {
	schema, err := s.Schema(ctx, class)
	if err != nil {
		return err
	}
	if len(row) != len(schema.Columns) {
		return errors.Errorf("insert into %s: %d values for %d columns", class, len(row), len(schema.Columns))
	}

	names := make([]string, len(schema.Columns))
	marks := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		names[i] = quoteIdent(c.Name)
		marks[i] = "?"
	}
	query := "INSERT INTO " + quoteIdent(class) +
		" (" + strings.Join(names, ", ") + ") VALUES (" + strings.Join(marks, ", ") + ")"

	_, err = s.exec(ctx, query, args(row)...)
	return err
}

func (s *SQLStore) Update(ctx context.Context, class string, key value.Value, row []value.Value) error {
	schema, pk, err := s.keyColumn(ctx, class)
	if err != nil {
		return err
	}
	if len(row) != len(schema.Columns) {
		return errors.Errorf("update %s: %d values for %d columns", class, len(row), len(schema.Columns))
	}

	sets := make([]string, len(schema.Columns))
	for i, c := range schema.Columns {
		sets[i] = quoteIdent(c.Name) + " = ?"
	}
	query := "UPDATE " + quoteIdent(class) + " SET " + strings.Join(sets, ", ") + " WHERE " + pk + " = ?"

	_, err = s.exec(ctx, query, append(args(row), key.Any())...)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, class string, key value.Value) error {
	_, pk, err := s.keyColumn(ctx, class)
	if err != nil {
		return err
	}

	res, err := s.exec(ctx, "DELETE FROM "+quoteIdent(class)+" WHERE "+pk+" = ?", key.Any())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s key %s", class, key)
	}
	return nil
}

// ExecDDL commits pending work first: the server commits implicitly before
// any DDL statement.
func (s *SQLStore) ExecDDL(ctx context.Context, ddl string) error {
	if err := s.Commit(ctx); err != nil {
		return err
	}
	clear(s.schemas)

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return classify(err)
	}
	return nil
}

// SwitchUser records the acting user in the @walapply_acting_user session
// variable for audit triggers on the target to read. It does not change the
// privileges statements run with: every row change and DDL still executes as
// the user of the connection DSN.
func (s *SQLStore) SwitchUser(ctx context.Context, user string) (string, error) {
	prev := s.user
	if user == prev {
		return prev, nil
	}
	if _, err := s.exec(ctx, actingUserQuery, user); err != nil {
		return prev, err
	}
	s.user = user
	return prev, nil
}

func (s *SQLStore) Commit(_ context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Commit(); err != nil {
		return errors.Wrap(classify(err), "commit")
	}
	return nil
}

func (s *SQLStore) Rollback(_ context.Context) error {
	if s.tx == nil {
		return nil
	}
	tx := s.tx
	s.tx = nil
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(classify(err), "rollback")
	}
	return nil
}

func (s *SQLStore) SetSystemParameter(ctx context.Context, name, val string) error {
	_, err := s.exec(ctx, setParamQuery, name, val)
	return err
}

func (s *SQLStore) ReadWatermark(ctx context.Context, logPath string) (Watermark, bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return Watermark{}, false, err
	}

	var (
		committedPage, requiredPage     int64
		committedOffset, requiredOffset int32
		pending                         []byte
	)
	err = tx.QueryRowContext(ctx, readWatermarkQuery, logPath).
		Scan(&committedPage, &committedOffset, &requiredPage, &requiredOffset, &pending)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, false, nil
	}
	if err != nil {
		return Watermark{}, false, errors.Wrap(classify(err), "read watermark")
	}

	lsas, err := decodeLSAs(pending)
	if err != nil {
		return Watermark{}, false, errors.Wrapf(err, "read watermark of %s", logPath)
	}
	return Watermark{
		LogPath:      logPath,
		CommittedLSA: common.NewLSA(common.PageID(committedPage), committedOffset),
		RequiredLSA:  common.NewLSA(common.PageID(requiredPage), requiredOffset),
		Pending:      lsas,
	}, true, nil
}

// encodeLSAs packs lsas back to back in their serialized form.
func encodeLSAs(lsas []common.LSA) []byte {
	out := make([]byte, len(lsas)*common.SerializedLSASize)
	for i, lsa := range lsas {
		lsa.Put(out[i*common.SerializedLSASize:])
	}
	return out
}

func decodeLSAs(b []byte) ([]common.LSA, error) {
	if len(b)%common.SerializedLSASize != 0 {
		return nil, errors.Errorf("pending commits: %d bytes is not a whole number of lsas", len(b))
	}
	if len(b) == 0 {
		return nil, nil
	}
	out := make([]common.LSA, 0, len(b)/common.SerializedLSASize)
	for ; len(b) > 0; b = b[common.SerializedLSASize:] {
		out = append(out, common.LSAFromBytes(b))
	}
	return out, nil
}

func (s *SQLStore) WriteWatermark(ctx context.Context, w Watermark) error {
	_, err := s.exec(ctx, writeWatermarkQuery,
		w.LogPath,
		int64(w.CommittedLSA.PageID), w.CommittedLSA.Offset,
		int64(w.RequiredLSA.PageID), w.RequiredLSA.Offset,
		encodeLSAs(w.Pending),
		s.now().UTC(),
	)
	if err != nil {
		return errors.Wrap(err, "write watermark")
	}
	return nil
}

func (s *SQLStore) Close() error {
	if err := s.Rollback(context.Background()); err != nil {
		s.log.Warnw("rollback on close failed", "error", err)
	}
	return s.db.Close()
}
