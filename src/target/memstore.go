package target

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/storage/value"
)

type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpUpdate
	OpDelete
	OpDDL
	OpSwitchUser
	OpSetParam
	OpWatermark
	OpCommit
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpDDL:
		return "ddl"
	case OpSwitchUser:
		return "switch-user"
	case OpSetParam:
		return "set-param"
	case OpWatermark:
		return "watermark"
	case OpCommit:
		return "commit"
	default:
		return "unknown"
	}
}

// Op is one write done against a MemStore. ddl and parameter ops carry their
// text in Text; user switches and DDL carry the acting user in User.
type Op struct {
	Kind  OpKind
	Class string
	Key   value.Value
	Row   []value.Value
	Text  string
	User  string
}

type memState struct {
	rows       map[string]map[string][]value.Value
	params     map[string]string
	watermarks map[string]Watermark
}

func (s memState) clone() memState {
	rows := make(map[string]map[string][]value.Value, len(s.rows))
	for class, byKey := range s.rows {
		rows[class] = maps.Clone(byKey)
	}
	return memState{
		rows:       rows,
		params:     maps.Clone(s.params),
		watermarks: maps.Clone(s.watermarks),
	}
}

var _ Store = &MemStore{}

// MemStore is a transactional in-memory target. Work becomes visible to
// Row, Rows and Journal only after Commit. It backs dry runs and tests.
type MemStore struct {
	mu sync.Mutex

	classes   map[string]Schema
	committed memState
	working   *memState

	journal []Op
	pending []Op

	user    string
	commits int

	// FailOn, when set, is consulted before every write and before a commit
	// of pending writes; a non-nil result fails that call.
	FailOn func(Op) error
}

func NewMemStore() *MemStore {
	return &MemStore{
		classes: map[string]Schema{},
		committed: memState{
			rows:       map[string]map[string][]value.Value{},
			params:     map[string]string{},
			watermarks: map[string]Watermark{},
		},
	}
}

// DefineClass registers the schema of a class, like a table that already
// exists on the target.
func (m *MemStore) DefineClass(s Schema) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.classes[s.Name] = s
	if _, ok := m.committed.rows[s.Name]; !ok {
		m.committed.rows[s.Name] = map[string][]value.Value{}
	}
}

func (m *MemStore) state() *memState {
	if m.working == nil {
		w := m.committed.clone()
		m.working = &w
	}
	return m.working
}

func (m *MemStore) read() memState {
	if m.working != nil {
		return *m.working
	}
	return m.committed
}

func (m *MemStore) write(op Op) error {
	if m.FailOn != nil {
		if err := m.FailOn(op); err != nil {
			return err
		}
	}
	m.pending = append(m.pending, op)
	return nil
}

func (m *MemStore) Schema(_ context.Context, class string) (Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.classes[class]
	if !ok {
		return Schema{}, errors.Wrapf(ErrNotFound, "class %s", class)
	}
	return s, nil
}

func (m *MemStore) table(class string) (map[string][]value.Value, error) {
	if _, ok := m.classes[class]; !ok {
		return nil, errors.Wrapf(ErrNotFound, "class %s", class)
	}
	st := m.state()
	rows, ok := st.rows[class]
	if !ok {
		rows = map[string][]value.Value{}
		st.rows[class] = rows
	}
	return rows, nil
}

func (m *MemStore) Exists(_ context.Context, class string, key value.Value) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.classes[class]; !ok {
		return false, errors.Wrapf(ErrNotFound, "class %s", class)
	}
	_, ok := m.read().rows[class][key.Key()]
	return ok, nil
}

func (m *MemStore) keyOf(class string, row []value.Value) (value.Value, error) {
	s := m.classes[class]
	if len(row) != len(s.Columns) {
		return value.Value{}, errors.Errorf("%s: %d values for %d columns", class, len(row), len(s.Columns))
	}
	pk, ok := s.PrimaryKey()
	if !ok {
		return value.Value{}, errors.Errorf("class %s has no primary key", class)
	}
	return row[pk], nil
}

func (m *MemStore) Insert(_ context.Context, class string, row []value.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(class)
	if err != nil {
		return err
	}
	key, err := m.keyOf(class, row)
	if err != nil {
		return err
	}
	if _, dup := rows[key.Key()]; dup {
		return errors.Errorf("%s: duplicate key %s", class, key)
	}
	if err := m.write(Op{Kind: OpInsert, Class: class, Key: key, Row: slices.Clone(row)}); err != nil {
		return err
	}
	rows[key.Key()] = slices.Clone(row)
	return nil
}

func (m *MemStore) Update(_ context.Context, class string, key value.Value, row []value.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(class)
	if err != nil {
		return err
	}
	newKey, err := m.keyOf(class, row)
	if err != nil {
		return err
	}
	if _, ok := rows[key.Key()]; !ok {
		return errors.Wrapf(ErrNotFound, "%s key %s", class, key)
	}
	if err := m.write(Op{Kind: OpUpdate, Class: class, Key: key, Row: slices.Clone(row)}); err != nil {
		return err
	}
	delete(rows, key.Key())
	rows[newKey.Key()] = slices.Clone(row)
	return nil
}

func (m *MemStore) Delete(_ context.Context, class string, key value.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.table(class)
	if err != nil {
		return err
	}
	if _, ok := rows[key.Key()]; !ok {
		return errors.Wrapf(ErrNotFound, "%s key %s", class, key)
	}
	if err := m.write(Op{Kind: OpDelete, Class: class, Key: key}); err != nil {
		return err
	}
	delete(rows, key.Key())
	return nil
}

// ExecDDL records the statement. Like the SQL target it commits pending work
// first; the statement itself is not interpreted.
func (m *MemStore) ExecDDL(ctx context.Context, ddl string) error {
	if err := m.Commit(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	op := Op{Kind: OpDDL, Text: ddl, User: m.user}
	if m.FailOn != nil {
		if err := m.FailOn(op); err != nil {
			return err
		}
	}
	m.journal = append(m.journal, op)
	return nil
}

func (m *MemStore) SwitchUser(_ context.Context, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.user
	if err := m.write(Op{Kind: OpSwitchUser, User: user}); err != nil {
		return prev, err
	}
	m.user = user
	return prev, nil
}

func (m *MemStore) Commit(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailOn != nil && len(m.pending) > 0 {
		if err := m.FailOn(Op{Kind: OpCommit}); err != nil {
			return err
		}
	}
	if m.working != nil {
		m.committed = *m.working
		m.working = nil
	}
	m.journal = append(m.journal, m.pending...)
	m.pending = m.pending[:0]
	m.commits++
	return nil
}

func (m *MemStore) Rollback(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.working = nil
	m.pending = m.pending[:0]
	return nil
}

func (m *MemStore) SetSystemParameter(_ context.Context, name, val string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(Op{Kind: OpSetParam, Class: name, Text: val}); err != nil {
		return err
	}
	m.state().params[name] = val
	return nil
}

func (m *MemStore) ReadWatermark(_ context.Context, logPath string) (Watermark, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.read().watermarks[logPath]
	return w, ok, nil
}

func (m *MemStore) WriteWatermark(_ context.Context, w Watermark) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.write(Op{Kind: OpWatermark, Text: w.LogPath}); err != nil {
		return err
	}
	// the caller may reuse its slice
	w.Pending = slices.Clone(w.Pending)
	m.state().watermarks[w.LogPath] = w
	return nil
}

func (m *MemStore) Close() error {
	return m.Rollback(context.Background())
}

// Row returns the committed row of class with key.
func (m *MemStore) Row(class string, key value.Value) ([]value.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.committed.rows[class][key.Key()]
	return row, ok
}

// Rows counts committed rows of class.
func (m *MemStore) Rows(class string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.committed.rows[class])
}

// Journal lists committed writes in the order they were made.
func (m *MemStore) Journal() []Op {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.journal)
}

func (m *MemStore) Param(name string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.committed.params[name]
	return v, ok
}

// Watermark returns the committed watermark of logPath.
func (m *MemStore) Watermark(logPath string) (Watermark, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.committed.watermarks[logPath]
	return w, ok
}

func (m *MemStore) Commits() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.commits
}
