// Package target is the write side of replication: the database the log is
// replayed into, and where the applier keeps its watermark.
package target

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
)

var (
	// ErrConnectivity marks a lost target connection. No later write of the
	// run can succeed.
	ErrConnectivity = errors.New("target connectivity lost")
	ErrNotFound     = errors.New("not found")
)

// ConnectivityError wraps the driver error that cost the connection.
type ConnectivityError struct {
	Err error
}

func (e *ConnectivityError) Error() string { return "target connectivity lost: " + e.Err.Error() }

func (e *ConnectivityError) Unwrap() error { return e.Err }

func (e *ConnectivityError) Is(target error) bool { return target == ErrConnectivity }

type Column struct {
	Name       string
	Kind       value.Kind
	PrimaryKey bool
}

// Schema lists the columns of a class in storage order.
type Schema struct {
	Name    string
	Columns []Column
}

// PrimaryKey returns the index of the key column.
func (s Schema) PrimaryKey() (int, bool) {
	for i, c := range s.Columns {
		if c.PrimaryKey {
			return i, true
		}
	}
	return 0, false
}

func (s Schema) Kinds() []value.Kind {
	kinds := make([]value.Kind, len(s.Columns))
	for i, c := range s.Columns {
		kinds[i] = c.Kind
	}
	return kinds
}

// Watermark is the persisted resume point of one log. Every transaction
// committed at or before CommittedLSA has been applied, except the ones whose
// COMMIT LSA is listed in Pending; a restart scans from RequiredLSA to
// rebuild transactions still open at that point.
type Watermark struct {
	LogPath      string
	CommittedLSA common.LSA
	RequiredLSA  common.LSA
	// Pending holds the COMMIT LSAs of transactions that committed on the
	// primary but still wait in the commit queue behind an open one. They
	// are in ascending order.
	Pending []common.LSA
}

// Store is the target database. All writes go to one implicit transaction
// that is started on demand and ended by Commit or Rollback.
type Store interface {
	Schema(ctx context.Context, class string) (Schema, error)

	Exists(ctx context.Context, class string, key value.Value) (bool, error)
	// Insert and Update take a full row in schema column order.
	Insert(ctx context.Context, class string, row []value.Value) error
	Update(ctx context.Context, class string, key value.Value, row []value.Value) error
	// Delete returns ErrNotFound when no row has key.
	Delete(ctx context.Context, class string, key value.Value) error

	ExecDDL(ctx context.Context, ddl string) error
	// SwitchUser makes user the acting user and returns the previous one.
	// Stores record the acting user; they need not run as it.
	SwitchUser(ctx context.Context, user string) (string, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	SetSystemParameter(ctx context.Context, name, value string) error
	ReadWatermark(ctx context.Context, logPath string) (Watermark, bool, error)
	WriteWatermark(ctx context.Context, w Watermark) error

	Close() error
}
