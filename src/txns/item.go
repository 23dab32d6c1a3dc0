package txns

import (
	"github.com/Blackdeer1524/walapply/src/pkg/common"
	"github.com/Blackdeer1524/walapply/src/storage/value"
	"github.com/Blackdeer1524/walapply/src/wal"
)

type ItemKind uint8

const (
	ItemInsert ItemKind = iota + 1
	ItemUpdate
	ItemDelete
	ItemDDL
)

func (k ItemKind) String() string {
	switch k {
	case ItemInsert:
		return "insert"
	case ItemUpdate:
		return "update"
	case ItemDelete:
		return "delete"
	case ItemDDL:
		return "ddl"
	default:
		return "unknown"
	}
}

// Item is one replicated change waiting for its transaction to commit.
type Item struct {
	Kind ItemKind

	// LSA of the replication record the item was parsed from.
	LSA common.LSA

	ClassName string
	Key       value.Value
	// TargetLSA is the record holding the row image. NIL means delete.
	TargetLSA common.LSA

	StatementType int32
	DDL           string
	DBUser        string
}

func DataItem(lsa common.LSA, rec wal.ReplicationDataRecord) Item {
	kind := ItemUpdate
	switch {
	case rec.TargetLSA.IsNil() || rec.RcvIndex == wal.RcvReplDelete:
		kind = ItemDelete
	case rec.RcvIndex == wal.RcvReplInsert:
		kind = ItemInsert
	}

	return Item{
		Kind:      kind,
		LSA:       lsa,
		ClassName: rec.ClassName,
		Key:       rec.Key,
		TargetLSA: rec.TargetLSA,
	}
}

func SchemaItem(lsa common.LSA, rec wal.ReplicationSchemaRecord) Item {
	return Item{
		Kind:          ItemDDL,
		LSA:           lsa,
		ClassName:     rec.ClassName,
		TargetLSA:     common.NilLSA,
		StatementType: rec.StatementType,
		DDL:           rec.DDL,
		DBUser:        rec.DBUser,
	}
}
