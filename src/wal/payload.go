package wal

import (
	"github.com/go-faster/errors"

	"github.com/Blackdeer1524/walapply/src/pkg/binio"
	"github.com/Blackdeer1524/walapply/src/storage/value"
)

var ErrBadPayload = errors.New("bad replication payload")

func EncodeReplicationData(className string, key value.Value) []byte {
	w := binio.NewWriter(len(className) + 32)
	w.String(className)
	value.Encode(w, key)
	return w.Bytes()
}

func DecodeReplicationData(b []byte) (string, value.Value, error) {
	r := binio.NewReader(b)
	className := r.String()
	if err := r.Err(); err != nil {
		return "", value.Null(), errors.Wrap(ErrBadPayload, err.Error())
	}
	key, err := value.Decode(r)
	if err != nil {
		return "", value.Null(), errors.Wrapf(ErrBadPayload, "key of %q: %v", className, err)
	}
	return className, key, nil
}

type SchemaPayload struct {
	StatementType int32
	ClassName     string
	DDL           string
	DBUser        string
}

func (p SchemaPayload) Encode() []byte {
	w := binio.NewWriter(12 + len(p.ClassName) + len(p.DDL) + len(p.DBUser) + 4)
	w.Int32(p.StatementType)
	w.String(p.ClassName)
	w.String(p.DDL)
	w.String(p.DBUser)
	return w.Bytes()
}

func DecodeSchemaPayload(b []byte) (SchemaPayload, error) {
	r := binio.NewReader(b)
	p := SchemaPayload{
		StatementType: r.Int32(),
		ClassName:     r.String(),
		DDL:           r.String(),
		DBUser:        r.String(),
	}
	if err := r.Err(); err != nil {
		return SchemaPayload{}, errors.Wrap(ErrBadPayload, err.Error())
	}
	return p, nil
}
