package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/walapply/src/storage/value"
)

func TestReplicationDataPayload(t *testing.T) {
	b := EncodeReplicationData("accounts", value.BigInt(5))

	class, key, err := DecodeReplicationData(b)
	require.NoError(t, err)
	assert.Equal(t, "accounts", class)
	assert.True(t, value.BigInt(5).Equal(key))

	_, _, err = DecodeReplicationData(b[:len(b)-3])
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestSchemaPayload(t *testing.T) {
	p := SchemaPayload{
		StatementType: 3,
		ClassName:     "accounts",
		DDL:           "ALTER TABLE accounts ADD COLUMN note VARCHAR(20)",
		DBUser:        "dba",
	}

	got, err := DecodeSchemaPayload(p.Encode())
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = DecodeSchemaPayload([]byte{1, 0})
	assert.ErrorIs(t, err, ErrBadPayload)
}
