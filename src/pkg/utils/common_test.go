package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMust(t *testing.T) {
	assert.Equal(t, 3, Must(3, nil))
	assert.Panics(t, func() { Must(0, errors.New("bad")) })
}

func TestSleepContext(t *testing.T) {
	t.Run("elapses", func(t *testing.T) {
		require.NoError(t, SleepContext(context.Background(), time.Millisecond))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := SleepContext(ctx, time.Hour)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
