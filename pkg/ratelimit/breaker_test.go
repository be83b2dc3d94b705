package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_TripsAfterConsecutiveFailures(t *testing.T) {
	m := NewManager(Rule{TripConsecutiveFailures: 3, Timeout: time.Minute}, nil)
	boom := errors.New("dial tcp: connection refused")

	for i := 0; i < 3; i++ {
		_, err := Execute(m, "eth_getLogs", func() (int, error) { return 0, boom })
		assert.ErrorIs(t, err, boom)
	}

	_, err := Execute(m, "eth_getLogs", func() (int, error) { return 1, nil })
	require.Error(t, err)
	assert.True(t, IsOpen(err))

	// 其它方法不受影响
	v, err := Execute(m, "eth_blockNumber", func() (uint64, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestManager_IgnoredErrorsDoNotTrip(t *testing.T) {
	notFound := errors.New("not found")
	m := NewManager(Rule{TripConsecutiveFailures: 2}, nil).
		IgnoreErrors(func(err error) bool { return errors.Is(err, notFound) })

	for i := 0; i < 5; i++ {
		_, err := Execute(m, "m", func() (struct{}, error) { return struct{}{}, notFound })
		assert.ErrorIs(t, err, notFound)
		_, err = Execute(m, "m", func() (struct{}, error) { return struct{}{}, context.Canceled })
		assert.ErrorIs(t, err, context.Canceled)
	}

	_, err := Execute(m, "m", func() (string, error) { return "ok", nil })
	assert.NoError(t, err)
}

func TestStore_AllowAndCleanup(t *testing.T) {
	s := NewStore(1, 2, time.Minute)

	assert.True(t, s.Allow("a"))
	assert.True(t, s.Allow("a"))
	assert.False(t, s.Allow("a"), "burst 用完")
	assert.True(t, s.Allow("b"))
	assert.Equal(t, 2, s.Len())

	s.cleanup(time.Now().Add(2 * time.Minute))
	assert.Equal(t, 0, s.Len())
}
