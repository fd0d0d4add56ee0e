package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2.0,
		Attempts:   3,
	}
}

func TestWithRetrySucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastPolicy())
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	persistent := errors.New("persistent")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return persistent
	}, fastPolicy())
	require.Error(t, err)
	assert.ErrorIs(t, err, persistent)
	assert.Equal(t, 4, calls, "initial call plus three retries")
}

func TestWithRetryHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		cancel()
		return errors.New("transient")
	}, Policy{Initial: time.Hour, Max: time.Hour, Multiplier: 2.0, Attempts: 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestDelayIsBoundedAndGrows(t *testing.T) {
	p := Policy{Initial: 100 * time.Millisecond, Max: 400 * time.Millisecond, Multiplier: 2.0, Attempts: 5}

	for n := 1; n <= 5; n++ {
		d := p.delay(n)
		assert.GreaterOrEqual(t, d, p.Initial/2, "retry %d", n)
		assert.LessOrEqual(t, d, p.Max, "retry %d", n)
	}
}
