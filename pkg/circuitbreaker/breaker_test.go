package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errFetch = errors.New("fetch failed")

func failing(context.Context) error { return errFetch }
func succeeding(context.Context) error { return nil }

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Options{Name: "feed", TripAfter: 3, Cooldown: time.Minute})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	}
	assert.Equal(t, StateOpen, b.State())

	// Open breaker rejects without invoking the call.
	called := false
	err := b.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreakerSuccessResetsFailureStreak(t *testing.T) {
	b := New(Options{Name: "feed", TripAfter: 3, Cooldown: time.Minute})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	require.NoError(t, b.Execute(ctx, succeeding))
	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)

	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := New(Options{Name: "feed", TripAfter: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	require.Equal(t, StateOpen, b.State())

	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Execute(ctx, succeeding))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := New(Options{Name: "feed", TripAfter: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSingleProbeWhileHalfOpen(t *testing.T) {
	b := New(Options{Name: "feed", TripAfter: 1, Cooldown: 20 * time.Millisecond})
	ctx := context.Background()

	require.ErrorIs(t, b.Execute(ctx, failing), errFetch)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	probeStarted := make(chan struct{})
	go b.Execute(ctx, func(context.Context) error {
		close(probeStarted)
		<-release
		return nil
	})
	<-probeStarted

	err := b.Execute(ctx, succeeding)
	assert.ErrorIs(t, err, ErrProbing)

	close(release)
	require.Eventually(t, func() bool {
		return b.State() == StateClosed
	}, time.Second, 5*time.Millisecond)
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Options{
		Name:      "feed",
		TripAfter: 1,
		Cooldown:  time.Minute,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	require.ErrorIs(t, b.Execute(context.Background(), failing), errFetch)
	assert.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}
