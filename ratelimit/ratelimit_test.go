package ratelimit_test

import (
	"context"
	"testing"
	"time"

	"github.com/routeros-client/rosclient/ratelimit"
	"github.com/stretchr/testify/require"
)

func TestAcquireGrantsUpToBurst(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{NominalRate: 10, Burst: 3})
	defer l.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(ctx), "acquire %d should succeed immediately from burst", i)
	}

	// The 4th immediate acquire should have to wait for a refill tick.
	start := time.Now()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, l.Acquire(ctx2))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestFeedbackDrivesRate(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{NominalRate: 100, Burst: 10})
	defer l.Stop()

	// Fewer than 5 samples: no effect yet.
	for i := 0; i < 4; i++ {
		l.SubmitFeedback(10 * time.Millisecond)
	}
	require.Equal(t, 100.0, l.CurrentRate())

	// Critical latency collapses the rate to the floor. Submit enough
	// samples to fill (and dominate) the rolling window, since the mean
	// governs the decision.
	for i := 0; i < ratelimit.DefaultHistorySize; i++ {
		l.SubmitFeedback(600 * time.Millisecond)
	}
	require.Equal(t, ratelimit.DefaultMinRate, l.CurrentRate())
}

func TestFeedbackWarnHalvesRate(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{NominalRate: 100, Burst: 10})
	defer l.Stop()

	for i := 0; i < 6; i++ {
		l.SubmitFeedback(300 * time.Millisecond) // between warn (200ms) and critical (500ms)
	}
	require.Equal(t, 50.0, l.CurrentRate())
}

func TestFeedbackRecoversAdditively(t *testing.T) {
	l := ratelimit.New(ratelimit.Config{NominalRate: 100, Burst: 10})
	defer l.Stop()

	for i := 0; i < ratelimit.DefaultHistorySize; i++ {
		l.SubmitFeedback(600 * time.Millisecond)
	}
	require.Equal(t, ratelimit.DefaultMinRate, l.CurrentRate())

	// Flush the window fully with healthy samples before checking recovery,
	// since the mean (not the latest sample) governs the decision: the mean
	// stays critical for one sample, falls into the warn tier for the next
	// five (rate set to 50), and is healthy for the last four (+5 each).
	for i := 0; i < ratelimit.DefaultHistorySize; i++ {
		l.SubmitFeedback(10 * time.Millisecond)
	}
	require.Equal(t, 70.0, l.CurrentRate())
}
