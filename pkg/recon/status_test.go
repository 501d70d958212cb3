package recon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveEventStatus(t *testing.T) {
	at := time.Now()
	tests := []struct {
		name      string
		requested bool
		attempts  int
		replayed  *time.Time
		lastError string
		want      EventStatus
	}{
		{"never requested", false, 0, nil, "", EventStatusPending},
		{"requested without attempts", true, 0, nil, "", EventStatusQueued},
		{"requested with attempts", true, 2, nil, "", EventStatusInProgress},
		{"replayed", true, 2, &at, "", EventStatusSucceeded},
		{"applied on ingest", false, 0, &at, "", EventStatusSucceeded},
		{"last error", true, 0, nil, "invoice_not_found", EventStatusFailed},
		{"success wins over stale error", true, 1, &at, "invoice_not_found", EventStatusSucceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveEventStatus(tt.requested, tt.attempts, tt.replayed, tt.lastError))
		})
	}
}

func TestDiscrepancyStatus_CanTransition(t *testing.T) {
	allowed := map[DiscrepancyStatus][]DiscrepancyStatus{
		DiscrepancyOpen:         {DiscrepancyAcknowledged, DiscrepancyResolved, DiscrepancyOpen},
		DiscrepancyAcknowledged: {DiscrepancyResolved, DiscrepancyOpen},
		DiscrepancyResolved:     {},
	}
	all := []DiscrepancyStatus{DiscrepancyOpen, DiscrepancyAcknowledged, DiscrepancyResolved}
	for from, targets := range allowed {
		for _, to := range all {
			assert.Equal(t, contains(targets, to), from.CanTransition(to), "%s -> %s", from, to)
		}
	}
	assert.False(t, DiscrepancyStatus("bogus").CanTransition(DiscrepancyOpen))
}

func contains(list []DiscrepancyStatus, s DiscrepancyStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func TestParseStatuses(t *testing.T) {
	s, err := ParseEventStatus("in_progress")
	require.NoError(t, err)
	assert.Equal(t, EventStatusInProgress, s)
	_, err = ParseEventStatus("done")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = ParseDiscrepancyStatus("acknowledged")
	assert.NoError(t, err)
	_, err = ParseStagingStatus("requeued")
	assert.NoError(t, err)
	_, err = ParseRunStatus("paused")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestReplayLimitError(t *testing.T) {
	err := error(&ReplayLimitError{EventID: "e1", Attempts: 5, Limit: 5})
	assert.True(t, errors.Is(err, ErrReplayLimitExceeded))
	assert.Contains(t, err.Error(), "e1")
}

func TestBackoffPolicy_Delay(t *testing.T) {
	p := &BackoffPolicy{Base: time.Second, Max: 10 * time.Second}
	assert.Equal(t, time.Second, p.Delay(0))
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(50))
}

func TestBackoffPolicy_Jitter(t *testing.T) {
	p := (&BackoffPolicy{Base: 10 * time.Second, Max: time.Minute, Jitter: 0.2}).WithSeed(42)
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		assert.GreaterOrEqual(t, d, 8*time.Second)
		assert.LessOrEqual(t, d, 12*time.Second)
	}

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, p.NextAt(now, 1).After(now))
}

func TestBackoffPolicy_SeededIsDeterministic(t *testing.T) {
	a := (&BackoffPolicy{Base: time.Second, Max: time.Minute, Jitter: 0.5}).WithSeed(1)
	b := (&BackoffPolicy{Base: time.Second, Max: time.Minute, Jitter: 0.5}).WithSeed(1)
	for i := 1; i < 6; i++ {
		assert.Equal(t, a.Delay(i), b.Delay(i))
	}
}

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	var states []CircuitBreakerState
	cb := NewDefaultCircuitBreaker(2, 50*time.Millisecond, func(s CircuitBreakerState) {
		states = append(states, s)
	})
	ctx := context.Background()
	boom := errors.New("boom")
	fail := func(context.Context) error { return boom }
	ok := func(context.Context) error { return nil }

	assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	assert.ErrorIs(t, cb.Execute(ctx, ok), ErrCircuitOpen)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.NoError(t, cb.Execute(ctx, ok))
	assert.Equal(t, StateClosed, cb.State())

	assert.Equal(t, []CircuitBreakerState{StateOpen, StateHalfOpen, StateClosed}, states)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, 20*time.Millisecond, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	_ = cb.Execute(ctx, func(context.Context) error { return boom })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_NotFoundIsNotAFailure(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := cb.Execute(ctx, func(context.Context) error { return ErrFeedNotFound })
		assert.ErrorIs(t, err, ErrFeedNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	unlock, err := l.TryLock(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	_, err = l.TryLock(ctx, "other", time.Minute)
	assert.NoError(t, err)

	require.NoError(t, unlock(ctx))
	_, err = l.TryLock(ctx, "k", time.Minute)
	assert.NoError(t, err)

	// Expired leases can be taken over
	_, err = l.TryLock(ctx, "short", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = l.TryLock(ctx, "short", time.Minute)
	assert.NoError(t, err)
}
