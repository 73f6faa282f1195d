package httpclient

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreaker(cooldown time.Duration) *Breaker {
	return NewBreaker("test", BreakerConfig{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Cooldown:         cooldown,
	}, nil)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := testBreaker(time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Mark(boom)
	}
	assert.Equal(t, StateClosed, b.State())

	require.NoError(t, b.Allow())
	b.Mark(boom)
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := testBreaker(time.Minute)
	boom := errors.New("boom")

	b.Mark(boom)
	b.Mark(boom)
	b.Mark(nil)
	b.Mark(boom)
	b.Mark(boom)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerHalfOpenProbeClosesAfterSuccesses(t *testing.T) {
	b := testBreaker(time.Millisecond)
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		b.Mark(boom)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	b.Mark(nil)
	assert.Equal(t, StateHalfOpen, b.State())
	b.Mark(nil)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	b := testBreaker(time.Millisecond)
	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		b.Mark(boom)
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.Mark(boom)
	assert.Equal(t, StateOpen, b.State())
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
}
