package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mail-analysis-service/internal/models"
)

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.NoError(t, b.Allow())
	}
	b.RecordFailure()

	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, models.KindCircuitOpen, models.KindOf(err))
	assert.Equal(t, "open", b.State())
}

func TestBreakerSuccessResetsFailureRun(t *testing.T) {
	b := NewCircuitBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()

	assert.NoError(t, b.Allow())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()
	require.Error(t, b.Allow())

	time.Sleep(20 * time.Millisecond)

	// First caller through becomes the probe; a second is rejected
	// until the probe reports back.
	assert.NoError(t, b.Allow())
	assert.Error(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, "closed", b.State())
	assert.NoError(t, b.Allow())
}

func TestBreakerReleaseReturnsProbeSlot(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())

	// The admitted call never reached the backend.
	b.Release()

	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, "closed", b.State())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewCircuitBreaker(1, 10*time.Millisecond)
	b.RecordFailure()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Allow())

	b.RecordFailure()
	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, models.KindCircuitOpen, models.KindOf(err))
}
