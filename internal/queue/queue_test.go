package queue

import (
	"testing"

	"github.com/raine/resale-pricer/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func photos(n int) [][]byte {
	p := make([][]byte, n)
	for i := range p {
		p[i] = []byte{byte(i)}
	}
	return p
}

func result() *pricing.AnalysisResult {
	return &pricing.AnalysisResult{
		Tiers: pricing.PriceTiers{QuickSell: 10, Market: 20, Premium: 30},
	}
}

// assertInvariant checks that at most one job is processing and that the
// current job id is set iff exactly one is.
func assertInvariant(t *testing.T, q *Queue) {
	t.Helper()
	processing := 0
	for _, view := range q.Snapshot() {
		if view.Status == StatusProcessing {
			processing++
		}
	}
	assert.LessOrEqual(t, processing, 1)
	if processing == 1 {
		assert.NotEmpty(t, q.CurrentJobID())
	} else {
		assert.Empty(t, q.CurrentJobID())
	}
}

func TestEnqueue(t *testing.T) {
	q := New()

	first, err := q.Enqueue(photos(2))
	require.NoError(t, err)
	second, err := q.Enqueue(photos(1))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, first.Position)
	assert.Equal(t, 2, second.Position)
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, first.ID, q.NextPending().ID)
}

func TestEnqueuePhotoLimits(t *testing.T) {
	q := New()

	_, err := q.Enqueue(nil)
	assert.ErrorIs(t, err, ErrNoPhotos)

	_, err = q.Enqueue(photos(9))
	assert.ErrorIs(t, err, ErrNoPhotos)

	_, err = q.Enqueue(photos(8))
	assert.NoError(t, err)
}

func TestSingleProcessingSlot(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))
	b, _ := q.Enqueue(photos(1))

	require.NoError(t, q.MarkProcessing(a.ID))
	assert.Equal(t, a.ID, q.CurrentJobID())
	assertInvariant(t, q)

	err := q.MarkProcessing(b.ID)
	assert.ErrorIs(t, err, ErrJobInFlight)
	assertInvariant(t, q)
}

func TestCompleteRequiresResult(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))
	require.NoError(t, q.MarkProcessing(a.ID))

	err := q.Complete(a.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, q.Complete(a.ID, result()))
	assert.Equal(t, StatusCompleted, a.Status)
	assert.True(t, a.CountedAgainstQuota)
	assert.Empty(t, q.CurrentJobID())
	assertInvariant(t, q)
}

func TestFailRequiresMessage(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))
	require.NoError(t, q.MarkProcessing(a.ID))

	err := q.Fail(a.ID, "", false)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, q.Fail(a.ID, "identification failed: timeout", false))
	assert.Equal(t, StatusFailed, a.Status)
	assert.Equal(t, "identification failed: timeout", a.ErrorMessage)
	assert.False(t, a.CountedAgainstQuota)
	assertInvariant(t, q)
}

func TestIllegalTransitions(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))

	// pending job cannot go terminal directly
	assert.ErrorIs(t, q.Complete(a.ID, result()), ErrInvalidTransition)
	assert.ErrorIs(t, q.Fail(a.ID, "boom", false), ErrInvalidTransition)

	// completed job cannot be retried
	require.NoError(t, q.MarkProcessing(a.ID))
	require.NoError(t, q.Complete(a.ID, result()))
	assert.ErrorIs(t, q.Retry(a.ID), ErrInvalidTransition)
}

func TestRetryKeepsOriginalPosition(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))
	b, _ := q.Enqueue(photos(1))
	c, _ := q.Enqueue(photos(1))

	require.NoError(t, q.MarkProcessing(a.ID))
	require.NoError(t, q.Fail(a.ID, "flaky network", true))

	require.NoError(t, q.Retry(a.ID))
	assert.Equal(t, StatusPending, a.Status)
	assert.Empty(t, a.ErrorMessage)
	assert.False(t, a.CountedAgainstQuota)

	// The retried job re-enters at its original slot, ahead of b and c.
	assert.Equal(t, a.ID, q.NextPending().ID)
	views := q.Snapshot()
	assert.Equal(t, []string{a.ID, b.ID, c.ID}, []string{views[0].ID, views[1].ID, views[2].ID})
}

func TestRemoveProcessingJobClearsCurrent(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))
	b, _ := q.Enqueue(photos(1))

	require.NoError(t, q.MarkProcessing(a.ID))
	require.NoError(t, q.Remove(a.ID))

	assert.Empty(t, q.CurrentJobID())
	assert.Nil(t, q.Get(a.ID))
	assert.Equal(t, b.ID, q.NextPending().ID)
	assertInvariant(t, q)
}

func TestRemoveUnknownJob(t *testing.T) {
	q := New()
	assert.ErrorIs(t, q.Remove("nope"), ErrJobNotFound)
}

func TestClearStopsQueue(t *testing.T) {
	q := New()
	q.Enqueue(photos(1))
	q.SetRunning(true)

	q.Clear()

	assert.False(t, q.IsRunning())
	assert.Empty(t, q.CurrentJobID())
	assert.Equal(t, 0, q.Counts().Total())
}

func TestRateLimitFlagIsSticky(t *testing.T) {
	q := New()

	q.SetRateLimitHit()
	assert.True(t, q.RateLimitHit())

	// Nothing clears it implicitly.
	q.Enqueue(photos(1))
	q.SetRunning(false)
	assert.True(t, q.RateLimitHit())

	q.ClearRateLimit()
	assert.False(t, q.RateLimitHit())
}

func TestCounts(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))
	b, _ := q.Enqueue(photos(1))
	q.Enqueue(photos(1))

	require.NoError(t, q.MarkProcessing(a.ID))
	require.NoError(t, q.Complete(a.ID, result()))
	require.NoError(t, q.MarkProcessing(b.ID))
	require.NoError(t, q.Fail(b.ID, "boom", true))

	counts := q.Counts()
	assert.Equal(t, Counts{Pending: 1, Completed: 1, Failed: 1}, counts)
	assert.Equal(t, 3, counts.Total())
}
