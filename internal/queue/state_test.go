package queue

import (
	"encoding/json"
	"testing"

	"github.com/raine/resale-pricer/internal/pricing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLoader struct {
	photos  map[string][][]byte
	results map[string]*pricing.AnalysisResult
}

func newMemLoader() *memLoader {
	return &memLoader{
		photos:  make(map[string][][]byte),
		results: make(map[string]*pricing.AnalysisResult),
	}
}

func (m *memLoader) LoadJobPhotos(jobID string) ([][]byte, error) {
	return m.photos[jobID], nil
}

func (m *memLoader) LoadJobResult(jobID string) (*pricing.AnalysisResult, error) {
	return m.results[jobID], nil
}

func TestMarshalStateShape(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(2))
	require.NoError(t, q.MarkProcessing(a.ID))
	q.SetRunning(true)

	data, err := q.MarshalState()
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(data, &state))

	assert.Equal(t, true, state["isRunning"])
	assert.Equal(t, a.ID, state["currentJobId"])
	assert.Equal(t, false, state["rateLimitHit"])

	jobs := state["jobs"].([]any)
	require.Len(t, jobs, 1)
	job := jobs[0].(map[string]any)
	assert.Equal(t, a.ID, job["id"])
	assert.Equal(t, "processing", job["status"])
	assert.Equal(t, false, job["hasResult"])
	assert.NotContains(t, job, "errorMessage", "empty error message is omitted")
}

func TestRestoreRequeuesMidFlightJob(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(2))
	b, _ := q.Enqueue(photos(1))
	require.NoError(t, q.MarkProcessing(a.ID))
	q.SetRunning(true)

	loader := newMemLoader()
	loader.photos[a.ID] = photos(2)
	loader.photos[b.ID] = photos(1)

	data, err := q.MarshalState()
	require.NoError(t, err)

	restored, err := RestoreState(data, loader)
	require.NoError(t, err)

	// A resumed process never continues a mid-flight job.
	assert.False(t, restored.IsRunning())
	assert.Empty(t, restored.CurrentJobID())

	job := restored.Get(a.ID)
	require.NotNil(t, job)
	assert.Equal(t, StatusPending, job.Status)
	assert.Len(t, job.Photos, 2)

	// FIFO order survives the round trip.
	assert.Equal(t, a.ID, restored.NextPending().ID)
}

func TestRestorePreservesOutcomes(t *testing.T) {
	q := New()
	a, _ := q.Enqueue(photos(1))
	b, _ := q.Enqueue(photos(1))
	require.NoError(t, q.MarkProcessing(a.ID))
	require.NoError(t, q.Complete(a.ID, result()))
	require.NoError(t, q.MarkProcessing(b.ID))
	require.NoError(t, q.Fail(b.ID, "identification failed", true))
	q.SetRateLimitHit()

	loader := newMemLoader()
	loader.photos[a.ID] = photos(1)
	loader.photos[b.ID] = photos(1)
	loader.results[a.ID] = result()

	data, err := q.MarshalState()
	require.NoError(t, err)

	restored, err := RestoreState(data, loader)
	require.NoError(t, err)

	assert.True(t, restored.RateLimitHit(), "sticky flag survives the restart")

	ja := restored.Get(a.ID)
	assert.Equal(t, StatusCompleted, ja.Status)
	assert.NotNil(t, ja.Result)
	assert.True(t, ja.CountedAgainstQuota)

	jb := restored.Get(b.ID)
	assert.Equal(t, StatusFailed, jb.Status)
	assert.Equal(t, "identification failed", jb.ErrorMessage)
}

func TestRestoreContinuesPositionSequence(t *testing.T) {
	q := New()
	q.Enqueue(photos(1))
	q.Enqueue(photos(1))

	loader := newMemLoader()
	for _, v := range q.Snapshot() {
		loader.photos[v.ID] = photos(1)
	}

	data, err := q.MarshalState()
	require.NoError(t, err)
	restored, err := RestoreState(data, loader)
	require.NoError(t, err)

	job, err := restored.Enqueue(photos(1))
	require.NoError(t, err)
	assert.Equal(t, 3, job.Position)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	_, err := RestoreState([]byte("not json"), newMemLoader())
	assert.Error(t, err)
}
