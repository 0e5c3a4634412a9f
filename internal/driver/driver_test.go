package driver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/raine/resale-pricer/internal/market"
	"github.com/raine/resale-pricer/internal/pricing"
	"github.com/raine/resale-pricer/internal/queue"
	"github.com/raine/resale-pricer/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	state     []byte
	photos    map[string][][]byte
	results   map[string]*pricing.AnalysisResult
	failSaves bool
}

func newMemStore() *memStore {
	return &memStore{
		photos:  make(map[string][][]byte),
		results: make(map[string]*pricing.AnalysisResult),
	}
}

func (m *memStore) SaveQueueState(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaves {
		return errors.New("disk full")
	}
	m.state = append([]byte(nil), data...)
	return nil
}

func (m *memStore) LoadQueueState() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, nil
}

func (m *memStore) SaveJobPhotos(jobID string, photos [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.photos[jobID] = photos
	return nil
}

func (m *memStore) LoadJobPhotos(jobID string) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.photos[jobID], nil
}

func (m *memStore) SaveJobResult(jobID string, result *pricing.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[jobID] = result
	return nil
}

func (m *memStore) LoadJobResult(jobID string) (*pricing.AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.results[jobID], nil
}

func (m *memStore) DeleteJobData(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.photos, jobID)
	delete(m.results, jobID)
	return nil
}

type fakeIdentifier struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{} // when non-nil, Identify blocks until closed
}

func (f *fakeIdentifier) Identify(ctx context.Context, photos [][]byte) (*vision.Result, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	err := f.err
	f.mu.Unlock()

	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", vision.ErrNoResponse, ctx.Err())
		}
	}
	if err != nil {
		return nil, err
	}

	return &vision.Result{
		Item: &vision.Identification{
			Title:       "Nike Air Max 90 sneakers",
			Description: "Lightly worn.",
			Name:        "sneakers",
			Brand:       "Nike",
			Condition:   "good",
			Prices:      vision.PriceEstimate{Quick: 30, Market: 45, Premium: 70},
		},
	}, nil
}

func (f *fakeIdentifier) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeFetcher struct {
	result *market.Result
	err    error
}

func (f *fakeFetcher) FetchComparables(ctx context.Context, q market.Query) (*market.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// fakeQuota allows a fixed number of analyses. A negative allowance means
// unlimited.
type fakeQuota struct {
	mu        sync.Mutex
	allowance int
	used      int
	recorded  []string
}

func (f *fakeQuota) CanSubmitAnalysis() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.allowance < 0 || f.used < f.allowance, nil
}

func (f *fakeQuota) RecordUsage(kind, metadata string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.used++
	f.recorded = append(f.recorded, kind)
	return nil
}

func (f *fakeQuota) recordedKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.recorded...)
}

func testOpts() Opts {
	return Opts{
		IdentifyTimeout:  time.Second,
		MarketTimeout:    time.Second,
		AdvanceDelay:     time.Millisecond,
		ProgressInterval: time.Hour,
	}
}

func testDriver(t *testing.T, store *memStore, id *fakeIdentifier, fetch *fakeFetcher, q *fakeQuota) *Driver {
	t.Helper()
	d, err := New(store, id, fetch, q, testOpts())
	require.NoError(t, err)
	return d
}

func waitIdle(t *testing.T, d *Driver) {
	t.Helper()
	assert.Eventually(t, func() bool {
		return !d.Progress().Running
	}, 5*time.Second, 5*time.Millisecond)
}

func soldComps(prices ...float64) *market.Result {
	r := &market.Result{}
	for _, p := range prices {
		r.Listings = append(r.Listings, market.SoldListing{Price: p})
	}
	return r
}

func TestDriverProcessesQueueInOrder(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{}
	fetch := &fakeFetcher{result: soldComps(10, 20, 30, 40)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	ctx := context.Background()
	first, err := d.Enqueue(ctx, [][]byte{{1}})
	require.NoError(t, err)
	second, err := d.Enqueue(ctx, [][]byte{{2}})
	require.NoError(t, err)

	waitIdle(t, d)

	ja := d.Queue().Get(first)
	jb := d.Queue().Get(second)
	require.NotNil(t, ja)
	require.NotNil(t, jb)
	assert.Equal(t, queue.StatusCompleted, ja.Status)
	assert.Equal(t, queue.StatusCompleted, jb.Status)

	// Market comps blended with AI estimate.
	assert.Equal(t, 17.5, ja.Result.Tiers.QuickSell)
	assert.Equal(t, 25.0, ja.Result.Tiers.Market)
	assert.Equal(t, 70.0, ja.Result.Tiers.Premium)

	// Results and snapshot persisted.
	stored, err := store.LoadJobResult(first)
	require.NoError(t, err)
	assert.NotNil(t, stored)
	data, err := store.LoadQueueState()
	require.NoError(t, err)
	assert.NotNil(t, data)

	// Both analyses billed.
	assert.Equal(t, []string{"analysis", "analysis"}, quota.recordedKinds())
}

func TestDriverQuotaExhaustionPausesQueue(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{}
	fetch := &fakeFetcher{err: market.ErrUnavailable}
	quota := &fakeQuota{allowance: 2}
	d := testDriver(t, store, id, fetch, quota)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		jobID, err := d.Enqueue(ctx, [][]byte{{byte(i)}})
		require.NoError(t, err)
		ids = append(ids, jobID)
	}

	waitIdle(t, d)

	assert.Equal(t, queue.StatusCompleted, d.Queue().Get(ids[0]).Status)
	assert.Equal(t, queue.StatusCompleted, d.Queue().Get(ids[1]).Status)
	assert.Equal(t, queue.StatusPending, d.Queue().Get(ids[2]).Status, "third job is left for a future run")

	progress := d.Progress()
	assert.True(t, progress.Paused)
	assert.False(t, progress.Running)

	// Start is a no-op while paused; Resume clears the flag.
	d.Start(ctx)
	assert.False(t, d.Progress().Running)

	quota.mu.Lock()
	quota.allowance = -1
	quota.mu.Unlock()

	d.Resume(ctx)
	waitIdle(t, d)
	assert.Equal(t, queue.StatusCompleted, d.Queue().Get(ids[2]).Status)
	assert.False(t, d.Progress().Paused)
}

func TestDriverIdentificationFailure(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{err: fmt.Errorf("%w: connection reset", vision.ErrNoResponse)}
	fetch := &fakeFetcher{}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	ctx := context.Background()
	jobID, err := d.Enqueue(ctx, [][]byte{{1}})
	require.NoError(t, err)

	waitIdle(t, d)

	job := d.Queue().Get(jobID)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "identification failed")
	assert.False(t, job.CountedAgainstQuota, "provider never returned, attempt is not billable")
	assert.Empty(t, quota.recordedKinds())
}

func TestDriverUnusableResponseIsBillable(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{err: errors.New("failed to parse response JSON")}
	fetch := &fakeFetcher{}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	jobID, err := d.Enqueue(context.Background(), [][]byte{{1}})
	require.NoError(t, err)
	waitIdle(t, d)

	job := d.Queue().Get(jobID)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.True(t, job.CountedAgainstQuota)
	assert.Equal(t, []string{"analysis"}, quota.recordedKinds(),
		"a provider response that cannot be used still counts against the cap")
}

func TestDriverDegradesToAIOnlyPricing(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{}
	fetch := &fakeFetcher{err: market.ErrUnavailable}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	jobID, err := d.Enqueue(context.Background(), [][]byte{{1}})
	require.NoError(t, err)
	waitIdle(t, d)

	job := d.Queue().Get(jobID)
	require.Equal(t, queue.StatusCompleted, job.Status)
	assert.Equal(t, 30.0, job.Result.Tiers.QuickSell)
	assert.Equal(t, 45.0, job.Result.Tiers.Market)
	assert.Equal(t, 70.0, job.Result.Tiers.Premium)
	assert.Equal(t, 0, job.Result.Tiers.SampleSize)
}

func TestDriverDiscardsResultForRemovedJob(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	id := &fakeIdentifier{release: release}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	ctx := context.Background()
	jobID, err := d.Enqueue(ctx, [][]byte{{1}})
	require.NoError(t, err)

	// Wait until the job is in flight, then remove it.
	assert.Eventually(t, func() bool {
		return d.Queue().CurrentJobID() == jobID
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Remove(jobID))

	close(release)
	waitIdle(t, d)

	assert.Nil(t, d.Queue().Get(jobID))
	stored, err := store.LoadJobResult(jobID)
	require.NoError(t, err)
	assert.Nil(t, stored, "late result is discarded, not persisted")
}

func TestDriverStopHaltsFutureAdvances(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	id := &fakeIdentifier{release: release}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	ctx := context.Background()
	first, err := d.Enqueue(ctx, [][]byte{{1}})
	require.NoError(t, err)
	second, err := d.Enqueue(ctx, [][]byte{{2}})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return d.Queue().CurrentJobID() == first
	}, 5*time.Second, 5*time.Millisecond)

	// Stop does not abort the in-flight call: it lands and goes terminal.
	d.Stop()
	close(release)
	d.Wait()

	assert.Equal(t, queue.StatusCompleted, d.Queue().Get(first).Status)
	assert.Equal(t, queue.StatusPending, d.Queue().Get(second).Status)
	assert.False(t, d.Progress().Running)
}

func TestDriverStartIsIdempotent(t *testing.T) {
	store := newMemStore()
	release := make(chan struct{})
	id := &fakeIdentifier{release: release}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	ctx := context.Background()
	_, err := d.Enqueue(ctx, [][]byte{{1}})
	require.NoError(t, err)

	d.Start(ctx)
	d.Start(ctx)
	close(release)
	waitIdle(t, d)

	assert.Equal(t, 1, id.callCount(), "redundant starts do not double-process")
}

func TestDriverEnqueueDuringDrainNeverStalls(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	// Racing enqueues against the loop's drained exit: every job must still
	// reach a terminal state, either picked up by the live loop or by a fresh
	// one its own Enqueue starts.
	ctx := context.Background()
	var wg sync.WaitGroup
	var mu sync.Mutex
	var ids []string
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				jobID, err := d.Enqueue(ctx, [][]byte{{byte(n), byte(j)}})
				assert.NoError(t, err)
				mu.Lock()
				ids = append(ids, jobID)
				mu.Unlock()
				time.Sleep(time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool {
		return d.Queue().Counts().Completed == len(ids) && !d.Progress().Running
	}, 10*time.Second, 5*time.Millisecond)

	for _, jobID := range ids {
		assert.Equal(t, queue.StatusCompleted, d.Queue().Get(jobID).Status)
	}
}

func TestDriverPersistenceFailureDoesNotBlockJobs(t *testing.T) {
	store := newMemStore()
	store.failSaves = true
	id := &fakeIdentifier{}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	jobID, err := d.Enqueue(context.Background(), [][]byte{{1}})
	require.NoError(t, err)
	waitIdle(t, d)

	assert.Equal(t, queue.StatusCompleted, d.Queue().Get(jobID).Status,
		"in-memory state stays authoritative when persistence fails")
}

func TestDriverRestoresPersistedQueue(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}

	// Simulate a crash: persist a queue with one job mid-flight.
	q := queue.New()
	job, err := q.Enqueue([][]byte{{1}})
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(job.ID))
	q.SetRunning(true)
	data, err := q.MarshalState()
	require.NoError(t, err)
	require.NoError(t, store.SaveQueueState(data))
	require.NoError(t, store.SaveJobPhotos(job.ID, [][]byte{{1}}))

	d := testDriver(t, store, id, fetch, quota)

	restored := d.Queue().Get(job.ID)
	require.NotNil(t, restored)
	assert.Equal(t, queue.StatusPending, restored.Status)
	assert.False(t, d.Progress().Running)

	// The requeued job processes normally on the next run.
	d.Start(context.Background())
	waitIdle(t, d)
	assert.Equal(t, queue.StatusCompleted, d.Queue().Get(job.ID).Status)
}

func TestDriverRetry(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{err: fmt.Errorf("%w: timeout", vision.ErrNoResponse)}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	ctx := context.Background()
	jobID, err := d.Enqueue(ctx, [][]byte{{1}})
	require.NoError(t, err)
	waitIdle(t, d)
	require.Equal(t, queue.StatusFailed, d.Queue().Get(jobID).Status)

	// Heal the provider and retry.
	id.mu.Lock()
	id.err = nil
	id.mu.Unlock()

	require.NoError(t, d.Retry(ctx, jobID))
	waitIdle(t, d)

	job := d.Queue().Get(jobID)
	assert.Equal(t, queue.StatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)
}

func TestDriverClear(t *testing.T) {
	store := newMemStore()
	id := &fakeIdentifier{}
	fetch := &fakeFetcher{result: soldComps(10)}
	quota := &fakeQuota{allowance: -1}
	d := testDriver(t, store, id, fetch, quota)

	jobID, err := d.Enqueue(context.Background(), [][]byte{{1}})
	require.NoError(t, err)
	waitIdle(t, d)

	d.Clear()

	assert.Equal(t, 0, d.Queue().Counts().Total())
	photos, err := store.LoadJobPhotos(jobID)
	require.NoError(t, err)
	assert.Nil(t, photos)
}
