// Package driver orchestrates the processing queue: it pulls the next
// eligible job, runs the identification and market pricing pipeline, records
// the outcome, and advances. One job is in flight at any time because the
// identification API is rate-limited per account, not because of local CPU
// pressure.
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/raine/resale-pricer/internal/market"
	"github.com/raine/resale-pricer/internal/pricing"
	"github.com/raine/resale-pricer/internal/queue"
	"github.com/raine/resale-pricer/internal/quota"
	"github.com/raine/resale-pricer/internal/vision"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultIdentifyTimeout bounds one identification call.
	DefaultIdentifyTimeout = 45 * time.Second

	// DefaultMarketTimeout bounds one comparables fetch.
	DefaultMarketTimeout = 30 * time.Second

	// DefaultAdvanceDelay is the pause between terminal transition and the
	// next advance, so instant failures cannot tight-loop.
	DefaultAdvanceDelay = 2 * time.Second

	// DefaultProgressInterval is the progress-report tick. Display only; it
	// never drives job selection.
	DefaultProgressInterval = 2 * time.Second
)

// Store is the slice of the durable store the driver needs: the queue
// snapshot plus per-job photos and results.
type Store interface {
	SaveQueueState(data []byte) error
	LoadQueueState() ([]byte, error)
	SaveJobPhotos(jobID string, photos [][]byte) error
	SaveJobResult(jobID string, result *pricing.AnalysisResult) error
	DeleteJobData(jobID string) error
	queue.JobDataLoader
}

// Opts configures driver timing. Zero values mean defaults.
type Opts struct {
	IdentifyTimeout  time.Duration
	MarketTimeout    time.Duration
	AdvanceDelay     time.Duration
	ProgressInterval time.Duration
}

// Progress is a consistent snapshot of queue progress for display.
type Progress struct {
	Counts       queue.Counts
	Running      bool
	Paused       bool // quota exhausted, waiting for explicit resume
	CurrentJobID string
}

// Driver owns the queue and is its only mutator.
type Driver struct {
	queue      *queue.Queue
	store      Store
	identifier vision.Identifier
	market     market.Fetcher
	quota      quota.Authority
	opts       Opts

	mu      sync.Mutex
	running bool
	stop    chan struct{} // closed by Stop; halts future advances only
	done    chan struct{} // closed when the loop has exited
}

// New creates a driver, restoring any persisted queue from the store. A job
// that was mid-flight when the previous process died comes back as pending.
func New(store Store, identifier vision.Identifier, fetcher market.Fetcher, authority quota.Authority, opts Opts) (*Driver, error) {
	if opts.IdentifyTimeout == 0 {
		opts.IdentifyTimeout = DefaultIdentifyTimeout
	}
	if opts.MarketTimeout == 0 {
		opts.MarketTimeout = DefaultMarketTimeout
	}
	if opts.AdvanceDelay == 0 {
		opts.AdvanceDelay = DefaultAdvanceDelay
	}
	if opts.ProgressInterval == 0 {
		opts.ProgressInterval = DefaultProgressInterval
	}

	q := queue.New()
	data, err := store.LoadQueueState()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue state: %w", err)
	}
	if data != nil {
		q, err = queue.RestoreState(data, store)
		if err != nil {
			return nil, fmt.Errorf("failed to restore queue: %w", err)
		}
		counts := q.Counts()
		log.Info().
			Int("pending", counts.Pending).
			Int("completed", counts.Completed).
			Int("failed", counts.Failed).
			Bool("rateLimitHit", q.RateLimitHit()).
			Msg("restored persisted queue")
	}

	return &Driver{
		queue:      q,
		store:      store,
		identifier: identifier,
		market:     fetcher,
		quota:      authority,
		opts:       opts,
	}, nil
}

// Start begins advancing the queue. It is a no-op (with a logged status, not
// an error) when the driver is already running, the queue is paused on a
// sticky rate limit, or the quota authority denies another analysis.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		log.Debug().Msg("queue already running")
		return
	}
	if d.queue.RateLimitHit() {
		log.Info().Msg("queue paused: analysis quota exhausted, resume explicitly")
		return
	}
	ok, err := d.quota.CanSubmitAnalysis()
	if err != nil {
		log.Warn().Err(err).Msg("quota check failed, not starting queue")
		return
	}
	if !ok {
		d.queue.SetRateLimitHit()
		d.persist()
		log.Info().Msg("queue paused: analysis quota exhausted")
		return
	}

	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	d.queue.SetRunning(true)
	d.persist()

	go d.run(ctx, d.stop, d.done)
}

// Stop halts future advances. It does not abort an already-started network
// call; an in-flight job may still reach a terminal state before the loop
// goes dormant.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running || d.stop == nil {
		return
	}
	close(d.stop)
	d.stop = nil
}

// Wait blocks until the loop has exited. Callers that need the final counts
// call Stop then Wait.
func (d *Driver) Wait() {
	d.mu.Lock()
	done := d.done
	d.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Enqueue adds a photo set as a new pending job and returns its id. When the
// driver is idle and quota allows, the queue starts automatically.
func (d *Driver) Enqueue(ctx context.Context, photos [][]byte) (string, error) {
	job, err := d.queue.Enqueue(photos)
	if err != nil {
		return "", err
	}

	if err := d.store.SaveJobPhotos(job.ID, photos); err != nil {
		log.Warn().Err(err).Str("jobID", job.ID).Msg("failed to persist job photos")
	}
	d.persist()

	log.Info().Str("jobID", job.ID).Int("position", job.Position).Int("photos", len(photos)).Msg("job enqueued")

	d.Start(ctx)
	return job.ID, nil
}

// Remove deletes a job. Removing the in-flight job frees the processing slot;
// its pipeline result is discarded when it lands.
func (d *Driver) Remove(jobID string) error {
	if err := d.queue.Remove(jobID); err != nil {
		return err
	}
	if err := d.store.DeleteJobData(jobID); err != nil {
		log.Warn().Err(err).Str("jobID", jobID).Msg("failed to delete job data")
	}
	d.persist()
	return nil
}

// Retry re-admits a failed job as pending at its original queue position.
func (d *Driver) Retry(ctx context.Context, jobID string) error {
	if err := d.queue.Retry(jobID); err != nil {
		return err
	}
	d.persist()
	d.Start(ctx)
	return nil
}

// Resume clears the sticky rate-limit flag and starts the queue again. This
// is the only way the flag clears.
func (d *Driver) Resume(ctx context.Context) {
	d.queue.ClearRateLimit()
	d.persist()
	d.Start(ctx)
}

// Clear stops the driver and removes all jobs and their stored data.
func (d *Driver) Clear() {
	d.Stop()
	d.Wait()

	for _, view := range d.queue.Snapshot() {
		if err := d.store.DeleteJobData(view.ID); err != nil {
			log.Warn().Err(err).Str("jobID", view.ID).Msg("failed to delete job data")
		}
	}
	d.queue.Clear()
	d.persist()
}

// Progress returns current queue progress for display.
func (d *Driver) Progress() Progress {
	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	return Progress{
		Counts:       d.queue.Counts(),
		Running:      running,
		Paused:       d.queue.RateLimitHit(),
		CurrentJobID: d.queue.CurrentJobID(),
	}
}

// Queue exposes the underlying queue for read-only snapshots.
func (d *Driver) Queue() *queue.Queue {
	return d.queue
}

// run is the serial processing loop. It exits when the queue drains, quota
// runs out, Stop is called, or ctx is cancelled.
func (d *Driver) run(ctx context.Context, stop, done chan struct{}) {
	defer func() {
		// A successor loop may already have started (Enqueue racing the
		// drained exit); only the current loop may reset shared state.
		d.mu.Lock()
		current := d.done == done
		if current {
			d.running = false
		}
		d.mu.Unlock()
		if current {
			d.queue.SetRunning(false)
			d.persist()
		}
		close(done)
	}()

	// Progress tick, display only.
	ticker := time.NewTicker(d.opts.ProgressInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				counts := d.queue.Counts()
				log.Debug().
					Int("pending", counts.Pending).
					Int("completed", counts.Completed).
					Int("failed", counts.Failed).
					Msg("queue progress")
			}
		}
	}()

	log.Info().Msg("queue started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			log.Info().Msg("queue stopped")
			return
		default:
		}

		job := d.queue.NextPending()
		if job == nil {
			// Recheck under the lock before going dormant: a job enqueued
			// after the scan above either shows up here, or its Enqueue sees
			// running=false and starts a fresh loop. Without this an enqueue
			// landing in the exit window would sit pending with no loop.
			d.mu.Lock()
			if d.queue.NextPending() != nil {
				d.mu.Unlock()
				continue
			}
			d.running = false
			d.mu.Unlock()

			counts := d.queue.Counts()
			log.Info().
				Int("completed", counts.Completed).
				Int("failed", counts.Failed).
				Msg("queue drained")
			return
		}

		ok, err := d.quota.CanSubmitAnalysis()
		if err != nil {
			log.Warn().Err(err).Msg("quota check failed, stopping queue")
			return
		}
		if !ok {
			// Pending jobs stay untouched for a future resumed run.
			d.queue.SetRateLimitHit()
			d.persist()
			log.Info().Msg("queue paused: analysis quota exhausted")
			return
		}

		if err := d.queue.MarkProcessing(job.ID); err != nil {
			if errors.Is(err, queue.ErrJobNotFound) {
				// Removed between selection and transition.
				continue
			}
			log.Error().Err(err).Str("jobID", job.ID).Msg("failed to mark job processing")
			return
		}
		d.persist()
		log.Info().Str("jobID", job.ID).Int("position", job.Position).Msg("processing job")

		d.processJob(ctx, job)
		d.persist()

		// Debounce before the next advance.
		select {
		case <-ctx.Done():
			return
		case <-stop:
			log.Info().Msg("queue stopped")
			return
		case <-time.After(d.opts.AdvanceDelay):
		}
	}
}

// processJob runs the identify -> comps -> combine pipeline for one job and
// applies the terminal transition. If the job was removed while its network
// calls were in flight, the outcome is discarded.
func (d *Driver) processJob(ctx context.Context, job *queue.Job) {
	result, errMessage, billable := d.runPipeline(ctx, job)

	if ctx.Err() != nil {
		// Shutting down: leave the job as persisted (processing snapshots
		// restore as pending), never record a spurious failure.
		return
	}

	current := d.queue.Get(job.ID)
	if current == nil || current.Status != queue.StatusProcessing {
		log.Info().Str("jobID", job.ID).Msg("discarding result for removed job")
		return
	}

	if errMessage != "" {
		if err := d.queue.Fail(job.ID, errMessage, billable); err != nil {
			log.Error().Err(err).Str("jobID", job.ID).Msg("failed to record job failure")
			return
		}
		log.Warn().Str("jobID", job.ID).Str("error", errMessage).Bool("billable", billable).Msg("job failed")
		return
	}

	if err := d.store.SaveJobResult(job.ID, result); err != nil {
		log.Warn().Err(err).Str("jobID", job.ID).Msg("failed to persist job result")
	}
	if err := d.queue.Complete(job.ID, result); err != nil {
		log.Error().Err(err).Str("jobID", job.ID).Msg("failed to record job completion")
		return
	}
	log.Info().
		Str("jobID", job.ID).
		Float64("quick", result.Tiers.QuickSell).
		Float64("market", result.Tiers.Market).
		Float64("premium", result.Tiers.Premium).
		Int("comps", result.Tiers.SampleSize).
		Msg("job completed")
}

// runPipeline executes identification, comparables fetch, and pricing for one
// job. It returns either a result or a failure message plus whether the
// attempt consumed provider quota.
func (d *Driver) runPipeline(ctx context.Context, job *queue.Job) (*pricing.AnalysisResult, string, bool) {
	idCtx, cancel := context.WithTimeout(ctx, d.opts.IdentifyTimeout)
	defer cancel()

	identified, err := d.identifier.Identify(idCtx, job.Photos)
	if err != nil {
		// A provider that never returned consumed no quota; anything past
		// that (e.g. an unparseable response) did and must count against
		// the cap like a success.
		billable := !errors.Is(err, vision.ErrNoResponse)
		if billable {
			if recErr := d.quota.RecordUsage(quota.UsageKindAnalysis, job.ID); recErr != nil {
				log.Warn().Err(recErr).Msg("failed to record quota usage")
			}
		}
		return nil, fmt.Sprintf("identification failed: %v", err), billable
	}
	item := identified.Item

	if err := d.quota.RecordUsage(quota.UsageKindAnalysis, item.Title); err != nil {
		log.Warn().Err(err).Msg("failed to record quota usage")
	}
	if identified.Usage.TotalTokens > 0 {
		log.Debug().
			Int64("tokens", identified.Usage.TotalTokens).
			Float64("costUSD", identified.Usage.CostUSD).
			Msg("identification usage")
	}

	mkCtx, cancel := context.WithTimeout(ctx, d.opts.MarketTimeout)
	defer cancel()

	comps, err := d.market.FetchComparables(mkCtx, market.Query{
		Text:      compsQuery(item),
		Condition: item.Condition,
	})
	if err != nil {
		// Not an error for the job: pricing degrades to the AI estimate.
		log.Info().Err(err).Str("jobID", job.ID).Msg("no market data, using AI-only pricing")
		comps = nil
	}

	result := pricing.Combine(*item, comps)
	return &result, "", true
}

// compsQuery builds the comparables search text from the identification,
// preferring the specific brand/name/model combination over the listing
// title.
func compsQuery(item *vision.Identification) string {
	parts := []string{item.Brand, item.Name, item.Model}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return item.Title
	}
	return strings.Join(kept, " ")
}

// persist writes the queue snapshot to the durable store. Persistence errors
// are logged and swallowed: in-memory state stays authoritative for the
// running process.
func (d *Driver) persist() {
	data, err := d.queue.MarshalState()
	if err == nil {
		err = d.store.SaveQueueState(data)
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to persist queue state")
	}
}
