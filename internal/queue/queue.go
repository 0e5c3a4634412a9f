// Package queue implements the processing queue aggregate: an
// insertion-ordered collection of analysis jobs with a strict state machine.
// The owning driver is the only mutator; concurrent readers get consistent
// snapshots.
package queue

import (
	"fmt"
	"sync"

	"github.com/raine/resale-pricer/internal/pricing"
)

// Queue holds queued jobs in insertion order. At most one job is processing
// at any time; CurrentJobID is non-empty iff exactly one job holds that
// state.
type Queue struct {
	mu           sync.RWMutex
	jobs         []*Job
	byID         map[string]*Job
	isRunning    bool
	currentJobID string
	rateLimitHit bool
	nextPosition int
}

func New() *Queue {
	return &Queue{
		byID:         make(map[string]*Job),
		nextPosition: 1,
	}
}

// Enqueue appends a new pending job. Position is the 1-based insertion order,
// used for display only.
func (q *Queue) Enqueue(photos [][]byte) (*Job, error) {
	if len(photos) == 0 || len(photos) > MaxPhotosPerJob {
		return nil, ErrNoPhotos
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job := newJob(photos, q.nextPosition)
	q.nextPosition++
	q.jobs = append(q.jobs, job)
	q.byID[job.ID] = job

	return job, nil
}

// NextPending returns the first pending job in insertion order, or nil.
func (q *Queue) NextPending() *Job {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, job := range q.jobs {
		if job.Status == StatusPending {
			return job
		}
	}
	return nil
}

// MarkProcessing moves a pending job into processing. Only one job may hold
// the processing state.
func (q *Queue) MarkProcessing(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if q.currentJobID != "" {
		return fmt.Errorf("%w: %s", ErrJobInFlight, q.currentJobID)
	}
	if job.Status != StatusPending {
		return fmt.Errorf("%w: %s -> processing", ErrInvalidTransition, job.Status)
	}

	job.Status = StatusProcessing
	q.currentJobID = id
	return nil
}

// Complete finishes the processing job with its result.
func (q *Queue) Complete(id string, result *pricing.AnalysisResult) error {
	if result == nil {
		return fmt.Errorf("%w: completed job requires a result", ErrInvalidTransition)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.processingJob(id)
	if err != nil {
		return err
	}

	job.Status = StatusCompleted
	job.Result = result
	job.CountedAgainstQuota = true
	q.currentJobID = ""
	return nil
}

// Fail terminates the processing job with an error message. billable records
// whether the attempt consumed external quota.
func (q *Queue) Fail(id string, message string, billable bool) error {
	if message == "" {
		return fmt.Errorf("%w: failed job requires an error message", ErrInvalidTransition)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.processingJob(id)
	if err != nil {
		return err
	}

	job.Status = StatusFailed
	job.ErrorMessage = message
	job.CountedAgainstQuota = billable
	q.currentJobID = ""
	return nil
}

// Retry re-admits a failed job as pending, clearing its error and quota
// accounting. The job keeps its original slot, so it does not jump ahead of
// other pending jobs enqueued before it.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != StatusFailed {
		return fmt.Errorf("%w: %s -> pending", ErrInvalidTransition, job.Status)
	}

	job.Status = StatusPending
	job.ErrorMessage = ""
	job.CountedAgainstQuota = false
	return nil
}

// Remove deletes a job. Removing the currently-processing job clears the
// current slot so the driver can advance; a result landing later for a
// removed job is discarded by the driver.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.byID[id]; !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	delete(q.byID, id)
	for i, job := range q.jobs {
		if job.ID == id {
			q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
			break
		}
	}
	if q.currentJobID == id {
		q.currentJobID = ""
	}
	return nil
}

// Clear removes all jobs and stops the queue. Clearing while the driver runs
// implicitly stops it first (the driver checks IsRunning before advancing).
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.jobs = nil
	q.byID = make(map[string]*Job)
	q.isRunning = false
	q.currentJobID = ""
	q.nextPosition = 1
}

// Get returns the job with the given id, or nil.
func (q *Queue) Get(id string) *Job {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.byID[id]
}

// CurrentJobID returns the id of the processing job, or "".
func (q *Queue) CurrentJobID() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.currentJobID
}

func (q *Queue) IsRunning() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.isRunning
}

func (q *Queue) SetRunning(running bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.isRunning = running
}

// RateLimitHit reports whether the external quota was exhausted. The flag is
// sticky: it clears only via ClearRateLimit on an explicit resume, never
// automatically.
func (q *Queue) RateLimitHit() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.rateLimitHit
}

func (q *Queue) SetRateLimitHit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rateLimitHit = true
}

func (q *Queue) ClearRateLimit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rateLimitHit = false
}

// Counts returns per-status job counts.
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var c Counts
	for _, job := range q.jobs {
		switch job.Status {
		case StatusPending:
			c.Pending++
		case StatusProcessing:
			c.Processing++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		}
	}
	return c
}

// Snapshot returns a consistent read-only view of all jobs in order.
func (q *Queue) Snapshot() []JobView {
	q.mu.RLock()
	defer q.mu.RUnlock()

	views := make([]JobView, len(q.jobs))
	for i, job := range q.jobs {
		views[i] = JobView{
			ID:                  job.ID,
			Position:            job.Position,
			Status:              job.Status,
			ErrorMessage:        job.ErrorMessage,
			CountedAgainstQuota: job.CountedAgainstQuota,
			HasResult:           job.Result != nil,
		}
	}
	return views
}

// processingJob validates that id refers to the currently-processing job.
// Caller holds q.mu.
func (q *Queue) processingJob(id string) (*Job, error) {
	job, ok := q.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if job.Status != StatusProcessing || q.currentJobID != id {
		return nil, fmt.Errorf("%w: job %s is not processing", ErrInvalidTransition, id)
	}
	return job, nil
}
