package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/raine/resale-pricer/internal/pricing"
	"github.com/rs/zerolog/log"
)

// persistedJob is the durable shape of a job. Photo payloads and completed
// results are persisted separately keyed by job id, so the snapshot itself
// stays small.
type persistedJob struct {
	ID                  string    `json:"id"`
	Position            int       `json:"position"`
	Status              Status    `json:"status"`
	HasResult           bool      `json:"hasResult"`
	ErrorMessage        string    `json:"errorMessage,omitempty"`
	CountedAgainstQuota bool      `json:"countedAgainstQuota"`
	CreatedAt           time.Time `json:"createdAt"`
}

type persistedState struct {
	Jobs         []persistedJob `json:"jobs"`
	IsRunning    bool           `json:"isRunning"`
	CurrentJobID string         `json:"currentJobId,omitempty"`
	RateLimitHit bool           `json:"rateLimitHit"`
}

// MarshalState serializes the queue for the durable store.
func (q *Queue) MarshalState() ([]byte, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	state := persistedState{
		IsRunning:    q.isRunning,
		CurrentJobID: q.currentJobID,
		RateLimitHit: q.rateLimitHit,
	}
	for _, job := range q.jobs {
		state.Jobs = append(state.Jobs, persistedJob{
			ID:                  job.ID,
			Position:            job.Position,
			Status:              job.Status,
			HasResult:           job.Result != nil,
			ErrorMessage:        job.ErrorMessage,
			CountedAgainstQuota: job.CountedAgainstQuota,
			CreatedAt:           job.CreatedAt,
		})
	}

	return json.Marshal(state)
}

// JobDataLoader loads per-job payloads persisted alongside the queue
// snapshot.
type JobDataLoader interface {
	LoadJobPhotos(jobID string) ([][]byte, error)
	LoadJobResult(jobID string) (*pricing.AnalysisResult, error)
}

// RestoreState rebuilds a queue from a persisted snapshot. A resumed process
// never continues a mid-flight job: processing jobs come back as pending, and
// isRunning/currentJobId reset to idle. The sticky rate-limit flag survives
// the restart.
func RestoreState(data []byte, loader JobDataLoader) (*Queue, error) {
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal queue state: %w", err)
	}

	q := New()
	q.rateLimitHit = state.RateLimitHit

	for _, pj := range state.Jobs {
		photos, err := loader.LoadJobPhotos(pj.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load photos for job %s: %w", pj.ID, err)
		}

		job := &Job{
			ID:                  pj.ID,
			Position:            pj.Position,
			Photos:              photos,
			Status:              pj.Status,
			ErrorMessage:        pj.ErrorMessage,
			CountedAgainstQuota: pj.CountedAgainstQuota,
			CreatedAt:           pj.CreatedAt,
		}

		// Requeue the job that was mid-flight when the process died.
		if job.Status == StatusProcessing {
			log.Info().Str("jobID", job.ID).Msg("requeueing job interrupted mid-flight")
			job.Status = StatusPending
		}

		if pj.HasResult {
			result, err := loader.LoadJobResult(pj.ID)
			if err != nil {
				log.Warn().Err(err).Str("jobID", pj.ID).Msg("failed to load job result")
			} else {
				job.Result = result
			}
		}

		q.jobs = append(q.jobs, job)
		q.byID[job.ID] = job
		if job.Position >= q.nextPosition {
			q.nextPosition = job.Position + 1
		}
	}

	return q, nil
}
