package queue

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/raine/resale-pricer/internal/pricing"
)

// Status is the lifecycle state of a queued job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MaxPhotosPerJob caps the photo set for a single item.
const MaxPhotosPerJob = 8

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrJobInFlight       = errors.New("another job is already processing")
	ErrNoPhotos          = errors.New("job requires 1-8 photos")
)

// Job is one queued analysis request. Photos are immutable after creation;
// Result is set only on completion and ErrorMessage only on failure.
// CountedAgainstQuota records whether the attempt consumed external analysis
// quota, for accounting reconciliation.
type Job struct {
	ID                  string
	Position            int
	Photos              [][]byte
	Status              Status
	Result              *pricing.AnalysisResult
	ErrorMessage        string
	CountedAgainstQuota bool
	CreatedAt           time.Time
}

func newJob(photos [][]byte, position int) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Position:  position,
		Photos:    photos,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// JobView is a read-only projection of a job for status displays. It omits
// photo payloads and the full result.
type JobView struct {
	ID                  string
	Position            int
	Status              Status
	ErrorMessage        string
	CountedAgainstQuota bool
	HasResult           bool
}

// Counts aggregates job statuses for progress reporting.
type Counts struct {
	Pending    int
	Processing int
	Completed  int
	Failed     int
}

// Total returns the number of jobs in the queue.
func (c Counts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}
