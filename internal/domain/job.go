package domain

import (
	"time"
)

// JobID is a unique identifier for a job.
type JobID string

// String returns the string representation of the JobID.
func (id JobID) String() string {
	return string(id)
}

// JobStatus represents the current state of a job.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusRetrying   JobStatus = "retrying"
)

// Job is a request to fetch one site item at a tier.
type Job struct {
	ID         JobID
	Site       string
	ItemID     ItemID
	Tier       DownloadTier
	Status     JobStatus
	Attempts   int
	MaxRetries int
	LastError  string
	Files      []string // final artifact paths, parent first
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// NewJob creates a new job for fetching an item.
func NewJob(id JobID, site string, itemID ItemID, tier DownloadTier, maxRetries int) *Job {
	now := time.Now()
	return &Job{
		ID:         id,
		Site:       site,
		ItemID:     itemID,
		Tier:       tier,
		Status:     JobStatusQueued,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// CanRetry returns true if the job can be retried.
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxRetries
}

// MarkProcessing updates the job status to processing.
func (j *Job) MarkProcessing() {
	j.Status = JobStatusProcessing
	j.UpdatedAt = time.Now()
}

// MarkCompleted updates the job status to completed.
func (j *Job) MarkCompleted(files []string) {
	j.Status = JobStatusCompleted
	j.Files = files
	j.LastError = ""
	j.UpdatedAt = time.Now()
}

// MarkFailed records a failed attempt. Permanent failures skip the retry budget.
func (j *Job) MarkFailed(err string, permanent bool) {
	j.Attempts++
	j.LastError = err
	j.UpdatedAt = time.Now()

	if !permanent && j.CanRetry() {
		j.Status = JobStatusRetrying
	} else {
		j.Status = JobStatusFailed
	}
}

// Requeue returns an interrupted job to the queue without spending an attempt.
func (j *Job) Requeue() {
	j.Status = JobStatusRetrying
	j.UpdatedAt = time.Now()
}

// IsTerminal reports whether the job will not run again.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	if j.Files != nil {
		c.Files = append([]string(nil), j.Files...)
	}
	return &c
}
