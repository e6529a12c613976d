package models

import "time"

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether s ends a run.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobInProgress, JobCompleted, JobFailed:
		return true
	}
	return false
}

// IndexingJob is the tracked state of the latest ingest run of a collection.
type IndexingJob struct {
	CollectionKey      string     `json:"collection_key"`
	RunID              string     `json:"run_id"`
	Status             JobStatus  `json:"status"`
	TotalUnits         int        `json:"total_units"`
	IndexedUnits       int        `json:"indexed_units"`
	FailedUnits        int        `json:"failed_units"`
	ProgressPercentage int        `json:"progress_percentage"`
	CurrentUnit        string     `json:"current_unit,omitempty"`
	StartedAt          time.Time  `json:"started_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	DurationMS         int64      `json:"duration_ms,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// ProgressPercentage is floor(indexed*100/total), or 0 when total is not positive.
func ProgressPercentage(indexed, total int) int {
	if total <= 0 || indexed <= 0 {
		return 0
	}
	return indexed * 100 / total
}

// JobUpdate is a partial update of an IndexingJob: nil fields keep the
// previous value.
type JobUpdate struct {
	RunID        string
	TotalUnits   *int
	IndexedUnits *int
	FailedUnits  *int
	CurrentUnit  *string
	ErrorMessage *string
}

// Apply merges u into job and recomputes the derived percentage. RunID is
// not merged; it only identifies which run the update belongs to.
func (u JobUpdate) Apply(job IndexingJob) IndexingJob {
	if u.TotalUnits != nil {
		job.TotalUnits = *u.TotalUnits
	}
	if u.IndexedUnits != nil {
		job.IndexedUnits = *u.IndexedUnits
	}
	if u.FailedUnits != nil {
		job.FailedUnits = *u.FailedUnits
	}
	if u.CurrentUnit != nil {
		job.CurrentUnit = *u.CurrentUnit
	}
	if u.ErrorMessage != nil {
		job.ErrorMessage = *u.ErrorMessage
	}
	job.ProgressPercentage = ProgressPercentage(job.IndexedUnits, job.TotalUnits)
	return job
}

// JobSnapshot is what status readers see.
type JobSnapshot struct {
	IndexingJob
	Exists bool `json:"exists"`
	Stale  bool `json:"stale"`
}
