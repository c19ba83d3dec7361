package analyses

import (
	"context"
	"time"
)

// UpdateFields is a partial update applied by the orchestrator. Nil fields
// are left untouched. Setting Result clears any stored error, and setting an
// error clears any stored result; the two are mutually exclusive on a job.
type UpdateFields struct {
	Status       *string
	Result       *AnalysisResult
	ErrorCode    *string
	ErrorMessage *string
	CompletedAt  *time.Time
}

// Repo defines persistence operations for analysis jobs.
type Repo interface {
	Create(ctx context.Context, job AnalysisJob) error
	GetByID(ctx context.Context, jobID string) (AnalysisJob, error)
	Update(ctx context.Context, jobID string, fields UpdateFields) error
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]AnalysisJob, error)

	// Subscribe delivers the job's current state followed by one element per
	// observed change, strictly ordered by Version. Deliveries may coalesce
	// (skip intermediate versions) but never reorder. The channel closes when
	// ctx is cancelled.
	Subscribe(ctx context.Context, jobID string) (<-chan AnalysisJob, error)
}
