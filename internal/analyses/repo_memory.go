package analyses

import (
	"context"
	"sort"
	"sync"
)

const subscriberBuffer = 16

// MemoryRepo stores analysis jobs in memory and is safe for concurrent use.
// It backs dev deployments and tests.
type MemoryRepo struct {
	mu          sync.RWMutex
	byID        map[string]AnalysisJob
	byOwner     map[string][]string
	subscribers map[string]map[*memorySubscriber]struct{}
}

type memorySubscriber struct {
	ch chan AnalysisJob
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:        make(map[string]AnalysisJob),
		byOwner:     make(map[string][]string),
		subscribers: make(map[string]map[*memorySubscriber]struct{}),
	}
}

// Create stores the job.
func (r *MemoryRepo) Create(ctx context.Context, job AnalysisJob) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if job.Version == 0 {
		job.Version = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[job.ID] = job
	r.byOwner[job.OwnerID] = append(r.byOwner[job.OwnerID], job.ID)
	r.notifyLocked(job)
	return nil
}

// GetByID returns a job by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, jobID string) (AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return AnalysisJob{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[jobID]
	if !ok {
		return AnalysisJob{}, ErrNotFound
	}
	return job, nil
}

// Update merges fields into an existing job and notifies subscribers.
func (r *MemoryRepo) Update(ctx context.Context, jobID string, fields UpdateFields) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return ErrNotFound
	}

	if fields.Status != nil {
		job.Status = *fields.Status
	}
	if fields.Result != nil {
		job.Result = fields.Result
		job.ErrorCode = ""
		job.ErrorMessage = ""
	}
	if fields.ErrorCode != nil || fields.ErrorMessage != nil {
		if fields.ErrorCode != nil {
			job.ErrorCode = *fields.ErrorCode
		}
		if fields.ErrorMessage != nil {
			job.ErrorMessage = *fields.ErrorMessage
		}
		job.Result = nil
	}
	if fields.CompletedAt != nil {
		job.CompletedAt = fields.CompletedAt
	}
	job.Version++

	r.byID[jobID] = job
	r.notifyLocked(job)
	return nil
}

// ListByOwner returns jobs for an owner, newest first, with limit/offset.
// Image payloads are stripped from listings.
func (r *MemoryRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	if limit < 0 {
		limit = 0
	}

	r.mu.RLock()
	ids := r.byOwner[ownerID]
	jobs := make([]AnalysisJob, 0, len(ids))
	for _, id := range ids {
		if job, ok := r.byID[id]; ok {
			job.ImageData = ""
			jobs = append(jobs, job)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if offset >= len(jobs) {
		return []AnalysisJob{}, nil
	}
	end := len(jobs)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return jobs[offset:end], nil
}

// Subscribe registers a watcher for one job. The current snapshot is
// delivered first; registration and the snapshot send happen under the repo
// lock so no transition can slip between them.
func (r *MemoryRepo) Subscribe(ctx context.Context, jobID string) (<-chan AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscriber{ch: make(chan AnalysisJob, subscriberBuffer)}

	r.mu.Lock()
	job, ok := r.byID[jobID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotFound
	}
	if r.subscribers[jobID] == nil {
		r.subscribers[jobID] = make(map[*memorySubscriber]struct{})
	}
	r.subscribers[jobID][sub] = struct{}{}
	sub.ch <- job
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subscribers[jobID], sub)
		close(sub.ch)
		r.mu.Unlock()
	}()

	return sub.ch, nil
}

// notifyLocked fans the new snapshot out to subscribers. Sends happen under
// the repo lock, which serializes them in version order. A full subscriber
// drops its oldest pending snapshot: deliveries coalesce but never reorder.
func (r *MemoryRepo) notifyLocked(job AnalysisJob) {
	for sub := range r.subscribers[job.ID] {
		for {
			select {
			case sub.ch <- job:
			default:
				select {
				case <-sub.ch:
				default:
				}
				continue
			}
			break
		}
	}
}

var _ Repo = (*MemoryRepo)(nil)
