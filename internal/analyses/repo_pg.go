package analyses

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const pgSubscribePollInterval = 500 * time.Millisecond

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB

	// PollInterval overrides the subscribe polling cadence; zero means the
	// default.
	PollInterval time.Duration
}

// Create inserts a new job with version 1.
func (r *PGRepo) Create(ctx context.Context, job AnalysisJob) error {
	if job.Version == 0 {
		job.Version = 1
	}
	resultPayload, err := marshalResult(job.Result)
	if err != nil {
		return err
	}

	query, args, err := psql.
		Insert("analyses").
		Columns("id", "owner_id", "status", "image_data", "result", "error_code", "error_message", "version", "created_at", "completed_at").
		Values(job.ID, job.OwnerID, job.Status, job.ImageData, resultPayload, nullableString(job.ErrorCode), nullableString(job.ErrorMessage), job.Version, job.CreatedAt, job.CompletedAt).
		ToSql()
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, query, args...)
	return err
}

// GetByID returns a job by ID.
func (r *PGRepo) GetByID(ctx context.Context, jobID string) (AnalysisJob, error) {
	query, args, err := psql.
		Select("id", "owner_id", "status", "image_data", "result", "error_code", "error_message", "version", "created_at", "completed_at").
		From("analyses").
		Where(sq.Eq{"id": jobID}).
		Limit(1).
		ToSql()
	if err != nil {
		return AnalysisJob{}, err
	}
	return r.scanJob(r.DB.QueryRowContext(ctx, query, args...))
}

// Update merges fields into an existing job, bumping the version.
func (r *PGRepo) Update(ctx context.Context, jobID string, fields UpdateFields) error {
	builder := psql.
		Update("analyses").
		Set("version", sq.Expr("version + 1")).
		Where(sq.Eq{"id": jobID})

	if fields.Status != nil {
		builder = builder.Set("status", *fields.Status)
	}
	if fields.Result != nil {
		payload, err := marshalResult(fields.Result)
		if err != nil {
			return err
		}
		builder = builder.
			Set("result", payload).
			Set("error_code", nil).
			Set("error_message", nil)
	}
	if fields.ErrorCode != nil || fields.ErrorMessage != nil {
		builder = builder.Set("result", nil)
		if fields.ErrorCode != nil {
			builder = builder.Set("error_code", *fields.ErrorCode)
		}
		if fields.ErrorMessage != nil {
			builder = builder.Set("error_message", *fields.ErrorMessage)
		}
	}
	if fields.CompletedAt != nil {
		builder = builder.Set("completed_at", *fields.CompletedAt)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return err
	}
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByOwner returns jobs for an owner, newest first. Image payloads are
// not selected for listings.
func (r *PGRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]AnalysisJob, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}

	query, args, err := psql.
		Select("id", "owner_id", "status", "''", "result", "error_code", "error_message", "version", "created_at", "completed_at").
		From("analyses").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []AnalysisJob
	for rows.Next() {
		job, err := r.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []AnalysisJob{}
	}
	return jobs, nil
}

// Subscribe polls the record and emits a snapshot whenever the version
// advances. Polling keeps ordering trivially monotonic at the cost of
// latency bounded by the poll interval.
func (r *PGRepo) Subscribe(ctx context.Context, jobID string) (<-chan AnalysisJob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	interval := r.PollInterval
	if interval <= 0 {
		interval = pgSubscribePollInterval
	}

	snapshot, err := r.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	ch := make(chan AnalysisJob, subscriberBuffer)
	ch <- snapshot
	go func() {
		defer close(ch)

		lastVersion := snapshot.Version
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			job, err := r.GetByID(ctx, jobID)
			if err == nil && job.Version > lastVersion {
				lastVersion = job.Version
				select {
				case ch <- job:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *PGRepo) scanJob(row rowScanner) (AnalysisJob, error) {
	var job AnalysisJob
	var result sql.NullString
	var errorCode sql.NullString
	var errorMessage sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.Status,
		&job.ImageData,
		&result,
		&errorCode,
		&errorMessage,
		&job.Version,
		&job.CreatedAt,
		&completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisJob{}, ErrNotFound
		}
		return AnalysisJob{}, err
	}

	if result.Valid && result.String != "" {
		var parsed AnalysisResult
		if err := json.Unmarshal([]byte(result.String), &parsed); err == nil {
			job.Result = &parsed
		}
	}
	if errorCode.Valid {
		job.ErrorCode = errorCode.String
	}
	if errorMessage.Valid {
		job.ErrorMessage = errorMessage.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

func marshalResult(result *AnalysisResult) (any, error) {
	if result == nil {
		return nil, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Repo = (*PGRepo)(nil)
