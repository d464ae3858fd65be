package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/dbutil"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type JobRepo struct {
	db *sql.DB
}

func NewJobRepo(db *sql.DB) *JobRepo {
	return &JobRepo{db: db}
}

func (r *JobRepo) Create(ctx context.Context, job *model.ProcessingJob) error {
	data := map[string]interface{}{
		"id":           job.ID,
		"user_id":      job.UserID,
		"provider":     job.Provider,
		"model":        job.Model,
		"prompt":       job.Prompt,
		"chunk_size":   job.ChunkSize,
		"chunk_by":     job.ChunkBy,
		"email":        job.Email,
		"status":       job.Status,
		"ctime":        job.Ctime,
		"completed_at": job.CompletedAt,
	}
	sqlStr, args, err := builder.BuildInsert("processing_jobs", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *JobRepo) UpdateStatus(ctx context.Context, userID, jobID, status string, completedAt int64) error {
	update := map[string]interface{}{
		"status": status,
	}
	if completedAt > 0 {
		update["completed_at"] = completedAt
	}
	sqlStr, args, err := builder.BuildUpdate("processing_jobs",
		map[string]interface{}{"id": jobID, "user_id": userID}, update)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	result, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

func (r *JobRepo) Get(ctx context.Context, userID, jobID string) (*model.ProcessingJob, error) {
	const query = `
		SELECT id, user_id, provider, model, prompt, chunk_size, chunk_by, email, status, ctime, completed_at
		FROM processing_jobs
		WHERE id = $1 AND user_id = $2
	`
	row := r.db.QueryRowContext(ctx, query, jobID, userID)
	var job model.ProcessingJob
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Provider,
		&job.Model,
		&job.Prompt,
		&job.ChunkSize,
		&job.ChunkBy,
		&job.Email,
		&job.Status,
		&job.Ctime,
		&job.CompletedAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (r *JobRepo) ListByUser(ctx context.Context, userID string, limit, offset uint) ([]model.ProcessingJob, error) {
	where := map[string]interface{}{
		"user_id":  userID,
		"_orderby": "ctime desc",
	}
	if limit > 0 {
		where["_limit"] = []uint{offset, limit}
	}
	sqlStr, args, err := builder.BuildSelect("processing_jobs", where,
		[]string{"id", "user_id", "provider", "model", "prompt", "chunk_size", "chunk_by", "email", "status", "ctime", "completed_at"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs := make([]model.ProcessingJob, 0)
	for rows.Next() {
		var job model.ProcessingJob
		if err := rows.Scan(
			&job.ID,
			&job.UserID,
			&job.Provider,
			&job.Model,
			&job.Prompt,
			&job.ChunkSize,
			&job.ChunkBy,
			&job.Email,
			&job.Status,
			&job.Ctime,
			&job.CompletedAt,
		); err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
