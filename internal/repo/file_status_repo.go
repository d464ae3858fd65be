package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/dbutil"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type FileStatusRepo struct {
	db *sql.DB
}

func NewFileStatusRepo(db *sql.DB) *FileStatusRepo {
	return &FileStatusRepo{db: db}
}

func (r *FileStatusRepo) Create(ctx context.Context, fs *model.FileStatus) error {
	data := map[string]interface{}{
		"id":                  fs.ID,
		"job_id":              fs.JobID,
		"user_id":             fs.UserID,
		"filename":            fs.Filename,
		"total_chunks":        fs.TotalChunks,
		"processed_chunks":    fs.ProcessedChunks,
		"progress_percentage": fs.ProgressPercentage,
		"status":              fs.Status,
		"ctime":               fs.Ctime,
		"mtime":               fs.Mtime,
	}
	sqlStr, args, err := builder.BuildInsert("processing_file_status", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// IncrementProcessed advances the progress counter by exactly one chunk and
// recomputes the percentage off the stored totals in a single statement, so
// concurrent chunk completions never lose an increment.
func (r *FileStatusRepo) IncrementProcessed(ctx context.Context, id string) error {
	const query = `
		UPDATE processing_file_status
		SET processed_chunks = processed_chunks + 1,
		    progress_percentage = CASE WHEN total_chunks > 0
		        THEN (processed_chunks + 1)::float / total_chunks * 100
		        ELSE 0 END,
		    mtime = $1
		WHERE id = $2
	`
	result, err := r.db.ExecContext(ctx, query, time.Now().UnixMilli(), id)
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

func (r *FileStatusRepo) UpdateStatus(ctx context.Context, id, status string) error {
	sqlStr, args, err := builder.BuildUpdate("processing_file_status",
		map[string]interface{}{"id": id},
		map[string]interface{}{"status": status, "mtime": time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *FileStatusRepo) ListByJob(ctx context.Context, jobID string) ([]model.FileStatus, error) {
	where := map[string]interface{}{
		"job_id":   jobID,
		"_orderby": "filename asc",
	}
	sqlStr, args, err := builder.BuildSelect("processing_file_status", where,
		[]string{"id", "job_id", "user_id", "filename", "total_chunks", "processed_chunks", "progress_percentage", "status", "ctime", "mtime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	statuses := make([]model.FileStatus, 0)
	for rows.Next() {
		var fs model.FileStatus
		if err := rows.Scan(
			&fs.ID,
			&fs.JobID,
			&fs.UserID,
			&fs.Filename,
			&fs.TotalChunks,
			&fs.ProcessedChunks,
			&fs.ProgressPercentage,
			&fs.Status,
			&fs.Ctime,
			&fs.Mtime,
		); err != nil {
			return nil, err
		}
		statuses = append(statuses, fs)
	}
	return statuses, rows.Err()
}

func (r *FileStatusRepo) Get(ctx context.Context, id string) (*model.FileStatus, error) {
	const query = `
		SELECT id, job_id, user_id, filename, total_chunks, processed_chunks, progress_percentage, status, ctime, mtime
		FROM processing_file_status
		WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)
	var fs model.FileStatus
	if err := row.Scan(
		&fs.ID,
		&fs.JobID,
		&fs.UserID,
		&fs.Filename,
		&fs.TotalChunks,
		&fs.ProcessedChunks,
		&fs.ProgressPercentage,
		&fs.Status,
		&fs.Ctime,
		&fs.Mtime,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &fs, nil
}
