package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/dbutil"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type BatchRepo struct {
	db *sql.DB
}

func NewBatchRepo(db *sql.DB) *BatchRepo {
	return &BatchRepo{db: db}
}

const batchColumns = `id, user_id, external_batch_id, prompt, chunk_size, chunk_by, model, email,
	status, request_counts, results_url, final_result, ctime, ended_at, expires_at`

func (r *BatchRepo) Create(ctx context.Context, batch *model.Batch, items []model.BatchRequestItem) error {
	countsJSON, err := json.Marshal(batch.RequestCounts)
	if err != nil {
		return err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	const insertBatch = `
		INSERT INTO batches (id, user_id, external_batch_id, prompt, chunk_size, chunk_by, model, email,
			status, request_counts, results_url, final_result, ctime, ended_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	if _, err := tx.ExecContext(ctx, insertBatch,
		batch.ID,
		batch.UserID,
		batch.ExternalBatchID,
		batch.Prompt,
		batch.ChunkSize,
		batch.ChunkBy,
		batch.Model,
		batch.Email,
		batch.Status,
		string(countsJSON),
		batch.ResultsURL,
		batch.FinalResult,
		batch.Ctime,
		batch.EndedAt,
		batch.ExpiresAt,
	); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	const insertItem = `
		INSERT INTO batch_request_items (id, batch_id, seq, custom_id, params, result)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, insertItem,
			item.ID, item.BatchID, item.Seq, item.CustomID, item.Params, item.Result); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *BatchRepo) Get(ctx context.Context, batchID string) (*model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, batchID))
}

func (r *BatchRepo) GetByExternalID(ctx context.Context, externalID string) (*model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE external_batch_id = $1`
	return r.scanOne(r.db.QueryRowContext(ctx, query, externalID))
}

func (r *BatchRepo) ListByUser(ctx context.Context, userID string) ([]model.Batch, error) {
	query := `SELECT ` + batchColumns + ` FROM batches WHERE user_id = $1 ORDER BY ctime DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

func (r *BatchRepo) ListByStatus(ctx context.Context, statuses []string) ([]model.Batch, error) {
	values := make([]interface{}, 0, len(statuses))
	for _, s := range statuses {
		values = append(values, s)
	}
	where := map[string]interface{}{
		"status in": values,
		"_orderby":  "ctime asc",
	}
	sqlStr, args, err := builder.BuildSelect("batches", where, splitColumns(batchColumns))
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanAll(rows)
}

// UpdateStatusIfNotTerminal performs the single state transition both the
// poller and the callback funnel through. Terminal rows are left untouched
// and reported via the returned flag, which makes duplicate terminal
// notifications no-ops.
func (r *BatchRepo) UpdateStatusIfNotTerminal(ctx context.Context, batchID string, update *model.Batch) (bool, error) {
	countsJSON, err := json.Marshal(update.RequestCounts)
	if err != nil {
		return false, err
	}
	const query = `
		UPDATE batches
		SET status = $1, request_counts = $2, results_url = $3, final_result = $4,
		    ended_at = $5, expires_at = $6, external_batch_id = $7
		WHERE id = $8 AND status NOT IN ($9, $10, $11, $12)
	`
	result, err := r.db.ExecContext(ctx, query,
		update.Status,
		string(countsJSON),
		update.ResultsURL,
		update.FinalResult,
		update.EndedAt,
		update.ExpiresAt,
		update.ExternalBatchID,
		batchID,
		model.BatchStatusEnded,
		model.BatchStatusFailed,
		model.BatchStatusCanceled,
		model.BatchStatusExpired,
	)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (r *BatchRepo) ListItems(ctx context.Context, batchID string) ([]model.BatchRequestItem, error) {
	const query = `
		SELECT id, batch_id, seq, custom_id, params, result
		FROM batch_request_items
		WHERE batch_id = $1
		ORDER BY seq ASC
	`
	rows, err := r.db.QueryContext(ctx, query, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]model.BatchRequestItem, 0)
	for rows.Next() {
		var item model.BatchRequestItem
		if err := rows.Scan(&item.ID, &item.BatchID, &item.Seq, &item.CustomID, &item.Params, &item.Result); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *BatchRepo) SetItemResult(ctx context.Context, batchID, customID, result string) error {
	const query = `
		UPDATE batch_request_items
		SET result = $1
		WHERE batch_id = $2 AND custom_id = $3
	`
	res, err := r.db.ExecContext(ctx, query, result, batchID, customID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return appErr.ErrNotFound
	}
	return nil
}

func splitColumns(cols string) []string {
	parts := strings.Split(cols, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.TrimSpace(part))
	}
	return out
}

func (r *BatchRepo) scanOne(row *sql.Row) (*model.Batch, error) {
	var batch model.Batch
	var countsJSON string
	if err := row.Scan(
		&batch.ID,
		&batch.UserID,
		&batch.ExternalBatchID,
		&batch.Prompt,
		&batch.ChunkSize,
		&batch.ChunkBy,
		&batch.Model,
		&batch.Email,
		&batch.Status,
		&countsJSON,
		&batch.ResultsURL,
		&batch.FinalResult,
		&batch.Ctime,
		&batch.EndedAt,
		&batch.ExpiresAt,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	_ = json.Unmarshal([]byte(countsJSON), &batch.RequestCounts)
	return &batch, nil
}

func (r *BatchRepo) scanAll(rows *sql.Rows) ([]model.Batch, error) {
	batches := make([]model.Batch, 0)
	for rows.Next() {
		var batch model.Batch
		var countsJSON string
		if err := rows.Scan(
			&batch.ID,
			&batch.UserID,
			&batch.ExternalBatchID,
			&batch.Prompt,
			&batch.ChunkSize,
			&batch.ChunkBy,
			&batch.Model,
			&batch.Email,
			&batch.Status,
			&countsJSON,
			&batch.ResultsURL,
			&batch.FinalResult,
			&batch.Ctime,
			&batch.EndedAt,
			&batch.ExpiresAt,
		); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(countsJSON), &batch.RequestCounts)
		batches = append(batches, batch)
	}
	return batches, rows.Err()
}
