package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/dbutil"
)

type ErrorRepo struct {
	db *sql.DB
}

func NewErrorRepo(db *sql.DB) *ErrorRepo {
	return &ErrorRepo{db: db}
}

func (r *ErrorRepo) Create(ctx context.Context, entry *model.ErrorLog) error {
	data := map[string]interface{}{
		"id":         entry.ID,
		"user_id":    entry.UserID,
		"error_type": entry.ErrorType,
		"message":    entry.Message,
		"ctime":      entry.Ctime,
	}
	sqlStr, args, err := builder.BuildInsert("error_logs", []map[string]interface{}{data})
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

func (r *ErrorRepo) ListByUser(ctx context.Context, userID string, limit, offset uint) ([]model.ErrorLog, error) {
	where := map[string]interface{}{
		"user_id":  userID,
		"_orderby": "ctime desc",
	}
	if limit > 0 {
		where["_limit"] = []uint{offset, limit}
	}
	sqlStr, args, err := builder.BuildSelect("error_logs", where,
		[]string{"id", "user_id", "error_type", "message", "ctime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := make([]model.ErrorLog, 0)
	for rows.Next() {
		var entry model.ErrorLog
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.ErrorType, &entry.Message, &entry.Ctime); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *ErrorRepo) DeleteBefore(ctx context.Context, cutoff int64) (int64, error) {
	const query = `DELETE FROM error_logs WHERE ctime < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
