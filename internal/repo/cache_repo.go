package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/dbutil"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type CacheRepo struct {
	db *sql.DB
}

func NewCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db}
}

// CacheKey derives the content address of a response: the same user,
// provider, model and chunk text always map to the same key.
func CacheKey(userID, provider, model, chunk string) string {
	h := sha256.New()
	for _, part := range []string{userID, provider, model, chunk} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (r *CacheRepo) Get(ctx context.Context, key string) (*model.CachedResult, error) {
	const query = `
		SELECT cache_key, user_id, provider, model, chunk, response, state, ctime
		FROM cached_results
		WHERE cache_key = $1
	`
	row := r.db.QueryRowContext(ctx, query, key)
	var rec model.CachedResult
	if err := row.Scan(
		&rec.CacheKey,
		&rec.UserID,
		&rec.Provider,
		&rec.Model,
		&rec.Chunk,
		&rec.Response,
		&rec.State,
		&rec.Ctime,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Reserve claims a key by inserting a pending row. It reports false when
// another writer already holds the key, completed or not.
func (r *CacheRepo) Reserve(ctx context.Context, rec *model.CachedResult) (bool, error) {
	rec.State = model.CacheStatePending
	rec.Ctime = time.Now().UnixMilli()
	const query = `
		INSERT INTO cached_results (cache_key, user_id, provider, model, chunk, response, state, ctime)
		VALUES ($1, $2, $3, $4, $5, '', $6, $7)
		ON CONFLICT (cache_key) DO NOTHING
	`
	result, err := r.db.ExecContext(ctx, query,
		rec.CacheKey,
		rec.UserID,
		rec.Provider,
		rec.Model,
		rec.Chunk,
		rec.State,
		rec.Ctime,
	)
	if err != nil {
		if dbutil.IsConflict(err) {
			return false, nil
		}
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// Fulfill completes a claimed key. Completed rows are immutable, so the
// write is guarded on the pending state.
func (r *CacheRepo) Fulfill(ctx context.Context, key, response string) error {
	const query = `
		UPDATE cached_results
		SET response = $1, state = $2
		WHERE cache_key = $3 AND state = $4
	`
	_, err := r.db.ExecContext(ctx, query, response, model.CacheStateCompleted, key, model.CacheStatePending)
	return err
}

// Release drops a pending claim whose computation failed, so a later
// request can retry the key.
func (r *CacheRepo) Release(ctx context.Context, key string) error {
	const query = `
		DELETE FROM cached_results
		WHERE cache_key = $1 AND state = $2
	`
	_, err := r.db.ExecContext(ctx, query, key, model.CacheStatePending)
	return err
}

func (r *CacheRepo) ListByUser(ctx context.Context, userID string, limit, offset uint) ([]model.CachedResult, error) {
	where := map[string]interface{}{
		"user_id":  userID,
		"state":    model.CacheStateCompleted,
		"_orderby": "ctime desc",
	}
	if limit > 0 {
		where["_limit"] = []uint{offset, limit}
	}
	sqlStr, args, err := builder.BuildSelect("cached_results", where,
		[]string{"cache_key", "user_id", "provider", "model", "chunk", "response", "state", "ctime"})
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	records := make([]model.CachedResult, 0)
	for rows.Next() {
		var rec model.CachedResult
		if err := rows.Scan(
			&rec.CacheKey,
			&rec.UserID,
			&rec.Provider,
			&rec.Model,
			&rec.Chunk,
			&rec.Response,
			&rec.State,
			&rec.Ctime,
		); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *CacheRepo) CountByUser(ctx context.Context, userID string) (int64, error) {
	const query = `SELECT COUNT(1) FROM cached_results WHERE user_id = $1 AND state = $2`
	var count int64
	if err := r.db.QueryRowContext(ctx, query, userID, model.CacheStateCompleted).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (r *CacheRepo) ClearByUser(ctx context.Context, userID string) error {
	const query = `DELETE FROM cached_results WHERE user_id = $1`
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}
