package repo

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/pkg/dbutil"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type RateLimitRepo struct {
	db *sql.DB
}

func NewRateLimitRepo(db *sql.DB) *RateLimitRepo {
	return &RateLimitRepo{db: db}
}

func (r *RateLimitRepo) Get(ctx context.Context, provider, userID string) (*model.RateLimitState, error) {
	const query = `
		SELECT id, provider, user_id, max_rpm, max_rph, cooldown_period,
		       reset_time_rpm, reset_time_rph, request_count_rpm, request_count_rph,
		       last_retry_after, ai_usage, version, mtime
		FROM rate_limiters
		WHERE provider = $1 AND user_id = $2
	`
	row := r.db.QueryRowContext(ctx, query, provider, userID)
	var st model.RateLimitState
	var usageJSON string
	if err := row.Scan(
		&st.ID,
		&st.Provider,
		&st.UserID,
		&st.MaxRPM,
		&st.MaxRPH,
		&st.CooldownPeriod,
		&st.ResetTimeRPM,
		&st.ResetTimeRPH,
		&st.RequestCountRPM,
		&st.RequestCountRPH,
		&st.LastRetryAfter,
		&usageJSON,
		&st.Version,
		&st.Mtime,
	); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErr.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(usageJSON), &st.Usage); err != nil {
		st.Usage = model.ProviderUsage{}
	}
	return &st, nil
}

func (r *RateLimitRepo) Create(ctx context.Context, st *model.RateLimitState) error {
	if st.ID == "" {
		st.ID = newRowID()
	}
	usageJSON, err := json.Marshal(st.Usage)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO rate_limiters (id, provider, user_id, max_rpm, max_rph, cooldown_period,
			reset_time_rpm, reset_time_rph, request_count_rpm, request_count_rph,
			last_retry_after, ai_usage, version, mtime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err = r.db.ExecContext(ctx, query,
		st.ID,
		st.Provider,
		st.UserID,
		st.MaxRPM,
		st.MaxRPH,
		st.CooldownPeriod,
		st.ResetTimeRPM,
		st.ResetTimeRPH,
		st.RequestCountRPM,
		st.RequestCountRPH,
		st.LastRetryAfter,
		string(usageJSON),
		st.Version,
		st.Mtime,
	)
	if err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return nil
}

// UpdateIfVersion is the compare-and-swap write: it applies the new state
// only while the stored version still equals expect.
func (r *RateLimitRepo) UpdateIfVersion(ctx context.Context, st *model.RateLimitState, expect int64) (bool, error) {
	usageJSON, err := json.Marshal(st.Usage)
	if err != nil {
		return false, err
	}
	const query = `
		UPDATE rate_limiters
		SET max_rpm = $1, max_rph = $2, cooldown_period = $3,
		    reset_time_rpm = $4, reset_time_rph = $5,
		    request_count_rpm = $6, request_count_rph = $7,
		    last_retry_after = $8, ai_usage = $9, version = $10, mtime = $11
		WHERE provider = $12 AND user_id = $13 AND version = $14
	`
	result, err := r.db.ExecContext(ctx, query,
		st.MaxRPM,
		st.MaxRPH,
		st.CooldownPeriod,
		st.ResetTimeRPM,
		st.ResetTimeRPH,
		st.RequestCountRPM,
		st.RequestCountRPH,
		st.LastRetryAfter,
		string(usageJSON),
		st.Version,
		st.Mtime,
		st.Provider,
		st.UserID,
		expect,
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

func newRowID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return hex.EncodeToString(bytes)
}
