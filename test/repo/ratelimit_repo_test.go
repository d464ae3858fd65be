package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/textmill/internal/model"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
	"github.com/xxxsen/textmill/internal/repo"
	"github.com/xxxsen/textmill/test/testutil"
)

func TestRateLimitRepoVersionedUpdate(t *testing.T) {
	db, cleanup := testutil.OpenTestDB(t)
	defer cleanup()

	limits := repo.NewRateLimitRepo(db)
	ctx := context.Background()
	provider := "test-provider"
	userID := "user-" + time.Now().Format("150405.000000000")

	st := &model.RateLimitState{
		Provider: provider,
		UserID:   userID,
		MaxRPM:   60,
		MaxRPH:   1000,
		Version:  1,
		Mtime:    time.Now().UnixMilli(),
	}
	require.NoError(t, limits.Create(ctx, st))
	require.ErrorIs(t, limits.Create(ctx, st), appErr.ErrConflict)

	got, err := limits.Get(ctx, provider, userID)
	require.NoError(t, err)
	require.Equal(t, int64(1), got.Version)

	got.RequestCountRPM = 1
	got.Version = 2
	ok, err := limits.UpdateIfVersion(ctx, got, 1)
	require.NoError(t, err)
	require.True(t, ok)

	// A write against the old version must miss.
	got.Version = 3
	ok, err = limits.UpdateIfVersion(ctx, got, 1)
	require.NoError(t, err)
	require.False(t, ok)

	got, err = limits.Get(ctx, provider, userID)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, 1, got.RequestCountRPM)
}
