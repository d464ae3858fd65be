package service

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/model"
	"github.com/xxxsen/textmill/internal/repo"
)

// ErrorLogService records dispatch and batch failures for later inspection.
// Recording is best effort: a failed insert is logged and swallowed so it
// never masks the original failure.
type ErrorLogService struct {
	errors *repo.ErrorRepo
}

func NewErrorLogService(errors *repo.ErrorRepo) *ErrorLogService {
	return &ErrorLogService{errors: errors}
}

func (s *ErrorLogService) Record(ctx context.Context, userID, errorType, message string) {
	if s == nil || s.errors == nil {
		return
	}
	entry := &model.ErrorLog{
		ID:        newID(),
		UserID:    userID,
		ErrorType: errorType,
		Message:   message,
		Ctime:     time.Now().UnixMilli(),
	}
	if err := s.errors.Create(ctx, entry); err != nil {
		logutil.GetLogger(ctx).Warn("failed to record error log",
			zap.String("user_id", userID),
			zap.String("error_type", errorType),
			zap.Error(err),
		)
	}
}

func (s *ErrorLogService) List(ctx context.Context, userID string, limit, offset uint) ([]model.ErrorLog, error) {
	return s.errors.ListByUser(ctx, userID, limit, offset)
}

// DeleteOlderThan drops entries whose creation time is before now-age.
func (s *ErrorLogService) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age).UnixMilli()
	return s.errors.DeleteBefore(ctx, cutoff)
}
