package job

import (
	"context"
	"time"

	"github.com/xxxsen/textmill/internal/service"
)

type ErrorLogCleanupJob struct {
	errors *service.ErrorLogService
	maxAge time.Duration
}

func NewErrorLogCleanupJob(errors *service.ErrorLogService, maxAge time.Duration) *ErrorLogCleanupJob {
	return &ErrorLogCleanupJob{errors: errors, maxAge: maxAge}
}

func (j *ErrorLogCleanupJob) Name() string {
	return "errorlog_cleanup"
}

func (j *ErrorLogCleanupJob) Run(ctx context.Context) error {
	if j.errors == nil {
		return nil
	}
	maxAge := j.maxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	_, err := j.errors.DeleteOlderThan(ctx, maxAge)
	return err
}
