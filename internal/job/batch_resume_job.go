package job

import (
	"context"

	"github.com/xxxsen/textmill/internal/service"
)

// BatchResumeJob re-attaches pollers to non-terminal batches. On startup it
// recovers batches stranded by a restart; afterwards it acts as a safety net
// in case a poller died.
type BatchResumeJob struct {
	batches *service.BatchService
}

func NewBatchResumeJob(batches *service.BatchService) *BatchResumeJob {
	return &BatchResumeJob{batches: batches}
}

func (j *BatchResumeJob) Name() string {
	return "batch_resume"
}

func (j *BatchResumeJob) Run(ctx context.Context) error {
	if j.batches == nil {
		return nil
	}
	return j.batches.ResumePollers(ctx)
}
