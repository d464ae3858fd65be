package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/ai"
	"github.com/xxxsen/textmill/internal/config"
	"github.com/xxxsen/textmill/internal/filestore"
	"github.com/xxxsen/textmill/internal/model"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type JobStore interface {
	Create(ctx context.Context, job *model.ProcessingJob) error
	UpdateStatus(ctx context.Context, userID, jobID, status string, completedAt int64) error
	Get(ctx context.Context, userID, jobID string) (*model.ProcessingJob, error)
	ListByUser(ctx context.Context, userID string, limit, offset uint) ([]model.ProcessingJob, error)
}

type FileStatusStore interface {
	Create(ctx context.Context, fs *model.FileStatus) error
	IncrementProcessed(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id, status string) error
	ListByJob(ctx context.Context, jobID string) ([]model.FileStatus, error)
}

type Broadcaster interface {
	Broadcast(ctx context.Context, message interface{})
}

type JobFile struct {
	Name    string
	Content string
}

// StartJobRequest describes one processing run. Files carries inline
// content; when it is empty the job falls back to previously uploaded
// files, optionally narrowed to the names in Filenames.
type StartJobRequest struct {
	UserID    string
	Provider  string
	Model     string
	Prompt    string
	ChunkSize int
	ChunkBy   string
	Email     string
	Files     []JobFile
	Filenames []string
}

type jobEvent struct {
	Type   string `json:"type"`
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// JobService orchestrates multi-file processing jobs. All jobs share one
// semaphore, so total in-flight provider calls stay bounded no matter how
// many jobs run at once.
type JobService struct {
	jobs      JobStore
	files     FileStatusStore
	dispatch  *DispatchService
	providers map[string]ai.IProvider
	store     filestore.Store
	hub       Broadcaster
	email     EmailSender
	sem       chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewJobService(jobs JobStore, files FileStatusStore, dispatch *DispatchService,
	providers map[string]ai.IProvider, store filestore.Store, hub Broadcaster,
	email EmailSender, cfg config.ProcessConfig) *JobService {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	return &JobService{
		jobs:      jobs,
		files:     files,
		dispatch:  dispatch,
		providers: providers,
		store:     store,
		hub:       hub,
		email:     email,
		sem:       make(chan struct{}, concurrency),
		running:   make(map[string]context.CancelFunc),
	}
}

func (s *JobService) provider(name string) (ai.IProvider, error) {
	p, ok := s.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ai.ErrUnavailable, name)
	}
	return p, nil
}

// loadStoredFiles reads previously uploaded files out of the file store. A
// non-empty subset keeps only the named files.
func (s *JobService) loadStoredFiles(ctx context.Context, subset []string) ([]JobFile, error) {
	names, err := s.store.List(ctx, filestore.UploadPrefix)
	if err != nil {
		return nil, err
	}
	wanted := make(map[string]struct{}, len(subset))
	for _, name := range subset {
		name = path.Base(strings.TrimSpace(name))
		if name != "" && name != "." {
			wanted[name] = struct{}{}
		}
	}
	sort.Strings(names)
	files := make([]JobFile, 0, len(names))
	for _, name := range names {
		if len(wanted) > 0 {
			if _, ok := wanted[name]; !ok {
				continue
			}
		}
		rc, err := s.store.Open(ctx, path.Join(filestore.UploadPrefix, name))
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		files = append(files, JobFile{Name: name, Content: string(data)})
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no uploaded files to process", appErr.ErrInvalid)
	}
	return files, nil
}

// Start validates the request, persists the job and per-file progress rows,
// and launches the processing in the background.
func (s *JobService) Start(ctx context.Context, req *StartJobRequest) (*model.ProcessingJob, []model.FileStatus, error) {
	mode, err := ai.ParseChunkMode(req.ChunkBy)
	if err != nil {
		return nil, nil, err
	}
	provider, err := s.provider(req.Provider)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", appErr.ErrInvalid, err.Error())
	}
	if len(req.Files) == 0 {
		stored, err := s.loadStoredFiles(ctx, req.Filenames)
		if err != nil {
			return nil, nil, err
		}
		req.Files = stored
	}
	if len(req.Files) == 0 {
		return nil, nil, fmt.Errorf("%w: at least one file is required", appErr.ErrInvalid)
	}
	now := time.Now().UnixMilli()
	job := &model.ProcessingJob{
		ID:        newID(),
		UserID:    req.UserID,
		Provider:  provider.Name(),
		Model:     req.Model,
		Prompt:    req.Prompt,
		ChunkSize: req.ChunkSize,
		ChunkBy:   string(mode),
		Email:     req.Email,
		Status:    model.JobStatusInProgress,
		Ctime:     now,
	}
	statuses := make([]model.FileStatus, 0, len(req.Files))
	for _, f := range req.Files {
		total, err := ai.CountChunks(f.Content, req.ChunkSize, mode)
		if err != nil {
			return nil, nil, err
		}
		statuses = append(statuses, model.FileStatus{
			ID:          newID(),
			JobID:       job.ID,
			UserID:      req.UserID,
			Filename:    f.Name,
			TotalChunks: total,
			Status:      model.FileStatusPending,
			Ctime:       now,
			Mtime:       now,
		})
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, nil, err
	}
	for i := range statuses {
		if err := s.files.Create(ctx, &statuses[i]); err != nil {
			return nil, nil, err
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.running[job.ID] = cancel
	s.mu.Unlock()
	go s.run(runCtx, job, provider, mode, req, statuses)
	return job, statuses, nil
}

func (s *JobService) run(ctx context.Context, job *model.ProcessingJob, provider ai.IProvider,
	mode ai.ChunkMode, req *StartJobRequest, statuses []model.FileStatus) {
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()
	logger := logutil.GetLogger(ctx).With(zap.String("job_id", job.ID), zap.String("user_id", job.UserID))

	// Files run concurrently. The shared semaphore inside processFile still
	// bounds the total number of in-flight provider calls.
	var completedMu sync.Mutex
	anyCompleted := false
	var wg sync.WaitGroup
	for i := range req.Files {
		wg.Add(1)
		go func(f JobFile, fs *model.FileStatus) {
			defer wg.Done()
			if ctx.Err() != nil {
				_ = s.files.UpdateStatus(context.Background(), fs.ID, model.FileStatusFailed)
				return
			}
			if err := s.processFile(ctx, job, provider, mode, req, f, fs); err != nil {
				logger.Error("file processing failed", zap.String("filename", f.Name), zap.Error(err))
				_ = s.files.UpdateStatus(context.Background(), fs.ID, model.FileStatusFailed)
				return
			}
			completedMu.Lock()
			anyCompleted = true
			completedMu.Unlock()
		}(req.Files[i], &statuses[i])
	}
	wg.Wait()

	finishCtx := context.Background()
	status := model.JobStatusCompleted
	if !anyCompleted {
		status = model.JobStatusFailed
	}
	if ctx.Err() != nil {
		status = model.JobStatusFailed
	}
	if err := s.jobs.UpdateStatus(finishCtx, job.UserID, job.ID, status, time.Now().UnixMilli()); err != nil {
		logger.Error("failed to finalize job", zap.Error(err))
	}
	if s.hub != nil {
		s.hub.Broadcast(finishCtx, jobEvent{Type: "job_completed", JobID: job.ID, Status: status})
	}
	s.notify(finishCtx, job, status)
	logger.Info("job finished", zap.String("status", status))
}

func (s *JobService) processFile(ctx context.Context, job *model.ProcessingJob, provider ai.IProvider,
	mode ai.ChunkMode, req *StartJobRequest, f JobFile, fs *model.FileStatus) error {
	chunks, err := ai.SplitText(f.Content, req.ChunkSize, mode)
	if err != nil {
		return err
	}
	if err := s.files.UpdateStatus(ctx, fs.ID, model.FileStatusInProgress); err != nil {
		return err
	}

	results := make([]string, len(chunks))
	failed := make([]bool, len(chunks))
	var wg sync.WaitGroup
	for idx, chunk := range chunks {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		}
		wg.Add(1)
		go func(idx int, chunk string) {
			defer wg.Done()
			defer func() { <-s.sem }()
			text, err := s.dispatch.ProcessChunk(ctx, job.UserID, provider, job.Model, req.Prompt, chunk)
			if err != nil {
				failed[idx] = true
			} else {
				results[idx] = text
			}
			if ierr := s.files.IncrementProcessed(ctx, fs.ID); ierr != nil && ctx.Err() == nil {
				logutil.GetLogger(ctx).Warn("failed to advance progress",
					zap.String("file_status_id", fs.ID), zap.Error(ierr))
			}
		}(idx, chunk)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	parts := make([]string, 0, len(results))
	for idx, text := range results {
		if failed[idx] {
			continue
		}
		parts = append(parts, text)
	}
	if len(parts) == 0 && len(chunks) > 0 {
		return fmt.Errorf("%w: all chunks failed", appErr.ErrInternal)
	}
	final := strings.Join(parts, "\n")
	key := path.Join(filestore.ProcessedPrefix, processedName(f.Name))
	if err := s.store.Save(ctx, key, strings.NewReader(final)); err != nil {
		return err
	}
	return s.files.UpdateStatus(ctx, fs.ID, model.FileStatusCompleted)
}

func processedName(filename string) string {
	base := path.Base(filename)
	if idx := strings.LastIndex(base, "."); idx > 0 {
		base = base[:idx]
	}
	return base + "_processed.txt"
}

func (s *JobService) notify(ctx context.Context, job *model.ProcessingJob, status string) {
	if s.email == nil || strings.TrimSpace(job.Email) == "" {
		return
	}
	subject := fmt.Sprintf("Processing job %s %s", job.ID, status)
	body := fmt.Sprintf("Your processing job %s finished with status %q.", job.ID, status)
	if err := s.email.Send(job.Email, subject, body); err != nil {
		logutil.GetLogger(ctx).Warn("failed to send completion email",
			zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Stop cancels a running job and marks it failed. Stopping a finished job
// is a conflict.
func (s *JobService) Stop(ctx context.Context, userID, jobID string) error {
	job, err := s.jobs.Get(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status == model.JobStatusCompleted || job.Status == model.JobStatusFailed {
		return appErr.ErrConflict
	}
	s.mu.Lock()
	cancel, ok := s.running[jobID]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	if err := s.jobs.UpdateStatus(ctx, userID, jobID, model.JobStatusFailed, time.Now().UnixMilli()); err != nil {
		return err
	}
	statuses, err := s.files.ListByJob(ctx, jobID)
	if err != nil {
		return err
	}
	for _, fs := range statuses {
		if fs.Status == model.FileStatusCompleted {
			continue
		}
		_ = s.files.UpdateStatus(ctx, fs.ID, model.FileStatusFailed)
	}
	return nil
}

func (s *JobService) Status(ctx context.Context, userID, jobID string) (*model.ProcessingJob, []model.FileStatus, error) {
	job, err := s.jobs.Get(ctx, userID, jobID)
	if err != nil {
		return nil, nil, err
	}
	statuses, err := s.files.ListByJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	return job, statuses, nil
}

func (s *JobService) List(ctx context.Context, userID string, limit, offset uint) ([]model.ProcessingJob, error) {
	return s.jobs.ListByUser(ctx, userID, limit, offset)
}
