package service

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/textmill/internal/ai"
	"github.com/xxxsen/textmill/internal/config"
	"github.com/xxxsen/textmill/internal/model"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type memJobStore struct {
	mu   sync.Mutex
	rows map[string]*model.ProcessingJob
}

func newMemJobStore() *memJobStore {
	return &memJobStore{rows: make(map[string]*model.ProcessingJob)}
}

func (s *memJobStore) Create(ctx context.Context, job *model.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *job
	s.rows[job.ID] = &clone
	return nil
}

func (s *memJobStore) UpdateStatus(ctx context.Context, userID, jobID, status string, completedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[jobID]
	if !ok || job.UserID != userID {
		return appErr.ErrNotFound
	}
	job.Status = status
	if completedAt > 0 {
		job.CompletedAt = completedAt
	}
	return nil
}

func (s *memJobStore) Get(ctx context.Context, userID, jobID string) (*model.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.rows[jobID]
	if !ok || job.UserID != userID {
		return nil, appErr.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

func (s *memJobStore) ListByUser(ctx context.Context, userID string, limit, offset uint) ([]model.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ProcessingJob, 0)
	for _, job := range s.rows {
		if job.UserID == userID {
			out = append(out, *job)
		}
	}
	return out, nil
}

type memFileStatusStore struct {
	mu   sync.Mutex
	rows map[string]*model.FileStatus
}

func newMemFileStatusStore() *memFileStatusStore {
	return &memFileStatusStore{rows: make(map[string]*model.FileStatus)}
}

func (s *memFileStatusStore) Create(ctx context.Context, fs *model.FileStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *fs
	s.rows[fs.ID] = &clone
	return nil
}

func (s *memFileStatusStore) IncrementProcessed(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.rows[id]
	if !ok {
		return appErr.ErrNotFound
	}
	fs.ProcessedChunks++
	if fs.TotalChunks > 0 {
		fs.ProgressPercentage = float64(fs.ProcessedChunks) / float64(fs.TotalChunks) * 100
	}
	return nil
}

func (s *memFileStatusStore) UpdateStatus(ctx context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs, ok := s.rows[id]
	if !ok {
		return appErr.ErrNotFound
	}
	fs.Status = status
	return nil
}

func (s *memFileStatusStore) ListByJob(ctx context.Context, jobID string) ([]model.FileStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.FileStatus, 0)
	for _, fs := range s.rows {
		if fs.JobID == jobID {
			out = append(out, *fs)
		}
	}
	return out, nil
}

type memFileStore struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemFileStore() *memFileStore {
	return &memFileStore{files: make(map[string][]byte)}
}

func (s *memFileStore) Save(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = data
	return nil
}

func (s *memFileStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[key]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memFileStore) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0)
	for key := range s.files {
		if strings.HasPrefix(key, prefix+"/") {
			out = append(out, strings.TrimPrefix(key, prefix+"/"))
		}
	}
	return out, nil
}

func (s *memFileStore) content(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[key]
	return string(data), ok
}

type chanBroadcaster struct {
	events chan interface{}
}

func newChanBroadcaster() *chanBroadcaster {
	return &chanBroadcaster{events: make(chan interface{}, 16)}
}

func (b *chanBroadcaster) Broadcast(ctx context.Context, message interface{}) {
	select {
	case b.events <- message:
	default:
	}
}

func (b *chanBroadcaster) wait(t *testing.T) interface{} {
	t.Helper()
	select {
	case event := <-b.events:
		return event
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for broadcast")
		return nil
	}
}

type jobServiceEnv struct {
	jobs     *memJobStore
	files    *memFileStatusStore
	store    *memFileStore
	hub      *chanBroadcaster
	provider *fakeProvider
	svc      *JobService
}

func newJobServiceEnv(t *testing.T, provider *fakeProvider, concurrency int) *jobServiceEnv {
	t.Helper()
	env := &jobServiceEnv{
		jobs:     newMemJobStore(),
		files:    newMemFileStatusStore(),
		store:    newMemFileStore(),
		hub:      newChanBroadcaster(),
		provider: provider,
	}
	dispatch := newTestDispatch(newMemCacheStore(), 2)
	env.svc = NewJobService(env.jobs, env.files, dispatch,
		map[string]ai.IProvider{provider.Name(): provider},
		env.store, env.hub, nil,
		config.ProcessConfig{Concurrency: concurrency, TimeoutSeconds: 5, MaxRetries: 2})
	return env
}

func TestJobServiceEndToEnd(t *testing.T) {
	provider := &fakeProvider{response: func(prompt string) string {
		// Echo the chunk portion of the prompt.
		parts := strings.SplitN(prompt, "\n\n", 2)
		return "<echo:" + parts[1] + ">"
	}}
	env := newJobServiceEnv(t, provider, 2)

	job, statuses, err := env.svc.Start(context.Background(), &StartJobRequest{
		UserID:    "user-1",
		Provider:  "fake",
		Model:     "m1",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "input.txt", Content: "a b c d"}},
	})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, 2, statuses[0].TotalChunks)

	env.hub.wait(t)

	stored, ok := env.store.content("processed/input_processed.txt")
	require.True(t, ok)
	require.Equal(t, "<echo:a b>\n<echo:c d>", stored)

	final, err := env.jobs.Get(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, final.Status)
	require.NotZero(t, final.CompletedAt)

	fileStatuses, err := env.files.ListByJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, fileStatuses, 1)
	require.Equal(t, model.FileStatusCompleted, fileStatuses[0].Status)
	require.Equal(t, 2, fileStatuses[0].ProcessedChunks)
	require.Equal(t, float64(100), fileStatuses[0].ProgressPercentage)
}

func TestJobServiceBoundsConcurrency(t *testing.T) {
	var mu sync.Mutex
	inFlight, maxInFlight := 0, 0
	provider := &fakeProvider{response: func(prompt string) string {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return "ok"
	}}
	env := newJobServiceEnv(t, provider, 2)

	_, _, err := env.svc.Start(context.Background(), &StartJobRequest{
		UserID:    "user-1",
		Provider:  "fake",
		Model:     "m1",
		Prompt:    "p",
		ChunkSize: 1,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "big.txt", Content: "a b c d e f g h"}},
	})
	require.NoError(t, err)
	env.hub.wait(t)

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, maxInFlight, 2)
	require.Equal(t, 8, provider.callCount())
}

func TestJobServiceProcessesFilesConcurrently(t *testing.T) {
	// Two single-chunk files. Each call blocks until both files have a call
	// in flight, which only resolves if files run in parallel.
	arrived := make(chan struct{}, 2)
	release := make(chan struct{})
	provider := &fakeProvider{response: func(prompt string) string {
		arrived <- struct{}{}
		<-release
		return "ok"
	}}
	env := newJobServiceEnv(t, provider, 4)

	job, _, err := env.svc.Start(context.Background(), &StartJobRequest{
		UserID:    "user-1",
		Provider:  "fake",
		Model:     "m1",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Files: []JobFile{
			{Name: "one.txt", Content: "a b"},
			{Name: "two.txt", Content: "c d"},
		},
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		select {
		case <-arrived:
		case <-time.After(5 * time.Second):
			t.Fatal("files did not process concurrently")
		}
	}
	close(release)
	env.hub.wait(t)

	final, err := env.jobs.Get(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, final.Status)
}

func TestJobServiceProcessesUploadedFiles(t *testing.T) {
	provider := &fakeProvider{response: func(prompt string) string {
		parts := strings.SplitN(prompt, "\n\n", 2)
		return "<echo:" + parts[1] + ">"
	}}
	env := newJobServiceEnv(t, provider, 2)
	require.NoError(t, env.store.Save(context.Background(), "uploads/a.txt", strings.NewReader("a b")))
	require.NoError(t, env.store.Save(context.Background(), "uploads/b.txt", strings.NewReader("c d")))

	// No inline content: the named subset of uploaded files is processed.
	job, statuses, err := env.svc.Start(context.Background(), &StartJobRequest{
		UserID:    "user-1",
		Provider:  "fake",
		Model:     "m1",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Filenames: []string{"a.txt"},
	})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	require.Equal(t, "a.txt", statuses[0].Filename)
	env.hub.wait(t)

	stored, ok := env.store.content("processed/a_processed.txt")
	require.True(t, ok)
	require.Equal(t, "<echo:a b>", stored)
	_, ok = env.store.content("processed/b_processed.txt")
	require.False(t, ok)

	final, err := env.jobs.Get(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusCompleted, final.Status)

	// Without a subset, every uploaded file is processed.
	_, statuses, err = env.svc.Start(context.Background(), &StartJobRequest{
		UserID:    "user-1",
		Provider:  "fake",
		Model:     "m1",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
	})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	env.hub.wait(t)
}

func TestJobServiceFailsWhenAllChunksFail(t *testing.T) {
	provider := &fakeProvider{failures: 10000}
	env := newJobServiceEnv(t, provider, 2)

	job, _, err := env.svc.Start(context.Background(), &StartJobRequest{
		UserID:    "user-1",
		Provider:  "fake",
		Model:     "m1",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "doomed.txt", Content: "a b c d"}},
	})
	require.NoError(t, err)
	env.hub.wait(t)

	final, err := env.jobs.Get(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, final.Status)
}

func TestJobServiceRejectsInvalidRequests(t *testing.T) {
	env := newJobServiceEnv(t, &fakeProvider{}, 2)

	_, _, err := env.svc.Start(context.Background(), &StartJobRequest{
		UserID: "user-1", Provider: "fake", ChunkSize: 2, ChunkBy: "sentence",
		Files: []JobFile{{Name: "a.txt", Content: "x"}},
	})
	require.Error(t, err)

	_, _, err = env.svc.Start(context.Background(), &StartJobRequest{
		UserID: "user-1", Provider: "missing", ChunkSize: 2, ChunkBy: "word",
		Files: []JobFile{{Name: "a.txt", Content: "x"}},
	})
	require.Error(t, err)

	_, _, err = env.svc.Start(context.Background(), &StartJobRequest{
		UserID: "user-1", Provider: "fake", ChunkSize: 2, ChunkBy: "word",
	})
	require.Error(t, err)
}

func TestJobServiceStop(t *testing.T) {
	release := make(chan struct{})
	provider := &fakeProvider{response: func(prompt string) string {
		<-release
		return "ok"
	}}
	env := newJobServiceEnv(t, provider, 2)

	job, _, err := env.svc.Start(context.Background(), &StartJobRequest{
		UserID:    "user-1",
		Provider:  "fake",
		Model:     "m1",
		Prompt:    "p",
		ChunkSize: 1,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "slow.txt", Content: "a b c d"}},
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.Stop(context.Background(), "user-1", job.ID))
	close(release)

	final, err := env.jobs.Get(context.Background(), "user-1", job.ID)
	require.NoError(t, err)
	require.Equal(t, model.JobStatusFailed, final.Status)

	// Stopping a finished job is a conflict.
	err = env.svc.Stop(context.Background(), "user-1", job.ID)
	require.ErrorIs(t, err, appErr.ErrConflict)
}
