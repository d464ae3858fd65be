package service

import (
	"context"
	"fmt"
	"regexp"
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

type memBatchStore struct {
	mu    sync.Mutex
	rows  map[string]*model.Batch
	items map[string][]model.BatchRequestItem
}

func newMemBatchStore() *memBatchStore {
	return &memBatchStore{
		rows:  make(map[string]*model.Batch),
		items: make(map[string][]model.BatchRequestItem),
	}
}

func (s *memBatchStore) Create(ctx context.Context, batch *model.Batch, items []model.BatchRequestItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *batch
	s.rows[batch.ID] = &clone
	s.items[batch.ID] = append([]model.BatchRequestItem(nil), items...)
	return nil
}

func (s *memBatchStore) Get(ctx context.Context, batchID string) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.rows[batchID]
	if !ok {
		return nil, appErr.ErrNotFound
	}
	clone := *batch
	return &clone, nil
}

func (s *memBatchStore) GetByExternalID(ctx context.Context, externalID string) (*model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, batch := range s.rows {
		if batch.ExternalBatchID == externalID {
			clone := *batch
			return &clone, nil
		}
	}
	return nil, appErr.ErrNotFound
}

func (s *memBatchStore) ListByUser(ctx context.Context, userID string) ([]model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Batch, 0)
	for _, batch := range s.rows {
		if batch.UserID == userID {
			out = append(out, *batch)
		}
	}
	return out, nil
}

func (s *memBatchStore) ListByStatus(ctx context.Context, statuses []string) ([]model.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}
	out := make([]model.Batch, 0)
	for _, batch := range s.rows {
		if _, ok := wanted[batch.Status]; ok {
			out = append(out, *batch)
		}
	}
	return out, nil
}

func (s *memBatchStore) UpdateStatusIfNotTerminal(ctx context.Context, batchID string, update *model.Batch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, ok := s.rows[batchID]
	if !ok {
		return false, nil
	}
	if model.IsTerminalBatchStatus(batch.Status) {
		return false, nil
	}
	clone := *update
	clone.ID = batchID
	s.rows[batchID] = &clone
	return true, nil
}

func (s *memBatchStore) ListItems(ctx context.Context, batchID string) ([]model.BatchRequestItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BatchRequestItem(nil), s.items[batchID]...), nil
}

func (s *memBatchStore) SetItemResult(ctx context.Context, batchID, customID, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.items[batchID]
	for i := range items {
		if items[i].CustomID == customID {
			items[i].Result = result
			return nil
		}
	}
	return appErr.ErrNotFound
}

type stubBatchClient struct {
	mu       sync.Mutex
	created  []ai.BatchRequest
	statuses []*ai.BatchStatus
	results  []ai.BatchItemResult
	canceled bool
}

func (c *stubBatchClient) Create(ctx context.Context, requests []ai.BatchRequest) (*ai.BatchStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created = requests
	return &ai.BatchStatus{ID: "msgbatch_1", ProcessingStatus: "in_progress"}, nil
}

func (c *stubBatchClient) Status(ctx context.Context, externalID string) (*ai.BatchStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.statuses) == 0 {
		return &ai.BatchStatus{ID: externalID, ProcessingStatus: "in_progress"}, nil
	}
	st := c.statuses[0]
	if len(c.statuses) > 1 {
		c.statuses = c.statuses[1:]
	}
	return st, nil
}

func (c *stubBatchClient) Results(ctx context.Context, resultsURL string) ([]ai.BatchItemResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ai.BatchItemResult(nil), c.results...), nil
}

func (c *stubBatchClient) Cancel(ctx context.Context, externalID string) (*ai.BatchStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled = true
	return &ai.BatchStatus{ID: externalID, ProcessingStatus: "canceled"}, nil
}

func newTestBatchService(store BatchStore, client ai.IBatchClient) (*BatchService, *chanBroadcaster) {
	hub := newChanBroadcaster()
	svc := NewBatchService(store, client, hub, nil, config.BatchConfig{PollIntervalSeconds: 10})
	svc.pollInterval = time.Millisecond
	return svc, hub
}

func TestSanitizeCustomID(t *testing.T) {
	valid := regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	cases := []struct {
		filename string
		idx      int
	}{
		{"report.txt", 0},
		{"weird name (1).txt", 3},
		{"文件.txt", 7},
		{string(make([]byte, 200)), 12},
	}
	for _, tc := range cases {
		got := sanitizeCustomID(tc.filename, tc.idx)
		require.Regexp(t, valid, got)
	}
	require.Equal(t, "report_txt_0", sanitizeCustomID("report.txt", 0))
}

func TestBatchSubmitRegistersItems(t *testing.T) {
	store := newMemBatchStore()
	client := &stubBatchClient{}
	svc, _ := newTestBatchService(store, client)
	defer svc.Shutdown()

	batch, err := svc.Submit(context.Background(), &StartBatchRequest{
		UserID:    "user-1",
		Model:     "claude-3-5-haiku-latest",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "in.txt", Content: "a b c d"}},
	})
	require.NoError(t, err)
	require.Equal(t, "msgbatch_1", batch.ExternalBatchID)
	require.Equal(t, model.BatchStatusInProgress, batch.Status)

	require.Len(t, client.created, 2)
	require.Equal(t, "in_txt_0", client.created[0].CustomID)
	require.Equal(t, "in_txt_1", client.created[1].CustomID)

	items, err := store.ListItems(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
}

func TestBatchPollDrivesToEnded(t *testing.T) {
	store := newMemBatchStore()
	client := &stubBatchClient{
		statuses: []*ai.BatchStatus{
			{ID: "msgbatch_1", ProcessingStatus: "in_progress"},
			{
				ID:               "msgbatch_1",
				ProcessingStatus: "ended",
				ResultsURL:       "https://example.com/results",
				RequestCounts:    model.RequestCounts{Succeeded: 2},
				EndedAt:          "2026-08-29T10:00:00Z",
			},
		},
		results: []ai.BatchItemResult{
			{CustomID: "in_txt_1", Type: "succeeded", Text: "second"},
			{CustomID: "in_txt_0", Type: "succeeded", Text: "first"},
		},
	}
	svc, hub := newTestBatchService(store, client)
	defer svc.Shutdown()

	batch, err := svc.Submit(context.Background(), &StartBatchRequest{
		UserID:    "user-1",
		Model:     "claude-3-5-haiku-latest",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "in.txt", Content: "a b c d"}},
	})
	require.NoError(t, err)

	hub.wait(t)

	final, err := store.Get(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusEnded, final.Status)
	// Results are joined in custom_id order, not arrival order.
	require.Equal(t, "first\nsecond", final.FinalResult)
	require.Equal(t, 2, final.RequestCounts.Succeeded)
	require.NotZero(t, final.EndedAt)

	items, err := store.ListItems(context.Background(), batch.ID)
	require.NoError(t, err)
	for _, item := range items {
		require.NotEmpty(t, item.Result)
	}
}

func TestBatchResultsFollowChunkOrder(t *testing.T) {
	// Twelve chunks force double-digit custom ids: lexicographically
	// "in_txt_10" < "in_txt_2", so ordering by custom id would scramble the
	// output. The final result must follow the submitted chunk sequence.
	words := make([]string, 12)
	results := make([]ai.BatchItemResult, 12)
	for i := range words {
		words[i] = fmt.Sprintf("w%d", i)
		// Arrival order is reversed on purpose.
		results[11-i] = ai.BatchItemResult{
			CustomID: fmt.Sprintf("in_txt_%d", i),
			Type:     "succeeded",
			Text:     fmt.Sprintf("c%d", i),
		}
	}
	store := newMemBatchStore()
	client := &stubBatchClient{
		statuses: []*ai.BatchStatus{
			{
				ID:               "msgbatch_1",
				ProcessingStatus: "ended",
				ResultsURL:       "https://example.com/results",
				EndedAt:          "2026-08-29T10:00:00Z",
			},
		},
		results: results,
	}
	svc, hub := newTestBatchService(store, client)
	defer svc.Shutdown()

	batch, err := svc.Submit(context.Background(), &StartBatchRequest{
		UserID:    "user-1",
		Model:     "claude-3-5-haiku-latest",
		Prompt:    "p",
		ChunkSize: 1,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "in.txt", Content: strings.Join(words, " ")}},
	})
	require.NoError(t, err)

	hub.wait(t)

	final, err := store.Get(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusEnded, final.Status)
	expected := make([]string, 12)
	for i := range expected {
		expected[i] = fmt.Sprintf("c%d", i)
	}
	require.Equal(t, strings.Join(expected, "\n"), final.FinalResult)
}

func TestBatchCallbackIsIdempotent(t *testing.T) {
	store := newMemBatchStore()
	client := &stubBatchClient{}
	svc, hub := newTestBatchService(store, client)
	defer svc.Shutdown()

	batch, err := svc.Submit(context.Background(), &StartBatchRequest{
		UserID:    "user-1",
		Model:     "claude-3-5-haiku-latest",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "in.txt", Content: "a b"}},
	})
	require.NoError(t, err)

	// Callbacks carry the id the external provider assigned, not the local
	// row id.
	require.Equal(t, "msgbatch_1", batch.ExternalBatchID)
	require.NoError(t, svc.HandleCallback(context.Background(), batch.ExternalBatchID, "pushed result"))
	hub.wait(t)

	final, err := store.Get(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, model.BatchStatusEnded, final.Status)
	require.Equal(t, "pushed result", final.FinalResult)

	// A duplicate callback is accepted and changes nothing.
	require.NoError(t, svc.HandleCallback(context.Background(), batch.ExternalBatchID, "other result"))
	final, err = store.Get(context.Background(), batch.ID)
	require.NoError(t, err)
	require.Equal(t, "pushed result", final.FinalResult)

	// The local row id is not a valid callback key.
	require.ErrorIs(t,
		svc.HandleCallback(context.Background(), batch.ID, "x"),
		appErr.ErrNotFound)

	require.ErrorIs(t,
		svc.HandleCallback(context.Background(), "missing", "x"),
		appErr.ErrNotFound)
}

func TestBatchCancel(t *testing.T) {
	store := newMemBatchStore()
	client := &stubBatchClient{}
	svc, _ := newTestBatchService(store, client)
	defer svc.Shutdown()

	batch, err := svc.Submit(context.Background(), &StartBatchRequest{
		UserID:    "user-1",
		Model:     "claude-3-5-haiku-latest",
		Prompt:    "p",
		ChunkSize: 2,
		ChunkBy:   "word",
		Files:     []JobFile{{Name: "in.txt", Content: "a b"}},
	})
	require.NoError(t, err)

	out, err := svc.Cancel(context.Background(), "user-1", batch.ID)
	require.NoError(t, err)
	require.True(t, client.canceled)
	require.Equal(t, model.BatchStatusCanceled, out.Status)

	// A terminal batch cannot be canceled again.
	_, err = svc.Cancel(context.Background(), "user-1", batch.ID)
	require.ErrorIs(t, err, appErr.ErrConflict)

	// Other users cannot see or cancel it.
	_, err = svc.Cancel(context.Background(), "user-2", batch.ID)
	require.ErrorIs(t, err, appErr.ErrNotFound)
}
