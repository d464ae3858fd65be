package service

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/textmill/internal/ai"
	"github.com/xxxsen/textmill/internal/config"
	"github.com/xxxsen/textmill/internal/model"
	appErr "github.com/xxxsen/textmill/internal/pkg/errors"
)

type BatchStore interface {
	Create(ctx context.Context, batch *model.Batch, items []model.BatchRequestItem) error
	Get(ctx context.Context, batchID string) (*model.Batch, error)
	GetByExternalID(ctx context.Context, externalID string) (*model.Batch, error)
	ListByUser(ctx context.Context, userID string) ([]model.Batch, error)
	ListByStatus(ctx context.Context, statuses []string) ([]model.Batch, error)
	UpdateStatusIfNotTerminal(ctx context.Context, batchID string, update *model.Batch) (bool, error)
	ListItems(ctx context.Context, batchID string) ([]model.BatchRequestItem, error)
	SetItemResult(ctx context.Context, batchID, customID, result string) error
}

type StartBatchRequest struct {
	UserID    string
	Model     string
	Prompt    string
	ChunkSize int
	ChunkBy   string
	Email     string
	Files     []JobFile
}

type batchEvent struct {
	Type    string `json:"type"`
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// BatchService mirrors the external batch resource locally and drives it to
// a terminal state either by polling or by an incoming callback. Both paths
// share one conditional transition, so duplicate notifications are no-ops.
type BatchService struct {
	batches      BatchStore
	client       ai.IBatchClient
	hub          Broadcaster
	email        EmailSender
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
}

func NewBatchService(batches BatchStore, client ai.IBatchClient, hub Broadcaster,
	email EmailSender, cfg config.BatchConfig) *BatchService {
	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &BatchService{
		batches:      batches,
		client:       client,
		hub:          hub,
		email:        email,
		pollInterval: interval,
		sleep:        sleepContext,
		pollers:      make(map[string]context.CancelFunc),
	}
}

var customIDPattern = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// sanitizeCustomID derives a valid item identifier from a filename and a
// chunk index. Identifiers must match [a-zA-Z0-9_-]{1,64}.
func sanitizeCustomID(filename string, idx int) string {
	base := customIDPattern.ReplaceAllString(filename, "_")
	suffix := fmt.Sprintf("_%d", idx)
	if base == "" {
		base = "file"
	}
	if len(base)+len(suffix) > 64 {
		base = base[:64-len(suffix)]
	}
	return base + suffix
}

// Submit chunks the input, registers the batch locally and hands all items
// to the external batch API in one call.
func (s *BatchService) Submit(ctx context.Context, req *StartBatchRequest) (*model.Batch, error) {
	if s.client == nil {
		return nil, fmt.Errorf("%w: batch provider", ai.ErrUnavailable)
	}
	mode, err := ai.ParseChunkMode(req.ChunkBy)
	if err != nil {
		return nil, err
	}
	if len(req.Files) == 0 {
		return nil, fmt.Errorf("%w: at least one file is required", appErr.ErrInvalid)
	}
	now := time.Now().UnixMilli()
	batch := &model.Batch{
		ID:        newID(),
		UserID:    req.UserID,
		Prompt:    req.Prompt,
		ChunkSize: req.ChunkSize,
		ChunkBy:   string(mode),
		Model:     req.Model,
		Email:     req.Email,
		Status:    model.BatchStatusPending,
		Ctime:     now,
	}
	var items []model.BatchRequestItem
	var requests []ai.BatchRequest
	for _, f := range req.Files {
		chunks, err := ai.SplitText(f.Content, req.ChunkSize, mode)
		if err != nil {
			return nil, err
		}
		for idx, chunk := range chunks {
			customID := sanitizeCustomID(f.Name, idx)
			params, err := ai.BuildAnthropicMessageParams(req.Model, buildPrompt(req.Prompt, chunk))
			if err != nil {
				return nil, err
			}
			items = append(items, model.BatchRequestItem{
				ID:       newID(),
				BatchID:  batch.ID,
				Seq:      len(items),
				CustomID: customID,
				Params:   string(params),
			})
			requests = append(requests, ai.BatchRequest{CustomID: customID, Params: params})
		}
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: input produced no chunks", appErr.ErrInvalid)
	}
	if err := s.batches.Create(ctx, batch, items); err != nil {
		return nil, err
	}

	st, err := s.client.Create(ctx, requests)
	if err != nil {
		update := *batch
		update.Status = model.BatchStatusFailed
		update.EndedAt = time.Now().UnixMilli()
		_, _ = s.batches.UpdateStatusIfNotTerminal(ctx, batch.ID, &update)
		return nil, err
	}
	update := *batch
	update.ExternalBatchID = st.ID
	update.Status = batchStatusFromExternal(st.ProcessingStatus)
	update.RequestCounts = st.RequestCounts
	update.ExpiresAt = parseBatchTime(st.ExpiresAt)
	if _, err := s.batches.UpdateStatusIfNotTerminal(ctx, batch.ID, &update); err != nil {
		return nil, err
	}
	s.startPoller(batch.ID, st.ID)
	out, err := s.batches.Get(ctx, batch.ID)
	if err != nil {
		return &update, nil
	}
	return out, nil
}

func (s *BatchService) startPoller(batchID, externalID string) {
	s.mu.Lock()
	if _, ok := s.pollers[batchID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollers[batchID] = cancel
	s.mu.Unlock()
	go s.poll(ctx, batchID, externalID)
}

func (s *BatchService) stopPoller(batchID string) {
	s.mu.Lock()
	cancel, ok := s.pollers[batchID]
	if ok {
		delete(s.pollers, batchID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

func (s *BatchService) poll(ctx context.Context, batchID, externalID string) {
	defer s.stopPoller(batchID)
	logger := logutil.GetLogger(ctx).With(zap.String("batch_id", batchID), zap.String("external_id", externalID))
	for {
		if err := s.sleep(ctx, s.pollInterval); err != nil {
			return
		}
		st, err := s.client.Status(ctx, externalID)
		if err != nil {
			logger.Warn("batch status poll failed", zap.Error(err))
			continue
		}
		terminal, err := s.applyStatus(ctx, batchID, st)
		if err != nil {
			logger.Error("failed to apply batch status", zap.Error(err))
			continue
		}
		if terminal {
			return
		}
	}
}

// applyStatus folds one external status snapshot into the local row. It
// reports whether the batch reached a terminal state.
func (s *BatchService) applyStatus(ctx context.Context, batchID string, st *ai.BatchStatus) (bool, error) {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return false, err
	}
	status := batchStatusFromExternal(st.ProcessingStatus)
	update := *batch
	update.Status = status
	update.RequestCounts = st.RequestCounts
	update.ResultsURL = st.ResultsURL
	update.EndedAt = parseBatchTime(st.EndedAt)
	update.ExpiresAt = parseBatchTime(st.ExpiresAt)

	if status == model.BatchStatusEnded && st.ResultsURL != "" {
		final, err := s.collectResults(ctx, batchID, st.ResultsURL)
		if err != nil {
			return false, err
		}
		update.FinalResult = final
	}

	applied, err := s.batches.UpdateStatusIfNotTerminal(ctx, batchID, &update)
	if err != nil {
		return false, err
	}
	terminal := model.IsTerminalBatchStatus(status)
	if applied && terminal {
		s.announce(ctx, &update)
	}
	if !applied {
		// Row already terminal, someone else finished it first.
		return true, nil
	}
	return terminal, nil
}

// collectResults downloads the item results, stores each one on its request
// row and joins the successful texts into the final output. Results arrive
// in no particular order, so they are reassembled by submitted chunk
// position rather than by custom id (lexicographic order breaks past index
// 9: "f_10" sorts before "f_2").
func (s *BatchService) collectResults(ctx context.Context, batchID, resultsURL string) (string, error) {
	results, err := s.client.Results(ctx, resultsURL)
	if err != nil {
		return "", err
	}
	byCustomID := make(map[string]ai.BatchItemResult, len(results))
	for _, item := range results {
		byCustomID[item.CustomID] = item
	}
	items, err := s.batches.ListItems(ctx, batchID)
	if err != nil {
		return "", err
	}
	parts := make([]string, 0, len(items))
	for _, req := range items {
		item, ok := byCustomID[req.CustomID]
		if !ok {
			continue
		}
		stored := item.Text
		if item.Type == "errored" {
			stored = fmt.Sprintf("[error: %s]", item.ErrorMsg)
		} else {
			parts = append(parts, item.Text)
		}
		if err := s.batches.SetItemResult(ctx, batchID, item.CustomID, stored); err != nil {
			logutil.GetLogger(ctx).Warn("failed to store item result",
				zap.String("batch_id", batchID),
				zap.String("custom_id", item.CustomID),
				zap.Error(err),
			)
		}
	}
	return strings.Join(parts, "\n"), nil
}

func (s *BatchService) announce(ctx context.Context, batch *model.Batch) {
	if s.hub != nil {
		s.hub.Broadcast(ctx, batchEvent{Type: "batch_completed", BatchID: batch.ID, Status: batch.Status})
	}
	if s.email != nil && strings.TrimSpace(batch.Email) != "" {
		subject := fmt.Sprintf("Batch %s %s", batch.ID, batch.Status)
		body := fmt.Sprintf("Your batch %s finished with status %q.", batch.ID, batch.Status)
		if err := s.email.Send(batch.Email, subject, body); err != nil {
			logutil.GetLogger(ctx).Warn("failed to send batch email",
				zap.String("batch_id", batch.ID), zap.Error(err))
		}
	}
}

// HandleCallback applies an externally pushed final result. The caller only
// ever knows the id the provider assigned at submission, so the batch is
// located by its external id. Unknown ids surface as not found; repeated
// callbacks for a finished batch are accepted and ignored.
func (s *BatchService) HandleCallback(ctx context.Context, externalID, finalResult string) error {
	batch, err := s.batches.GetByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	update := *batch
	update.Status = model.BatchStatusEnded
	update.FinalResult = finalResult
	update.EndedAt = time.Now().UnixMilli()
	applied, err := s.batches.UpdateStatusIfNotTerminal(ctx, batch.ID, &update)
	if err != nil {
		return err
	}
	if applied {
		s.announce(ctx, &update)
		s.stopPoller(batch.ID)
	}
	return nil
}

// Cancel asks the external API to cancel and folds the answer back in.
// Cancellation is one way: a terminal batch stays terminal.
func (s *BatchService) Cancel(ctx context.Context, userID, batchID string) (*model.Batch, error) {
	batch, err := s.getOwned(ctx, userID, batchID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalBatchStatus(batch.Status) {
		return nil, appErr.ErrConflict
	}
	if batch.ExternalBatchID != "" && s.client != nil {
		st, err := s.client.Cancel(ctx, batch.ExternalBatchID)
		if err != nil {
			return nil, err
		}
		if _, err := s.applyStatus(ctx, batchID, st); err != nil {
			return nil, err
		}
	} else {
		update := *batch
		update.Status = model.BatchStatusCanceled
		update.EndedAt = time.Now().UnixMilli()
		if _, err := s.batches.UpdateStatusIfNotTerminal(ctx, batchID, &update); err != nil {
			return nil, err
		}
		s.stopPoller(batchID)
	}
	return s.batches.Get(ctx, batchID)
}

func (s *BatchService) Status(ctx context.Context, userID, batchID string) (*model.Batch, []model.BatchRequestItem, error) {
	batch, err := s.getOwned(ctx, userID, batchID)
	if err != nil {
		return nil, nil, err
	}
	items, err := s.batches.ListItems(ctx, batchID)
	if err != nil {
		return nil, nil, err
	}
	return batch, items, nil
}

func (s *BatchService) List(ctx context.Context, userID string) ([]model.Batch, error) {
	return s.batches.ListByUser(ctx, userID)
}

func (s *BatchService) getOwned(ctx context.Context, userID, batchID string) (*model.Batch, error) {
	batch, err := s.batches.Get(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.UserID != userID {
		return nil, appErr.ErrNotFound
	}
	return batch, nil
}

// ResumePollers re-attaches a poller to every non-terminal batch. Called on
// startup and periodically, so a restart never strands an in-flight batch.
func (s *BatchService) ResumePollers(ctx context.Context) error {
	batches, err := s.batches.ListByStatus(ctx, []string{model.BatchStatusPending, model.BatchStatusInProgress})
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if batch.ExternalBatchID == "" {
			continue
		}
		s.startPoller(batch.ID, batch.ExternalBatchID)
	}
	return nil
}

// Shutdown stops every active poller.
func (s *BatchService) Shutdown() {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.pollers))
	for id, cancel := range s.pollers {
		cancels = append(cancels, cancel)
		delete(s.pollers, id)
	}
	s.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func batchStatusFromExternal(processingStatus string) string {
	switch strings.ToLower(strings.TrimSpace(processingStatus)) {
	case "in_progress", "canceling":
		return model.BatchStatusInProgress
	case "ended":
		return model.BatchStatusEnded
	case "canceled":
		return model.BatchStatusCanceled
	case "expired":
		return model.BatchStatusExpired
	case "failed", "errored":
		return model.BatchStatusFailed
	default:
		return model.BatchStatusPending
	}
}

func parseBatchTime(raw string) int64 {
	if strings.TrimSpace(raw) == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}
