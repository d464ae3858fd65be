package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xxxsen/textmill/internal/model"
)

const anthropicBatchBeta = "message-batches-2024-09-24"

// BatchRequest is one submitted item. CustomID must match
// [a-zA-Z0-9_-]{1,64}; Params is the provider-specific message payload.
type BatchRequest struct {
	CustomID string          `json:"custom_id"`
	Params   json.RawMessage `json:"params"`
}

// BatchStatus mirrors the external batch resource.
type BatchStatus struct {
	ID               string              `json:"id"`
	ProcessingStatus string              `json:"processing_status"`
	RequestCounts    model.RequestCounts `json:"request_counts"`
	CreatedAt        string              `json:"created_at"`
	EndedAt          string              `json:"ended_at"`
	ExpiresAt        string              `json:"expires_at"`
	ResultsURL       string              `json:"results_url"`
}

// BatchItemResult is one parsed line of the newline-delimited results
// resource.
type BatchItemResult struct {
	CustomID string
	Type     string
	Text     string
	ErrorMsg string
}

// BuildAnthropicMessageParams encodes one single-turn message payload the
// batch API accepts per item.
func BuildAnthropicMessageParams(model, prompt string) (json.RawMessage, error) {
	params := anthropicMessageRequest{
		Model:     model,
		MaxTokens: DefaultMaxTokens,
		Messages:  []anthropicMsg{{Role: "user", Content: prompt}},
	}
	return json.Marshal(params)
}

type IBatchClient interface {
	Create(ctx context.Context, requests []BatchRequest) (*BatchStatus, error)
	Status(ctx context.Context, externalID string) (*BatchStatus, error)
	Results(ctx context.Context, resultsURL string) ([]BatchItemResult, error)
	Cancel(ctx context.Context, externalID string) (*BatchStatus, error)
}

type anthropicBatchClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewAnthropicBatchClient(args interface{}) (IBatchClient, error) {
	cfg := &anthropicConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrUnavailable
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &anthropicBatchClient{
		apiKey:  strings.TrimSpace(cfg.APIKey),
		baseURL: baseURL,
		client:  http.DefaultClient,
	}, nil
}

func (c *anthropicBatchClient) Create(ctx context.Context, requests []BatchRequest) (*BatchStatus, error) {
	payload := struct {
		Requests []BatchRequest `json:"requests"`
	}{Requests: requests}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	endpoint := strings.TrimRight(c.baseURL, "/") + "/messages/batches"
	return c.doBatchRequest(ctx, http.MethodPost, endpoint, data)
}

func (c *anthropicBatchClient) Status(ctx context.Context, externalID string) (*BatchStatus, error) {
	endpoint := strings.TrimRight(c.baseURL, "/") + "/messages/batches/" + externalID
	return c.doBatchRequest(ctx, http.MethodGet, endpoint, nil)
}

func (c *anthropicBatchClient) Cancel(ctx context.Context, externalID string) (*BatchStatus, error) {
	endpoint := strings.TrimRight(c.baseURL, "/") + "/messages/batches/" + externalID + "/cancel"
	return c.doBatchRequest(ctx, http.MethodPost, endpoint, nil)
}

func (c *anthropicBatchClient) Results(ctx context.Context, resultsURL string) ([]BatchItemResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resultsURL, nil)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("fetch batch results failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return parseBatchResults(resp.Body)
}

func (c *anthropicBatchClient) doBatchRequest(ctx context.Context, method, endpoint string, body []byte) (*BatchStatus, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	c.setHeaders(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransientError{Message: err.Error()}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		res := &Result{Text: string(data), Headers: resp.Header, StatusCode: resp.StatusCode}
		return nil, Classify(res)
	}
	var out BatchStatus
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	if out.ID == "" {
		return nil, fmt.Errorf("batch response has no id")
	}
	return &out, nil
}

func (c *anthropicBatchClient) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("anthropic-beta", anthropicBatchBeta)
	req.Header.Set("Content-Type", "application/json")
}

// parseBatchResults decodes one result record per line: succeeded items
// carry message content parts, errored items an error message.
func parseBatchResults(r io.Reader) ([]BatchItemResult, error) {
	type resultLine struct {
		CustomID string `json:"custom_id"`
		Result   struct {
			Type    string `json:"type"`
			Message struct {
				Content []anthropicContentPart `json:"content"`
			} `json:"message"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"result"`
	}
	var items []BatchItemResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec resultLine
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("parse batch result line: %w", err)
		}
		item := BatchItemResult{CustomID: rec.CustomID, Type: rec.Result.Type}
		switch rec.Result.Type {
		case "succeeded":
			var sb strings.Builder
			for _, part := range rec.Result.Message.Content {
				if part.Type == "text" {
					sb.WriteString(part.Text)
				}
			}
			item.Text = sb.String()
		case "errored":
			item.ErrorMsg = rec.Result.Error.Message
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}
