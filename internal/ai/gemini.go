package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

type geminiConfig struct {
	APIKey string `json:"api_key"`
}

type geminiProvider struct {
	apiKey string
}

func (p *geminiProvider) Name() string {
	return "gemini"
}

func (p *geminiProvider) Generate(ctx context.Context, model string, prompt string) (*Result, error) {
	if p.apiKey == "" {
		return nil, ErrUnavailable
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, err
	}
	resp, err := client.Models.GenerateContent(
		ctx,
		model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		nil,
	)
	if err != nil {
		// The SDK hides the raw response, so surface the status code it
		// reports through the shared taxonomy.
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return &Result{
				Text:       apiErr.Message,
				Headers:    http.Header{},
				StatusCode: apiErr.Code,
			}, nil
		}
		return nil, &TransientError{Message: err.Error()}
	}
	result := &Result{Headers: http.Header{}, StatusCode: http.StatusOK}
	if len(resp.Candidates) > 0 && resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		result.Text = BlockedText
		return result, nil
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		result.Text = BlockedText
		return result, nil
	}
	result.Text = text
	return result, nil
}

func createGeminiFactory(args interface{}) (IProvider, error) {
	cfg := &geminiConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	return &geminiProvider{
		apiKey: strings.TrimSpace(cfg.APIKey),
	}, nil
}

func init() {
	Register("gemini", createGeminiFactory)
}
