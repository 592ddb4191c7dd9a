package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/quietloudlab/designmewithme/pkg/llm"
)

// OllamaGenerator calls an Ollama-compatible /api/chat endpoint.
type OllamaGenerator struct {
	baseURL    string
	model      string
	options    *llm.Options
	httpClient *http.Client
	logger     *zap.Logger
}

// NewOllamaGenerator creates a generator for the upstream at baseURL.
func NewOllamaGenerator(baseURL, model string, options *llm.Options, logger *zap.Logger) *OllamaGenerator {
	return &OllamaGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		options: options,
		httpClient: &http.Client{
			// LLM requests can be slow; runs carry their own deadline too
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

func (g *OllamaGenerator) Generate(ctx context.Context, messages []llm.Message) (string, error) {
	streaming := false
	req := llm.ChatRequest{
		Model:    g.model,
		Messages: messages,
		Stream:   &streaming,
		Options:  g.options,
	}

	reqBody, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	upstreamURL := g.baseURL + "/api/chat"
	g.logger.Debug("sending chat request upstream",
		zap.String("url", upstreamURL),
		zap.String("model", g.model),
		zap.Int("message_count", len(messages)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(reqBody))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		var upstreamErr llm.ErrorResponse
		if json.Unmarshal(body, &upstreamErr) == nil && upstreamErr.Error != "" {
			return "", fmt.Errorf("upstream returned %d: %s", httpResp.StatusCode, upstreamErr.Error)
		}
		return "", fmt.Errorf("upstream returned %d: %s", httpResp.StatusCode, string(body))
	}

	var resp llm.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}

	g.logger.Debug("received response from upstream",
		zap.String("model", resp.Model),
		zap.Int("eval_count", resp.EvalCount),
		zap.Duration("total_duration", time.Duration(resp.TotalDuration)),
	)

	return resp.Message.Content, nil
}
