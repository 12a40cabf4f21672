package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// streamDone terminates a completions stream.
const streamDone = "[DONE]"

// ClientConfig configures the completions client.
type ClientConfig struct {
	Endpoint       string // e.g. "https://myresource.openai.azure.com"
	APIKey         string
	DeploymentName string
	APIVersion     string
}

// Client streams chat completions from an Azure OpenAI deployment.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new completions client.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	return &Client{
		config: cfg,
		// No timeout: streaming responses stay open for the duration
		// of the generation.
		httpClient: &http.Client{},
		logger:     logger.With().Str("component", "openai-client").Logger(),
	}
}

// StreamCompletion issues a streaming chat completion request and invokes
// handler once per incremental content delta, in arrival order. It returns
// after the stream is exhausted; a mid-stream error is returned after the
// deltas already delivered.
func (c *Client) StreamCompletion(ctx context.Context, messages []ChatMessage, dataSources []DataSource, handler func(token string)) error {
	reqBody := completionRequest{
		Messages: messages,
		Stream:   true,
	}
	if len(dataSources) > 0 {
		reqBody.DataSources = dataSources
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimSuffix(c.config.Endpoint, "/"),
		c.config.DeploymentName,
		c.config.APIVersion,
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("api-key", c.config.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("completion request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("completion request failed: %d - %s", resp.StatusCode, string(detail))
	}

	return c.handleStream(ctx, resp.Body, handler)
}

// handleStream consumes SSE events until the [DONE] terminator.
func (c *Client) handleStream(ctx context.Context, reader io.Reader, handler func(token string)) error {
	sse := newSSEReader(reader)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := sse.readData()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("stream read error: %w", err)
		}

		if strings.TrimSpace(data) == streamDone {
			return nil
		}

		var chunk completionChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Warn().Err(err).Str("data", data).Msg("Failed to parse stream chunk")
			continue
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != nil {
			handler(*content)
		}
	}
}
