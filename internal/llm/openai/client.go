package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/shared/telemetry"
)

var apiURL = "https://api.openai.com/v1/chat/completions"

// Client implements llm.Executor using OpenAI Chat Completions.
type Client struct {
	apiKey      string
	model       string
	visionModel string
	httpClient  *http.Client
}

// NewClient constructs a new OpenAI client. visionModel is used for calls
// carrying images and defaults to model.
func NewClient(apiKey, model, visionModel string) (*Client, error) {
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	if strings.TrimSpace(visionModel) == "" {
		visionModel = model
	}
	timeout := 120 * time.Second
	if raw := strings.TrimSpace(os.Getenv("OPENAI_TIMEOUT_SECONDS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Second
		}
	}
	return &Client{
		apiKey:      apiKey,
		model:       model,
		visionModel: visionModel,
		httpClient:  &http.Client{Timeout: timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    *float32        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
	Stream         bool            `json:"stream,omitempty"`
	StreamOptions  *streamOptions  `json:"stream_options,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type apiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *apiUsage `json:"usage,omitempty"`
	Error *apiError `json:"error,omitempty"`
}

// RunStructured performs a single non-streaming completion.
func (c *Client) RunStructured(ctx context.Context, req llm.Request) llm.Result {
	body, model, err := c.buildRequest(req, false)
	if err != nil {
		return llm.Failed(err, "")
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return llm.Failed(err, "")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Failed(err, "")
	}
	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return llm.Failed(fmt.Errorf("openai response parse: %w", err), "")
	}
	if parsed.Error != nil {
		return llm.Failed(fmt.Errorf("openai error: %s (%s)", parsed.Error.Message, parsed.Error.Type), "")
	}
	if len(parsed.Choices) == 0 {
		return llm.Failed(fmt.Errorf("openai response missing choices"), "")
	}
	if parsed.Model != "" {
		model = parsed.Model
	}
	usage := toUsage(parsed.Usage)
	logUsage(model, req.TemplateID, usage)
	return llm.Finish(req, strings.TrimSpace(parsed.Choices[0].Message.Content), usage, model)
}

// RunStreaming performs a streaming completion, calling onDelta for every
// content fragment in arrival order.
func (c *Client) RunStreaming(ctx context.Context, req llm.Request, onDelta func(delta string)) llm.Result {
	body, model, err := c.buildRequest(req, true)
	if err != nil {
		return llm.Failed(err, "")
	}
	resp, err := c.post(ctx, body)
	if err != nil {
		return llm.Failed(err, "")
	}
	defer resp.Body.Close()

	var (
		out   strings.Builder
		usage *llm.Usage
	)
	err = streamSSE(resp.Body, func(_ string, data string) error {
		if data == "[DONE]" {
			return errStreamDone
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("openai stream parse: %w", err)
		}
		if chunk.Error != nil {
			return fmt.Errorf("openai error: %s (%s)", chunk.Error.Message, chunk.Error.Type)
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = toUsage(chunk.Usage)
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			out.WriteString(choice.Delta.Content)
			if onDelta != nil {
				onDelta(choice.Delta.Content)
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStreamDone) {
		return llm.Failed(err, out.String())
	}
	logUsage(model, req.TemplateID, usage)
	return llm.Finish(req, strings.TrimSpace(out.String()), usage, model)
}

func (c *Client) buildRequest(req llm.Request, stream bool) ([]byte, string, error) {
	prompt, err := llm.RenderPrompt(req)
	if err != nil {
		return nil, "", err
	}
	model := c.model
	if len(req.Images) > 0 {
		model = c.visionModel
	}
	if strings.TrimSpace(req.Model) != "" {
		model = req.Model
	}

	var userContent any = prompt.User
	if len(req.Images) > 0 {
		parts := []contentPart{{Type: "text", Text: prompt.User}}
		for _, img := range req.Images {
			parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img}})
		}
		userContent = parts
	}
	body := chatRequest{
		Model: model,
		Messages: []chatMessage{
			{Role: "system", Content: prompt.System},
			{Role: "user", Content: userContent},
		},
	}
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	if !isGPT5(model) {
		temp := float32(0)
		body.Temperature = &temp
	}
	if stream {
		body.Stream = true
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, "", err
	}
	return payload, model, nil
}

func (c *Client) post(ctx context.Context, payload []byte) (*http.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || strings.Contains(err.Error(), "Client.Timeout") {
			return nil, fmt.Errorf("openai request timeout: %w", err)
		}
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("openai http status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func toUsage(raw *apiUsage) *llm.Usage {
	if raw == nil {
		return nil
	}
	return &llm.Usage{
		PromptTokens:     raw.PromptTokens,
		CompletionTokens: raw.CompletionTokens,
		TotalTokens:      raw.TotalTokens,
	}
}

func logUsage(model, templateID string, usage *llm.Usage) {
	fields := map[string]any{
		"model":       model,
		"template_id": templateID,
	}
	if usage != nil {
		fields["prompt_tokens"] = usage.PromptTokens
		fields["completion_tokens"] = usage.CompletionTokens
		fields["total_tokens"] = usage.TotalTokens
	}
	telemetry.Info("llm.response", fields)
}

func isGPT5(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "gpt-5")
}

var _ llm.Executor = (*Client)(nil)
