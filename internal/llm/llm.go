package llm

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotImplemented is returned by the placeholder executor.
	ErrNotImplemented = errors.New("LLM not implemented")
	// ErrInvalidJSON indicates the model output was not a JSON object.
	ErrInvalidJSON = errors.New("llm output is not valid JSON")
	// ErrSchemaValidation indicates the output failed the request's validator.
	ErrSchemaValidation = errors.New("llm output failed schema validation")
	// ErrEmptyResponse indicates the model returned no content.
	ErrEmptyResponse = errors.New("llm returned empty content")
	// ErrUnknownPrompt indicates no prompt template exists for the template id.
	ErrUnknownPrompt = errors.New("unknown prompt template")
)

// Usage reports token consumption of a call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// Request is one model call.
type Request struct {
	TemplateID string
	Locale     string
	Variables  map[string]any
	// Model overrides the executor's default model.
	Model string
	// Images are URLs or data URLs attached to the user message.
	Images []string
	// JSON requests a JSON object response.
	JSON bool
	// Validate, when set, checks the parsed JSON payload.
	Validate func(data json.RawMessage) error
}

// Result is the outcome of a model call. A failed call carries Error and may
// still carry Raw text.
type Result struct {
	OK    bool
	Data  json.RawMessage
	Raw   string
	Usage *Usage
	Model string
	Error error
}

// Failed builds a failed Result.
func Failed(err error, raw string) Result {
	return Result{OK: false, Error: err, Raw: raw}
}

// Executor runs prompts against a model.
type Executor interface {
	RunStructured(ctx context.Context, req Request) Result
	RunStreaming(ctx context.Context, req Request, onDelta func(delta string)) Result
}

// PlaceholderExecutor fails every call. Used when no provider is configured.
type PlaceholderExecutor struct{}

func (PlaceholderExecutor) RunStructured(ctx context.Context, req Request) Result {
	return Failed(ErrNotImplemented, "")
}

func (PlaceholderExecutor) RunStreaming(ctx context.Context, req Request, onDelta func(string)) Result {
	return Failed(ErrNotImplemented, "")
}

// Finish turns raw model text into a Result, extracting and validating JSON
// when the request asks for it. Partial text with a complete leading object
// still succeeds.
func Finish(req Request, raw string, usage *Usage, model string) Result {
	res := Result{Raw: raw, Usage: usage, Model: model}
	if !req.JSON && req.Validate == nil {
		if raw == "" {
			res.Error = ErrEmptyResponse
			return res
		}
		res.OK = true
		return res
	}
	if raw == "" {
		res.Error = ErrEmptyResponse
		return res
	}
	data, ok := ExtractJSONObject(raw)
	if !ok {
		res.Error = ErrInvalidJSON
		return res
	}
	if req.Validate != nil {
		if err := req.Validate(data); err != nil {
			res.Error = errors.Join(ErrSchemaValidation, err)
			return res
		}
	}
	res.OK = true
	res.Data = data
	return res
}
