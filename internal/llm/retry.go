package llm

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"jobmatch-backend/internal/shared/telemetry"
)

const retryBaseDelay = 300 * time.Millisecond

// RetryingExecutor retries a failed call once after a short delay when the
// failure looks transient. Streams that already emitted deltas are not retried.
type RetryingExecutor struct {
	Base  Executor
	Delay time.Duration
}

func NewRetryingExecutor(base Executor) *RetryingExecutor {
	return &RetryingExecutor{Base: base, Delay: retryBaseDelay}
}

func (r *RetryingExecutor) RunStructured(ctx context.Context, req Request) Result {
	res := r.Base.RunStructured(ctx, req)
	if res.OK || !ShouldRetry(res.Error) {
		return res
	}
	if !r.wait(ctx, req, res.Error) {
		return Failed(ctx.Err(), res.Raw)
	}
	return r.Base.RunStructured(ctx, req)
}

func (r *RetryingExecutor) RunStreaming(ctx context.Context, req Request, onDelta func(string)) Result {
	emitted := false
	wrapped := func(delta string) {
		emitted = true
		if onDelta != nil {
			onDelta(delta)
		}
	}
	res := r.Base.RunStreaming(ctx, req, wrapped)
	if res.OK || emitted || !ShouldRetry(res.Error) {
		return res
	}
	if !r.wait(ctx, req, res.Error) {
		return Failed(ctx.Err(), res.Raw)
	}
	return r.Base.RunStreaming(ctx, req, onDelta)
}

func (r *RetryingExecutor) wait(ctx context.Context, req Request, cause error) bool {
	telemetry.Warn("llm.retry", map[string]any{
		"attempt":     1,
		"template_id": req.TemplateID,
		"error":       cause.Error(),
	})
	select {
	case <-time.After(r.Delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// ShouldRetry reports whether err looks like a transient transport failure.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSchemaValidation) || errors.Is(err, ErrInvalidJSON) || errors.Is(err, ErrNotImplemented) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "http status 5") || strings.Contains(msg, "server_error") || strings.Contains(msg, "http status 429") {
		return true
	}
	if strings.Contains(msg, "timeout") && (strings.Contains(msg, "openai") || strings.Contains(msg, "llm") || strings.Contains(msg, "client.timeout")) {
		return true
	}
	if strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection closed") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "tls handshake timeout") ||
		strings.Contains(msg, "eof") {
		return true
	}
	return false
}

var _ Executor = (*RetryingExecutor)(nil)
