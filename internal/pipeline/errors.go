package pipeline

import (
	"context"
	"errors"
	"strings"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/services"
)

var (
	// ErrUnknownTemplate means no strategy is registered for a task's template id.
	ErrUnknownTemplate = errors.New("unknown template")
	// ErrDependencyMissing means an upstream artifact a stage needs does not exist.
	ErrDependencyMissing = errors.New("dependency missing")
	// ErrStorage wraps object store and artifact read failures.
	ErrStorage = errors.New("storage error")
	// ErrUnsupportedImage means the job image is not an image format the model reads.
	ErrUnsupportedImage = errors.New("unsupported image")
	// ErrServiceMissing means the task references a Service that does not exist.
	ErrServiceMissing = errors.New("service missing")
	ErrPanic          = errors.New("strategy panic")
	// ErrEnqueue means a successor task could not be pushed.
	ErrEnqueue = errors.New("enqueue failed")
	// ErrNotAllowed means the Service is not in a state the request can start from.
	ErrNotAllowed = errors.New("operation not allowed in current state")
)

// IsUnrecoverable reports whether redelivering the task can never help.
func IsUnrecoverable(err error) bool {
	return errors.Is(err, ErrUnknownTemplate) ||
		errors.Is(err, ErrDependencyMissing) ||
		errors.Is(err, ErrServiceMissing) ||
		errors.Is(err, llm.ErrSchemaValidation)
}

// isDuplicate reports whether a status write lost to another delivery.
func isDuplicate(err error) bool {
	return errors.Is(err, services.ErrIllegalTransition) || errors.Is(err, services.ErrStaleSession)
}

// classifyFailure maps a stage failure to the code shown to clients.
func classifyFailure(t Template, err error, raw string) string {
	switch {
	case err == nil:
		return services.FailureInternal
	case errors.Is(err, ErrEnqueue), errors.Is(err, ErrPanic):
		return services.FailureInternal
	case errors.Is(err, ErrDependencyMissing):
		return services.FailureDependencyMissing
	case errors.Is(err, ErrStorage):
		return services.FailureStorage
	case t == TemplateOCR:
		return services.FailureOCR
	case errors.Is(err, ErrUnsupportedImage):
		return services.FailureOCR
	case errors.Is(err, llm.ErrSchemaValidation), errors.Is(err, llm.ErrInvalidJSON):
		return services.FailureLLMSchemaMismatch
	case errors.Is(err, llm.ErrEmptyResponse):
		return services.FailureEmptyStream
	case t == TemplateMatch && strings.TrimSpace(raw) == "":
		return services.FailureEmptyStream
	case errors.Is(err, context.DeadlineExceeded), strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return services.FailureLLMTimeout
	default:
		return services.FailureLLM
	}
}
