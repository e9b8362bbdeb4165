package pipeline

import (
	"context"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/services"
)

// ocrStrategy transcribes the uploaded job posting image.
type ocrStrategy struct{ base }

func newOCR(d *Deps) *ocrStrategy {
	return &ocrStrategy{base{deps: d, spec: stageSpec{
		template: TemplateOCR,
		artifact: services.ArtifactOCRText,
		json:     true,
		validate: validateOCR,
	}}}
}

func (s *ocrStrategy) PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error) {
	if err := s.loadImage(ctx, tc, vars); err != nil {
		return vars, err
	}
	return vars, nil
}

func (s *ocrStrategy) WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error) {
	if !res.OK {
		return nil, s.fail(ctx, tc, res.Error, res.Raw)
	}
	return s.finish(ctx, tc, res.Data)
}
