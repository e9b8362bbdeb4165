package pipeline

import (
	"context"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/services"
)

// visionSummaryStrategy replaces OCR and job summary on the free tier and
// writes the same job summary artifact.
type visionSummaryStrategy struct{ base }

func newVisionSummary(d *Deps) *visionSummaryStrategy {
	return &visionSummaryStrategy{base{deps: d, spec: stageSpec{
		template: TemplateVisionSummary,
		artifact: services.ArtifactJobSummary,
		json:     true,
		validate: ValidateJobSummary,
	}}}
}

func (s *visionSummaryStrategy) PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error) {
	if err := s.loadJobText(ctx, tc, vars, false); err != nil {
		return vars, err
	}
	hasImage := tc.Service.JobImageKey != "" || hasVar(vars, VarJobImageKey) || hasVar(vars, VarImage)
	if hasImage || !hasVar(vars, VarJobText) {
		return vars, s.loadImage(ctx, tc, vars)
	}
	return vars, nil
}

func (s *visionSummaryStrategy) WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error) {
	if !res.OK {
		return nil, s.fail(ctx, tc, res.Error, res.Raw)
	}
	return s.finish(ctx, tc, res.Data)
}
