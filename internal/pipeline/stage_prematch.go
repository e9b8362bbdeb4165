package pipeline

import (
	"context"
	"errors"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/metrics"
	"jobmatch-backend/internal/shared/telemetry"
)

// preMatchStrategy runs an advisory audit. Match is enqueued whatever the
// audit outcome; findings only add context.
type preMatchStrategy struct{ base }

func newPreMatch(d *Deps) *preMatchStrategy {
	return &preMatchStrategy{base{deps: d, spec: stageSpec{
		template: TemplatePreMatchAudit,
		artifact: services.ArtifactPreMatchAudit,
		json:     true,
		validate: validatePreMatch,
	}}}
}

func (s *preMatchStrategy) PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error) {
	if err := s.requireArtifact(ctx, tc, vars, VarJobSummary, services.ArtifactJobSummary); err != nil {
		return vars, err
	}
	return vars, s.loadResumeSummary(ctx, tc, vars)
}

func (s *preMatchStrategy) WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error) {
	if res.OK {
		return s.finish(ctx, tc, res.Data)
	}
	if errors.Is(res.Error, ErrDependencyMissing) || errors.Is(res.Error, ErrStorage) {
		return nil, s.fail(ctx, tc, res.Error, res.Raw)
	}
	metrics.IncStageOutcome(string(TemplatePreMatchAudit), "skipped")
	telemetry.Warn("pipeline.prematch.skipped", map[string]any{
		"service_id": tc.Service.ID,
		"task_id":    tc.Task.TaskID,
		"error":      res.Error,
	})
	return s.finish(ctx, tc, nil)
}
