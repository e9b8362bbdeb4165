package pipeline

import (
	"context"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/services"
)

// summaryStrategy covers the job, resume and detailed resume summaries.
// Only the job variant moves status and has a successor.
type summaryStrategy struct {
	base
	job bool
}

func newJobSummary(d *Deps) *summaryStrategy {
	return &summaryStrategy{job: true, base: base{deps: d, spec: stageSpec{
		template: TemplateJobSummary,
		artifact: services.ArtifactJobSummary,
		json:     true,
		validate: ValidateJobSummary,
	}}}
}

func newResumeSummary(d *Deps) *summaryStrategy {
	return &summaryStrategy{base: base{deps: d, spec: stageSpec{
		template: TemplateResumeSummary,
		artifact: services.ArtifactResumeSummary,
		json:     true,
		validate: validateResumeSummary,
	}}}
}

func newDetailedResumeSummary(d *Deps) *summaryStrategy {
	return &summaryStrategy{base: base{deps: d, spec: stageSpec{
		template: TemplateDetailedResumeSummary,
		artifact: services.ArtifactDetailedResumeSummary,
		json:     true,
		validate: validateResumeSummary,
	}}}
}

func (s *summaryStrategy) PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error) {
	if s.job {
		return vars, s.loadJobText(ctx, tc, vars, true)
	}
	return vars, s.loadResumeText(ctx, tc, vars)
}

func (s *summaryStrategy) WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error) {
	if !res.OK {
		return nil, s.fail(ctx, tc, res.Error, res.Raw)
	}
	return s.finish(ctx, tc, res.Data)
}
