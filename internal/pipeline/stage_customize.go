package pipeline

import (
	"context"
	"encoding/json"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/retrieval"
	"jobmatch-backend/internal/services"
)

// customizeStrategy rewrites the resume for the job. It needs a completed
// match and validates output strictly.
type customizeStrategy struct{ base }

func newCustomize(d *Deps) *customizeStrategy {
	return &customizeStrategy{base{deps: d, spec: stageSpec{
		template: TemplateCustomize,
		artifact: services.ArtifactCustomize,
		json:     true,
		validate: validateCustomize,
	}}}
}

func (s *customizeStrategy) PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error) {
	if err := s.requireArtifact(ctx, tc, vars, VarMatchSummary, services.ArtifactMatch); err != nil {
		return vars, err
	}
	if err := s.optionalArtifact(ctx, tc, vars, VarJobSummary, services.ArtifactJobSummary); err != nil {
		return vars, err
	}
	if err := s.loadResumeText(ctx, tc, vars); err != nil {
		return vars, err
	}
	if _, ok := vars[VarRetrievedContext]; !ok {
		vars[VarRetrievedContext] = retrieval.CustomizeContext(ctx, s.deps.Retriever, jobTitle(vars), tc.Service.Locale)
	}
	return vars, nil
}

func (s *customizeStrategy) OnStart(ctx context.Context, vars map[string]any, tc *TaskContext) {
	s.begin(ctx, tc)
}

func (s *customizeStrategy) WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error) {
	if !res.OK {
		return nil, s.fail(ctx, tc, res.Error, res.Raw)
	}
	return s.finish(ctx, tc, res.Data)
}

func jobTitle(vars map[string]any) string {
	raw, ok := vars[VarJobSummary].(json.RawMessage)
	if !ok {
		return ""
	}
	var js JobSummary
	if err := json.Unmarshal(raw, &js); err != nil {
		return ""
	}
	return js.Title
}
