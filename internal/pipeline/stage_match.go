package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/retrieval"
	"jobmatch-backend/internal/services"
	"jobmatch-backend/internal/shared/telemetry"
)

// matchStrategy scores the resume against the job summary, whichever path
// produced it.
type matchStrategy struct{ base }

func newMatch(d *Deps) *matchStrategy {
	return &matchStrategy{base{deps: d, spec: stageSpec{
		template: TemplateMatch,
		artifact: services.ArtifactMatch,
		json:     true,
		validate: validateMatch,
	}}}
}

func (s *matchStrategy) PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error) {
	if err := s.requireArtifact(ctx, tc, vars, VarJobSummary, services.ArtifactJobSummary); err != nil {
		return vars, err
	}
	if err := s.loadResumeSummary(ctx, tc, vars); err != nil {
		return vars, err
	}
	if err := s.optionalArtifact(ctx, tc, vars, VarDetailedResumeSummary, services.ArtifactDetailedResumeSummary); err != nil {
		return vars, err
	}
	if err := s.optionalArtifact(ctx, tc, vars, VarPreMatchFindings, services.ArtifactPreMatchAudit); err != nil {
		return vars, err
	}
	if _, ok := vars[VarRetrievedContext]; !ok {
		vars[VarRetrievedContext] = retrieval.MatchContext(ctx, s.deps.Retriever, matchSignals(vars, tc.Service.Locale))
	}
	return vars, nil
}

func (s *matchStrategy) OnStart(ctx context.Context, vars map[string]any, tc *TaskContext) {
	s.begin(ctx, tc)
}

func (s *matchStrategy) WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error) {
	data := res.Data
	if !res.OK {
		salvaged, ok := s.salvage(res)
		if !ok {
			return nil, s.fail(ctx, tc, res.Error, res.Raw)
		}
		telemetry.Warn("pipeline.match.salvaged", map[string]any{
			"service_id": tc.Service.ID,
			"task_id":    tc.Task.TaskID,
			"error":      res.Error,
		})
		data = salvaged
	}
	return s.finish(ctx, tc, data)
}

// salvage accepts a failed stream whose partial text still holds a valid
// JSON object.
func (s *matchStrategy) salvage(res llm.Result) (json.RawMessage, bool) {
	if res.Raw == "" || errors.Is(res.Error, llm.ErrSchemaValidation) || errors.Is(res.Error, ErrDependencyMissing) {
		return nil, false
	}
	data, ok := llm.ExtractJSONObject(res.Raw)
	if !ok {
		return nil, false
	}
	if err := validateMatch(data); err != nil {
		return nil, false
	}
	return data, true
}

func matchSignals(vars map[string]any, locale string) retrieval.Signals {
	signals := retrieval.Signals{Locale: locale}
	if raw, ok := vars[VarJobSummary].(json.RawMessage); ok {
		var js JobSummary
		if err := json.Unmarshal(raw, &js); err == nil {
			signals.JobTitle = js.Title
			signals.Keywords = js.Keywords
		}
	}
	if raw, ok := vars[VarResumeSummary].(json.RawMessage); ok {
		var rs struct {
			Skills []string `json:"skills"`
		}
		if err := json.Unmarshal(raw, &rs); err == nil {
			signals.Skills = rs.Skills
		}
	}
	return signals
}
