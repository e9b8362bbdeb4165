package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"jobmatch-backend/internal/llm"
	"jobmatch-backend/internal/services"
)

// interviewStrategy prepares interview questions. Output is stored as JSON
// when the model returns an object and as markdown otherwise.
type interviewStrategy struct{ base }

func newInterview(d *Deps) *interviewStrategy {
	return &interviewStrategy{base{deps: d, spec: stageSpec{
		template: TemplateInterview,
		artifact: services.ArtifactInterview,
	}}}
}

func (s *interviewStrategy) PrepareVars(ctx context.Context, vars map[string]any, tc *TaskContext) (map[string]any, error) {
	if err := s.requireArtifact(ctx, tc, vars, VarMatchSummary, services.ArtifactMatch); err != nil {
		return vars, err
	}
	return vars, s.optionalArtifact(ctx, tc, vars, VarJobSummary, services.ArtifactJobSummary)
}

func (s *interviewStrategy) WriteResults(ctx context.Context, res llm.Result, vars map[string]any, tc *TaskContext) ([]DeferredTask, error) {
	if !res.OK {
		return nil, s.fail(ctx, tc, res.Error, res.Raw)
	}
	body, err := interviewBody(res.Raw)
	if err != nil {
		return nil, s.fail(ctx, tc, err, res.Raw)
	}
	return s.finish(ctx, tc, body)
}

func interviewBody(raw string) ([]byte, error) {
	if data, ok := llm.ExtractJSONObject(raw); ok {
		var probe struct {
			Questions []json.RawMessage `json:"questions"`
		}
		if err := json.Unmarshal(data, &probe); err == nil && len(probe.Questions) > 0 {
			return data, nil
		}
	}
	return json.Marshal(map[string]string{"markdown": strings.TrimSpace(raw)})
}
