package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExtractJSONObject(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", `{"a":1}`, `{"a":1}`, true},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`, true},
		{"prose", `Here you go: {"a":"}"} thanks`, `{"a":"}"}`, true},
		{"truncated", `{"a":1,"b":`, "", false},
		{"partial stream with leading object", `{"score":80} {"extra":`, `{"score":80}`, true},
		{"empty", ``, "", false},
	}
	for _, tc := range cases {
		got, ok := ExtractJSONObject(tc.in)
		if ok != tc.ok {
			t.Fatalf("%s: ok=%v want %v", tc.name, ok, tc.ok)
		}
		if ok && string(got) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestFinishValidates(t *testing.T) {
	req := Request{JSON: true, Validate: func(data json.RawMessage) error {
		if !strings.Contains(string(data), "score") {
			return errors.New("missing score")
		}
		return nil
	}}
	if res := Finish(req, `{"score":1}`, nil, "m"); !res.OK {
		t.Fatalf("expected OK, got %v", res.Error)
	}
	res := Finish(req, `{"other":1}`, nil, "m")
	if res.OK || !errors.Is(res.Error, ErrSchemaValidation) {
		t.Fatalf("expected schema error, got %+v", res)
	}
	if res := Finish(req, "", nil, "m"); !errors.Is(res.Error, ErrEmptyResponse) {
		t.Fatalf("expected empty response error, got %v", res.Error)
	}
	if res := Finish(Request{}, "# markdown", nil, "m"); !res.OK || res.Data != nil {
		t.Fatalf("free text should pass through raw: %+v", res)
	}
}

func TestRenderPromptEveryTemplate(t *testing.T) {
	ids := []string{
		"ocr", "job_summary", "vision_summary", "resume_summary", "detailed_resume_summary",
		"prematch_audit", "match", "customize", "interview",
	}
	for _, id := range ids {
		p, err := RenderPrompt(Request{TemplateID: id, Locale: "de", Variables: map[string]any{
			"jobText":      "Go engineer",
			"jobSummary":   map[string]any{"title": "Go engineer"},
			"matchSummary": json.RawMessage(`{"score":70}`),
		}})
		if err != nil {
			t.Fatalf("%s: %v", id, err)
		}
		if p.System == "" || p.User == "" {
			t.Fatalf("%s: empty prompt %+v", id, p)
		}
	}
	if _, err := RenderPrompt(Request{TemplateID: "nope"}); !errors.Is(err, ErrUnknownPrompt) {
		t.Fatalf("expected ErrUnknownPrompt, got %v", err)
	}
}

type scriptedExecutor struct {
	results []Result
	deltas  []string
	calls   int
}

func (s *scriptedExecutor) next() Result {
	res := s.results[s.calls]
	s.calls++
	return res
}

func (s *scriptedExecutor) RunStructured(ctx context.Context, req Request) Result { return s.next() }

func (s *scriptedExecutor) RunStreaming(ctx context.Context, req Request, onDelta func(string)) Result {
	for _, d := range s.deltas {
		onDelta(d)
	}
	return s.next()
}

func TestRetryingExecutorRetriesTransientOnce(t *testing.T) {
	base := &scriptedExecutor{results: []Result{
		Failed(errors.New("openai http status 503"), ""),
		{OK: true, Raw: "ok"},
	}}
	r := &RetryingExecutor{Base: base, Delay: time.Millisecond}
	if res := r.RunStructured(context.Background(), Request{}); !res.OK {
		t.Fatalf("expected retry to succeed, got %v", res.Error)
	}
	if base.calls != 2 {
		t.Fatalf("expected 2 calls, got %d", base.calls)
	}
}

func TestRetryingExecutorSkipsSchemaFailures(t *testing.T) {
	base := &scriptedExecutor{results: []Result{Failed(ErrSchemaValidation, "{}")}}
	r := &RetryingExecutor{Base: base, Delay: time.Millisecond}
	if res := r.RunStructured(context.Background(), Request{}); res.OK {
		t.Fatalf("expected failure")
	}
	if base.calls != 1 {
		t.Fatalf("schema failures must not be retried, calls=%d", base.calls)
	}
}

func TestRetryingExecutorDoesNotReplayEmittedStream(t *testing.T) {
	base := &scriptedExecutor{
		results: []Result{Failed(errors.New("unexpected EOF"), "par")},
		deltas:  []string{"par"},
	}
	r := &RetryingExecutor{Base: base, Delay: time.Millisecond}
	var got []string
	res := r.RunStreaming(context.Background(), Request{}, func(d string) { got = append(got, d) })
	if res.OK || base.calls != 1 || len(got) != 1 {
		t.Fatalf("stream with emitted deltas must not retry: calls=%d deltas=%v", base.calls, got)
	}
}
