package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// JobSummary is the artifact both the two-stage and the vision path produce.
type JobSummary struct {
	Title            string   `json:"title"`
	Company          string   `json:"company"`
	Seniority        string   `json:"seniority"`
	Responsibilities []string `json:"responsibilities"`
	Requirements     []string `json:"requirements"`
	NiceToHave       []string `json:"niceToHave"`
	Keywords         []string `json:"keywords"`
}

// ValidateJobSummary checks the shape match expects from either summary path.
func ValidateJobSummary(raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	for _, key := range []string{"title", "responsibilities", "requirements", "keywords"} {
		if _, ok := fields[key]; !ok {
			return fmt.Errorf("missing %s", key)
		}
	}
	var s JobSummary
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if strings.TrimSpace(s.Title) == "" {
		return errors.New("title is empty")
	}
	return nil
}

func validateOCR(raw json.RawMessage) error {
	var out struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if strings.TrimSpace(out.Text) == "" {
		return errors.New("text is empty")
	}
	return nil
}

func validateResumeSummary(raw json.RawMessage) error {
	var out map[string]json.RawMessage
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if len(out) == 0 {
		return errors.New("empty summary")
	}
	return nil
}

func validatePreMatch(raw json.RawMessage) error {
	var out struct {
		Blockers []string `json:"blockers"`
		Gaps     []string `json:"gaps"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	return nil
}

// MatchResult is the match stage artifact.
type MatchResult struct {
	Score           float64  `json:"score"`
	Summary         string   `json:"summary"`
	Strengths       []string `json:"strengths"`
	Gaps            []string `json:"gaps"`
	Recommendations []string `json:"recommendations"`
}

func validateMatch(raw json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if _, ok := fields["score"]; !ok {
		return errors.New("missing score")
	}
	var m MatchResult
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Errorf("unmarshal: %w", err)
	}
	if m.Score < 0 || m.Score > 100 {
		return fmt.Errorf("score %v out of range", m.Score)
	}
	return nil
}

// CustomizedResume is the customize stage artifact.
type CustomizedResume struct {
	Headline string `json:"headline"`
	Summary  string `json:"summary"`
	Sections []struct {
		Title   string   `json:"title"`
		Bullets []string `json:"bullets"`
	} `json:"sections"`
	Changes []string `json:"changes"`
}

func validateCustomize(raw json.RawMessage) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	var c CustomizedResume
	if err := dec.Decode(&c); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if strings.TrimSpace(c.Headline) == "" {
		return errors.New("headline is empty")
	}
	if len(c.Sections) == 0 {
		return errors.New("sections are empty")
	}
	for i, sec := range c.Sections {
		if strings.TrimSpace(sec.Title) == "" {
			return fmt.Errorf("sections[%d].title is empty", i)
		}
		if len(sec.Bullets) == 0 {
			return fmt.Errorf("sections[%d].bullets are empty", i)
		}
	}
	return nil
}
