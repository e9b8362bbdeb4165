package pipeline

import "fmt"

// Registry maps template ids to strategies.
type Registry struct {
	strategies map[Template]Strategy
}

// NewRegistry registers a strategy for every template.
func NewRegistry(d *Deps) *Registry {
	r := &Registry{strategies: make(map[Template]Strategy)}
	for _, s := range []Strategy{
		newOCR(d),
		newJobSummary(d),
		newResumeSummary(d),
		newDetailedResumeSummary(d),
		newVisionSummary(d),
		newPreMatch(d),
		newMatch(d),
		newCustomize(d),
		newInterview(d),
	} {
		r.strategies[s.Template()] = s
	}
	return r
}

// Lookup returns the strategy for templateID or ErrUnknownTemplate.
func (r *Registry) Lookup(templateID string) (Strategy, error) {
	s, ok := r.strategies[Template(templateID)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, templateID)
	}
	return s, nil
}
