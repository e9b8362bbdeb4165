package health

import (
	"context"
	"time"
)

const defaultCheckTimeout = 2 * time.Second

// Check pings one backing dependency.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Service encapsulates health-related checks.
type Service struct {
	checks  []Check
	timeout time.Duration
}

// NewService constructs a health service over the given checks.
func NewService(checks ...Check) *Service {
	return &Service{checks: checks, timeout: defaultCheckTimeout}
}

// Status reports each dependency plus "ok", which is true only when every
// check passed.
func (s *Service) Status(ctx context.Context) map[string]bool {
	out := map[string]bool{"ok": true}
	for _, check := range s.checks {
		if check.Ping == nil {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := check.Ping(cctx)
		cancel()
		out[check.Name] = err == nil
		if err != nil {
			out["ok"] = false
		}
	}
	return out
}
