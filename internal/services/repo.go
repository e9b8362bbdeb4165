package services

import "context"

// SessionStart opens a new execution session on a Service.
type SessionStart struct {
	Stage       Stage
	SessionID   string
	DebitID     string
	DebitAmount int
	// Plan replaces the optional stages the session will chain into.
	Plan Plan
}

// Repo defines persistence operations for services. Status writes are
// single-row transactions guarded by the transition table and the current
// session id.
type Repo interface {
	Create(ctx context.Context, svc Service) error
	GetByID(ctx context.Context, serviceID string) (Service, error)
	// StartSession applies EventStart for the given stage and replaces the session and debit.
	StartSession(ctx context.Context, serviceID string, start SessionStart) (Service, error)
	// UpdateExecutionStatus applies ev if sessionID is current. Returns ErrStaleSession
	// or ErrIllegalTransition otherwise.
	UpdateExecutionStatus(ctx context.Context, serviceID, sessionID string, ev Event) (Service, error)
	GetArtifact(ctx context.Context, serviceID string, kind ArtifactKind) ([]byte, error)
	SetArtifact(ctx context.Context, serviceID string, kind ArtifactKind, body []byte) error
	// MarkStageCompleted stores the artifact and applies EventComplete in one transaction.
	MarkStageCompleted(ctx context.Context, serviceID, sessionID string, stage Stage, kind ArtifactKind, body []byte) (Service, error)
	// MarkStageFailed applies EventFail and records the failure code.
	MarkStageFailed(ctx context.Context, serviceID, sessionID string, stage Stage, failureCode string) (Service, error)
}
