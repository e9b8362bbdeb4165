package services

import (
	"context"
	"sync"
	"time"
)

// MemoryRepo stores services in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu        sync.Mutex
	byID      map[string]Service
	artifacts map[string]map[ArtifactKind][]byte
	now       func() time.Time
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:      make(map[string]Service),
		artifacts: make(map[string]map[ArtifactKind][]byte),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Len returns the number of stored services.
func (r *MemoryRepo) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// Create stores the service.
func (r *MemoryRepo) Create(ctx context.Context, svc Service) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = r.now()
	}
	svc.UpdatedAt = svc.CreatedAt
	r.byID[svc.ID] = svc
	return nil
}

// GetByID returns a service by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, serviceID string) (Service, error) {
	if err := ctx.Err(); err != nil {
		return Service{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.byID[serviceID]
	if !ok {
		return Service{}, ErrNotFound
	}
	return svc, nil
}

func (r *MemoryRepo) StartSession(ctx context.Context, serviceID string, start SessionStart) (Service, error) {
	if err := ctx.Err(); err != nil {
		return Service{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.byID[serviceID]
	if !ok {
		return Service{}, ErrNotFound
	}
	to, err := Transition(svc.Status, Event{EventStart, start.Stage})
	if err != nil {
		return svc, err
	}
	svc.Status = to
	svc.FailureCode = ""
	svc.SessionID = start.SessionID
	svc.DebitID = start.DebitID
	svc.DebitAmount = start.DebitAmount
	svc.Plan = start.Plan
	svc.UpdatedAt = r.now()
	r.byID[serviceID] = svc
	return svc, nil
}

func (r *MemoryRepo) UpdateExecutionStatus(ctx context.Context, serviceID, sessionID string, ev Event) (Service, error) {
	if err := ctx.Err(); err != nil {
		return Service{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(serviceID, sessionID, ev, "")
}

func (r *MemoryRepo) applyLocked(serviceID, sessionID string, ev Event, failureCode string) (Service, error) {
	svc, ok := r.byID[serviceID]
	if !ok {
		return Service{}, ErrNotFound
	}
	if sessionID != "" && svc.SessionID != sessionID {
		return svc, ErrStaleSession
	}
	to, err := Transition(svc.Status, ev)
	if err != nil {
		return svc, err
	}
	svc.Status = to
	if failureCode != "" {
		svc.FailureCode = failureCode
	}
	svc.UpdatedAt = r.now()
	r.byID[serviceID] = svc
	return svc, nil
}

func (r *MemoryRepo) GetArtifact(ctx context.Context, serviceID string, kind ArtifactKind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	body, ok := r.artifacts[serviceID][kind]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (r *MemoryRepo) SetArtifact(ctx context.Context, serviceID string, kind ArtifactKind, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.setArtifactLocked(serviceID, kind, body)
	return nil
}

func (r *MemoryRepo) setArtifactLocked(serviceID string, kind ArtifactKind, body []byte) {
	byKind, ok := r.artifacts[serviceID]
	if !ok {
		byKind = make(map[ArtifactKind][]byte)
		r.artifacts[serviceID] = byKind
	}
	byKind[kind] = append([]byte(nil), body...)
}

func (r *MemoryRepo) MarkStageCompleted(ctx context.Context, serviceID, sessionID string, stage Stage, kind ArtifactKind, body []byte) (Service, error) {
	if err := ctx.Err(); err != nil {
		return Service{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, err := r.applyLocked(serviceID, sessionID, Event{EventComplete, stage}, "")
	if err != nil {
		return svc, err
	}
	if kind != "" {
		r.setArtifactLocked(serviceID, kind, body)
	}
	return svc, nil
}

func (r *MemoryRepo) MarkStageFailed(ctx context.Context, serviceID, sessionID string, stage Stage, failureCode string) (Service, error) {
	if err := ctx.Err(); err != nil {
		return Service{}, err
	}
	if failureCode == "" {
		failureCode = FailureInternal
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applyLocked(serviceID, sessionID, Event{EventFail, stage}, failureCode)
}

var _ Repo = (*MemoryRepo)(nil)
