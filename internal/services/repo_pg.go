package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// PGRepo implements Repo using Postgres.
type PGRepo struct {
	DB *sql.DB
}

const selectService = `
SELECT id, user_id, tier, locale, status, failure_code, session_id, debit_id, debit_amount,
       plan, job_text, job_image_key, resume_text, resume_key, created_at, updated_at
FROM services`

// Create inserts a new service.
func (r *PGRepo) Create(ctx context.Context, svc Service) error {
	plan, err := json.Marshal(svc.Plan)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if svc.CreatedAt.IsZero() {
		svc.CreatedAt = now
	}
	_, err = r.DB.ExecContext(ctx, `
INSERT INTO services (
	id, user_id, tier, locale, status, failure_code, session_id, debit_id, debit_amount,
	plan, job_text, job_image_key, resume_text, resume_key, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		svc.ID,
		svc.UserID,
		string(svc.Tier),
		svc.Locale,
		string(svc.Status),
		svc.FailureCode,
		svc.SessionID,
		svc.DebitID,
		svc.DebitAmount,
		string(plan),
		svc.JobText,
		svc.JobImageKey,
		svc.ResumeText,
		svc.ResumeKey,
		svc.CreatedAt,
	)
	return err
}

// GetByID returns a service by ID.
func (r *PGRepo) GetByID(ctx context.Context, serviceID string) (Service, error) {
	row := r.DB.QueryRowContext(ctx, selectService+` WHERE id = $1`, serviceID)
	return scanService(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (Service, error) {
	var (
		svc    Service
		tier   string
		status string
		plan   sql.NullString
	)
	err := row.Scan(
		&svc.ID, &svc.UserID, &tier, &svc.Locale, &status, &svc.FailureCode, &svc.SessionID,
		&svc.DebitID, &svc.DebitAmount, &plan, &svc.JobText, &svc.JobImageKey, &svc.ResumeText,
		&svc.ResumeKey, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Service{}, ErrNotFound
		}
		return Service{}, err
	}
	svc.Tier = Tier(tier)
	svc.Status = Status(status)
	if plan.Valid && plan.String != "" {
		if err := json.Unmarshal([]byte(plan.String), &svc.Plan); err != nil {
			return Service{}, err
		}
	}
	return svc, nil
}

func (r *PGRepo) StartSession(ctx context.Context, serviceID string, start SessionStart) (Service, error) {
	return r.withLockedService(ctx, serviceID, func(tx *sql.Tx, svc Service) (Service, error) {
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
		svc.UpdatedAt = time.Now().UTC()
		plan, err := json.Marshal(svc.Plan)
		if err != nil {
			return svc, err
		}
		_, err = tx.ExecContext(ctx, `
UPDATE services
SET status = $1, failure_code = '', session_id = $2, debit_id = $3, debit_amount = $4, plan = $5, updated_at = $6
WHERE id = $7`, string(svc.Status), svc.SessionID, svc.DebitID, svc.DebitAmount, string(plan), svc.UpdatedAt, serviceID)
		return svc, err
	})
}

func (r *PGRepo) UpdateExecutionStatus(ctx context.Context, serviceID, sessionID string, ev Event) (Service, error) {
	return r.withLockedService(ctx, serviceID, func(tx *sql.Tx, svc Service) (Service, error) {
		return applyStatus(ctx, tx, svc, sessionID, ev, "")
	})
}

func (r *PGRepo) MarkStageCompleted(ctx context.Context, serviceID, sessionID string, stage Stage, kind ArtifactKind, body []byte) (Service, error) {
	return r.withLockedService(ctx, serviceID, func(tx *sql.Tx, svc Service) (Service, error) {
		updated, err := applyStatus(ctx, tx, svc, sessionID, Event{EventComplete, stage}, "")
		if err != nil {
			return updated, err
		}
		if kind != "" {
			if err := upsertArtifact(ctx, tx, serviceID, kind, body); err != nil {
				return updated, err
			}
		}
		return updated, nil
	})
}

func (r *PGRepo) MarkStageFailed(ctx context.Context, serviceID, sessionID string, stage Stage, failureCode string) (Service, error) {
	if failureCode == "" {
		failureCode = FailureInternal
	}
	return r.withLockedService(ctx, serviceID, func(tx *sql.Tx, svc Service) (Service, error) {
		return applyStatus(ctx, tx, svc, sessionID, Event{EventFail, stage}, failureCode)
	})
}

func (r *PGRepo) GetArtifact(ctx context.Context, serviceID string, kind ArtifactKind) ([]byte, error) {
	var body string
	err := r.DB.QueryRowContext(ctx, `
SELECT body FROM service_artifacts WHERE service_id = $1 AND kind = $2`, serviceID, string(kind)).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return []byte(body), nil
}

func (r *PGRepo) SetArtifact(ctx context.Context, serviceID string, kind ArtifactKind, body []byte) error {
	_, err := r.DB.ExecContext(ctx, upsertArtifactSQL, serviceID, string(kind), string(body), time.Now().UTC())
	return err
}

const upsertArtifactSQL = `
INSERT INTO service_artifacts (service_id, kind, body, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (service_id, kind) DO UPDATE SET body = EXCLUDED.body, updated_at = EXCLUDED.updated_at`

func upsertArtifact(ctx context.Context, tx *sql.Tx, serviceID string, kind ArtifactKind, body []byte) error {
	_, err := tx.ExecContext(ctx, upsertArtifactSQL, serviceID, string(kind), string(body), time.Now().UTC())
	return err
}

func applyStatus(ctx context.Context, tx *sql.Tx, svc Service, sessionID string, ev Event, failureCode string) (Service, error) {
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
	svc.UpdatedAt = time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
UPDATE services SET status = $1, failure_code = $2, updated_at = $3 WHERE id = $4`,
		string(svc.Status), svc.FailureCode, svc.UpdatedAt, svc.ID)
	return svc, err
}

// withLockedService runs fn inside a transaction holding the service row lock.
// The transaction commits only when fn succeeds.
func (r *PGRepo) withLockedService(ctx context.Context, serviceID string, fn func(tx *sql.Tx, svc Service) (Service, error)) (Service, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return Service{}, err
	}
	defer tx.Rollback()

	svc, err := scanService(tx.QueryRowContext(ctx, selectService+` WHERE id = $1 FOR UPDATE`, serviceID))
	if err != nil {
		return Service{}, err
	}
	updated, err := fn(tx, svc)
	if err != nil {
		return updated, err
	}
	if err := tx.Commit(); err != nil {
		return Service{}, err
	}
	return updated, nil
}

var _ Repo = (*PGRepo)(nil)
