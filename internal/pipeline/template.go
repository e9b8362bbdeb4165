// Package pipeline runs the chain of model-backed stages behind a Service.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"jobmatch-backend/internal/queue"
	"jobmatch-backend/internal/services"
)

// Template identifies a stage strategy. The set is closed; Templates lists it.
type Template string

const (
	TemplateOCR                   Template = "ocr"
	TemplateJobSummary            Template = "job_summary"
	TemplateResumeSummary         Template = "resume_summary"
	TemplateDetailedResumeSummary Template = "detailed_resume_summary"
	TemplateVisionSummary         Template = "vision_summary"
	TemplatePreMatchAudit         Template = "prematch_audit"
	TemplateMatch                 Template = "match"
	TemplateCustomize             Template = "customize"
	TemplateInterview             Template = "interview"
)

// Templates returns every template in pipeline order.
func Templates() []Template {
	return []Template{
		TemplateOCR,
		TemplateJobSummary,
		TemplateResumeSummary,
		TemplateDetailedResumeSummary,
		TemplateVisionSummary,
		TemplatePreMatchAudit,
		TemplateMatch,
		TemplateCustomize,
		TemplateInterview,
	}
}

// Stage returns the status stage a template drives. Resume summaries are
// leaves that never move the Service status and return "".
func (t Template) Stage() services.Stage {
	switch t {
	case TemplateOCR:
		return services.StageOCR
	case TemplateJobSummary, TemplateVisionSummary:
		return services.StageSummary
	case TemplatePreMatchAudit:
		return services.StagePreMatch
	case TemplateMatch:
		return services.StageMatch
	case TemplateCustomize:
		return services.StageCustomize
	case TemplateInterview:
		return services.StageInterview
	default:
		return ""
	}
}

var completedStatus = map[services.Stage]services.Status{
	services.StageOCR:       services.StatusOCRCompleted,
	services.StageSummary:   services.StatusSummaryCompleted,
	services.StagePreMatch:  services.StatusPreMatchCompleted,
	services.StageMatch:     services.StatusMatchCompleted,
	services.StageCustomize: services.StatusCustomizeCompleted,
	services.StageInterview: services.StatusInterviewCompleted,
}

var failedStatus = map[services.Stage]services.Status{
	services.StageOCR:       services.StatusOCRFailed,
	services.StageSummary:   services.StatusSummaryFailed,
	services.StagePreMatch:  services.StatusPreMatchFailed,
	services.StageMatch:     services.StatusMatchFailed,
	services.StageCustomize: services.StatusCustomizeFailed,
	services.StageInterview: services.StatusInterviewFailed,
}

// FirstTemplate picks the template that opens a fresh analysis session.
func FirstTemplate(svc services.Service) Template {
	if svc.Tier == services.TierFree {
		return TemplateVisionSummary
	}
	if svc.JobImageKey != "" && svc.JobText == "" {
		return TemplateOCR
	}
	return TemplateJobSummary
}

// Successor returns the template that follows t for svc, or "" when t ends
// the attempt.
func Successor(svc services.Service, t Template) Template {
	switch t {
	case TemplateOCR:
		return TemplateJobSummary
	case TemplateJobSummary, TemplateVisionSummary:
		if svc.Tier == services.TierPaid && svc.Plan.PreMatchAudit {
			return TemplatePreMatchAudit
		}
		return TemplateMatch
	case TemplatePreMatchAudit:
		return TemplateMatch
	case TemplateMatch:
		if svc.Plan.Customize {
			return TemplateCustomize
		}
		if svc.Plan.Interview {
			return TemplateInterview
		}
	case TemplateCustomize:
		if svc.Plan.Interview {
			return TemplateInterview
		}
	}
	return ""
}

// LastTemplate returns the stage that ends an attempt opened at first.
func LastTemplate(svc services.Service, first Template) Template {
	cur := first
	for next := Successor(svc, cur); next != ""; next = Successor(svc, cur) {
		cur = next
	}
	return cur
}

var taskNamespace = uuid.MustParse("6f1c2a4e-8b0d-5e3f-9a71-2c4d6e8f0a1b")

// TaskID derives the id of one template's task within one session, so
// redeliveries and duplicate pushes of the same step share an id.
func TaskID(serviceID string, t Template, sessionID string) string {
	return uuid.NewSHA1(taskNamespace, []byte(serviceID+"|"+string(t)+"|"+sessionID)).String()
}

// NewTask builds the queue task for template t of svc's session.
func NewTask(svc services.Service, t Template, sessionID, debitID, requestID, traceID string) queue.Task {
	vars := map[string]any{VarSessionID: sessionID}
	if debitID != "" {
		vars[VarDebitID] = debitID
	}
	return queue.Task{
		ServiceID:  svc.ID,
		TaskID:     TaskID(svc.ID, t, sessionID),
		UserID:     svc.UserID,
		Locale:     svc.Locale,
		TemplateID: string(t),
		Variables:  vars,
		RequestID:  requestID,
		TraceID:    traceID,
		EnqueuedAt: time.Now().UTC().Format(time.RFC3339Nano),
		Version:    queue.TaskVersion,
	}
}
