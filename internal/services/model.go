package services

import "time"

// Tier selects the pipeline route.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Plan records which optional stages the user asked for at creation time.
type Plan struct {
	PreMatchAudit bool `json:"preMatchAudit"`
	Customize     bool `json:"customize"`
	Interview     bool `json:"interview"`
}

// Service is one user's resume-versus-job analysis.
type Service struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Tier        Tier      `json:"tier"`
	Locale      string    `json:"locale"`
	Status      Status    `json:"status"`
	FailureCode string    `json:"failureCode,omitempty"`
	SessionID   string    `json:"executionSessionId"`
	DebitID     string    `json:"debitId,omitempty"`
	DebitAmount int       `json:"debitAmount"`
	Plan        Plan      `json:"plan"`
	JobText     string    `json:"-"`
	JobImageKey string    `json:"jobImageKey,omitempty"`
	ResumeText  string    `json:"-"`
	ResumeKey   string    `json:"resumeKey,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ArtifactKind names a persisted stage output.
type ArtifactKind string

const (
	ArtifactOCRText               ArtifactKind = "ocr_text"
	ArtifactJobSummary            ArtifactKind = "job_summary"
	ArtifactResumeSummary         ArtifactKind = "resume_summary"
	ArtifactDetailedResumeSummary ArtifactKind = "detailed_resume_summary"
	ArtifactPreMatchAudit         ArtifactKind = "prematch_audit"
	ArtifactMatch                 ArtifactKind = "match"
	ArtifactCustomize             ArtifactKind = "customize"
	ArtifactInterview             ArtifactKind = "interview"
	ArtifactResumeText            ArtifactKind = "resume_text"
)

// Failure codes surfaced to clients.
const (
	FailureOCR               = "OCR_FAILED"
	FailureLLMTimeout        = "LLM_TIMEOUT"
	FailureLLM               = "LLM_ERROR"
	FailureLLMSchemaMismatch = "LLM_SCHEMA_MISMATCH"
	FailureEmptyStream       = "EMPTY_STREAM"
	FailureDependencyMissing = "DEPENDENCY_MISSING"
	FailureStorage           = "STORAGE_ERROR"
	FailureInternal          = "INTERNAL_ERROR"
)

// FailureMessage maps a failure code to the text shown to users.
func FailureMessage(code string) string {
	switch code {
	case FailureOCR:
		return "We could not read the uploaded image. Please upload a clearer picture."
	case FailureLLMTimeout:
		return "The analysis took too long. Your quota was refunded; please retry."
	case FailureLLMSchemaMismatch, FailureLLM:
		return "The analysis could not be completed. Your quota was refunded; please retry."
	case FailureEmptyStream:
		return "The analysis returned no content. Your quota was refunded; please retry."
	case FailureDependencyMissing:
		return "A previous step has not finished yet. Please run the match first."
	case FailureStorage:
		return "We could not load your documents. Please retry."
	default:
		return "Something went wrong. Please retry."
	}
}
