package services

import "fmt"

// Status is the Service execution status.
type Status string

const (
	StatusOCRPending         Status = "OCR_PENDING"
	StatusOCRCompleted       Status = "OCR_COMPLETED"
	StatusOCRFailed          Status = "OCR_FAILED"
	StatusSummaryPending     Status = "SUMMARY_PENDING"
	StatusSummaryCompleted   Status = "SUMMARY_COMPLETED"
	StatusSummaryFailed      Status = "SUMMARY_FAILED"
	StatusPreMatchPending    Status = "PREMATCH_PENDING"
	StatusPreMatchCompleted  Status = "PREMATCH_COMPLETED"
	StatusPreMatchFailed     Status = "PREMATCH_FAILED"
	StatusMatchPending       Status = "MATCH_PENDING"
	StatusMatchStreaming     Status = "MATCH_STREAMING"
	StatusMatchCompleted     Status = "MATCH_COMPLETED"
	StatusMatchFailed        Status = "MATCH_FAILED"
	StatusCustomizeStarting  Status = "CUSTOMIZE_STARTING"
	StatusCustomizePending   Status = "CUSTOMIZE_PENDING"
	StatusCustomizeCompleted Status = "CUSTOMIZE_COMPLETED"
	StatusCustomizeFailed    Status = "CUSTOMIZE_FAILED"
	StatusInterviewPending   Status = "INTERVIEW_PENDING"
	StatusInterviewCompleted Status = "INTERVIEW_COMPLETED"
	StatusInterviewFailed    Status = "INTERVIEW_FAILED"
)

// Stage is a node of the pipeline as far as Service status is concerned.
// Vision summary shares StageSummary; resume summaries do not move status.
type Stage string

const (
	StageOCR       Stage = "ocr"
	StageSummary   Stage = "summary"
	StagePreMatch  Stage = "prematch"
	StageMatch     Stage = "match"
	StageCustomize Stage = "customize"
	StageInterview Stage = "interview"
)

// EventKind is what happened to a stage.
type EventKind string

const (
	// EventStart opens a new session at a stage (create, retry, on-demand).
	EventStart EventKind = "start"
	// EventEnqueue records that the stage's task was pushed by its predecessor.
	EventEnqueue EventKind = "enqueue"
	// EventBegin records that the worker began the model call.
	EventBegin    EventKind = "begin"
	EventComplete EventKind = "complete"
	EventFail     EventKind = "fail"
)

// Event drives one transition.
type Event struct {
	Kind  EventKind
	Stage Stage
}

func (e Event) String() string { return string(e.Stage) + "." + string(e.Kind) }

type transitionKey struct {
	from  Status
	event Event
}

var transitions = map[transitionKey]Status{
	// OCR
	{StatusOCRPending, Event{EventComplete, StageOCR}}: StatusOCRCompleted,
	{StatusOCRPending, Event{EventFail, StageOCR}}:     StatusOCRFailed,

	// summary (two-stage and vision)
	{StatusOCRCompleted, Event{EventEnqueue, StageSummary}}:   StatusSummaryPending,
	{StatusSummaryPending, Event{EventComplete, StageSummary}}: StatusSummaryCompleted,
	{StatusSummaryPending, Event{EventFail, StageSummary}}:     StatusSummaryFailed,

	// pre-match audit
	{StatusSummaryCompleted, Event{EventEnqueue, StagePreMatch}}: StatusPreMatchPending,
	{StatusPreMatchPending, Event{EventComplete, StagePreMatch}}:  StatusPreMatchCompleted,
	{StatusPreMatchPending, Event{EventFail, StagePreMatch}}:      StatusPreMatchFailed,

	// match
	{StatusSummaryCompleted, Event{EventEnqueue, StageMatch}}:  StatusMatchPending,
	{StatusPreMatchCompleted, Event{EventEnqueue, StageMatch}}: StatusMatchPending,
	{StatusMatchPending, Event{EventBegin, StageMatch}}:        StatusMatchStreaming,
	{StatusMatchPending, Event{EventComplete, StageMatch}}:     StatusMatchCompleted,
	{StatusMatchStreaming, Event{EventComplete, StageMatch}}:   StatusMatchCompleted,
	{StatusMatchPending, Event{EventFail, StageMatch}}:         StatusMatchFailed,
	{StatusMatchStreaming, Event{EventFail, StageMatch}}:       StatusMatchFailed,

	// customize
	{StatusMatchCompleted, Event{EventEnqueue, StageCustomize}}:     StatusCustomizeStarting,
	{StatusCustomizeStarting, Event{EventBegin, StageCustomize}}:    StatusCustomizePending,
	{StatusCustomizePending, Event{EventComplete, StageCustomize}}:  StatusCustomizeCompleted,
	{StatusCustomizeStarting, Event{EventComplete, StageCustomize}}: StatusCustomizeCompleted,
	{StatusCustomizeStarting, Event{EventFail, StageCustomize}}:     StatusCustomizeFailed,
	{StatusCustomizePending, Event{EventFail, StageCustomize}}:      StatusCustomizeFailed,

	// interview
	{StatusMatchCompleted, Event{EventEnqueue, StageInterview}}:     StatusInterviewPending,
	{StatusCustomizeCompleted, Event{EventEnqueue, StageInterview}}: StatusInterviewPending,
	{StatusInterviewPending, Event{EventComplete, StageInterview}}:  StatusInterviewCompleted,
	{StatusInterviewPending, Event{EventFail, StageInterview}}:      StatusInterviewFailed,
}

// entryStatus is where a session opened at a stage begins.
var entryStatus = map[Stage]Status{
	StageOCR:       StatusOCRPending,
	StageSummary:   StatusSummaryPending,
	StagePreMatch:  StatusPreMatchPending,
	StageMatch:     StatusMatchPending,
	StageCustomize: StatusCustomizeStarting,
	StageInterview: StatusInterviewPending,
}

// startableFrom lists the statuses from which a new session may open at a stage.
// "" is a freshly created Service.
var startableFrom = map[Stage][]Status{
	StageOCR:      {"", StatusOCRFailed, StatusSummaryFailed, StatusPreMatchFailed, StatusMatchFailed},
	StageSummary:  {"", StatusOCRFailed, StatusSummaryFailed, StatusPreMatchFailed, StatusMatchFailed},
	StagePreMatch: {StatusPreMatchFailed},
	StageMatch:    {StatusMatchFailed},
	StageCustomize: {
		StatusMatchCompleted, StatusCustomizeFailed, StatusCustomizeCompleted,
		StatusInterviewCompleted, StatusInterviewFailed,
	},
	StageInterview: {
		StatusMatchCompleted, StatusCustomizeCompleted, StatusInterviewFailed,
		StatusInterviewCompleted, StatusCustomizeFailed,
	},
}

func init() {
	for stage, froms := range startableFrom {
		for _, from := range froms {
			transitions[transitionKey{from, Event{EventStart, stage}}] = entryStatus[stage]
		}
	}
}

// Transition applies ev to from using the transition table.
func Transition(from Status, ev Event) (Status, error) {
	to, ok := transitions[transitionKey{from, ev}]
	if !ok {
		return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, displayStatus(from))
	}
	return to, nil
}

// CanTransition reports whether ev is legal from the given status.
func CanTransition(from Status, ev Event) bool {
	_, ok := transitions[transitionKey{from, ev}]
	return ok
}

func displayStatus(s Status) string {
	if s == "" {
		return "<new>"
	}
	return string(s)
}

var ordinals = map[Status]int{
	StatusOCRPending:         10,
	StatusOCRCompleted:       11,
	StatusOCRFailed:          19,
	StatusSummaryPending:     20,
	StatusSummaryCompleted:   21,
	StatusSummaryFailed:      29,
	StatusPreMatchPending:    30,
	StatusPreMatchCompleted:  31,
	StatusPreMatchFailed:     39,
	StatusMatchPending:       40,
	StatusMatchStreaming:     41,
	StatusMatchCompleted:     42,
	StatusMatchFailed:        49,
	StatusCustomizeStarting:  50,
	StatusCustomizePending:   51,
	StatusCustomizeCompleted: 52,
	StatusCustomizeFailed:    59,
	StatusInterviewPending:   60,
	StatusInterviewCompleted: 61,
	StatusInterviewFailed:    69,
}

// Ordinal orders statuses along the pipeline. Unknown statuses are 0.
func Ordinal(s Status) int {
	return ordinals[s]
}

// AtOrPast reports whether current is already at or beyond target.
func AtOrPast(current, target Status) bool {
	return Ordinal(current) >= Ordinal(target)
}

// StageOf returns the stage a status belongs to.
func StageOf(s Status) Stage {
	switch {
	case s == "":
		return ""
	case Ordinal(s) < 20:
		return StageOCR
	case Ordinal(s) < 30:
		return StageSummary
	case Ordinal(s) < 40:
		return StagePreMatch
	case Ordinal(s) < 50:
		return StageMatch
	case Ordinal(s) < 60:
		return StageCustomize
	default:
		return StageInterview
	}
}

// EntryStatus returns the first status of a stage.
func EntryStatus(stage Stage) Status {
	return entryStatus[stage]
}

// IsFailed reports whether s is a *_FAILED status.
func IsFailed(s Status) bool {
	return Ordinal(s)%10 == 9
}

// IsCompleted reports whether s is a *_COMPLETED status.
func IsCompleted(s Status) bool {
	switch s {
	case StatusOCRCompleted, StatusSummaryCompleted, StatusPreMatchCompleted,
		StatusMatchCompleted, StatusCustomizeCompleted, StatusInterviewCompleted:
		return true
	}
	return false
}
