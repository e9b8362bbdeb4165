package pipeline

import (
	"encoding/json"
	"sort"
)

// Variable names shared by tasks, strategies and prompt templates.
const (
	VarSessionID             = "sessionId"
	VarDebitID               = "debitId"
	VarJobText               = "jobText"
	VarJobImageKey           = "jobImageKey"
	VarImage                 = "image"
	VarResumeText            = "resumeText"
	VarJobSummary            = "jobSummary"
	VarResumeSummary         = "resumeSummary"
	VarDetailedResumeSummary = "detailedResumeSummary"
	VarPreMatchFindings      = "preMatchFindings"
	VarRetrievedContext      = "retrievedContext"
	VarMatchSummary          = "matchSummary"
)

func cloneVars(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func stringVar(vars map[string]any, key string) string {
	s, _ := vars[key].(string)
	return s
}

// hasVar reports whether key holds a non-empty value.
func hasVar(vars map[string]any, key string) bool {
	switch v := vars[key].(type) {
	case nil:
		return false
	case string:
		return v != ""
	case json.RawMessage:
		return len(v) > 0
	default:
		return true
	}
}

// varNames lists keys in stable order for logging.
func varNames(vars map[string]any) []string {
	names := make([]string, 0, len(vars))
	for k := range vars {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
