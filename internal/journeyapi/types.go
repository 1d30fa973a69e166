package journeyapi

import (
	"strings"
	"unicode/utf8"

	"github.com/vitalpath/journey/internal/journey"
)

// maxNoteLength bounds the free-text note stored with a completion.
const maxNoteLength = 500

// CompleteTaskRequest is the payload of POST /stage/task/complete.
type CompleteTaskRequest struct {
	StageInstanceID string `json:"stageInstanceId"`
	TaskInstanceID  string `json:"taskInstanceId"`
	Note            string `json:"note,omitempty"`
}

// Sanitize trims whitespace.
func (r *CompleteTaskRequest) Sanitize() {
	r.StageInstanceID = strings.TrimSpace(r.StageInstanceID)
	r.TaskInstanceID = strings.TrimSpace(r.TaskInstanceID)
	r.Note = strings.TrimSpace(r.Note)
}

// Validate checks required fields. ID format is not checked here: a
// malformed ID is reported as not found by the service.
func (r *CompleteTaskRequest) Validate() *ErrorResponse {
	var details []ErrorDetail
	if r.StageInstanceID == "" {
		details = append(details, ErrorDetail{Field: "stageInstanceId", Issue: "required"})
	}
	if r.TaskInstanceID == "" {
		details = append(details, ErrorDetail{Field: "taskInstanceId", Issue: "required"})
	}
	if utf8.RuneCountInString(r.Note) > maxNoteLength {
		details = append(details, ErrorDetail{Field: "note", Issue: "must be at most 500 characters"})
	}
	if len(details) > 0 {
		return &ErrorResponse{Code: "ERR_INVALID_INPUT", Message: "Invalid completion request", Details: details}
	}
	return nil
}

// CompleteTaskResponse is returned on success, including the idempotent
// already-completed case.
type CompleteTaskResponse struct {
	OK               bool           `json:"ok"`
	AlreadyCompleted bool           `json:"alreadyCompleted,omitempty"`
	PointsAwarded    int            `json:"pointsAwarded"`
	StageCompleted   bool           `json:"stageCompleted"`
	UnlockedNext     bool           `json:"unlockedNext"`
	StageStatus      journey.Status `json:"stageStatus,omitempty"`
}

// InstantiateRequest is the payload of POST /stages.
type InstantiateRequest struct {
	Source     journey.Source `json:"source"`
	StageCodes []string       `json:"stage_codes"`
}

// Sanitize trims and lowercases codes and drops empties and duplicates.
func (r *InstantiateRequest) Sanitize() {
	r.Source = journey.Source(strings.ToLower(strings.TrimSpace(string(r.Source))))
	seen := make(map[string]struct{}, len(r.StageCodes))
	codes := r.StageCodes[:0]
	for _, c := range r.StageCodes {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}
	r.StageCodes = codes
}

// Validate checks the source and the selection size.
func (r *InstantiateRequest) Validate() *ErrorResponse {
	if !r.Source.Valid() {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Invalid stage selection",
			Details: []ErrorDetail{{Field: "source", Issue: "must be personalized or seed"}},
		}
	}
	if r.Source == journey.SourcePersonalized && len(r.StageCodes) == 0 {
		return &ErrorResponse{
			Code:    "ERR_INVALID_INPUT",
			Message: "Invalid stage selection",
			Details: []ErrorDetail{{Field: "stage_codes", Issue: "required for personalized selections"}},
		}
	}
	return nil
}

// InstantiateResponse reports how many stages were created.
type InstantiateResponse struct {
	Created int `json:"created"`
}

// StageChangeResponse is one transition applied by a refresh.
type StageChangeResponse struct {
	StageInstanceID string         `json:"stage_instance_id"`
	From            journey.Status `json:"from"`
	To              journey.Status `json:"to"`
	Progress        float64        `json:"progress"`
}

// RefreshResponse lists the transitions applied by a refresh.
type RefreshResponse struct {
	Changes []StageChangeResponse `json:"changes"`
}
