package journeyapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/spaolacci/murmur3"

	"github.com/vitalpath/journey/internal/logger"
	"github.com/vitalpath/journey/internal/progression"
	"github.com/vitalpath/journey/internal/readmodel"
)

// handleGetJourney processes GET /api/v1/journey.
//
// Anonymous callers get the empty shell. The body is hashed into an ETag so
// clients polling an unchanged journey receive 304 without a payload.
func (a *API) handleGetJourney(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	filter := readmodel.Filter{Chapter: strings.TrimSpace(r.URL.Query().Get("chapter"))}

	j, err := a.reads.Build(r.Context(), userID, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body, err := json.Marshal(j)
	if err != nil {
		writeError(w, r, fmt.Errorf("failed to encode journey: %w", err))
		return
	}

	etag := fmt.Sprintf(`"%016x"`, murmur3.Sum64(body))
	w.Header().Set("ETag", etag)
	w.Header().Set("Cache-Control", "private, no-cache")
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// handleCompleteTask processes POST /api/v1/journey/stage/task/complete.
//
// Responsibilities:
// 1. Decodes and validates the payload.
// 2. Delegates to the completion orchestrator.
// 3. Maps typed failures onto the error taxonomy.
func (a *API) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteTaskRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, *errResp)
		return
	}

	res, err := a.progression.CompleteTask(r.Context(), progression.CompleteRequest{
		UserID:          UserIDFromContext(r.Context()),
		StageInstanceID: req.StageInstanceID,
		TaskInstanceID:  req.TaskInstanceID,
		Note:            req.Note,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, CompleteTaskResponse{
		OK:               true,
		AlreadyCompleted: res.AlreadyCompleted,
		PointsAwarded:    res.PointsAwarded,
		StageCompleted:   res.StageCompleted,
		UnlockedNext:     res.UnlockedNext,
		StageStatus:      res.StageStatus,
	})
}

// handleRefresh processes POST /api/v1/journey/refresh.
func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	changes, err := a.progression.Refresh(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := RefreshResponse{Changes: make([]StageChangeResponse, 0, len(changes))}
	for _, ch := range changes {
		resp.Changes = append(resp.Changes, StageChangeResponse{
			StageInstanceID: ch.UserStageID,
			From:            ch.From,
			To:              ch.To,
			Progress:        ch.Progress,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, resp)
}

// handleInstantiate processes POST /api/v1/journey/stages.
// Returns 201 when stages were created and 200 for a repeated selection.
func (a *API) handleInstantiate(w http.ResponseWriter, r *http.Request) {
	var req InstantiateRequest
	if !a.decode(w, r, &req) {
		return
	}
	req.Sanitize()
	if errResp := req.Validate(); errResp != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, *errResp)
		return
	}

	created, err := a.progression.Instantiate(r.Context(), UserIDFromContext(r.Context()), req.Source, req.StageCodes)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if created > 0 {
		status = http.StatusCreated
	}
	render.Status(r, status)
	render.JSON(w, r, InstantiateResponse{Created: created})
}

// decode reads a JSON body into dst, writing a 400 or 413 on failure.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := render.DecodeJSON(r.Body, dst)
	if err == nil {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, ErrorResponse{
			Code:    "ERR_PAYLOAD_TOO_LARGE",
			Message: fmt.Sprintf("Request body must be at most %d bytes", tooLarge.Limit),
		})
		return false
	}

	logger.FromContext(r.Context()).Warn("invalid json payload", slog.String("error", err.Error()))
	writeErrorResponse(w, r, http.StatusBadRequest, ErrorResponse{
		Code:    "ERR_INVALID_JSON",
		Message: "Invalid JSON payload",
	})
	return false
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
