package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/sheetqa/sheetqa/internal/auth"
)

type askRequest struct {
	Question string `json:"question"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	if allowed, retryAfter := deps.AskLimiter.Allow(userID); !allowed {
		seconds := int(math.Ceil(retryAfter.Seconds()))
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
		writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", fmt.Sprintf("too many questions, try again in %d seconds", seconds), true, map[string]any{"retry_after_seconds": seconds})
		return
	}

	var request askRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}

	record, err := deps.Service.Ask(r.Context(), userID, r.PathValue("dataset"), request.Question)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func handleHistory(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst, auth.RoleViewer)
	if !ok {
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a non-negative integer", false, nil)
			return
		}
		limit = parsed
	}
	datasetID := strings.TrimSpace(r.URL.Query().Get("dataset_id"))
	records, err := deps.Service.History(r.Context(), userID, datasetID, limit)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "dataset_id": datasetID, "records": records})
}
