package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sheetqa/sheetqa/internal/auth"
	"github.com/sheetqa/sheetqa/internal/sqlquery"
)

type sqlRequest struct {
	SQL      string `json:"sql"`
	RowLimit int    `json:"row_limit"`
}

type sqlResponse struct {
	Columns []string       `json:"columns"`
	Rows    [][]any        `json:"rows"`
	Stats   map[string]any `json:"stats"`
}

func handleSQL(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	var request sqlRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid sql request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.SQL) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SQL_REQUIRED", "sql is required", false, nil)
		return
	}
	if request.RowLimit < 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROW_LIMIT", "row_limit must be >= 0", false, nil)
		return
	}
	if _, err := sqlquery.Normalize(request.SQL); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}

	result, err := deps.Service.RunSQL(r.Context(), userID, r.PathValue("dataset"), request.SQL, request.RowLimit)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	rows := result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, sqlResponse{
		Columns: result.Columns,
		Rows:    rows,
		Stats: map[string]any{
			"row_count":     len(rows),
			"truncated":     result.Truncated,
			"scanned_bytes": result.ScannedBytes,
			"duration_ms":   result.Duration.Milliseconds(),
		},
	})
}
