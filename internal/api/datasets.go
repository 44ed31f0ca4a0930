package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sheetqa/sheetqa/internal/auth"
	"github.com/sheetqa/sheetqa/internal/dataset"
)

const multipartMemory = 8 << 20

// handleUploadDataset accepts either a multipart form with a "file" part or
// the raw file as the request body.
func handleUploadDataset(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	if deps.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, deps.MaxUploadBytes+multipartMemory)
	}

	name := strings.TrimSpace(r.URL.Query().Get("name"))
	rawFormat := strings.TrimSpace(r.URL.Query().Get("format"))
	var body io.Reader = r.Body

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			writeServiceErrorOr(w, r, err, "INVALID_MULTIPART", "invalid multipart upload")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(r.Context(), w, http.StatusBadRequest, "FILE_REQUIRED", "multipart upload needs a file part", false, map[string]any{"details": err.Error()})
			return
		}
		defer func() { _ = file.Close() }()
		body = file
		if name == "" {
			name = header.Filename
		}
	}
	if rawFormat == "" && name != "" {
		rawFormat = filepath.Ext(name)
	}
	if name == "" {
		name = "upload"
	}
	format, err := dataset.ParseFormat(rawFormat)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), false, nil)
		return
	}

	result, err := deps.Service.UploadDataset(r.Context(), userID, name, format, body)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// writeServiceErrorOr reports oversized bodies as such and anything else as
// a bad request with the given code.
func writeServiceErrorOr(w http.ResponseWriter, r *http.Request, err error, code, message string) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeError(r.Context(), w, http.StatusBadRequest, code, message, false, map[string]any{"details": err.Error()})
}

func handleListDatasets(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst, auth.RoleViewer)
	if !ok {
		return
	}
	datasets, err := deps.Service.ListDatasets(r.Context(), userID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	items := make([]map[string]any, 0, len(datasets))
	for _, meta := range datasets {
		items = append(items, map[string]any{
			"dataset_id":   meta.DatasetID,
			"name":         meta.Name,
			"format":       meta.Format,
			"row_count":    meta.RowCount,
			"column_count": meta.ColumnCount,
			"size_bytes":   meta.SizeBytes,
			"created_at":   meta.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": userID, "datasets": items})
}

func handleGetSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst, auth.RoleViewer)
	if !ok {
		return
	}
	sch, err := deps.Service.Schema(r.Context(), userID, r.PathValue("dataset"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, sch)
}

func handlePreview(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst, auth.RoleViewer)
	if !ok {
		return
	}
	rows := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("rows")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_ROWS", "rows must be a non-negative integer", false, nil)
			return
		}
		rows = parsed
	}
	preview, err := deps.Service.Preview(r.Context(), userID, r.PathValue("dataset"), rows)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, preview)
}

func handleBindSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	info, err := deps.Service.BindSession(r.Context(), userID, r.PathValue("dataset"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func handleGetSession(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst, auth.RoleViewer)
	if !ok {
		return
	}
	info, err := deps.Service.SessionRecords(userID, r.PathValue("dataset"))
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
