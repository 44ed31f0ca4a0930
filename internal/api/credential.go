package api

import (
	"encoding/json"
	"net/http"

	"github.com/sheetqa/sheetqa/internal/auth"
)

type credentialRequest struct {
	APIKey   string `json:"api_key"`
	Provider string `json:"provider"`
}

func handlePutCredential(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	var request credentialRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid credential request body", false, map[string]any{"details": err.Error()})
		return
	}
	status, err := deps.Service.SetCredential(r.Context(), userID, request.Provider, request.APIKey)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func handleGetCredential(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	status, err := deps.Service.CredentialStatus(r.Context(), userID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func handleDeleteCredential(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	userID, ok := authorize(w, r, auth.RoleAnalyst)
	if !ok {
		return
	}
	revoked, err := deps.Service.RevokeCredential(r.Context(), userID)
	if err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	if !revoked {
		writeError(r.Context(), w, http.StatusNotFound, "CREDENTIAL_NOT_FOUND", "no active api key", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}
