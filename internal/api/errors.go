package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sheetqa/sheetqa/internal/auth"
	"github.com/sheetqa/sheetqa/internal/catalog"
	"github.com/sheetqa/sheetqa/internal/dataset"
	"github.com/sheetqa/sheetqa/internal/datastore"
	"github.com/sheetqa/sheetqa/internal/qerr"
	"github.com/sheetqa/sheetqa/internal/service"
	"github.com/sheetqa/sheetqa/internal/sqlquery"
)

func userFromRequest(r *http.Request) (string, error) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		if strings.TrimSpace(identity.UserID) != "" {
			return identity.UserID, nil
		}
	}
	userID := strings.TrimSpace(r.Header.Get(auth.UserIDHeader))
	if userID == "" {
		return "", fmt.Errorf("user context is required")
	}
	return userID, nil
}

func requireAnyRole(r *http.Request, roles ...string) error {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		return nil
	}
	for _, role := range roles {
		if identity.HasRole(role) {
			return nil
		}
	}
	return fmt.Errorf("missing required role, expected one of %q", strings.Join(roles, ","))
}

// authorize resolves the caller and checks roles. It writes the error
// response and returns false when the request must stop.
func authorize(w http.ResponseWriter, r *http.Request, roles ...string) (string, bool) {
	userID, err := userFromRequest(r)
	if err != nil {
		writeError(r.Context(), w, http.StatusUnauthorized, "USER_REQUIRED", err.Error(), false, nil)
		return "", false
	}
	if err := requireAnyRole(r, roles...); err != nil {
		writeError(r.Context(), w, http.StatusForbidden, "FORBIDDEN", err.Error(), false, nil)
		return "", false
	}
	return userID, true
}

// writeServiceError maps pipeline and storage errors onto the error envelope.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var qe *qerr.Error
	if errors.As(err, &qe) {
		extra := map[string]any{}
		status := http.StatusInternalServerError
		retryable := false
		switch qe.Kind {
		case qerr.KindCredential:
			status = http.StatusPreconditionRequired
		case qerr.KindAmbiguous:
			status = http.StatusUnprocessableEntity
			if qe.ModelOutput != "" {
				extra["model_output"] = qe.ModelOutput
			}
		case qerr.KindInvalidPlan:
			status = http.StatusBadRequest
			if qe.Column != "" {
				extra["column"] = qe.Column
			}
			if qe.Operation != "" {
				extra["operation"] = qe.Operation
			}
			if qe.ModelOutput != "" {
				extra["model_output"] = qe.ModelOutput
			}
		case qerr.KindExecution:
			status = http.StatusUnprocessableEntity
			extra["step"] = qe.Step
		case qerr.KindTimeout:
			status = http.StatusGatewayTimeout
			retryable = true
		case qerr.KindBusy:
			status = http.StatusConflict
			retryable = true
		}
		if len(extra) == 0 {
			extra = nil
		}
		writeError(ctx, w, status, string(qe.Kind), qe.Message, retryable, extra)
		return
	}

	var input *service.InputError
	var upload *datastore.UploadError
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &input):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_REQUEST", input.Message, false, nil)
	case errors.Is(err, dataset.ErrTooLarge), errors.As(err, &tooLarge):
		writeError(ctx, w, http.StatusRequestEntityTooLarge, "DATASET_TOO_LARGE", err.Error(), false, nil)
	case errors.As(err, &upload):
		writeError(ctx, w, http.StatusBadRequest, "INVALID_DATASET", err.Error(), false, nil)
	case errors.Is(err, catalog.ErrNotFound):
		writeError(ctx, w, http.StatusNotFound, "DATASET_NOT_FOUND", "dataset was not found", false, nil)
	case errors.Is(err, service.ErrNoSession):
		writeError(ctx, w, http.StatusNotFound, "SESSION_NOT_FOUND", err.Error(), false, nil)
	case errors.Is(err, service.ErrSQLDisabled):
		writeError(ctx, w, http.StatusNotImplemented, "SQL_DISABLED", err.Error(), false, nil)
	case errors.Is(err, sqlquery.ErrNotReadOnly):
		writeError(ctx, w, http.StatusBadRequest, "SQL_NOT_ALLOWED", err.Error(), false, nil)
	case errors.Is(err, context.Canceled):
		writeError(ctx, w, http.StatusRequestTimeout, "CANCELED", "request was canceled", true, nil)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL", "request failed", true, map[string]any{"details": err.Error()})
	}
}
