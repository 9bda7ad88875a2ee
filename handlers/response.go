package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/DavidNemeth/TimeSheet-App/services"
	"github.com/DavidNemeth/TimeSheet-App/upstream"
	"github.com/DavidNemeth/TimeSheet-App/validation"
)

type errorResponse struct {
	Error string `json:"error"`
}

type validationResponse struct {
	Errors []validation.Violation `json:"errors"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeError maps service errors to status codes. Anything unrecognised is logged and
// reported as 500 without details.
func writeError(w http.ResponseWriter, logger *zap.SugaredLogger, err error) {
	var verr *validation.Error
	var uerr *upstream.Error
	var terr *upstream.TokenError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, validationResponse{Errors: verr.Violations})
	case errors.Is(err, services.ErrNotFound):
		writeMessage(w, http.StatusNotFound, "timesheet entry not found")
	case errors.Is(err, services.ErrIDMismatch):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrForbidden):
		writeMessage(w, http.StatusForbidden, err.Error())
	case errors.Is(err, upstream.ErrCircuitOpen):
		logger.Warnw("collaborator unavailable", "error", err)
		writeMessage(w, http.StatusServiceUnavailable, "collaborator service temporarily unavailable")
	case errors.As(err, &uerr), errors.As(err, &terr):
		logger.Errorw("collaborator call failed", "error", err)
		writeMessage(w, http.StatusBadGateway, "collaborator service call failed")
	default:
		logger.Errorw("request failed", "error", err)
		writeMessage(w, http.StatusInternalServerError, "internal server error")
	}
}
