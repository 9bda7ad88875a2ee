package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/DavidNemeth/TimeSheet-App/middleware"
	"github.com/DavidNemeth/TimeSheet-App/models"
	"github.com/DavidNemeth/TimeSheet-App/services"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

type TimesheetHandler struct {
	service     *services.TimesheetService
	logger      *zap.SugaredLogger
	exportGuard []func(http.Handler) http.Handler
}

func NewTimesheetHandler(service *services.TimesheetService, logger *zap.SugaredLogger) *TimesheetHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TimesheetHandler{
		service: service,
		logger:  logger,
	}
}

// WithExportGuard adds middleware run only in front of the CSV export.
func (h *TimesheetHandler) WithExportGuard(mw ...func(http.Handler) http.Handler) *TimesheetHandler {
	h.exportGuard = append(h.exportGuard, mw...)
	return h
}

// Routes mounts the entry endpoints on r.
func (h *TimesheetHandler) Routes(r chi.Router) {
	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.With(h.exportGuard...).Get("/export.csv", h.ExportCSV)
	r.Post("/inithistory", h.InitHistory)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Put("/", h.Update)
		r.Delete("/", h.Delete)
		r.Post("/archive", h.Archive)
		r.Post("/unarchive", h.UnArchive)
		r.Post("/submit", h.Submit)
		r.Post("/approve", h.Approve)
		r.Post("/reject", h.Reject)
	})
}

func (h *TimesheetHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	from, err := models.ParseDate(q.Get("fromDate"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid fromDate")
		return
	}
	to, err := models.ParseDate(q.Get("toDate"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid toDate")
		return
	}
	forRole, err := parseBool(q.Get("forRole"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid forRole")
		return
	}
	archived, err := parseBool(q.Get("archived"))
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid archived")
		return
	}

	entries, err := h.service.Query(r.Context(), services.ListQuery{
		From:     from,
		To:       to,
		UserID:   q.Get("userId"),
		ForRole:  forRole,
		Archived: archived,
	})
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *TimesheetHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	entry, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// Create adds a new entry. A body carrying an existing id updates that entry instead.
func (h *TimesheetHandler) Create(w http.ResponseWriter, r *http.Request) {
	var entry models.TimesheetEntry
	if err := decodeBody(r, &entry); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, _, err := h.service.Save(r.Context(), &entry, middleware.GetCallerFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/timesheetentries/%d", saved.ID))
	writeJSON(w, http.StatusCreated, saved)
}

func (h *TimesheetHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	var entry models.TimesheetEntry
	if err := decodeBody(r, &entry); err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := h.service.Update(r.Context(), id, &entry, middleware.GetCallerFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *TimesheetHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TimesheetHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.setArchived(w, r, "archivedBy", h.service.Archive)
}

func (h *TimesheetHandler) UnArchive(w http.ResponseWriter, r *http.Request) {
	h.setArchived(w, r, "unArchivedBy", h.service.UnArchive)
}

func (h *TimesheetHandler) setArchived(w http.ResponseWriter, r *http.Request, field string, apply func(ctx context.Context, id uint, by string, caller *models.Caller) error) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	by, err := decodeActor(r, field)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := apply(r.Context(), id, by, middleware.GetCallerFromContext(r.Context())); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TimesheetHandler) Submit(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "submittedBy", h.service.Submit)
}

func (h *TimesheetHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "approvedBy", h.service.Approve)
}

func (h *TimesheetHandler) transition(w http.ResponseWriter, r *http.Request, field string, apply func(ctx context.Context, id uint, by string, caller *models.Caller) (*models.TimesheetEntry, error)) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	by, err := decodeActor(r, field)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := apply(r.Context(), id, by, middleware.GetCallerFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type rejectRequest struct {
	RejectedBy string `json:"rejectedBy"`
	Reason     string `json:"reason"`
}

func (h *TimesheetHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id, ok := h.entryID(w, r)
	if !ok {
		return
	}
	var req rejectRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := h.service.Reject(r.Context(), id, req.RejectedBy, req.Reason, middleware.GetCallerFromContext(r.Context()))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *TimesheetHandler) InitHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.service.InitHistory(r.Context()); err != nil {
		writeError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *TimesheetHandler) entryID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 32)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// decodeActor reads the acting user from either a bare JSON string or an object holding
// the named field. An empty body yields an empty name.
func decodeActor(r *http.Request, field string) (string, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read request body: %w", err)
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", nil
	}

	var name string
	if err := json.Unmarshal(body, &name); err == nil {
		return name, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return "", errors.New("invalid request body: expected a string or an object")
	}
	raw, ok := obj[field]
	if !ok {
		return "", nil
	}
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", fmt.Errorf("invalid request body: %s must be a string", field)
	}
	return name, nil
}

func parseBool(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}
