package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/reminderd/internal/reminder"
)

// AdminHandler exposes operational controls over the reminder engine.
type AdminHandler struct {
	reconciler *reminder.Reconciler
	dispatcher *reminder.Dispatcher
	timeline   *reminder.Timeline
	logger     *slog.Logger
}

func NewAdminHandler(rc *reminder.Reconciler, d *reminder.Dispatcher, tl *reminder.Timeline, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{reconciler: rc, dispatcher: d, timeline: tl, logger: logger}
}

// Reconcile handles POST /api/admin/reconcile by running one sweep now.
func (h *AdminHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	ran, err := h.reconciler.TryTick(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "reconcile failed: "+err.Error())
		return
	}
	if !ran {
		writeError(w, http.StatusConflict, "reconciliation already running")
		return
	}
	writeJSON(w, http.StatusOK, h.reconciler.LastTick())
}

// Status handles GET /api/admin/status
func (h *AdminHandler) Status(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"scanning":  h.reconciler.Scanning(),
		"last_tick": h.reconciler.LastTick(),
		"armed":     h.timeline.Len(),
	}
	if key, at, ok := h.timeline.Next(); ok {
		status["next"] = map[string]any{"key": key, "at": at.UTC()}
	}
	writeJSON(w, http.StatusOK, status)
}

type processRequest struct {
	Key string `json:"key"`
}

// Process handles POST /api/admin/process, dispatching one record immediately.
func (h *AdminHandler) Process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !strings.HasPrefix(req.Key, "reminder:") {
		writeError(w, http.StatusBadRequest, "key must be a reminder key")
		return
	}

	outcome := h.dispatcher.Process(r.Context(), req.Key)
	h.logger.Info("manual dispatch", "key", req.Key, "outcome", outcome.String())
	writeJSON(w, http.StatusOK, map[string]string{"key": req.Key, "outcome": outcome.String()})
}
