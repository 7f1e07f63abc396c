package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dukerupert/reminderd/internal/auth"
	"github.com/dukerupert/reminderd/internal/notify"
	"github.com/dukerupert/reminderd/internal/push"
	"github.com/dukerupert/reminderd/internal/reminder"
	"github.com/dukerupert/reminderd/internal/store"
)

type PushHandler struct {
	pushStore *store.PushStore
	publicKey string
	notifier  reminder.Notifier
	logger    *slog.Logger
}

func NewPushHandler(ps *store.PushStore, cfg push.Config, notifier reminder.Notifier, logger *slog.Logger) *PushHandler {
	return &PushHandler{pushStore: ps, publicKey: cfg.VAPIDPublicKey, notifier: notifier, logger: logger}
}

type subscribeRequest struct {
	Endpoint   string `json:"endpoint"`
	P256dh     string `json:"p256dh"`
	Auth       string `json:"auth"`
	DeviceName string `json:"device_name"`
}

// Subscribe handles POST /api/push/subscribe
func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusForbidden, "web push requires a signed-in user")
		return
	}

	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if req.Endpoint == "" || req.P256dh == "" || req.Auth == "" {
		writeError(w, http.StatusBadRequest, "endpoint, p256dh, and auth are required")
		return
	}

	sub, err := h.pushStore.CreateSubscription(r.Context(), userID, req.Endpoint, req.P256dh, req.Auth, req.DeviceName)
	if err != nil {
		h.logger.Error("create push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save subscription")
		return
	}

	writeJSON(w, http.StatusCreated, sub)
}

// Unsubscribe handles DELETE /api/push/subscriptions/{id}
func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	found, err := h.pushStore.DeleteSubscription(r.Context(), id, auth.UserID(r.Context()))
	if err != nil {
		h.logger.Error("delete push subscription", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete subscription")
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "subscription not found")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListSubscriptions handles GET /api/push/subscriptions
func (h *PushHandler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.pushStore.ListByUser(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list subscriptions")
		return
	}
	if subs == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, subs)
}

// GetVAPIDKey handles GET /api/push/vapid-key
func (h *PushHandler) GetVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if h.publicKey == "" {
		writeError(w, http.StatusNotFound, "web push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"public_key": h.publicKey})
}

// TestNotification handles POST /api/push/test by sending through the same
// routing reminders use.
func (h *PushHandler) TestNotification(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	meta := reminder.Metadata{EventID: "test", Type: "test"}

	var err error
	if id.UserID != "" {
		err = h.notifier.SendToUser(r.Context(), id.UserID, reminder.Message{
			Title: "Test Notification",
			Body:  "Notifications are working!",
		}, meta)
	} else {
		err = h.notifier.SendToDevice(r.Context(), id.DeviceID, "Test Notification", "Notifications are working!", meta)
	}

	switch {
	case errors.Is(err, notify.ErrNoRoute):
		writeError(w, http.StatusConflict, "no delivery channel registered")
	case err != nil:
		h.logger.Error("test notification", "error", err)
		writeError(w, http.StatusBadGateway, "failed to deliver test notification")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
	}
}
