package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/dukerupert/reminderd/internal/auth"
	"github.com/dukerupert/reminderd/internal/store"
)

type DeviceHandler struct {
	deviceStore  *store.DeviceStore
	contactStore *store.ContactStore
	logger       *slog.Logger
}

func NewDeviceHandler(ds *store.DeviceStore, cs *store.ContactStore, logger *slog.Logger) *DeviceHandler {
	return &DeviceHandler{deviceStore: ds, contactStore: cs, logger: logger}
}

type registerDeviceRequest struct {
	FCMToken string `json:"fcm_token"`
	Platform string `json:"platform"`
}

// Register handles POST /api/devices for the calling guest device.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	deviceID := auth.DeviceID(r.Context())
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "X-Device-ID header is required")
		return
	}

	var req registerDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req.FCMToken = strings.TrimSpace(req.FCMToken)
	if req.FCMToken == "" {
		writeError(w, http.StatusBadRequest, "fcm_token is required")
		return
	}

	device, err := h.deviceStore.Register(r.Context(), deviceID, req.FCMToken, req.Platform)
	if err != nil {
		h.logger.Error("register device", "device_id", deviceID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to register device")
		return
	}
	writeJSON(w, http.StatusOK, device)
}

type contactRequest struct {
	Email string `json:"email"`
}

// SetContact handles PUT /api/contact, the email fallback for a user.
func (h *DeviceHandler) SetContact(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		writeError(w, http.StatusForbidden, "contact email requires a signed-in user")
		return
	}

	var req contactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	contact, err := h.contactStore.Set(r.Context(), userID, addr.Address)
	if err != nil {
		h.logger.Error("set contact", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save contact")
		return
	}
	writeJSON(w, http.StatusOK, contact)
}
