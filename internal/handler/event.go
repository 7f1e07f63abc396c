package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/reminderd/internal/auth"
	"github.com/dukerupert/reminderd/internal/model"
	"github.com/dukerupert/reminderd/internal/reminder"
	"github.com/dukerupert/reminderd/internal/store"
	ws "github.com/dukerupert/reminderd/internal/websocket"
)

type EventHandler struct {
	eventStore *store.EventStore
	planner    *reminder.Planner
	hub        *ws.Hub
	logger     *slog.Logger
}

func NewEventHandler(es *store.EventStore, planner *reminder.Planner, hub *ws.Hub, logger *slog.Logger) *EventHandler {
	return &EventHandler{eventStore: es, planner: planner, hub: hub, logger: logger}
}

type eventRequest struct {
	Name                 string                      `json:"name"`
	Date                 *string                     `json:"date"`
	NotificationSettings *model.NotificationSettings `json:"notification_settings"`
}

func (h *EventHandler) parseAndValidate(r *http.Request, w http.ResponseWriter) (*model.Event, bool) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return nil, false
	}

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return nil, false
	}

	e := &model.Event{Name: req.Name, NotificationSettings: req.NotificationSettings}
	if req.Date != nil && *req.Date != "" {
		d, err := parseFlexibleTime(*req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be RFC3339 or YYYY-MM-DD format")
			return nil, false
		}
		d = d.UTC()
		e.Date = &d
	}
	if ns := e.NotificationSettings; ns != nil {
		for _, n := range ns.Reminders {
			if n < 0 {
				writeError(w, http.StatusBadRequest, "reminder offsets must not be negative")
				return nil, false
			}
			if n > reminder.MaxOffsetDays {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("reminder offsets must be at most %d days", reminder.MaxOffsetDays))
				return nil, false
			}
		}
	}
	return e, true
}

// load returns the event if it exists and belongs to the caller. It writes the
// error response itself.
func (h *EventHandler) load(w http.ResponseWriter, r *http.Request) (*model.Event, bool) {
	event, err := h.eventStore.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		h.logger.Error("get event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get event")
		return nil, false
	}
	if event == nil || !ownedBy(r.Context(), event) {
		writeError(w, http.StatusNotFound, "event not found")
		return nil, false
	}
	return event, true
}

func ownedBy(ctx context.Context, e *model.Event) bool {
	id, _ := auth.FromContext(ctx)
	if e.UserID != "" {
		return e.UserID == id.UserID
	}
	return e.DeviceID != "" && e.DeviceID == id.DeviceID
}

// schedulingContext detaches reminder scheduling from the request so a client
// hanging up after the write does not leave the event without reminders.
func schedulingContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), 10*time.Second)
}

func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	e, ok := h.parseAndValidate(r, w)
	if !ok {
		return
	}
	id, _ := auth.FromContext(r.Context())
	if id.UserID != "" {
		e.UserID = id.UserID
	} else {
		e.DeviceID = id.DeviceID
	}

	event, err := h.eventStore.Create(r.Context(), e)
	if err != nil {
		h.logger.Error("create event", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create event")
		return
	}

	ctx, cancel := schedulingContext(r)
	defer cancel()
	h.planner.Schedule(ctx, event)

	h.hub.Broadcast(ws.NewMessage("event", "created", event.ID, nil).For(id.Owner()))
	writeJSON(w, http.StatusCreated, event)
}

func (h *EventHandler) List(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var (
		events []model.Event
		err    error
	)
	if id.UserID != "" {
		events, err = h.eventStore.ListByOwner(r.Context(), id.UserID, "")
	} else {
		events, err = h.eventStore.ListByOwner(r.Context(), "", id.DeviceID)
	}
	if err != nil {
		h.logger.Error("list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *EventHandler) Get(w http.ResponseWriter, r *http.Request) {
	event, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, event)
}

func (h *EventHandler) Update(w http.ResponseWriter, r *http.Request) {
	existing, ok := h.load(w, r)
	if !ok {
		return
	}
	e, ok := h.parseAndValidate(r, w)
	if !ok {
		return
	}
	e.ID = existing.ID

	event, err := h.eventStore.Update(r.Context(), e)
	if err != nil {
		h.logger.Error("update event", "event_id", e.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}
	if event == nil {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}

	ctx, cancel := schedulingContext(r)
	defer cancel()
	if event.Date == nil {
		// The planner ignores undated events, so drop what the old date scheduled.
		h.planner.Cancel(ctx, event.ID)
	} else {
		h.planner.Schedule(ctx, event)
	}

	h.hub.Broadcast(ws.NewMessage("event", "updated", event.ID, nil).For(ownerOf(event)))
	writeJSON(w, http.StatusOK, event)
}

func (h *EventHandler) Delete(w http.ResponseWriter, r *http.Request) {
	event, ok := h.load(w, r)
	if !ok {
		return
	}

	if _, err := h.eventStore.Delete(r.Context(), event.ID); err != nil {
		h.logger.Error("delete event", "event_id", event.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}

	ctx, cancel := schedulingContext(r)
	defer cancel()
	h.planner.Cancel(ctx, event.ID)

	h.hub.Broadcast(ws.NewMessage("event", "deleted", event.ID, nil).For(ownerOf(event)))
	w.WriteHeader(http.StatusNoContent)
}

type reminderView struct {
	Key        string    `json:"key"`
	OffsetDays int       `json:"offset_days"`
	TriggerAt  time.Time `json:"trigger_at"`
}

// Reminders lists the reminders still pending for an event.
func (h *EventHandler) Reminders(w http.ResponseWriter, r *http.Request) {
	event, ok := h.load(w, r)
	if !ok {
		return
	}

	recs, err := h.planner.Pending(r.Context(), event.ID)
	if err != nil {
		h.logger.Error("list pending reminders", "event_id", event.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list reminders")
		return
	}

	views := make([]reminderView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, reminderView{
			Key:        reminder.ReminderKey(rec.EventID, rec.OffsetDays),
			OffsetDays: rec.OffsetDays,
			TriggerAt:  rec.TriggerTime().UTC(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func ownerOf(e *model.Event) string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.DeviceID
}
