package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dukerupert/reminderd/internal/auth"
	"github.com/dukerupert/reminderd/internal/database"
	"github.com/dukerupert/reminderd/internal/kv"
	"github.com/dukerupert/reminderd/internal/push"
	"github.com/dukerupert/reminderd/internal/reminder"
	"github.com/dukerupert/reminderd/internal/store"
	ws "github.com/dukerupert/reminderd/internal/websocket"
)

type sentNotification struct {
	recipient string
	title     string
	meta      reminder.Metadata
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotification
	err  error
}

func (f *fakeNotifier) SendToUser(_ context.Context, userID string, msg reminder.Message, meta reminder.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{recipient: userID, title: msg.Title, meta: meta})
	return nil
}

func (f *fakeNotifier) SendToDevice(_ context.Context, deviceID, title, _ string, meta reminder.Metadata) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentNotification{recipient: deviceID, title: title, meta: meta})
	return nil
}

type testEnv struct {
	mux      *http.ServeMux
	kv       kv.Store
	events   *store.EventStore
	notifier *fakeNotifier
	timeline *reminder.Timeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kvStore := kv.NewMemory()
	events := store.NewEventStore(db)
	notifier := &fakeNotifier{}
	hub := ws.NewHub(logger)

	dispatcher := reminder.NewDispatcher(kvStore, events, notifier, time.Minute, logger)
	timeline := reminder.NewTimeline(dispatcher, logger)
	planner := reminder.NewPlanner(kvStore, logger, reminder.WithTimeline(timeline))
	reconciler := reminder.NewReconciler(kvStore, dispatcher, logger)

	eventH := NewEventHandler(events, planner, hub, logger)
	pushH := NewPushHandler(store.NewPushStore(db), push.Config{VAPIDPublicKey: "pub", VAPIDPrivateKey: "priv"}, notifier, logger)
	deviceH := NewDeviceHandler(store.NewDeviceStore(db), store.NewContactStore(db), logger)
	adminH := NewAdminHandler(reconciler, dispatcher, timeline, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/events", eventH.Create)
	mux.HandleFunc("GET /api/events", eventH.List)
	mux.HandleFunc("GET /api/events/{id}", eventH.Get)
	mux.HandleFunc("PUT /api/events/{id}", eventH.Update)
	mux.HandleFunc("DELETE /api/events/{id}", eventH.Delete)
	mux.HandleFunc("GET /api/events/{id}/reminders", eventH.Reminders)
	mux.HandleFunc("POST /api/push/subscribe", pushH.Subscribe)
	mux.HandleFunc("DELETE /api/push/subscriptions/{id}", pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/subscriptions", pushH.ListSubscriptions)
	mux.HandleFunc("GET /api/push/vapid-key", pushH.GetVAPIDKey)
	mux.HandleFunc("POST /api/push/test", pushH.TestNotification)
	mux.HandleFunc("POST /api/devices", deviceH.Register)
	mux.HandleFunc("PUT /api/contact", deviceH.SetContact)
	mux.HandleFunc("POST /api/admin/reconcile", adminH.Reconcile)
	mux.HandleFunc("GET /api/admin/status", adminH.Status)
	mux.HandleFunc("POST /api/admin/process", adminH.Process)

	return &testEnv{mux: mux, kv: kvStore, events: events, notifier: notifier, timeline: timeline}
}

func (e *testEnv) do(t *testing.T, id auth.Identity, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req = req.WithContext(auth.WithIdentity(req.Context(), id))
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return v
}

var (
	alice = auth.Identity{UserID: "alice"}
	bob   = auth.Identity{UserID: "bob"}
	guest = auth.Identity{DeviceID: "dev-1"}
	admin = auth.Identity{Admin: true}
)

func futureDate(days int) string {
	return time.Now().Add(time.Duration(days) * 24 * time.Hour).UTC().Format(time.RFC3339)
}
