package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/reminderd/internal/handler"
	"github.com/dukerupert/reminderd/internal/middleware"
	"github.com/dukerupert/reminderd/internal/push"
	"github.com/dukerupert/reminderd/internal/reminder"
	"github.com/dukerupert/reminderd/internal/store"
	ws "github.com/dukerupert/reminderd/internal/websocket"
)

// Engine is the running reminder engine the HTTP surface drives.
type Engine struct {
	Planner    *reminder.Planner
	Dispatcher *reminder.Dispatcher
	Reconciler *reminder.Reconciler
	Timeline   *reminder.Timeline
	Notifier   reminder.Notifier
	Hub        *ws.Hub
}

type Config struct {
	Push       push.Config
	AdminToken string
	WSOrigins  []string
}

type Server struct {
	db          *sql.DB
	engine      Engine
	cfg         Config
	eventH      *handler.EventHandler
	pushH       *handler.PushHandler
	deviceH     *handler.DeviceHandler
	adminH      *handler.AdminHandler
	rateLimiter *middleware.RateLimiter
	logger      *slog.Logger
}

func New(db *sql.DB, engine Engine, cfg Config, logger *slog.Logger) *Server {
	eventStore := store.NewEventStore(db)

	return &Server{
		db:          db,
		engine:      engine,
		cfg:         cfg,
		eventH:      handler.NewEventHandler(eventStore, engine.Planner, engine.Hub, logger.With("component", "event")),
		pushH:       handler.NewPushHandler(store.NewPushStore(db), cfg.Push, engine.Notifier, logger.With("component", "push_handler")),
		deviceH:     handler.NewDeviceHandler(store.NewDeviceStore(db), store.NewContactStore(db), logger.With("component", "device")),
		adminH:      handler.NewAdminHandler(engine.Reconciler, engine.Dispatcher, engine.Timeline, logger.With("component", "admin")),
		rateLimiter: middleware.NewRateLimiter(30, time.Minute),
		logger:      logger,
	}
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

func (s *Server) Router() http.Handler {
	outerMux := http.NewServeMux()

	outerMux.HandleFunc("GET /health", s.healthHandler)
	outerMux.HandleFunc("GET /ws", ws.HandleWebSocket(s.engine.Hub, s.cfg.WSOrigins, s.logger.With("component", "websocket")))

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("POST /api/admin/reconcile", s.adminH.Reconcile)
	adminMux.HandleFunc("GET /api/admin/status", s.adminH.Status)
	adminMux.HandleFunc("POST /api/admin/process", s.adminH.Process)
	outerMux.Handle("/api/admin/", middleware.RequireAdmin(adminMux))

	// Routes acting on behalf of a user or device
	ownerMux := http.NewServeMux()
	s.registerOwnerRoutes(ownerMux)
	outerMux.Handle("/api/", middleware.RequireOwner(ownerMux))

	var h http.Handler = outerMux
	h = middleware.Identify(s.cfg.AdminToken)(h)
	return middleware.RequestLogger(s.logger.With("component", "http"))(h)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Error("health check", "error", err)
		status, code = "degraded", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   status,
		"scanning": s.engine.Reconciler.Scanning(),
		"armed":    s.engine.Timeline.Len(),
	})
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP)
	return rl(h).ServeHTTP
}

func (s *Server) registerOwnerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/events", s.rateLimitedHandler(s.eventH.Create))
	mux.HandleFunc("GET /api/events", s.eventH.List)
	mux.HandleFunc("GET /api/events/{id}", s.eventH.Get)
	mux.HandleFunc("PUT /api/events/{id}", s.rateLimitedHandler(s.eventH.Update))
	mux.HandleFunc("DELETE /api/events/{id}", s.eventH.Delete)
	mux.HandleFunc("GET /api/events/{id}/reminders", s.eventH.Reminders)

	mux.HandleFunc("POST /api/push/subscribe", s.rateLimitedHandler(s.pushH.Subscribe))
	mux.HandleFunc("DELETE /api/push/subscriptions/{id}", s.pushH.Unsubscribe)
	mux.HandleFunc("GET /api/push/subscriptions", s.pushH.ListSubscriptions)
	mux.HandleFunc("GET /api/push/vapid-key", s.pushH.GetVAPIDKey)
	mux.HandleFunc("POST /api/push/test", s.rateLimitedHandler(s.pushH.TestNotification))

	mux.HandleFunc("POST /api/devices", s.rateLimitedHandler(s.deviceH.Register))
	mux.HandleFunc("PUT /api/contact", s.deviceH.SetContact)
}
