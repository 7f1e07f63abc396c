package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"
)

// HandleWebSocket upgrades connections and runs them as Hub clients. The
// user_id or device_id query parameter narrows the feed to one owner.
// originPatterns lists the accepted cross-origin hosts; empty allows any.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	opts := &ws.AcceptOptions{OriginPatterns: originPatterns}
	if len(originPatterns) == 0 {
		opts = &ws.AcceptOptions{InsecureSkipVerify: true}
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, opts)
		if err != nil {
			logger.Warn("accept websocket", "error", err)
			return
		}

		owner := r.URL.Query().Get("user_id")
		if owner == "" {
			owner = r.URL.Query().Get("device_id")
		}
		logger.Debug("websocket connected", "owner", owner)

		client := NewClient(hub, conn, owner)
		client.Run(r.Context())
	}
}
