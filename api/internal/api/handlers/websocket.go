package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/sirka-internal/vps-agent/api/internal/core/domain"
	"github.com/sirka-internal/vps-agent/api/internal/telemetry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// The stream is outbound only; inbound frames are control messages.
	maxMessageSize = 512
)

// The route sits behind the agent token check and the CORS middleware, which
// already vetted the caller.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type WebSocketHandler struct {
	hub    *telemetry.Hub
	logger *slog.Logger
}

func NewWebSocketHandler(hub *telemetry.Hub, logger *slog.Logger) *WebSocketHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketHandler{hub: hub, logger: logger}
}

// StreamDeploymentEvents handles GET /ws/deployments/{trace_id}. Subscribe
// before starting the deploy with the same traceId to see every event.
func (h *WebSocketHandler) StreamDeploymentEvents(w http.ResponseWriter, r *http.Request) {
	traceID := chi.URLParam(r, "trace_id")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)
		return
	}

	events := h.hub.Subscribe(traceID)
	done := make(chan struct{})

	go h.readPump(ws, traceID, done)
	h.writePump(ws, events, traceID, done)
	h.hub.Unsubscribe(traceID, events)
}

func (h *WebSocketHandler) writePump(ws *websocket.Conn, events <-chan domain.DeploymentEvent, traceID string, done <-chan struct{}) {
	defer func() {
		ws.Close()
		h.logger.Debug("WebSocket write pump closed", slog.String("trace_id", traceID))
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case ev, ok := <-events:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Stream closed"))
				return
			}

			if err := ws.WriteJSON(ev); err != nil {
				h.logger.Warn("Failed to write JSON to WebSocket",
					slog.String("trace_id", traceID),
					slog.String("error", err.Error()),
				)
				return
			}

			// The deployment reached a terminal state; nothing else will follow.
			if ev.Final {
				ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Deployment finished"))
				return
			}

		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *WebSocketHandler) readPump(ws *websocket.Conn, traceID string, done chan<- struct{}) {
	defer close(done)

	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("WebSocket closed unexpectedly",
					slog.String("trace_id", traceID),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}
