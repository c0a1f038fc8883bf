package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/research"
)

const (
	wsPingInterval = 20 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

type historyMessage struct {
	Type    string            `json:"type"`
	Updates []research.Update `json:"updates"`
}

type updateMessage struct {
	Type   string          `json:"type"`
	Update research.Update `json:"update"`
}

type pongMessage struct {
	Type string `json:"type"`
}

func (h *ResearchHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.loadOwned(w, r, id); !ok {
		return
	}
	sub, err := h.svc.Subscribe(r.Context(), id)
	if err != nil {
		h.writeError(w, "subscribe", err)
		return
	}
	defer h.svc.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	history := sub.History
	if history == nil {
		history = []research.Update{}
	}
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(historyMessage{Type: "history", Updates: history}); err != nil {
		return
	}

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	// Reader pump: every client text frame asks for a pong. Writes stay on
	// this goroutine, gorilla allows one concurrent writer.
	pings := make(chan struct{}, 1)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			mt, _, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
			if mt == websocket.TextMessage {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case u, ok := <-sub.Events():
			if !ok {
				code, reason := websocket.CloseNormalClosure, "stream ended"
				if sub.Dropped() {
					code, reason = websocket.CloseTryAgainLater, "observer fell behind"
				}
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(updateMessage{Type: "agent_update", Update: u}); err != nil {
				h.logger.Debug("WebSocket write failed", zap.String("session_id", id), zap.Error(err))
				return
			}
		case <-pings:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(pongMessage{Type: "pong"}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		}
	}
}
