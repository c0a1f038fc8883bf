package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/research"
)

const sseHeartbeat = 15 * time.Second

// handleSSE streams session updates as Server-Sent Events. History is
// replayed first; Last-Event-ID (or ?last_event_id=) skips what the client
// already has.
func (h *ResearchHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.loadOwned(w, r, id); !ok {
		return
	}

	lastID := 0
	if s := r.Header.Get("Last-Event-ID"); s != "" {
		lastID, _ = strconv.Atoi(s)
	} else if s := r.URL.Query().Get("last_event_id"); s != "" {
		lastID, _ = strconv.Atoi(s)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub, err := h.svc.Subscribe(r.Context(), id)
	if err != nil {
		h.writeError(w, "subscribe", err)
		return
	}
	defer h.svc.Unsubscribe(sub)

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": connected to session %s\n\n", id)
	for _, u := range research.UpdatesAfter(sub.History, lastID) {
		if err := writeEvent(w, u); err != nil {
			return
		}
	}
	flusher.Flush()

	hb := time.NewTicker(sseHeartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", id))
			return
		case u, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					fmt.Fprint(w, "event: dropped\ndata: {}\n\n")
					flusher.Flush()
				}
				return
			}
			if u.Seq <= lastID {
				continue
			}
			if err := writeEvent(w, u); err != nil {
				return
			}
			flusher.Flush()
		case <-hb.C:
			// Heartbeat to keep connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, u research.Update) error {
	data, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: agent_update\ndata: %s\n\n", u.Seq, data)
	return err
}
