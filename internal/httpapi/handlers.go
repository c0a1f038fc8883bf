// Package httpapi exposes research sessions over HTTP, WebSocket and SSE.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/insightengine/orchestrator/internal/auth"
	"github.com/insightengine/orchestrator/internal/orchestrator"
	"github.com/insightengine/orchestrator/internal/research"
	"github.com/insightengine/orchestrator/internal/session"
	"github.com/insightengine/orchestrator/internal/streaming"
)

const (
	defaultListLimit = 20
	maxRequestBytes  = 1 << 20
	anonymousUser    = "anonymous"
)

// Service is the session facade the handlers call.
type Service interface {
	CreateSession(ctx context.Context, topic, requester string) (*research.Session, error)
	GetSession(ctx context.Context, id string) (*research.Session, error)
	ListSessions(ctx context.Context, requester string, limit int) ([]*research.Session, error)
	DeleteSession(ctx context.Context, id string) (bool, error)
	SubmitApproval(ctx context.Context, id string, approved bool, modifications string) error
	Subscribe(ctx context.Context, id string) (*streaming.Subscription, error)
	Unsubscribe(sub *streaming.Subscription)
}

// ResearchHandler serves the research API.
//
//	POST   /api/research/start
//	GET    /api/research/session/{id}
//	DELETE /api/research/session/{id}
//	GET    /api/research/sessions/{user_id}
//	POST   /api/research/approve
//	GET    /api/research/download/{id}
//	GET    /api/research/stream/{id}   (websocket)
//	GET    /api/research/events/{id}   (SSE)
type ResearchHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewResearchHandler constructs a new handler.
func NewResearchHandler(svc Service, logger *zap.Logger) *ResearchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResearchHandler{svc: svc, logger: logger}
}

// RegisterRoutes registers research endpoints on the given mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/research/start", h.handleStart)
	mux.HandleFunc("GET /api/research/session/{id}", h.handleGet)
	mux.HandleFunc("DELETE /api/research/session/{id}", h.handleDelete)
	mux.HandleFunc("GET /api/research/sessions/{user_id}", h.handleList)
	mux.HandleFunc("POST /api/research/approve", h.handleApprove)
	mux.HandleFunc("GET /api/research/download/{id}", h.handleDownload)
	mux.HandleFunc("GET /api/research/stream/{id}", h.handleWS)
	mux.HandleFunc("GET /api/research/events/{id}", h.handleSSE)
}

type startRequest struct {
	Topic  string `json:"topic"`
	UserID string `json:"user_id,omitempty"`
}

type startResponse struct {
	SessionID string          `json:"session_id"`
	Status    research.Status `json:"status"`
	Message   string          `json:"message"`
}

type approveRequest struct {
	SessionID     string `json:"session_id"`
	Approved      bool   `json:"approved"`
	Modifications string `json:"modifications,omitempty"`
}

func (h *ResearchHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decodeBody(w, r, &req) {
		return
	}
	sess, err := h.svc.CreateSession(r.Context(), req.Topic, requester(r, req.UserID))
	if err != nil {
		h.writeError(w, "start", err)
		return
	}
	writeJSON(w, http.StatusOK, startResponse{
		SessionID: sess.ID,
		Status:    sess.Status,
		Message:   "Research session started",
	})
}

func (h *ResearchHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwned(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *ResearchHandler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := h.loadOwned(w, r, id); !ok {
		return
	}
	deleted, err := h.svc.DeleteSession(r.Context(), id)
	if err != nil {
		h.writeError(w, "delete", err)
		return
	}
	if !deleted {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Session deleted"})
}

func (h *ResearchHandler) handleList(w http.ResponseWriter, r *http.Request) {
	user := r.PathValue("user_id")
	if uc, ok := auth.GetUserContext(r.Context()); ok && uc.UserID != user {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
		return
	}
	limit := defaultListLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	list, err := h.svc.ListSessions(r.Context(), user, limit)
	if err != nil {
		h.writeError(w, "list", err)
		return
	}
	if list == nil {
		list = []*research.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": list})
}

func (h *ResearchHandler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session_id is required"})
		return
	}
	if _, ok := h.loadOwned(w, r, req.SessionID); !ok {
		return
	}
	if err := h.svc.SubmitApproval(r.Context(), req.SessionID, req.Approved, req.Modifications); err != nil {
		h.writeError(w, "approve", err)
		return
	}
	msg := "Plan rejected"
	if req.Approved {
		msg = "Plan approved"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": req.SessionID,
		"approved":   req.Approved,
		"message":    msg,
	})
}

func (h *ResearchHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.loadOwned(w, r, r.PathValue("id"))
	if !ok {
		return
	}
	if sess.Status != research.StatusCompleted || sess.ReportLocation == "" {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "report is not available"})
		return
	}
	f, err := os.Open(sess.ReportLocation)
	if err != nil {
		h.logger.Warn("Report artifact missing",
			zap.String("session_id", sess.ID),
			zap.String("path", sess.ReportLocation),
			zap.Error(err),
		)
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "report file not found"})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		h.writeError(w, "download", err)
		return
	}
	name := filepath.Base(sess.ReportLocation)
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

// loadOwned fetches a session and hides sessions of other users as not found.
func (h *ResearchHandler) loadOwned(w http.ResponseWriter, r *http.Request, id string) (*research.Session, bool) {
	sess, err := h.svc.GetSession(r.Context(), id)
	if err != nil {
		h.writeError(w, "get", err)
		return nil, false
	}
	if uc, ok := auth.GetUserContext(r.Context()); ok && sess.Requester != uc.UserID {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return nil, false
	}
	return sess, true
}

func (h *ResearchHandler) writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, orchestrator.ErrInvalidTopic):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": sanitizeErr(err.Error())})
	case errors.Is(err, orchestrator.ErrNotAwaitingApproval):
		writeJSON(w, http.StatusConflict, map[string]string{"error": sanitizeErr(err.Error())})
	case errors.Is(err, context.Canceled):
		// client went away
	default:
		h.logger.Error("Research API request failed", zap.String("op", op), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// requester resolves the caller: the token subject when authenticated,
// otherwise the user_id supplied by the client.
func requester(r *http.Request, fallback string) string {
	if uc, ok := auth.GetUserContext(r.Context()); ok {
		return uc.UserID
	}
	if s := strings.TrimSpace(fallback); s != "" {
		return s
	}
	return anonymousUser
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + sanitizeErr(err.Error())})
		return false
	}
	return true
}

// writeJSON writes a JSON response with status and content-type.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sanitizeErr trims error messages for safe client output (UTF-8 safe).
func sanitizeErr(s string) string {
	runes := []rune(s)
	if len(runes) > 200 {
		return string(runes[:200])
	}
	return s
}
