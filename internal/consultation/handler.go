package consultation

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type Handler struct {
	svc      Service
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler serves the assessment API. checkOrigin guards websocket upgrades;
// nil accepts any origin.
func NewHandler(svc Service, logger *slog.Logger, checkOrigin func(r *http.Request) bool) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Handler{
		svc:      svc,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

type AnswerRequest struct {
	Answer string `json:"answer"`
}

type VerificationRequest struct {
	Outcome VerificationOutcome `json:"outcome"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "")
		return
	}
	sess, err := h.svc.Start(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req AnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "")
		return
	}
	sess, err := h.svc.Submit(r.Context(), id, req.Answer)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) RetryTurn(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Retry(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) ResolveVerification(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	var req VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", "")
		return
	}
	sess, err := h.svc.ResolveVerification(r.Context(), id, req.Outcome)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	handoff, err := h.svc.Finalize(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if handoff == nil {
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "finalizing"})
		return
	}
	writeJSON(w, http.StatusOK, handoff)
}

func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.Restart(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) Abandon(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Abandon(r.Context(), id); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StreamEvents pushes session events as server-sent events.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported", "")
		return
	}
	events, cancel, err := h.svc.Subscribe(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("failed to encode event", "session_id", id, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// socketRequest is the incoming websocket frame.
type socketRequest struct {
	Type    string              `json:"type"` // "answer", "retry" or "verification"
	Answer  string              `json:"answer,omitempty"`
	Outcome VerificationOutcome `json:"outcome,omitempty"`
}

type socketError struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Socket is a two-way channel: events go out, answers come in.
func (h *Handler) Socket(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	events, cancel, err := h.svc.Subscribe(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	defer cancel()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	write := func(v any) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(v); err != nil {
			h.logger.Debug("websocket write failed", "session_id", id, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var req socketRequest
			if err := conn.ReadJSON(&req); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.logger.Warn("websocket read failed", "session_id", id, "error", err)
				}
				return
			}
			ctx := r.Context()
			switch req.Type {
			case "answer":
				_, err = h.svc.Submit(ctx, id, req.Answer)
			case "retry":
				_, err = h.svc.Retry(ctx, id)
			case "verification":
				_, err = h.svc.ResolveVerification(ctx, id, req.Outcome)
			default:
				err = fmt.Errorf("unknown message type: %q", req.Type)
			}
			if err != nil {
				write(socketError{Type: "error", Error: err.Error()})
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			write(ev)
		}
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := ""
	var se *StepError
	if errors.As(err, &se) {
		code = string(se.Code)
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error(), code)
}

func statusFor(err error) int {
	var se *StepError
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrEmptyAnswer), errors.Is(err, ErrInvalidOutcome):
		return http.StatusBadRequest
	case errors.Is(err, ErrTurnInFlight), errors.Is(err, ErrVerificationPending),
		errors.Is(err, ErrNoVerification), errors.Is(err, ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, ErrSessionClosed):
		return http.StatusGone
	case errors.As(err, &se) && se.Code == CodeVersionMismatch:
		return http.StatusUpgradeRequired
	case errors.Is(err, ErrFinalizeFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func sessionID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid session id", "")
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", h.StartSession)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.Abandon)
			r.Post("/answers", h.SubmitAnswer)
			r.Post("/retry", h.RetryTurn)
			r.Post("/verification", h.ResolveVerification)
			r.Post("/finalize", h.Finalize)
			r.Post("/restart", h.Restart)
			r.Get("/events", h.StreamEvents)
			r.Get("/ws", h.Socket)
		})
	})
}
