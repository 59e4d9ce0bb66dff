package consultation

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func setupRouter(t *testing.T) (*httptest.Server, *harness) {
	t.Helper()
	h := setupService(t)
	r := chi.NewRouter()
	RegisterRoutes(r, NewHandler(h.svc, slog.New(slog.NewTextHandler(io.Discard, nil)), nil))
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return server, h
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func startViaHTTP(t *testing.T, server *httptest.Server) Session {
	t.Helper()
	resp := postJSON(t, server.URL+"/sessions", StartRequest{InitialSymptom: "I have a sore throat"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var sess Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return sess
}

func TestHandlerSessionLifecycle(t *testing.T) {
	server, _ := setupRouter(t)
	sess := startViaHTTP(t, server)
	base := server.URL + "/sessions/" + sess.ID.String()

	resp := postJSON(t, base+"/answers", AnswerRequest{Answer: "30 years old, for two days"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer: expected 200, got %d", resp.StatusCode)
	}
	var updated Session
	json.NewDecoder(resp.Body).Decode(&updated)
	if updated.QuestionIndex != 1 {
		t.Errorf("question index = %d, want 1", updated.QuestionIndex)
	}

	resp = postJSON(t, base+"/finalize", struct{}{})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("finalize: expected 200, got %d", resp.StatusCode)
	}
	var handoff Handoff
	json.NewDecoder(resp.Body).Decode(&handoff)
	if handoff.SessionID != sess.ID || handoff.ExtractedProfile == nil {
		t.Errorf("unexpected handoff %+v", handoff)
	}

	resp = postJSON(t, base+"/answers", AnswerRequest{Answer: "more"})
	if resp.StatusCode != http.StatusGone {
		t.Errorf("answer after finalize: expected 410, got %d", resp.StatusCode)
	}
}

func TestHandlerErrors(t *testing.T) {
	server, _ := setupRouter(t)
	sess := startViaHTTP(t, server)
	base := server.URL + "/sessions/" + sess.ID.String()

	tests := []struct {
		name string
		url  string
		body any
		want int
	}{
		{"empty answer", base + "/answers", AnswerRequest{Answer: " "}, http.StatusBadRequest},
		{"bad id", server.URL + "/sessions/not-a-uuid/answers", AnswerRequest{Answer: "x"}, http.StatusBadRequest},
		{"unknown session", server.URL + "/sessions/" + uuid.NewString() + "/answers", AnswerRequest{Answer: "x"}, http.StatusNotFound},
		{"nothing to retry", base + "/retry", struct{}{}, http.StatusConflict},
		{"no verification", base + "/verification", VerificationRequest{Outcome: VerifyDenied}, http.StatusConflict},
		{"empty symptom", server.URL + "/sessions", StartRequest{}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, tt.url, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}
}

func TestHandlerAbandon(t *testing.T) {
	server, _ := setupRouter(t)
	sess := startViaHTTP(t, server)

	req, _ := http.NewRequest(http.MethodDelete, server.URL+"/sessions/"+sess.ID.String(), nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}

	get, err := http.Get(server.URL + "/sessions/" + sess.ID.String())
	if err != nil {
		t.Fatal(err)
	}
	defer get.Body.Close()
	var got Session
	json.NewDecoder(get.Body).Decode(&got)
	if !got.Abandoned {
		t.Error("session should be abandoned")
	}
}

func TestSocketAnswerStreamsEvents(t *testing.T) {
	server, _ := setupRouter(t)
	sess := startViaHTTP(t, server)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/" + sess.ID.String() + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(socketRequest{Type: "answer", Answer: "30 years old, for two days"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("read: %v", err)
		}
		if ev.Type == EventMessage && ev.Message.Metadata.QuestionID == "severity" {
			return
		}
	}
}

func TestSocketRejectsUnknownType(t *testing.T) {
	server, _ := setupRouter(t)
	sess := startViaHTTP(t, server)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/sessions/" + sess.ID.String() + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("websocket dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(socketRequest{Type: "dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var resp socketError
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Type != "error" || !strings.Contains(resp.Error, "unknown message type") {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrTurnInFlight, http.StatusConflict},
		{ErrVerificationPending, http.StatusConflict},
		{ErrSessionClosed, http.StatusGone},
		{ErrInvalidOutcome, http.StatusBadRequest},
		{&StepError{Code: CodeVersionMismatch}, http.StatusUpgradeRequired},
		{ErrFinalizeFailed, http.StatusBadGateway},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
