package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSendMessage(t *testing.T) {
	var got sendMessageReq
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	c := NewClientWithURL("TOKEN", server.URL)
	if err := c.SendMessage(context.Background(), 42, "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if got.ChatID != 42 || got.Text != "hello" {
		t.Errorf("unexpected body %+v", got)
	}
}

func TestSendDocument(t *testing.T) {
	var chatID, fileName, content string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		chatID = r.FormValue("chat_id")
		f, hdr, err := r.FormFile("document")
		if err != nil {
			t.Errorf("form file: %v", err)
			return
		}
		defer f.Close()
		fileName = hdr.Filename
		data, _ := io.ReadAll(f)
		content = string(data)
	}))
	defer server.Close()

	c := NewClientWithURL("TOKEN", server.URL)
	if err := c.SendDocument(context.Background(), 7, []byte("%PDF-1.4"), "report.pdf"); err != nil {
		t.Fatalf("SendDocument: %v", err)
	}
	if chatID != "7" || fileName != "report.pdf" || content != "%PDF-1.4" {
		t.Errorf("got chat=%q file=%q content=%q", chatID, fileName, content)
	}
}

func TestErrorStatusIncludesBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	c := NewClientWithURL("TOKEN", server.URL)
	err := c.SendMessage(context.Background(), 1, "x")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected body in error, got %v", err)
	}
}
