package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"symptom-triage/internal/consultation"
	"symptom-triage/internal/offline"
	"symptom-triage/internal/scoring"
)

type fakeTelegram struct {
	chatID   int64
	messages []string
	docs     []string
	err      error
}

func (f *fakeTelegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	f.chatID = chatID
	f.messages = append(f.messages, text)
	return f.err
}

func (f *fakeTelegram) SendDocument(ctx context.Context, chatID int64, data []byte, name string) error {
	f.chatID = chatID
	f.docs = append(f.docs, name)
	return f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleHandoff() consultation.Handoff {
	age := 34
	return consultation.Handoff{
		SessionID: uuid.MustParse("6f1c1b7e-0000-4000-8000-000000000001"),
		Symptoms:  "sore throat",
		Answers: []consultation.Answer{
			{Question: "How old are you?", Answer: "34"},
			{Question: "Any trouble breathing?", Answer: consultation.NotAnswered},
		},
		ExtractedProfile: &consultation.AssessmentProfile{
			Category:             scoring.CategorySimple,
			Age:                  &age,
			Severity:             "mild",
			RedFlagsResolved:     true,
			TriageReadinessScore: 0.9,
		},
		CreatedAt: time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC),
	}
}

func TestSummary(t *testing.T) {
	got := Summary(sampleHandoff())
	for _, want := range []string{
		"Presenting symptom: sore throat",
		"Category: simple",
		"Readiness score: 0.90",
		"Age: 34",
		"- How old are you? 34",
		"- Any trouble breathing? Not answered",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "NOT resolved") {
		t.Error("resolved red flags should not be flagged")
	}
}

func TestSummaryOfflineAndEscalation(t *testing.T) {
	h := sampleHandoff()
	h.ExtractedProfile.RedFlagsResolved = false
	h.OfflineRecommendation = &offline.Recommendation{Level: "routine", Title: "Book a doctor's appointment", Advice: "Within a few days."}
	h.Escalation = &consultation.Escalation{Keywords: []string{"chest pain"}, Score: 9, Answer: "my chest hurts"}

	got := Summary(h)
	for _, want := range []string{"Emergency escalation", "chest pain (score 9)", "Red flags NOT resolved", "Book a doctor's appointment (routine)"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}

func TestDeliverFallsBackToText(t *testing.T) {
	saved := FontPaths
	FontPaths = []string{"/nonexistent/font.ttf"}
	defer func() { FontPaths = saved }()

	tg := &fakeTelegram{}
	svc := NewService(tg, 99, quietLogger())
	if err := svc.Deliver(context.Background(), sampleHandoff()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(tg.docs) != 0 || len(tg.messages) != 1 {
		t.Fatalf("expected one text message, got docs=%v messages=%d", tg.docs, len(tg.messages))
	}
	if tg.chatID != 99 {
		t.Errorf("chat id = %d", tg.chatID)
	}
}

func TestRenderPDFWithoutFont(t *testing.T) {
	saved := FontPaths
	FontPaths = nil
	defer func() { FontPaths = saved }()

	if _, err := RenderPDF(sampleHandoff()); !errors.Is(err, errNoFont) {
		t.Fatalf("expected errNoFont, got %v", err)
	}
}

func TestHighRisk(t *testing.T) {
	tg := &fakeTelegram{}
	svc := NewService(tg, 5, quietLogger())
	err := svc.HighRisk(context.Background(), consultation.Alert{
		SessionID:   uuid.New(),
		PatientName: "Sam",
		Escalation:  consultation.Escalation{Keywords: []string{"want to die"}, Score: 10, Crisis: true, Answer: "I want to die"},
		At:          time.Now(),
	})
	if err != nil {
		t.Fatalf("HighRisk: %v", err)
	}
	if len(tg.messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(tg.messages))
	}
	msg := tg.messages[0]
	if !strings.HasPrefix(msg, "CRISIS escalation") || !strings.Contains(msg, "Patient: Sam") {
		t.Errorf("unexpected alert %q", msg)
	}
}

func TestHighRiskPropagatesError(t *testing.T) {
	tg := &fakeTelegram{err: errors.New("blocked")}
	svc := NewService(tg, 5, quietLogger())
	if err := svc.HighRisk(context.Background(), consultation.Alert{}); err == nil {
		t.Fatal("expected error")
	}
}
