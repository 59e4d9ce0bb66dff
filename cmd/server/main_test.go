package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"symptom-triage/internal/config"
	"symptom-triage/internal/consultation"
	"symptom-triage/internal/offline"
	"symptom-triage/internal/rules"
)

func TestRunConsoleWalksOfflineTree(t *testing.T) {
	cfg := config.DefaultConfig()
	settings := settingsFrom(cfg)
	settings.ClosingDelay = 0
	settings.HandoffDelay = 0
	settings.OfflineDelay = 0
	svc := consultation.NewService(consultation.Deps{
		Rules:  rules.NewStaticStore(rules.Default()),
		Flow:   offline.Default(),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, settings)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	in := strings.NewReader("Yes\nChest\nNo\nNo\n")
	var out bytes.Buffer
	h, err := runConsole(ctx, svc, "sore throat", in, &out)
	if err != nil {
		t.Fatalf("runConsole: %v\n%s", err, out.String())
	}
	if h.OfflineRecommendation == nil || h.OfflineRecommendation.NodeID != "see_doctor" {
		t.Fatalf("unexpected recommendation %+v", h.OfflineRecommendation)
	}
	if !strings.Contains(out.String(), "Book a doctor's appointment") {
		t.Errorf("closing advice not printed:\n%s", out.String())
	}
}

func TestRunConsoleEOF(t *testing.T) {
	settings := consultation.DefaultSettings()
	settings.OfflineDelay = 0
	svc := consultation.NewService(consultation.Deps{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, settings)

	_, err := runConsole(context.Background(), svc, "sore throat", strings.NewReader(""), io.Discard)
	if err != io.ErrUnexpectedEOF {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestSettingsFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Timing.TurnTimeout = 3 * time.Second
	cfg.Thresholds.OutOfScopeLimit = 4
	cfg.Thresholds.WaiverMaxSeverity = 6

	s := settingsFrom(cfg)
	if s.TurnTimeout != 3*time.Second || s.OutOfScopeLimit != 4 || s.Scoring.WaiverMaxSeverity != 6 {
		t.Errorf("unexpected settings %+v", s)
	}
}

func TestOriginChecker(t *testing.T) {
	if originChecker([]string{"*"}) != nil {
		t.Error("wildcard should accept any origin")
	}
	check := originChecker([]string{"https://app.example.com"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Error("foreign origin accepted")
	}
	req.Header.Set("Origin", "https://app.example.com")
	if !check(req) {
		t.Error("allowed origin rejected")
	}
}
