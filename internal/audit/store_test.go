package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"symptom-triage/internal/consultation"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndBySession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, other := uuid.New(), uuid.New()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	turns := []consultation.TurnMeta{
		{QuestionID: "basics", Intent: consultation.IntentAnswer, Outcome: "ok", Timestamp: base},
		{QuestionID: "severity", Intent: consultation.IntentOutOfScope, Outcome: "soft_redirect", Timestamp: base.Add(time.Second)},
		{QuestionID: "severity", Intent: consultation.IntentAnswer, Outcome: "ok", Timestamp: base.Add(2 * time.Second)},
	}
	for _, turn := range turns {
		if err := s.Record(ctx, id, turn); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if err := s.Record(ctx, other, consultation.TurnMeta{Intent: consultation.IntentEmergency}); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := s.BySession(ctx, id)
	if err != nil {
		t.Fatalf("BySession: %v", err)
	}
	if len(got) != len(turns) {
		t.Fatalf("got %d turns, want %d", len(got), len(turns))
	}
	for i := range turns {
		if got[i].QuestionID != turns[i].QuestionID || got[i].Intent != turns[i].Intent || got[i].Outcome != turns[i].Outcome {
			t.Errorf("turn %d = %+v, want %+v", i, got[i], turns[i])
		}
		if !got[i].Timestamp.Equal(turns[i].Timestamp) {
			t.Errorf("turn %d timestamp = %v, want %v", i, got[i].Timestamp, turns[i].Timestamp)
		}
	}
}

func TestIntentCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id := uuid.New()
	for _, intent := range []string{consultation.IntentAnswer, consultation.IntentAnswer, consultation.IntentRetry} {
		if err := s.Record(ctx, id, consultation.TurnMeta{Intent: intent}); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := s.IntentCounts(ctx)
	if err != nil {
		t.Fatalf("IntentCounts: %v", err)
	}
	if counts[consultation.IntentAnswer] != 2 || counts[consultation.IntentRetry] != 1 {
		t.Errorf("unexpected counts %v", counts)
	}
}

func TestOpenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if err := s.Record(context.Background(), uuid.New(), consultation.TurnMeta{Intent: consultation.IntentOffline}); err != nil {
		t.Fatalf("Record: %v", err)
	}
}
