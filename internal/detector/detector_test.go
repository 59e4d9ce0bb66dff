package detector

import (
	"slices"
	"testing"

	"symptom-triage/internal/rules"
)

func TestEmergencyDetect(t *testing.T) {
	d := NewEmergency(rules.Default(), 0)

	tests := []struct {
		name      string
		text      string
		emergency bool
		score     int
		keyword   string
	}{
		{"crushing chest pain", "I have crushing chest pain", true, 10, "crushing chest pain"},
		{"misspelled", "sharp chest pian since lunch", true, 9, "chest pain"},
		{"below threshold", "I'm a bit dizzy", false, 4, "dizzy"},
		{"nothing", "mild headache since yesterday", false, 0, ""},
		{"false positive", "I keep doing the same thing", false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := d.Detect(tt.text, Options{IsUserInput: true})
			if res.IsEmergency != tt.emergency {
				t.Errorf("IsEmergency = %v, want %v", res.IsEmergency, tt.emergency)
			}
			if res.Score != tt.score {
				t.Errorf("Score = %d, want %d", res.Score, tt.score)
			}
			if tt.keyword != "" && !slices.Contains(res.MatchedKeywords, tt.keyword) {
				t.Errorf("MatchedKeywords = %v, want %q", res.MatchedKeywords, tt.keyword)
			}
		})
	}
}

func TestEmergencySystemsDeduplicated(t *testing.T) {
	d := NewEmergency(rules.Default(), 0)
	res := d.Detect("crushing chest pain and chest pressure", Options{IsUserInput: true})
	if len(res.AffectedSystems) != 1 || res.AffectedSystems[0] != "cardiac" {
		t.Errorf("AffectedSystems = %v, want [cardiac]", res.AffectedSystems)
	}
}

func TestEmergencySkipsNonUserInput(t *testing.T) {
	d := NewEmergency(rules.Default(), 0)
	res := d.Detect("Do you have chest pain?", Options{IsUserInput: false, QuestionID: "q1"})
	if res.IsEmergency || len(res.MatchedKeywords) != 0 {
		t.Errorf("assistant text was screened: %+v", res)
	}
	if res.QuestionID != "q1" {
		t.Errorf("QuestionID = %q", res.QuestionID)
	}
}

func TestEmergencyExclude(t *testing.T) {
	d := NewEmergency(rules.Default(), 0)
	res := d.Detect("still some chest pain", Options{
		IsUserInput: true,
		Exclude:     []string{"Chest Pain"},
	})
	if res.IsEmergency {
		t.Errorf("excluded keyword triggered: %+v", res)
	}
}

func TestEmergencyAffirmativeUsesHistory(t *testing.T) {
	d := NewEmergency(rules.Default(), 0)

	res := d.Detect("yes", Options{IsUserInput: true, HistoryContext: "Do you have chest pain right now?"})
	if !res.IsEmergency || !slices.Contains(res.MatchedKeywords, "chest pain") {
		t.Errorf("affirmative answer not screened against question: %+v", res)
	}

	res = d.Detect("no", Options{IsUserInput: true, HistoryContext: "Do you have chest pain right now?"})
	if res.IsEmergency {
		t.Errorf("negative answer triggered: %+v", res)
	}
}

func TestEmergencyCustomThreshold(t *testing.T) {
	d := NewEmergency(rules.Default(), 4)
	if !d.Detect("feeling dizzy", Options{IsUserInput: true}).IsEmergency {
		t.Error("threshold 4 should flag dizzy")
	}
}

func TestCrisisSumsWeights(t *testing.T) {
	d := NewCrisis(rules.Default(), 0)

	res := d.Detect("I feel hopeless and worthless")
	if res.IsCrisis || res.Score != 7 {
		t.Errorf("hopeless+worthless: %+v, want score 7 below threshold", res)
	}

	res = d.Detect("hopeless, worthless, I can't go on")
	if !res.IsCrisis || res.Score != 13 {
		t.Errorf("summed crisis: %+v, want score 13", res)
	}

	res = d.Detect("I want to die")
	if !res.IsCrisis {
		t.Errorf("single strong keyword: %+v", res)
	}

	if d.Detect("I want to dye my hair").IsCrisis {
		t.Error("dye matched die")
	}
}

func TestTopicDrift(t *testing.T) {
	td := NewTopicDrift(rules.Default())

	phrase, ok := td.Match("can you tell me a joke")
	if !ok || phrase != "tell me a joke" {
		t.Errorf("Match = %q, %v", phrase, ok)
	}
	if _, ok := td.Match("my knee hurts when I walk"); ok {
		t.Error("symptom answer flagged as off-topic")
	}
}
