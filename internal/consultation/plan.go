package consultation

import (
	"fmt"
	"strings"

	"symptom-triage/internal/offline"
	"symptom-triage/internal/slots"
)

// DefaultPlan is used when the remote planner returns no questions.
func DefaultPlan() []AssessmentQuestion {
	return []AssessmentQuestion{
		{
			ID:       "basics",
			Text:     "How old are you, and how long have you had these symptoms?",
			Type:     QuestionText,
			Metadata: QuestionMeta{Slots: []slots.Slot{slots.SlotAge, slots.SlotDuration}},
		},
		{
			ID:       "severity",
			Text:     "On a scale of 1 to 10, how bad is it right now?",
			Type:     QuestionNumber,
			Metadata: QuestionMeta{Slots: []slots.Slot{slots.SlotSeverity}},
		},
		{
			ID:       "progression",
			Text:     "Is it getting better, getting worse, or staying the same?",
			Type:     QuestionSingleSelect,
			Options:  FlatOptions("Getting better", "Getting worse", "Staying the same", "Comes and goes"),
			Metadata: QuestionMeta{Slots: []slots.Slot{slots.SlotProgression}},
		},
		{
			ID:       "red_flags",
			Text:     "Do you have any chest pain, difficulty breathing, fainting or sudden weakness?",
			Type:     QuestionSingleSelect,
			Options:  FlatOptions("Yes", "No", "Not sure"),
			Metadata: QuestionMeta{RedFlag: true},
		},
		{
			ID:   "associated",
			Text: "Have you noticed any of these other symptoms?",
			Type: QuestionMultiSelect,
			Options: GroupedOptions(
				OptionGroup{Category: "General", Items: []string{"Fever", "Fatigue", "Chills"}},
				OptionGroup{Category: "Digestive", Items: []string{"Nausea", "Vomiting", "Diarrhea"}},
				OptionGroup{Category: "Other", Items: []string{"Rash", "Cough", "Headache", "None of these"}},
			),
		},
		{
			ID:   "history",
			Text: "Do you take any regular medication or have any ongoing medical conditions?",
			Type: QuestionText,
		},
	}
}

// prunePlan drops questions at or after from whose slots are all known.
// Earlier questions are history and stay untouched.
func prunePlan(plan []AssessmentQuestion, from int, known slots.ClinicalSlots) []AssessmentQuestion {
	if from < 0 {
		from = 0
	}
	out := make([]AssessmentQuestion, 0, len(plan))
	for i, q := range plan {
		if i >= from && answeredBySlots(q, known) {
			continue
		}
		out = append(out, q)
	}
	return out
}

func answeredBySlots(q AssessmentQuestion, known slots.ClinicalSlots) bool {
	if len(q.Metadata.Slots) == 0 {
		return false
	}
	for _, s := range q.Metadata.Slots {
		if !known.Has(s) {
			return false
		}
	}
	return true
}

func hasRedFlagQuestion(plan []AssessmentQuestion) bool {
	for _, q := range plan {
		if q.Metadata.RedFlag {
			return true
		}
	}
	return false
}

// injectQuestion splices q into plan at index unless a question with the same
// id is still ahead.
func injectQuestion(plan []AssessmentQuestion, index int, q AssessmentQuestion) ([]AssessmentQuestion, bool) {
	for _, existing := range plan[min(index, len(plan)):] {
		if existing.ID == q.ID {
			return plan, false
		}
	}
	q.Metadata.Injected = true
	index = max(0, min(index, len(plan)))
	out := make([]AssessmentQuestion, 0, len(plan)+1)
	out = append(out, plan[:index]...)
	out = append(out, q)
	out = append(out, plan[index:]...)
	return out, true
}

// insertAfter places q after the question with id afterID in the full plan,
// or at the end when afterID is not found.
func insertAfter(plan []AssessmentQuestion, afterID string, q AssessmentQuestion) []AssessmentQuestion {
	for i, existing := range plan {
		if existing.ID == afterID {
			out := make([]AssessmentQuestion, 0, len(plan)+1)
			out = append(out, plan[:i+1]...)
			out = append(out, q)
			return append(out, plan[i+1:]...)
		}
	}
	return append(plan, q)
}

// transcript formats every planned question with its answer. Questions pruned
// because the slots were already known are answered from the slots; anything
// else the user never reached is NotAnswered.
func transcript(s *Session, flow *offline.Flow) []Answer {
	if s.IsOfflineMode {
		return offlineTranscript(s, flow)
	}
	out := make([]Answer, 0, len(s.FullPlan))
	for _, q := range s.FullPlan {
		answer, ok := s.Answers[q.ID]
		if !ok && answeredBySlots(q, s.Slots) {
			answer, ok = slotAnswer(q, s.Slots), true
		}
		if !ok || strings.TrimSpace(answer) == "" {
			answer = NotAnswered
		}
		out = append(out, Answer{Question: q.Text, Answer: answer})
	}
	return out
}

func offlineTranscript(s *Session, flow *offline.Flow) []Answer {
	var out []Answer
	for _, id := range s.OfflinePath {
		text := id
		if flow != nil {
			if n, err := flow.Node(id); err == nil {
				text = n.Text
			}
		}
		answer, ok := s.Answers[id]
		if !ok {
			answer = NotAnswered
		}
		out = append(out, Answer{Question: text, Answer: answer})
	}
	return out
}

func slotAnswer(q AssessmentQuestion, known slots.ClinicalSlots) string {
	parts := make([]string, 0, len(q.Metadata.Slots))
	for _, s := range q.Metadata.Slots {
		switch s {
		case slots.SlotAge:
			parts = append(parts, fmt.Sprintf("age %d", *known.Age))
		case slots.SlotDuration:
			parts = append(parts, known.Duration)
		case slots.SlotSeverity:
			parts = append(parts, known.SeverityText())
		case slots.SlotProgression:
			parts = append(parts, known.Progression)
		}
	}
	return strings.Join(parts, ", ")
}
