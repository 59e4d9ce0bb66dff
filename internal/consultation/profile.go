package consultation

import (
	"strings"

	"symptom-triage/internal/scoring"
	"symptom-triage/internal/slots"
)

var denialRank = map[slots.DenialConfidence]int{
	slots.DenialNone:   0,
	slots.DenialHigh:   1,
	slots.DenialMedium: 2,
	slots.DenialLow:    3,
}

// worstDenial keeps the less confident of two denials.
func worstDenial(a, b slots.DenialConfidence) slots.DenialConfidence {
	if denialRank[b] > denialRank[a] {
		return b
	}
	return a
}

// reconcile merges a remote profile with locally tracked state and scores it.
// Local slots override remote ones. Safety flags take the worst case of the
// two sides, so a remote profile can never relax a local safety signal.
// A category raised by a system lock is remembered on the session.
func (m *machine) reconcile(remote *AssessmentProfile, s *Session) *AssessmentProfile {
	p := remote.clone()
	if p == nil {
		p = &AssessmentProfile{Category: scoring.CategorySimple, RedFlagsResolved: true}
	}
	if p.Category.Rank() == 0 {
		p.Category = scoring.CategorySimple
	}

	merged := remoteSlots(p)
	merged.Merge(s.Slots)
	inconsistent := p.InconsistencyDetected || slotsConflict(p, s.Slots)

	if merged.Age != nil {
		v := *merged.Age
		p.Age = &v
	}
	if merged.Duration != "" {
		p.Duration = merged.Duration
	}
	if sev := merged.SeverityText(); sev != "" {
		p.Severity = sev
	}
	if merged.Progression != "" {
		p.Progression = merged.Progression
	}

	p.RedFlagsResolved = p.RedFlagsResolved && s.RedFlagsResolved
	p.AmbiguityDetected = p.AmbiguityDetected || s.Slots.AmbiguityDetected()
	p.FrictionDetected = p.FrictionDetected || s.FrictionDetected
	p.InconsistencyDetected = inconsistent
	p.UncertaintyAccepted = p.UncertaintyAccepted || s.UncertaintyAccepted
	p.DenialConfidence = worstDenial(p.DenialConfidence, s.DenialConfidence)
	p.IsRecentResolved = p.IsRecentResolved || s.IsRecentResolved
	if s.ResolvedKeyword != "" {
		p.ResolvedKeyword = s.ResolvedKeyword
	}

	res := m.scorer.Score(scoring.Input{
		Category:              p.Category,
		Slots:                 merged,
		Turns:                 len(s.Turns),
		SymptomText:           userText(s),
		RedFlagsResolved:      p.RedFlagsResolved,
		UncertaintyAccepted:   p.UncertaintyAccepted,
		FrictionDetected:      p.FrictionDetected,
		AmbiguityDetected:     p.AmbiguityDetected,
		InconsistencyDetected: p.InconsistencyDetected,
		DenialConfidence:      p.DenialConfidence,
	})
	if res.Escalated {
		s.SBLEscalated = true
	}
	p.Category = res.Category
	p.LockedSystems = res.LockedSystems
	p.TriageReadinessScore = res.Score
	return p
}

// remoteSlots reads a remote profile's free-text fields back into slots.
func remoteSlots(p *AssessmentProfile) slots.ClinicalSlots {
	var out slots.ClinicalSlots
	if p.Age != nil {
		v := *p.Age
		out.Age = &v
	}
	out.Duration = p.Duration
	if p.Severity != "" {
		sev := slots.Extract(p.Severity, slots.SlotSeverity)
		out.Severity, out.SeverityScore = sev.Severity, sev.SeverityScore
	}
	if p.Progression != "" {
		if prog := slots.Extract(p.Progression, slots.SlotProgression).Progression; prog != "" {
			out.Progression = prog
		} else {
			out.Progression = p.Progression
		}
	}
	return out
}

// slotsConflict reports contradictions between what the user said and what
// the remote side extracted, or within the user's own severity answers.
func slotsConflict(p *AssessmentProfile, local slots.ClinicalSlots) bool {
	if p.Age != nil && local.Age != nil && *p.Age != *local.Age {
		return true
	}
	if local.SeverityScore != nil {
		v := *local.SeverityScore
		switch local.Severity {
		case slots.SeverityMild:
			return v >= 7
		case slots.SeveritySevere:
			return v <= 3
		}
	}
	return false
}

// userText is the initial symptom plus every user message.
func userText(s *Session) string {
	parts := []string{s.InitialSymptom}
	for _, msg := range s.Messages {
		if msg.Sender == SenderUser && msg.Text != s.InitialSymptom {
			parts = append(parts, msg.Text)
		}
	}
	return strings.Join(parts, " ")
}
