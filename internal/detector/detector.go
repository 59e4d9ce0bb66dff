// Package detector screens user text for medical emergencies, mental-health
// crises and off-topic drift. Detection never fails: no match is a valid
// result.
package detector

import (
	"symptom-triage/internal/fuzzy"
	"symptom-triage/internal/rules"
	"symptom-triage/internal/slots"
)

const (
	// DefaultEmergencyThreshold is the highest-weight score at which a turn is
	// treated as an emergency.
	DefaultEmergencyThreshold = 8
	// DefaultCrisisThreshold is the summed-weight score at which text is
	// treated as a crisis.
	DefaultCrisisThreshold = 8
)

// Options carries the turn context for a detection.
type Options struct {
	IsUserInput bool
	// HistoryContext is the assistant question the text answers. A bare
	// affirmative answer is screened against it.
	HistoryContext string
	QuestionID     string
	// Exclude lists keywords that must not trigger, such as ones already
	// denied in a verification dialog or currently pending verification.
	Exclude []string
}

// Result is the outcome of an emergency screen.
type Result struct {
	IsEmergency     bool     `json:"is_emergency"`
	MatchedKeywords []string `json:"matched_keywords"`
	Score           int      `json:"score"`
	AffectedSystems []string `json:"affected_systems"`
	QuestionID      string   `json:"question_id,omitempty"`
}

// Emergency scores text by the highest weight among matched keywords.
type Emergency struct {
	matcher   *fuzzy.Matcher
	keywords  []rules.Keyword
	threshold int
}

// NewEmergency builds an emergency detector over the set's emergency table.
func NewEmergency(set *rules.Set, threshold int) *Emergency {
	if threshold <= 0 {
		threshold = DefaultEmergencyThreshold
	}
	return &Emergency{matcher: set.Matcher(), keywords: set.Emergency, threshold: threshold}
}

// Detect screens text. Non-user text is never screened.
func (d *Emergency) Detect(text string, opts Options) Result {
	res := Result{QuestionID: opts.QuestionID}
	if !opts.IsUserInput {
		return res
	}

	candidates := filterExcluded(d.keywords, opts.Exclude)
	matched := matchKeywords(d.matcher, text, candidates)
	if len(matched) == 0 && opts.HistoryContext != "" && slots.IsAffirmative(text) {
		matched = matchKeywords(d.matcher, opts.HistoryContext, candidates)
	}

	seenSystem := make(map[string]bool)
	for _, kw := range matched {
		res.MatchedKeywords = append(res.MatchedKeywords, kw.Term)
		if kw.Weight > res.Score {
			res.Score = kw.Weight
		}
		if kw.System != "" && !seenSystem[kw.System] {
			seenSystem[kw.System] = true
			res.AffectedSystems = append(res.AffectedSystems, kw.System)
		}
	}
	res.IsEmergency = res.Score >= d.threshold
	return res
}

// CrisisResult is the outcome of a crisis screen.
type CrisisResult struct {
	IsCrisis        bool     `json:"is_crisis"`
	MatchedKeywords []string `json:"matched_keywords"`
	Score           int      `json:"score"`
}

// Crisis scores text by the sum of matched keyword weights.
type Crisis struct {
	matcher   *fuzzy.Matcher
	keywords  []rules.Keyword
	threshold int
}

// NewCrisis builds a crisis detector over the set's crisis table.
func NewCrisis(set *rules.Set, threshold int) *Crisis {
	if threshold <= 0 {
		threshold = DefaultCrisisThreshold
	}
	return &Crisis{matcher: set.Matcher(), keywords: set.Crisis, threshold: threshold}
}

// Detect screens text for crisis language.
func (d *Crisis) Detect(text string) CrisisResult {
	var res CrisisResult
	for _, kw := range matchKeywords(d.matcher, text, d.keywords) {
		res.MatchedKeywords = append(res.MatchedKeywords, kw.Term)
		res.Score += kw.Weight
	}
	res.IsCrisis = res.Score >= d.threshold
	return res
}

// TopicDrift recognises requests outside symptom triage.
type TopicDrift struct {
	matcher *fuzzy.Matcher
	phrases []string
}

// NewTopicDrift builds a matcher over the set's out-of-scope phrases.
func NewTopicDrift(set *rules.Set) *TopicDrift {
	return &TopicDrift{matcher: set.Matcher(), phrases: set.OutOfScope}
}

// Match returns the first out-of-scope phrase found in text.
func (t *TopicDrift) Match(text string) (string, bool) {
	hits := t.matcher.Match(text, t.phrases)
	if len(hits) == 0 {
		return "", false
	}
	return hits[0], true
}

func matchKeywords(m *fuzzy.Matcher, text string, keywords []rules.Keyword) []rules.Keyword {
	terms := make([]string, len(keywords))
	byTerm := make(map[string]rules.Keyword, len(keywords))
	for i, kw := range keywords {
		terms[i] = kw.Term
		byTerm[kw.Term] = kw
	}
	hits := m.Match(text, terms)
	out := make([]rules.Keyword, 0, len(hits))
	for _, h := range hits {
		out = append(out, byTerm[h])
	}
	return out
}

func filterExcluded(keywords []rules.Keyword, exclude []string) []rules.Keyword {
	if len(exclude) == 0 {
		return keywords
	}
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[fuzzy.Normalize(e)] = true
	}
	out := make([]rules.Keyword, 0, len(keywords))
	for _, kw := range keywords {
		if !skip[fuzzy.Normalize(kw.Term)] {
			out = append(out, kw)
		}
	}
	return out
}
