// Package slots extracts clinical facts (age, duration, severity,
// progression) from free text with deterministic pattern rules.
package slots

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Slot names a clinical fact.
type Slot string

const (
	SlotAge         Slot = "age"
	SlotDuration    Slot = "duration"
	SlotSeverity    Slot = "severity"
	SlotProgression Slot = "progression"
)

// Progression values.
const (
	ProgressionWorsening    = "worsening"
	ProgressionImproving    = "improving"
	ProgressionStable       = "stable"
	ProgressionIntermittent = "intermittent"
)

// Qualitative severity descriptors.
const (
	SeverityMild     = "mild"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)

// ClinicalSlots is the partial record of extracted facts.
type ClinicalSlots struct {
	Age           *int   `json:"age,omitempty"`
	Duration      string `json:"duration,omitempty"`
	Severity      string `json:"severity,omitempty"`
	SeverityScore *int   `json:"severity_score,omitempty"`
	Progression   string `json:"progression,omitempty"`
	HedgedSlots   []Slot `json:"hedged_slots,omitempty"`
}

// Has reports whether slot is filled.
func (c ClinicalSlots) Has(slot Slot) bool {
	switch slot {
	case SlotAge:
		return c.Age != nil
	case SlotDuration:
		return c.Duration != ""
	case SlotSeverity:
		return c.Severity != "" || c.SeverityScore != nil
	case SlotProgression:
		return c.Progression != ""
	}
	return false
}

// Filled lists the filled slots.
func (c ClinicalSlots) Filled() []Slot {
	var out []Slot
	for _, s := range []Slot{SlotAge, SlotDuration, SlotSeverity, SlotProgression} {
		if c.Has(s) {
			out = append(out, s)
		}
	}
	return out
}

// IsHedged reports whether slot was last given with hedging language.
func (c ClinicalSlots) IsHedged(slot Slot) bool {
	for _, s := range c.HedgedSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// AmbiguityDetected is true when severity or progression was hedged.
func (c ClinicalSlots) AmbiguityDetected() bool {
	return c.IsHedged(SlotSeverity) || c.IsHedged(SlotProgression)
}

// SeverityText renders severity for a profile: "7/10 (severe)", "mild", ...
func (c ClinicalSlots) SeverityText() string {
	switch {
	case c.SeverityScore != nil && c.Severity != "":
		return fmt.Sprintf("%d/10 (%s)", *c.SeverityScore, c.Severity)
	case c.SeverityScore != nil:
		return fmt.Sprintf("%d/10", *c.SeverityScore)
	default:
		return c.Severity
	}
}

// Merge folds a turn's extraction into c. Filled values are only ever
// replaced by newer filled values, never cleared.
func (c *ClinicalSlots) Merge(turn ClinicalSlots) {
	if turn.Age != nil {
		v := *turn.Age
		c.Age = &v
		c.setHedged(SlotAge, turn.IsHedged(SlotAge))
	}
	if turn.Duration != "" {
		c.Duration = turn.Duration
		c.setHedged(SlotDuration, turn.IsHedged(SlotDuration))
	}
	if turn.Severity != "" {
		c.Severity = turn.Severity
	}
	if turn.SeverityScore != nil {
		v := *turn.SeverityScore
		c.SeverityScore = &v
	}
	if turn.Has(SlotSeverity) {
		c.setHedged(SlotSeverity, turn.IsHedged(SlotSeverity))
	}
	if turn.Progression != "" {
		c.Progression = turn.Progression
		c.setHedged(SlotProgression, turn.IsHedged(SlotProgression))
	}
}

// Clone returns a deep copy.
func (c ClinicalSlots) Clone() ClinicalSlots {
	out := c
	if c.Age != nil {
		v := *c.Age
		out.Age = &v
	}
	if c.SeverityScore != nil {
		v := *c.SeverityScore
		out.SeverityScore = &v
	}
	out.HedgedSlots = append([]Slot(nil), c.HedgedSlots...)
	return out
}

func (c *ClinicalSlots) setHedged(slot Slot, hedged bool) {
	kept := c.HedgedSlots[:0]
	for _, s := range c.HedgedSlots {
		if s != slot {
			kept = append(kept, s)
		}
	}
	c.HedgedSlots = kept
	if hedged {
		c.HedgedSlots = append(c.HedgedSlots, slot)
	}
}

// TurnResult is what one turn contributed and the running snapshot after it.
type TurnResult struct {
	FromTurn   ClinicalSlots `json:"from_turn"`
	Aggregated ClinicalSlots `json:"aggregated"`
	Hedged     bool          `json:"hedged"`
}

// Parser accumulates slots across the turns of one session. It is not safe
// for concurrent use; each session owns its own parser.
type Parser struct {
	agg ClinicalSlots
}

// NewParser returns an empty parser.
func NewParser() *Parser {
	return &Parser{}
}

// NewParserFrom resumes a parser from a saved snapshot.
func NewParserFrom(snapshot ClinicalSlots) *Parser {
	return &Parser{agg: snapshot.Clone()}
}

// ParseTurn extracts slots from free text with no question context.
func (p *Parser) ParseTurn(text string) TurnResult {
	return p.ParseAnswer(text, "")
}

// ParseAnswer extracts slots from an answer to a question that asked for
// expect. A bare number is accepted for the expected slot.
func (p *Parser) ParseAnswer(text string, expect Slot) TurnResult {
	turn := Extract(text, expect)
	p.agg.Merge(turn)
	return TurnResult{
		FromTurn:   turn,
		Aggregated: p.agg.Clone(),
		Hedged:     len(turn.HedgedSlots) > 0,
	}
}

// Snapshot returns a copy of the aggregated slots.
func (p *Parser) Snapshot() ClinicalSlots {
	return p.agg.Clone()
}

// Reset clears all accumulated slots.
func (p *Parser) Reset() {
	p.agg = ClinicalSlots{}
}

var (
	ageStatedRe = regexp.MustCompile(`\b(?:i am|i'm|im|aged?|age is|age of)\s+(\d{1,3})\b`)
	ageOldRe    = regexp.MustCompile(`\b(\d{1,3})\s*-?\s*(?:years?|yrs?)\s*-?\s*old\b`)
	ageYoRe     = regexp.MustCompile(`\b(\d{1,3})\s*(?:yo|y / o|y\.o\.?)\b`)

	severityOutOfRe = regexp.MustCompile(`(\d+(?:\.\d+)?)(?:\s*(?:-|to|or)\s*(\d+(?:\.\d+)?))?\s*(?:/|out of)\s*10\b`)
	severityLabelRe = regexp.MustCompile(`\b(?:severity|pain level|level|rate it|rated it|rating)\s*(?:is|of|at|about|around|a)?\s*(\d+(?:\.\d+)?)\b`)

	durationRe = regexp.MustCompile(`\b(\d+(?:\.\d+)?|an?|a few|few|a couple(?: of)?|couple(?: of)?|several)\s+(minutes?|mins?|hours?|hrs?|days?|weeks?|wks?|months?|years?)\b`)
	sinceRe    = regexp.MustCompile(`\bsince\s+(yesterday|this morning|last night|this afternoon|last week|last month|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b`)

	unitSuffixRe = regexp.MustCompile(`^\s*(?:/|out of|%|minutes?|mins?|hours?|hrs?|days?|weeks?|wks?|months?|years?(?:\s+ago)?\b)`)
	oldSuffixRe  = regexp.MustCompile(`^\s*-?\s*old\b`)
)

var durationUnits = map[string]string{
	"minute": "minute", "minutes": "minute", "min": "minute", "mins": "minute",
	"hour": "hour", "hours": "hour", "hr": "hour", "hrs": "hour",
	"day": "day", "days": "day",
	"week": "week", "weeks": "week", "wk": "week", "wks": "week",
	"month": "month", "months": "month",
	"year": "year", "years": "year",
}

var durationPhrases = []struct{ phrase, value string }{
	{"just started", "just started"},
	{"just now", "just started"},
	{"last night", "since last night"},
	{"this morning", "since this morning"},
	{"yesterday", "since yesterday"},
	{"today", "today"},
}

var severityWords = []struct {
	re    *regexp.Regexp
	value string
}{
	{regexp.MustCompile(`\b(?:mild|minor|slight|slightly|a little|a bit)\b`), SeverityMild},
	{regexp.MustCompile(`\b(?:moderate|medium|not too bad|manageable)\b`), SeverityModerate},
	{regexp.MustCompile(`\b(?:severe|intense|excruciating|unbearable|terrible|worst|extreme|agonizing)\b`), SeveritySevere},
}

var progressionPhrases = []struct {
	re    *regexp.Regexp
	value string
}{
	{regexp.MustCompile(`\b(?:not getting (?:better|worse)|not improving|no better|not worse|no change|unchanged|the same|same as before|stable|steady|constant)\b`), ProgressionStable},
	{regexp.MustCompile(`\b(?:comes and goes|on and off|off and on|intermittent|in waves|on off)\b`), ProgressionIntermittent},
	{regexp.MustCompile(`\b(?:getting worse|worse|worsening|increasing|escalating|intensifying|more painful|spreading)\b`), ProgressionWorsening},
	{regexp.MustCompile(`\b(?:getting better|better|improving|easing|subsiding|less painful|going away)\b`), ProgressionImproving},
}

var hedgeRe = regexp.MustCompile(`\b(?:maybe|i think|i guess|probably|possibly|perhaps|not sure|unsure|kind of|kinda|sort of|might be|i suppose)\b`)

// Extract pulls slots out of a single piece of text. Nothing found yields an
// empty result.
func Extract(text string, expect Slot) ClinicalSlots {
	norm := NormalizeNumerals(text)
	var out ClinicalSlots

	if age, ok := extractAge(norm, expect); ok {
		out.Age = &age
	}
	out.Duration = extractDuration(norm)
	out.Severity, out.SeverityScore = extractSeverity(norm, expect)
	out.Progression = extractProgression(norm)

	if hedgeRe.MatchString(norm) {
		out.HedgedSlots = out.Filled()
	}
	return out
}

func extractAge(norm string, expect Slot) (int, bool) {
	if m := ageOldRe.FindStringSubmatch(norm); m != nil {
		return validAge(m[1])
	}
	if m := ageYoRe.FindStringSubmatch(norm); m != nil {
		return validAge(m[1])
	}
	for _, loc := range ageStatedRe.FindAllStringSubmatchIndex(norm, -1) {
		if unitSuffixRe.MatchString(norm[loc[1]:]) {
			continue
		}
		if age, ok := validAge(norm[loc[2]:loc[3]]); ok {
			return age, true
		}
	}
	if expect == SlotAge {
		if v, ok := ParseNumber(norm); ok {
			return validAge(strconv.Itoa(roundInt(v)))
		}
	}
	return 0, false
}

func validAge(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || v > 120 {
		return 0, false
	}
	return v, true
}

func extractDuration(norm string) string {
	for _, loc := range durationRe.FindAllStringSubmatchIndex(norm, -1) {
		if oldSuffixRe.MatchString(norm[loc[1]:]) {
			continue
		}
		qty := norm[loc[2]:loc[3]]
		unit := durationUnits[norm[loc[4]:loc[5]]]
		switch qty {
		case "a", "an":
			return "1 " + unit
		case "few", "a few":
			return "a few " + unit + "s"
		case "several":
			return "several " + unit + "s"
		}
		if strings.Contains(qty, "couple") {
			return "2 " + unit + "s"
		}
		if qty == "1" {
			return "1 " + unit
		}
		return qty + " " + unit + "s"
	}
	if m := sinceRe.FindStringSubmatch(norm); m != nil {
		return "since " + m[1]
	}
	for _, p := range durationPhrases {
		if strings.Contains(norm, p.phrase) {
			return p.value
		}
	}
	return ""
}

func extractSeverity(norm string, expect Slot) (string, *int) {
	var descriptor string
	for _, w := range severityWords {
		if w.re.MatchString(norm) {
			descriptor = w.value
			break
		}
	}

	var score *int
	if m := severityOutOfRe.FindStringSubmatch(norm); m != nil {
		score = scoreFrom(m[1], m[2])
	} else if m := severityLabelRe.FindStringSubmatch(norm); m != nil {
		score = scoreFrom(m[1], "")
	} else if expect == SlotSeverity {
		if v, ok := ParseNumber(norm); ok && v >= 0 && v <= 10 {
			s := roundInt(v)
			score = &s
		}
	}
	return descriptor, score
}

func scoreFrom(lo, hi string) *int {
	v, err := strconv.ParseFloat(lo, 64)
	if err != nil {
		return nil
	}
	if hi != "" {
		if h, err := strconv.ParseFloat(hi, 64); err == nil {
			v = (v + h) / 2
		}
	}
	if v < 0 || v > 10 {
		return nil
	}
	s := roundInt(v)
	return &s
}

func extractProgression(norm string) string {
	for _, p := range progressionPhrases {
		if p.re.MatchString(norm) {
			return p.value
		}
	}
	return ""
}
