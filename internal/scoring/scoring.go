// Package scoring computes the triage readiness score and applies the
// System-Based Lock that escalates the category on critical-system symptoms.
package scoring

import (
	"math"
	"strings"

	"symptom-triage/internal/fuzzy"
	"symptom-triage/internal/rules"
	"symptom-triage/internal/slots"
)

// Category is the triage category of an assessment.
type Category string

const (
	CategorySimple   Category = "simple"
	CategoryComplex  Category = "complex"
	CategoryCritical Category = "critical"
)

// Rank orders categories by urgency. Unknown categories rank lowest.
func (c Category) Rank() int {
	switch c {
	case CategorySimple:
		return 1
	case CategoryComplex:
		return 2
	case CategoryCritical:
		return 3
	}
	return 0
}

const (
	// DefaultWaiverMaxSeverity is the highest numeric severity (out of 10)
	// that still qualifies a simple, mild complaint for the reduced slot set.
	DefaultWaiverMaxSeverity = 4
	// DefaultComplexMinTurns is the number of turns a complex assessment must
	// run before its score may exceed ComplexCap.
	DefaultComplexMinTurns = 7
)

// Caps and deductions applied by Score.
const (
	MissingSlotCap        = 0.8
	MissingSlotPenalty    = 0.10
	UncertaintyBase       = 0.05
	UncertaintyPerSlot    = 0.05
	RedFlagCap            = 0.4
	FrictionCap           = 0.6
	AmbiguityCap          = 0.7
	ComplexCap            = 0.85
	InconsistencyPenalty  = 0.4
	LowDenialPenalty      = 0.2
	waiverMinSeverity     = 1
	initialReadinessScore = 1.0
)

// Thresholds are the tunable constants of the scoring algorithm.
type Thresholds struct {
	WaiverMaxSeverity int
	ComplexMinTurns   int
}

// DefaultThresholds returns the reference values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WaiverMaxSeverity: DefaultWaiverMaxSeverity,
		ComplexMinTurns:   DefaultComplexMinTurns,
	}
}

// Input is everything the score depends on.
type Input struct {
	Category              Category
	Slots                 slots.ClinicalSlots
	Turns                 int
	SymptomText           string
	RedFlagsResolved      bool
	UncertaintyAccepted   bool
	FrictionDetected      bool
	AmbiguityDetected     bool
	InconsistencyDetected bool
	DenialConfidence      slots.DenialConfidence
}

// Result is the scored outcome.
type Result struct {
	Score         float64      `json:"score"`
	Category      Category     `json:"category"`
	Escalated     bool         `json:"escalated"`
	LockedSystems []string     `json:"locked_systems,omitempty"`
	MissingSlots  []slots.Slot `json:"missing_slots,omitempty"`
	WaiverApplied bool         `json:"waiver_applied"`
}

// RuleSource supplies the current system groups.
type RuleSource interface {
	Current() *rules.Set
}

// Engine scores assessments.
type Engine struct {
	rules      RuleSource
	thresholds Thresholds
}

// NewEngine returns an engine reading system groups from src. Zero threshold
// fields take their defaults.
func NewEngine(src RuleSource, t Thresholds) *Engine {
	if t.WaiverMaxSeverity <= 0 {
		t.WaiverMaxSeverity = DefaultWaiverMaxSeverity
	}
	if t.ComplexMinTurns <= 0 {
		t.ComplexMinTurns = DefaultComplexMinTurns
	}
	return &Engine{rules: src, thresholds: t}
}

// Score runs the readiness algorithm. The order of the steps matters: caps
// apply after deductions and the System-Based Lock runs last.
func (e *Engine) Score(in Input) Result {
	res := Result{Category: in.Category}
	if res.Category.Rank() == 0 {
		res.Category = CategorySimple
	}
	score := initialReadinessScore

	required := RequiredSlots(res.Category)
	if e.waiverApplies(res.Category, in.Slots) {
		required = []slots.Slot{slots.SlotDuration, slots.SlotSeverity}
		res.WaiverApplied = true
	}
	for _, s := range required {
		if !in.Slots.Has(s) {
			res.MissingSlots = append(res.MissingSlots, s)
		}
	}
	if n := float64(len(res.MissingSlots)); n > 0 {
		if in.UncertaintyAccepted {
			score -= UncertaintyBase + UncertaintyPerSlot*n
		} else {
			score = math.Min(score, MissingSlotCap)
			score -= MissingSlotPenalty * n
		}
	}

	if !in.RedFlagsResolved {
		score = math.Min(score, RedFlagCap)
	}
	if in.FrictionDetected {
		score = math.Min(score, FrictionCap)
	}
	if in.AmbiguityDetected {
		score = math.Min(score, AmbiguityCap)
	}
	if res.Category == CategoryComplex && in.Turns < e.thresholds.ComplexMinTurns {
		score = math.Min(score, ComplexCap)
	}

	if in.InconsistencyDetected {
		score -= InconsistencyPenalty
	}
	if in.DenialConfidence == slots.DenialLow {
		score -= LowDenialPenalty
	}

	for _, g := range e.LockedGroups(in.SymptomText) {
		res.LockedSystems = append(res.LockedSystems, g.Name)
		if cat := Category(g.Category); cat.Rank() > res.Category.Rank() {
			res.Category = cat
			res.Escalated = true
		}
	}
	if res.Escalated && res.Category.Rank() >= CategoryComplex.Rank() && in.Turns < e.thresholds.ComplexMinTurns {
		score = math.Min(score, ComplexCap)
	}

	res.Score = math.Max(0, math.Min(1, score))
	return res
}

// LockedGroups returns the system groups with at least one keyword whose
// words all appear in text, in any order.
func (e *Engine) LockedGroups(text string) []rules.SystemGroup {
	set := e.rules.Current()
	if set == nil {
		return nil
	}
	words := make(map[string]bool)
	for _, w := range strings.Fields(fuzzy.Normalize(text)) {
		words[w] = true
	}
	if len(words) == 0 {
		return nil
	}

	var out []rules.SystemGroup
	for _, g := range set.SystemGroups {
		for _, kw := range g.Keywords {
			if allWordsPresent(words, kw) {
				out = append(out, g)
				break
			}
		}
	}
	return out
}

// RequiredSlots is the core slot set for a category.
func RequiredSlots(c Category) []slots.Slot {
	if c == CategorySimple {
		return []slots.Slot{slots.SlotAge, slots.SlotDuration, slots.SlotSeverity}
	}
	return []slots.Slot{slots.SlotAge, slots.SlotDuration, slots.SlotSeverity, slots.SlotProgression}
}

func (e *Engine) waiverApplies(c Category, s slots.ClinicalSlots) bool {
	if c != CategorySimple || s.Severity != slots.SeverityMild || s.SeverityScore == nil {
		return false
	}
	v := *s.SeverityScore
	return v >= waiverMinSeverity && v <= e.thresholds.WaiverMaxSeverity
}

func allWordsPresent(words map[string]bool, keyword string) bool {
	kw := strings.Fields(fuzzy.Normalize(keyword))
	if len(kw) == 0 {
		return false
	}
	for _, w := range kw {
		if !words[w] {
			return false
		}
	}
	return true
}
