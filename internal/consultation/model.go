package consultation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"symptom-triage/internal/detector"
	"symptom-triage/internal/offline"
	"symptom-triage/internal/scoring"
	"symptom-triage/internal/slots"
)

// Stage is the forward-only progression of an assessment.
type Stage string

const (
	StageIntake     Stage = "intake"
	StageFollowUp   Stage = "follow_up"
	StageReview     Stage = "review"
	StageGenerating Stage = "generating"
)

func (s Stage) rank() int {
	switch s {
	case StageIntake:
		return 0
	case StageFollowUp:
		return 1
	case StageReview:
		return 2
	case StageGenerating:
		return 3
	}
	return -1
}

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// MessageKind tags assistant messages that are not plain replies.
type MessageKind string

const (
	KindReply        MessageKind = "reply"
	KindQuestion     MessageKind = "question"
	KindVerification MessageKind = "verification"
	KindRedirect     MessageKind = "redirect"
	KindSoftRedirect MessageKind = "soft_redirect"
	KindClosing      MessageKind = "closing"
	KindError        MessageKind = "error"
	KindEscalation   MessageKind = "escalation"
	KindOffline      MessageKind = "offline"
)

type MessageMeta struct {
	Kind       MessageKind `json:"kind,omitempty"`
	QuestionID string      `json:"question_id,omitempty"`
	Options    *Options    `json:"options,omitempty"`
	// IsSystemTransition messages stay in history for context but are not
	// rendered to the user.
	IsSystemTransition bool   `json:"is_system_transition,omitempty"`
	ErrorCode          string `json:"error_code,omitempty"`
	Retryable          bool   `json:"retryable,omitempty"`
	// OriginalAnswer is carried on retryable errors so the turn can be
	// replayed without re-typing.
	OriginalAnswer string `json:"original_answer,omitempty"`
}

type Message struct {
	ID        uuid.UUID   `json:"id"`
	Text      string      `json:"text"`
	Sender    Sender      `json:"sender"`
	Timestamp time.Time   `json:"timestamp"`
	IsOffline bool        `json:"is_offline,omitempty"`
	Metadata  MessageMeta `json:"metadata"`
}

type QuestionType string

const (
	QuestionText         QuestionType = "text"
	QuestionNumber       QuestionType = "number"
	QuestionSingleSelect QuestionType = "single-select"
	QuestionMultiSelect  QuestionType = "multi-select"
)

type OptionKind string

const (
	OptionsFlat    OptionKind = "flat"
	OptionsGrouped OptionKind = "grouped"
)

type OptionGroup struct {
	Category string   `json:"category"`
	Items    []string `json:"items"`
}

// Options is either a flat list of labels or a list of labelled groups. The
// shape is decided once, when the question is built or decoded.
type Options struct {
	Kind   OptionKind    `json:"kind"`
	Flat   []string      `json:"flat,omitempty"`
	Groups []OptionGroup `json:"groups,omitempty"`
}

func FlatOptions(items ...string) Options {
	return Options{Kind: OptionsFlat, Flat: items}
}

func GroupedOptions(groups ...OptionGroup) Options {
	return Options{Kind: OptionsGrouped, Groups: groups}
}

// Empty reports whether there is nothing to choose from.
func (o Options) Empty() bool {
	return len(o.Flat) == 0 && len(o.Groups) == 0
}

// Labels flattens the options into selectable labels.
func (o Options) Labels() []string {
	if o.Kind == OptionsFlat {
		return o.Flat
	}
	var out []string
	for _, g := range o.Groups {
		out = append(out, g.Items...)
	}
	return out
}

// UnmarshalJSON accepts the tagged form as well as the two raw shapes remote
// planners send: ["a","b"] and [{"category":"x","items":["a"]}].
func (o *Options) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = Options{}
		return nil
	}
	if data[0] == '{' {
		type tagged Options
		var t tagged
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		*o = Options(t)
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("options: %w", err)
	}
	if len(raw) == 0 {
		*o = Options{}
		return nil
	}
	if first := bytes.TrimSpace(raw[0]); len(first) > 0 && first[0] == '{' {
		var groups []OptionGroup
		if err := json.Unmarshal(data, &groups); err != nil {
			return fmt.Errorf("grouped options: %w", err)
		}
		*o = GroupedOptions(groups...)
		return nil
	}
	var flat []string
	if err := json.Unmarshal(data, &flat); err != nil {
		return fmt.Errorf("flat options: %w", err)
	}
	*o = FlatOptions(flat...)
	return nil
}

type QuestionMeta struct {
	// Slots the question asks for. The question is pruned once all are known.
	Slots    []slots.Slot `json:"slots,omitempty"`
	RedFlag  bool         `json:"red_flag,omitempty"`
	Injected bool         `json:"injected,omitempty"`
}

type AssessmentQuestion struct {
	ID       string       `json:"id"`
	Text     string       `json:"text"`
	Type     QuestionType `json:"type"`
	Options  Options      `json:"options"`
	Metadata QuestionMeta `json:"metadata"`
}

// expects returns the single slot a question asks for, if exactly one.
func (q AssessmentQuestion) expects() slots.Slot {
	if len(q.Metadata.Slots) == 1 {
		return q.Metadata.Slots[0]
	}
	return ""
}

// AssessmentProfile is the clinical summary used for scoring and handoff.
type AssessmentProfile struct {
	Category              scoring.Category       `json:"category"`
	Age                   *int                   `json:"age,omitempty"`
	Severity              string                 `json:"severity,omitempty"`
	Duration              string                 `json:"duration,omitempty"`
	Progression           string                 `json:"progression,omitempty"`
	Symptoms              []string               `json:"symptoms,omitempty"`
	Summary               string                 `json:"summary,omitempty"`
	RedFlagsResolved      bool                   `json:"red_flags_resolved"`
	DenialConfidence      slots.DenialConfidence `json:"denial_confidence,omitempty"`
	AmbiguityDetected     bool                   `json:"ambiguity_detected"`
	FrictionDetected      bool                   `json:"friction_detected"`
	SBLEscalated          bool                   `json:"sbl_escalated,omitempty"`
	InconsistencyDetected bool                   `json:"inconsistency_detected"`
	UncertaintyAccepted   bool                   `json:"uncertainty_accepted"`
	TriageReadinessScore  float64                `json:"triage_readiness_score"`
	IsRecentResolved      bool                   `json:"is_recent_resolved"`
	ResolvedKeyword       string                 `json:"resolved_keyword,omitempty"`
	LockedSystems         []string               `json:"locked_systems,omitempty"`
}

func (p *AssessmentProfile) clone() *AssessmentProfile {
	if p == nil {
		return nil
	}
	out := *p
	if p.Age != nil {
		v := *p.Age
		out.Age = &v
	}
	out.Symptoms = append([]string(nil), p.Symptoms...)
	out.LockedSystems = append([]string(nil), p.LockedSystems...)
	return &out
}

type VerificationOutcome string

const (
	VerifyEmergency VerificationOutcome = "emergency"
	VerifyRecent    VerificationOutcome = "recent"
	VerifyDenied    VerificationOutcome = "denied"
)

// EmergencyVerificationData exists only while a verification dialog is open.
type EmergencyVerificationData struct {
	Keyword         string              `json:"keyword"`
	Answer          string              `json:"answer"`
	CurrentQuestion *AssessmentQuestion `json:"current_question,omitempty"`
	SafetyCheck     detector.Result     `json:"safety_check"`
	CreatedAt       time.Time           `json:"created_at"`
}

// TurnMeta is per-turn bookkeeping for audit and remote context.
type TurnMeta struct {
	QuestionID string    `json:"question_id"`
	Intent     string    `json:"intent"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

// Turn intents.
const (
	IntentAnswer       = "answer"
	IntentOutOfScope   = "out_of_scope"
	IntentEmergency    = "emergency_guard"
	IntentVerification = "verification"
	IntentRetry        = "retry"
	IntentOffline      = "offline"
)

// PendingTurn is an answer whose remote step failed and can be replayed.
type PendingTurn struct {
	Answer     string `json:"answer"`
	QuestionID string `json:"question_id"`
}

// Escalation justifies a handoff that bypassed the question plan.
type Escalation struct {
	Keywords []string `json:"keywords"`
	Score    int      `json:"score"`
	Systems  []string `json:"systems,omitempty"`
	Crisis   bool     `json:"crisis"`
	Answer   string   `json:"answer"`
}

type Answer struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Handoff is the payload passed to the recommendation step.
type Handoff struct {
	SessionID             uuid.UUID               `json:"session_id"`
	Symptoms              string                  `json:"symptoms"`
	Answers               []Answer                `json:"answers"`
	ExtractedProfile      *AssessmentProfile      `json:"extracted_profile,omitempty"`
	IsRecentResolved      bool                    `json:"is_recent_resolved"`
	ResolvedKeyword       string                  `json:"resolved_keyword,omitempty"`
	OfflineRecommendation *offline.Recommendation `json:"offline_recommendation,omitempty"`
	PrecomputedAssessment json.RawMessage         `json:"precomputed_assessment,omitempty"`
	Escalation            *Escalation             `json:"escalation,omitempty"`
	GuestMode             bool                    `json:"guest_mode"`
	CreatedAt             time.Time               `json:"created_at"`
}

// NotAnswered fills transcript entries for questions the user never reached.
const NotAnswered = "Not answered"

// Session is the whole state of one assessment. It is only mutated by the
// service while holding the session's lock.
type Session struct {
	ID             uuid.UUID         `json:"id"`
	Epoch          int               `json:"epoch"`
	PatientName    string            `json:"patient_name,omitempty"`
	PatientContext map[string]string `json:"patient_context,omitempty"`
	GuestMode      bool              `json:"guest_mode"`
	InitialSymptom string            `json:"initial_symptom"`
	Stage          Stage             `json:"stage"`

	Messages      []Message            `json:"messages"`
	Plan          []AssessmentQuestion `json:"plan"`
	FullPlan      []AssessmentQuestion `json:"full_plan"`
	QuestionIndex int                  `json:"question_index"`
	Answers       map[string]string    `json:"answers"`
	Turns         []TurnMeta           `json:"turns"`

	Slots   slots.ClinicalSlots `json:"slots"`
	Profile *AssessmentProfile  `json:"profile,omitempty"`
	// Assessment is the remote step's opaque precomputed assessment, if any.
	Assessment json.RawMessage `json:"assessment,omitempty"`

	Suppressed   []string                   `json:"suppressed,omitempty"`
	Verification *EmergencyVerificationData `json:"verification,omitempty"`

	IsOfflineMode         bool                    `json:"is_offline_mode"`
	OfflineNodeID         string                  `json:"offline_node_id,omitempty"`
	OfflinePath           []string                `json:"offline_path,omitempty"`
	OfflineRecommendation *offline.Recommendation `json:"offline_recommendation,omitempty"`

	IsClarifyingDenial    bool                   `json:"is_clarifying_denial"`
	ClarificationAttempts int                    `json:"clarification_attempts"`
	RedFlagsResolved      bool                   `json:"red_flags_resolved"`
	DenialConfidence      slots.DenialConfidence `json:"denial_confidence,omitempty"`
	UncertaintyAccepted   bool                   `json:"uncertainty_accepted"`
	OutOfScopeCount       int                    `json:"out_of_scope_count"`
	FrictionDetected      bool                   `json:"friction_detected"`
	SBLEscalated          bool                   `json:"sbl_escalated,omitempty"`

	IsRecentResolved bool   `json:"is_recent_resolved"`
	ResolvedKeyword  string `json:"resolved_keyword,omitempty"`

	TurnInFlight bool         `json:"turn_in_flight"`
	Typing       bool         `json:"typing"`
	PendingRetry *PendingTurn `json:"pending_retry,omitempty"`
	Abandoned    bool         `json:"abandoned"`

	Escalation *Escalation `json:"escalation,omitempty"`
	Handoff    *Handoff    `json:"handoff,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsVerifyingEmergency reports whether a verification dialog is open.
func (s *Session) IsVerifyingEmergency() bool {
	return s.Verification != nil
}

// CurrentQuestion is the question the next answer responds to, or nil once
// the plan is exhausted.
func (s *Session) CurrentQuestion() *AssessmentQuestion {
	if s.QuestionIndex < 0 || s.QuestionIndex >= len(s.Plan) {
		return nil
	}
	q := s.Plan[s.QuestionIndex]
	return &q
}

// Closed reports whether the session accepts no further turns.
func (s *Session) Closed() bool {
	return s.Abandoned || s.Stage.rank() >= StageReview.rank()
}

// Clone returns a deep copy safe to hand outside the session lock.
func (s *Session) Clone() *Session {
	out := *s
	out.PatientContext = cloneMap(s.PatientContext)
	out.Messages = append([]Message(nil), s.Messages...)
	out.Plan = append([]AssessmentQuestion(nil), s.Plan...)
	out.FullPlan = append([]AssessmentQuestion(nil), s.FullPlan...)
	out.Answers = cloneMap(s.Answers)
	out.Turns = append([]TurnMeta(nil), s.Turns...)
	out.Slots = s.Slots.Clone()
	out.Profile = s.Profile.clone()
	out.Assessment = append(json.RawMessage(nil), s.Assessment...)
	out.Suppressed = append([]string(nil), s.Suppressed...)
	out.OfflinePath = append([]string(nil), s.OfflinePath...)
	if s.Verification != nil {
		v := *s.Verification
		out.Verification = &v
	}
	if s.PendingRetry != nil {
		p := *s.PendingRetry
		out.PendingRetry = &p
	}
	if s.Escalation != nil {
		e := *s.Escalation
		out.Escalation = &e
	}
	if s.OfflineRecommendation != nil {
		r := *s.OfflineRecommendation
		out.OfflineRecommendation = &r
	}
	return &out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
