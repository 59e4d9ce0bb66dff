package consultation

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"symptom-triage/internal/detector"
	"symptom-triage/internal/offline"
	"symptom-triage/internal/scoring"
	"symptom-triage/internal/slots"
)

// effectKind names a side effect a transition asks the service to perform.
// Transitions only mutate the session; all I/O happens in the service.
type effectKind int

const (
	effectEmit effectKind = iota
	effectTyping
	effectStage
	effectAudit
	effectCallRemote
	effectOfflineStep
	effectScheduleFinalize
	effectFinalize
	effectAlert
	effectRestart
)

type effect struct {
	kind     effectKind
	message  Message
	typing   bool
	stage    Stage
	turn     TurnMeta
	request  *StepRequest
	pending  PendingTurn
	delay    time.Duration
	escalate *Escalation
}

// machine holds the pure collaborators of a transition. It is rebuilt from the
// current rules on every call so rule edits apply to the next turn.
type machine struct {
	emergency *detector.Emergency
	crisis    *detector.Crisis
	drift     *detector.TopicDrift
	scorer    *scoring.Engine
	flow      *offline.Flow
	settings  Settings
	now       func() time.Time
}

const (
	verificationPrompt = "You mentioned %q. Is this happening right now?"
	verificationAck    = "Thanks for letting me know. Let's continue."
	softRedirectText   = "Let's keep the focus on your symptoms for now."
	redirectText       = "I can only help with assessing your symptoms, so I can't help with that."
	closingText        = "Thank you, I have everything I need. I'm preparing your summary now."
	emergencyText      = "Your symptoms may need emergency care. Please call your local emergency number or go to the nearest emergency department now."
	crisisText         = "It sounds like you're going through something really hard. Please reach out to a crisis line or your local emergency number right now. You don't have to face this alone."
	offlineText        = "We're having trouble reaching the assessment service, so we'll continue with a few quick questions."
	repromptText       = "Please choose one of the options below."
	finalizeFailedText = "We couldn't prepare your summary. Please try again."
	watchdogText       = "This is taking longer than expected. You can try sending your answer again."
)

var (
	stoppedRe = regexp.MustCompile(`\b(?:stopped|went away|gone now|it's gone|its gone|not anymore|not any more|no longer|has passed|it passed|resolved|over now|it was yesterday)\b`)
	ongoingRe = regexp.MustCompile(`\b(?:still|right now|currently|ongoing|going on|at the moment|continuing|continues|worse|getting worse)\b`)
)

// ParseVerificationAnswer maps a free-text reply to a verification prompt.
// A reply that says the symptom is still going is an emergency even when it
// mentions when it started. ok is false when the reply does not clearly pick
// an outcome.
func ParseVerificationAnswer(text string) (VerificationOutcome, bool) {
	norm := strings.ToLower(strings.TrimSpace(text))
	norm = strings.ReplaceAll(norm, "’", "'")
	denial := slots.ClassifyDenial(norm)
	ongoing, stopped := ongoingRe.MatchString(norm), stoppedRe.MatchString(norm)
	switch {
	case ongoing && denial == slots.DenialNone:
		return VerifyEmergency, true
	case ongoing && !stopped:
		return "", false
	case stopped:
		return VerifyRecent, true
	case slots.IsAffirmative(norm):
		return VerifyEmergency, true
	}
	switch denial {
	case slots.DenialHigh, slots.DenialMedium:
		return VerifyDenied, true
	}
	return "", false
}

func (m *machine) message(s *Session, sender Sender, text string, meta MessageMeta) effect {
	msg := Message{
		ID:        uuid.New(),
		Text:      text,
		Sender:    sender,
		Timestamp: m.now(),
		IsOffline: s.IsOfflineMode,
		Metadata:  meta,
	}
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.Timestamp
	return effect{kind: effectEmit, message: msg}
}

func (m *machine) questionMessage(s *Session, q AssessmentQuestion) effect {
	meta := MessageMeta{Kind: KindQuestion, QuestionID: q.ID}
	if !q.Options.Empty() {
		opts := q.Options
		meta.Options = &opts
	}
	return m.message(s, SenderAssistant, q.Text, meta)
}

func (m *machine) audit(s *Session, questionID, intent, outcome string) effect {
	t := TurnMeta{QuestionID: questionID, Intent: intent, Outcome: outcome, Timestamp: m.now()}
	return effect{kind: effectAudit, turn: t}
}

func (m *machine) setTyping(s *Session, on bool) effect {
	s.Typing = on
	return effect{kind: effectTyping, typing: on}
}

func (m *machine) setStage(s *Session, stage Stage) []effect {
	if stage.rank() <= s.Stage.rank() {
		return nil
	}
	s.Stage = stage
	return []effect{{kind: effectStage, stage: stage}}
}

// intake records the initial complaint and screens it. An emergency or crisis
// escalates at once, before any slot extraction. ok is false in that case.
func (m *machine) intake(s *Session, p *slots.Parser) ([]effect, bool) {
	effects := []effect{m.message(s, SenderUser, s.InitialSymptom, MessageMeta{})}

	em := m.emergency.Detect(s.InitialSymptom, detector.Options{IsUserInput: true})
	cr := m.crisis.Detect(s.InitialSymptom)
	if em.IsEmergency || cr.IsCrisis {
		esc := Escalation{
			Keywords: append(em.MatchedKeywords, cr.MatchedKeywords...),
			Score:    max(em.Score, cr.Score),
			Systems:  em.AffectedSystems,
			Crisis:   cr.IsCrisis && !em.IsEmergency,
			Answer:   s.InitialSymptom,
		}
		effects = append(effects, m.audit(s, "", IntentEmergency, "initial_escalation"))
		return append(effects, m.escalate(s, esc)...), false
	}

	s.Slots = p.ParseTurn(s.InitialSymptom).Aggregated
	s.TurnInFlight = true
	return append(effects, m.setTyping(s, true)), true
}

// planReady installs the question plan and asks the first question.
func (m *machine) planReady(s *Session, plan []AssessmentQuestion) []effect {
	if len(plan) == 0 {
		plan = DefaultPlan()
	}
	s.FullPlan = append([]AssessmentQuestion(nil), plan...)
	s.Plan = prunePlan(plan, 0, s.Slots)
	s.QuestionIndex = 0
	s.RedFlagsResolved = !hasRedFlagQuestion(s.Plan)
	s.TurnInFlight = false

	effects := []effect{m.setTyping(s, false)}
	effects = append(effects, m.setStage(s, StageFollowUp)...)
	q := s.CurrentQuestion()
	if q == nil {
		return append(effects, m.terminate(s, "")...)
	}
	return append(effects, m.questionMessage(s, *q))
}

// startFailed reports a non-recoverable planner failure.
func (m *machine) startFailed(s *Session, se *StepError) []effect {
	s.TurnInFlight = false
	return []effect{
		m.setTyping(s, false),
		m.message(s, SenderAssistant, UserMessage(se.Code), MessageMeta{
			Kind:      KindError,
			ErrorCode: string(se.Code),
			Retryable: se.Retryable(),
		}),
	}
}

// enterOffline switches the session to the deterministic decision tree.
func (m *machine) enterOffline(s *Session) []effect {
	s.IsOfflineMode = true
	s.TurnInFlight = false
	start := m.flow.StartNode()
	s.OfflineNodeID = start.ID
	s.OfflinePath = []string{start.ID}

	effects := []effect{m.setTyping(s, false)}
	effects = append(effects, m.setStage(s, StageFollowUp)...)
	effects = append(effects, m.message(s, SenderAssistant, offlineText, MessageMeta{Kind: KindOffline}))
	return append(effects, m.nodeMessage(s, start))
}

func (m *machine) nodeMessage(s *Session, n *offline.Node) effect {
	meta := MessageMeta{Kind: KindQuestion, QuestionID: n.ID}
	if len(n.Options) > 0 {
		opts := FlatOptions(n.OptionLabels()...)
		meta.Options = &opts
	}
	return m.message(s, SenderAssistant, n.Text, meta)
}

// userTurn handles one typed answer up to the point where the remote step or
// the offline tree takes over.
func (m *machine) userTurn(s *Session, p *slots.Parser, text string) ([]effect, error) {
	answer := strings.TrimSpace(text)
	switch {
	case answer == "":
		return nil, ErrEmptyAnswer
	case s.Closed():
		return nil, ErrSessionClosed
	case s.TurnInFlight:
		return nil, ErrTurnInFlight
	}

	if s.Verification != nil {
		outcome, ok := ParseVerificationAnswer(answer)
		if !ok {
			return nil, ErrVerificationPending
		}
		effects := []effect{m.message(s, SenderUser, answer, MessageMeta{Kind: KindVerification})}
		more, err := m.resolveVerification(s, p, outcome)
		return append(effects, more...), err
	}

	s.TurnInFlight = true
	s.PendingRetry = nil

	if s.IsOfflineMode {
		effects := []effect{m.message(s, SenderUser, answer, MessageMeta{QuestionID: s.OfflineNodeID})}
		if v := m.screen(s, answer, nil); v != nil {
			return append(effects, v...), nil
		}
		return append(effects, m.setTyping(s, true), effect{kind: effectOfflineStep, pending: PendingTurn{Answer: answer, QuestionID: s.OfflineNodeID}}), nil
	}

	q := s.CurrentQuestion()
	if q == nil {
		return m.terminate(s, ""), nil
	}
	effects := []effect{m.message(s, SenderUser, answer, MessageMeta{QuestionID: q.ID})}
	s.Slots = p.ParseAnswer(answer, q.expects()).Aggregated

	if v := m.screen(s, answer, q); v != nil {
		return append(effects, v...), nil
	}
	return append(effects, m.continueTurn(s, answer, q)...), nil
}

// screen runs the emergency detector on a follow-up answer. A match opens the
// verification dialog and suspends the turn.
func (m *machine) screen(s *Session, answer string, q *AssessmentQuestion) []effect {
	opts := detector.Options{IsUserInput: true, Exclude: s.Suppressed}
	if q != nil {
		opts.HistoryContext = q.Text
		opts.QuestionID = q.ID
	}
	res := m.emergency.Detect(answer, opts)
	if !res.IsEmergency || s.Verification != nil {
		return nil
	}

	s.Verification = &EmergencyVerificationData{
		Keyword:         res.MatchedKeywords[0],
		Answer:          answer,
		CurrentQuestion: q,
		SafetyCheck:     res,
		CreatedAt:       m.now(),
	}
	s.TurnInFlight = false
	choices := FlatOptions("Yes, it's happening now", "It happened earlier but has stopped", "No")
	return []effect{
		m.audit(s, opts.QuestionID, IntentEmergency, "verification_opened"),
		m.message(s, SenderAssistant, fmt.Sprintf(verificationPrompt, res.MatchedKeywords[0]), MessageMeta{
			Kind:       KindVerification,
			QuestionID: opts.QuestionID,
			Options:    &choices,
		}),
	}
}

// continueTurn applies the topic, red-flag and uncertainty rules to an answer
// that passed the emergency screen and then hands it to the remote step.
func (m *machine) continueTurn(s *Session, answer string, q *AssessmentQuestion) []effect {
	if s.IsOfflineMode {
		return []effect{m.setTyping(s, true), {kind: effectOfflineStep, pending: PendingTurn{Answer: answer, QuestionID: s.OfflineNodeID}}}
	}
	if q == nil {
		return m.terminate(s, "")
	}

	if _, off := m.drift.Match(answer); off {
		return m.redirect(s, q)
	}
	s.OutOfScopeCount = 0

	if q.Metadata.RedFlag {
		m.classifyRedFlag(s, answer)
	}
	if len(q.Metadata.Slots) > 0 && slots.IsUnknownAnswer(answer) {
		s.UncertaintyAccepted = true
	}
	s.Answers[q.ID] = answer

	req := m.stepRequest(s)
	return []effect{
		m.setTyping(s, true),
		{kind: effectCallRemote, request: &req, pending: PendingTurn{Answer: answer, QuestionID: q.ID}},
	}
}

// redirect answers an off-topic message without advancing the plan. The
// reminder is firmer once the buffer limit is reached.
func (m *machine) redirect(s *Session, q *AssessmentQuestion) []effect {
	limit := max(1, m.settings.OutOfScopeLimit)
	s.OutOfScopeCount = min(s.OutOfScopeCount+1, limit)
	s.TurnInFlight = false

	kind, text := KindSoftRedirect, softRedirectText
	if s.OutOfScopeCount >= limit {
		kind, text = KindRedirect, redirectText
		s.FrictionDetected = true
	}
	opts := q.Options
	meta := MessageMeta{Kind: kind, QuestionID: q.ID}
	if !opts.Empty() {
		meta.Options = &opts
	}
	return []effect{
		m.audit(s, q.ID, IntentOutOfScope, string(kind)),
		m.message(s, SenderAssistant, text+" "+q.Text, meta),
	}
}

// classifyRedFlag updates the red-flag state from an answer to a red-flag
// question. Only an affirmation or a confident denial resolves it.
func (m *machine) classifyRedFlag(s *Session, answer string) {
	clarified := s.IsClarifyingDenial
	if slots.IsAffirmative(answer) {
		s.RedFlagsResolved = true
		s.IsClarifyingDenial = false
		if clarified {
			s.DenialConfidence = slots.DenialNone
		}
		return
	}
	conf := slots.ClassifyDenial(answer)
	switch conf {
	case slots.DenialHigh, slots.DenialMedium:
		s.RedFlagsResolved = true
		s.IsClarifyingDenial = false
		if clarified {
			// The clarification replaces the hedged answer it followed up on.
			s.DenialConfidence = conf
		} else {
			s.DenialConfidence = worstDenial(s.DenialConfidence, conf)
		}
	default:
		s.RedFlagsResolved = false
		s.IsClarifyingDenial = true
		s.ClarificationAttempts++
		if conf == slots.DenialLow {
			s.DenialConfidence = slots.DenialLow
		}
		if s.ClarificationAttempts >= 2 {
			s.FrictionDetected = true
		}
	}
}

func (m *machine) stepRequest(s *Session) StepRequest {
	history := make([]HistoryEntry, 0, len(s.Messages))
	for _, msg := range s.Messages {
		role := RoleAssistant
		switch {
		case msg.Sender == SenderUser:
			role = RoleUser
		case msg.Metadata.IsSystemTransition:
			role = RoleSystem
		case msg.Metadata.Kind == KindError:
			continue
		}
		history = append(history, HistoryEntry{Role: role, Text: msg.Text})
	}

	var remaining []AssessmentQuestion
	if s.QuestionIndex+1 < len(s.Plan) {
		remaining = append(remaining, s.Plan[s.QuestionIndex+1:]...)
	}
	req := StepRequest{
		SessionID:             s.ID.String(),
		History:               history,
		Profile:               s.Profile.clone(),
		Slots:                 s.Slots.Clone(),
		CurrentTurn:           s.QuestionIndex + 1,
		TotalPlannedQuestions: len(s.Plan),
		RemainingQuestions:    remaining,
		ClarificationAttempts: s.ClarificationAttempts,
		PatientContext:        cloneMap(s.PatientContext),
		InitialSymptom:        s.InitialSymptom,
		PatientName:           s.PatientName,
	}
	if n := len(s.Turns); n > 0 {
		last := s.Turns[n-1]
		req.LastTurn = &last
	}
	return req
}

// stepSucceeded applies a remote step response. The question index only moves
// here, so a failed step leaves the plan where it was.
func (m *machine) stepSucceeded(s *Session, p *slots.Parser, resp *StepResponse, pending PendingTurn) []effect {
	s.TurnInFlight = false
	s.PendingRetry = nil
	effects := []effect{m.setTyping(s, false)}

	turn := TurnMeta{QuestionID: pending.QuestionID, Intent: IntentAnswer, Outcome: string(resp.ControlSignal), Timestamp: m.now()}
	s.Turns = append(s.Turns, turn)
	effects = append(effects, effect{kind: effectAudit, turn: turn})

	if resp.UpdatedProfile != nil {
		s.Profile = m.reconcile(resp.UpdatedProfile, s)
	}
	if len(resp.AIResponse.Assessment) > 0 {
		s.Assessment = append(s.Assessment[:0:0], resp.AIResponse.Assessment...)
	}
	if resp.Metadata.NeedsReset {
		return append(effects, effect{kind: effectRestart})
	}

	s.QuestionIndex++
	s.Plan = prunePlan(s.Plan, s.QuestionIndex, s.Slots)

	if resp.ControlSignal == SignalTerminate {
		return append(effects, m.terminate(s, resp.AIResponse.Text)...)
	}

	if q := resp.AIResponse.Question; q != nil && q.ID != "" && q.Text != "" {
		var injected bool
		s.Plan, injected = injectQuestion(s.Plan, s.QuestionIndex, *q)
		if injected {
			added := *q
			added.Metadata.Injected = true
			s.FullPlan = insertAfter(s.FullPlan, pending.QuestionID, added)
		}
	}

	next := s.CurrentQuestion()
	if text := strings.TrimSpace(resp.AIResponse.Text); text != "" && (next == nil || text != next.Text) {
		effects = append(effects, m.message(s, SenderAssistant, text, MessageMeta{Kind: KindReply}))
	}
	if next == nil {
		return append(effects, m.terminate(s, "")...)
	}
	return append(effects, m.questionMessage(s, *next))
}

// stepFailed records a failed remote step. Retryable failures keep the answer
// so it can be replayed.
func (m *machine) stepFailed(s *Session, se *StepError, pending PendingTurn) []effect {
	s.TurnInFlight = false
	effects := []effect{m.setTyping(s, false), m.audit(s, pending.QuestionID, IntentAnswer, "error:"+string(se.Code))}
	meta := MessageMeta{Kind: KindError, ErrorCode: string(se.Code), Retryable: se.Retryable()}
	if se.Retryable() {
		p := pending
		s.PendingRetry = &p
		meta.OriginalAnswer = pending.Answer
	} else {
		s.PendingRetry = nil
	}
	return append(effects, m.message(s, SenderAssistant, UserMessage(se.Code), meta))
}

// timedOut releases a turn whose remote step never answered.
func (m *machine) timedOut(s *Session, pending PendingTurn) []effect {
	s.TurnInFlight = false
	p := pending
	s.PendingRetry = &p
	return []effect{
		m.setTyping(s, false),
		m.audit(s, pending.QuestionID, IntentAnswer, "timeout"),
		m.message(s, SenderAssistant, watchdogText, MessageMeta{
			Kind:           KindError,
			ErrorCode:      string(CodeNetwork),
			Retryable:      true,
			OriginalAnswer: pending.Answer,
		}),
	}
}

// retry replays the pending answer through the remote step. The answer was
// already screened when it was first sent.
func (m *machine) retry(s *Session) ([]effect, error) {
	switch {
	case s.Closed():
		return nil, ErrSessionClosed
	case s.TurnInFlight:
		return nil, ErrTurnInFlight
	case s.PendingRetry == nil:
		return nil, ErrNothingToRetry
	}
	pending := *s.PendingRetry
	s.PendingRetry = nil
	s.TurnInFlight = true

	effects := []effect{m.audit(s, pending.QuestionID, IntentRetry, "replayed")}
	if s.IsOfflineMode {
		return append(effects, m.setTyping(s, true), effect{kind: effectOfflineStep, pending: pending}), nil
	}
	req := m.stepRequest(s)
	return append(effects, m.setTyping(s, true), effect{kind: effectCallRemote, request: &req, pending: pending}), nil
}

// resolveVerification closes the verification dialog. A confirmed emergency
// escalates. Otherwise the keyword is suppressed for the rest of the session
// and the held answer resumes without being screened again.
func (m *machine) resolveVerification(s *Session, p *slots.Parser, outcome VerificationOutcome) ([]effect, error) {
	v := s.Verification
	if v == nil {
		return nil, ErrNoVerification
	}
	switch outcome {
	case VerifyEmergency:
		s.Verification = nil
		esc := Escalation{
			Keywords: v.SafetyCheck.MatchedKeywords,
			Score:    v.SafetyCheck.Score,
			Systems:  v.SafetyCheck.AffectedSystems,
			Answer:   v.Answer,
		}
		effects := []effect{m.audit(s, v.SafetyCheck.QuestionID, IntentVerification, string(outcome))}
		return append(effects, m.escalate(s, esc)...), nil
	case VerifyRecent:
		s.IsRecentResolved = true
		s.ResolvedKeyword = v.Keyword
	case VerifyDenied:
	default:
		return nil, ErrInvalidOutcome
	}

	s.Suppressed = appendUnique(s.Suppressed, v.SafetyCheck.MatchedKeywords...)
	s.Verification = nil
	s.TurnInFlight = true

	effects := []effect{
		m.audit(s, v.SafetyCheck.QuestionID, IntentVerification, string(outcome)),
		m.message(s, SenderAssistant, verificationAck, MessageMeta{Kind: KindReply}),
	}
	q := s.CurrentQuestion()
	if v.CurrentQuestion != nil {
		q = v.CurrentQuestion
	}
	return append(effects, m.continueTurn(s, v.Answer, q)...), nil
}

// escalate ends the assessment for an emergency or crisis.
func (m *machine) escalate(s *Session, esc Escalation) []effect {
	s.Escalation = &esc
	s.TurnInFlight = false
	s.Verification = nil

	text := emergencyText
	if esc.Crisis {
		text = crisisText
	}
	effects := []effect{m.setTyping(s, false)}
	effects = append(effects, m.setStage(s, StageReview)...)
	effects = append(effects, m.message(s, SenderAssistant, text, MessageMeta{Kind: KindEscalation}))
	return append(effects, effect{kind: effectAlert, escalate: &esc}, effect{kind: effectFinalize})
}

// terminate closes the question phase and schedules finalization after the
// closing message has had time to render.
func (m *machine) terminate(s *Session, text string) []effect {
	s.TurnInFlight = false
	if strings.TrimSpace(text) == "" {
		text = closingText
	}
	effects := []effect{m.setTyping(s, false)}
	effects = append(effects, m.setStage(s, StageReview)...)
	effects = append(effects, m.message(s, SenderAssistant, text, MessageMeta{Kind: KindClosing}))
	return append(effects, effect{kind: effectScheduleFinalize, delay: m.settings.ClosingDelay})
}

// offlineAnswer walks the decision tree one step.
func (m *machine) offlineAnswer(s *Session, pending PendingTurn) []effect {
	s.TurnInFlight = false
	effects := []effect{m.setTyping(s, false)}

	step, err := m.flow.ProcessStep(s.OfflineNodeID, pending.Answer)
	if err != nil {
		return append(effects, m.message(s, SenderAssistant, UserMessage(CodeServer), MessageMeta{
			Kind:      KindError,
			ErrorCode: string(CodeServer),
		}))
	}
	if step.Reprompt {
		effects = append(effects, m.audit(s, s.OfflineNodeID, IntentOffline, "reprompt"))
		return append(effects,
			m.message(s, SenderAssistant, repromptText, MessageMeta{Kind: KindReply}),
			m.nodeMessage(s, step.Node),
		)
	}

	s.Answers[s.OfflineNodeID] = pending.Answer
	turn := TurnMeta{QuestionID: s.OfflineNodeID, Intent: IntentOffline, Outcome: step.Node.ID, Timestamp: m.now()}
	s.Turns = append(s.Turns, turn)
	effects = append(effects, effect{kind: effectAudit, turn: turn})

	s.OfflineNodeID = step.Node.ID
	if step.Recommendation != nil {
		rec := *step.Recommendation
		rec.NodeID = step.Node.ID
		s.OfflineRecommendation = &rec
		return append(effects, m.terminate(s, rec.Title+". "+rec.Advice)...)
	}
	s.OfflinePath = append(s.OfflinePath, step.Node.ID)
	return append(effects, m.nodeMessage(s, step.Node))
}

func appendUnique(list []string, items ...string) []string {
	seen := make(map[string]bool, len(list))
	for _, v := range list {
		seen[strings.ToLower(v)] = true
	}
	for _, v := range items {
		if !seen[strings.ToLower(v)] {
			seen[strings.ToLower(v)] = true
			list = append(list, v)
		}
	}
	return list
}
