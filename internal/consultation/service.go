package consultation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"symptom-triage/internal/detector"
	"symptom-triage/internal/offline"
	"symptom-triage/internal/rules"
	"symptom-triage/internal/scoring"
	"symptom-triage/internal/slots"
)

// TriageClient is the remote side of an assessment. We define it here to
// decouple from the specific agent implementation.
type TriageClient interface {
	Plan(ctx context.Context, req PlanRequest) ([]AssessmentQuestion, error)
	Step(ctx context.Context, req StepRequest) (*StepResponse, error)
	ExtractProfile(ctx context.Context, req StepRequest) (*AssessmentProfile, error)
}

// HandoffSink receives the finished assessment.
type HandoffSink interface {
	Deliver(ctx context.Context, h Handoff) error
}

// Alert is raised when an assessment escalates to emergency care.
type Alert struct {
	SessionID   uuid.UUID
	PatientName string
	Escalation  Escalation
	At          time.Time
}

// Alerter dispatches high-risk signals.
type Alerter interface {
	HighRisk(ctx context.Context, a Alert) error
}

// AuditLog records per-turn metadata.
type AuditLog interface {
	Record(ctx context.Context, sessionID uuid.UUID, turn TurnMeta) error
}

// RuleSource supplies the current detector and scoring rules.
type RuleSource interface {
	Current() *rules.Set
}

type StartRequest struct {
	InitialSymptom string            `json:"initial_symptom"`
	PatientName    string            `json:"patient_name,omitempty"`
	PatientContext map[string]string `json:"patient_context,omitempty"`
	GuestMode      bool              `json:"guest_mode"`
}

type Service interface {
	Start(ctx context.Context, req StartRequest) (*Session, error)
	Submit(ctx context.Context, id uuid.UUID, answer string) (*Session, error)
	Retry(ctx context.Context, id uuid.UUID) (*Session, error)
	ResolveVerification(ctx context.Context, id uuid.UUID, outcome VerificationOutcome) (*Session, error)
	Finalize(ctx context.Context, id uuid.UUID) (*Handoff, error)
	Abandon(ctx context.Context, id uuid.UUID) error
	Restart(ctx context.Context, id uuid.UUID) (*Session, error)
	Get(ctx context.Context, id uuid.UUID) (*Session, error)
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, func(), error)
}

// Deps are the service's collaborators. Client, Repo, Sink, Alerter and Audit
// may be nil: a nil Client runs every session on the offline tree and the
// others are skipped.
type Deps struct {
	Client  TriageClient
	Repo    Repository
	Sink    HandoffSink
	Alerter Alerter
	Audit   AuditLog
	Rules   RuleSource
	Flow    *offline.Flow
	Logger  *slog.Logger
}

// Settings are the timing and threshold knobs of the orchestrator.
type Settings struct {
	TurnTimeout        time.Duration
	ClosingDelay       time.Duration
	HandoffDelay       time.Duration
	OfflineDelay       time.Duration
	EmergencyThreshold int
	CrisisThreshold    int
	OutOfScopeLimit    int
	Scoring            scoring.Thresholds
}

func DefaultSettings() Settings {
	return Settings{
		TurnTimeout:        20 * time.Second,
		ClosingDelay:       1500 * time.Millisecond,
		HandoffDelay:       800 * time.Millisecond,
		OfflineDelay:       600 * time.Millisecond,
		EmergencyThreshold: detector.DefaultEmergencyThreshold,
		CrisisThreshold:    detector.DefaultCrisisThreshold,
		OutOfScopeLimit:    2,
		Scoring:            scoring.DefaultThresholds(),
	}
}

// runtime is the live, in-process side of a session.
type runtime struct {
	mu      sync.Mutex
	sess    *Session
	parser  *slots.Parser
	ctx     context.Context
	cancel  context.CancelFunc
	turnSeq uint64
	closing *time.Timer

	// finalizeMu guards the handoff independently of the turn lock so a
	// finalization in progress never blocks reads of the session.
	finalizeMu sync.Mutex
	finalizing bool
	handoff    *Handoff
}

func newRuntime(sess *Session) *runtime {
	ctx, cancel := context.WithCancel(context.Background())
	return &runtime{
		sess:   sess,
		parser: slots.NewParserFrom(sess.Slots),
		ctx:    ctx,
		cancel: cancel,
	}
}

// stale reports whether work started under epoch/seq no longer applies.
// Callers hold rt.mu.
func (rt *runtime) stale(epoch int, seq uint64) bool {
	return rt.sess.Epoch != epoch || rt.turnSeq != seq || rt.sess.Abandoned
}

type service struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger
	tracer   trace.Tracer
	meter    metric.Meter
	events   *broker

	mu       sync.RWMutex
	sessions map[uuid.UUID]*runtime
}

func NewService(deps Deps, settings Settings) Service {
	if deps.Rules == nil {
		deps.Rules = rules.NewStaticStore(rules.Default())
	}
	if deps.Flow == nil {
		deps.Flow = offline.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if settings.TurnTimeout <= 0 {
		settings.TurnTimeout = DefaultSettings().TurnTimeout
	}
	return &service{
		deps:     deps,
		settings: settings,
		logger:   logger.With("component", "consultation"),
		tracer:   otel.Tracer("symptom-triage/consultation"),
		meter:    otel.Meter("symptom-triage/consultation"),
		events:   newBroker(),
		sessions: make(map[uuid.UUID]*runtime),
	}
}

func (s *service) machine() *machine {
	set := s.deps.Rules.Current()
	return &machine{
		emergency: detector.NewEmergency(set, s.settings.EmergencyThreshold),
		crisis:    detector.NewCrisis(set, s.settings.CrisisThreshold),
		drift:     detector.NewTopicDrift(set),
		scorer:    scoring.NewEngine(s.deps.Rules, s.settings.Scoring),
		flow:      s.deps.Flow,
		settings:  s.settings,
		now:       time.Now,
	}
}

func newSession(req StartRequest) *Session {
	now := time.Now()
	return &Session{
		ID:             uuid.New(),
		PatientName:    strings.TrimSpace(req.PatientName),
		PatientContext: cloneMap(req.PatientContext),
		GuestMode:      req.GuestMode,
		InitialSymptom: strings.TrimSpace(req.InitialSymptom),
		Stage:          StageIntake,
		Answers:        make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (s *service) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if strings.TrimSpace(req.InitialSymptom) == "" {
		return nil, ErrEmptyAnswer
	}
	rt := newRuntime(newSession(req))
	s.mu.Lock()
	s.sessions[rt.sess.ID] = rt
	s.mu.Unlock()

	s.logger.Info("session started", "session_id", rt.sess.ID, "guest", req.GuestMode)
	return s.begin(ctx, rt)
}

// begin screens the initial complaint and loads the question plan. A
// connectivity failure here switches the session to the offline tree.
func (s *service) begin(ctx context.Context, rt *runtime) (*Session, error) {
	ctx, span := s.tracer.Start(ctx, "triage.start")
	defer span.End()
	m := s.machine()

	rt.mu.Lock()
	effects, needPlan := m.intake(rt.sess, rt.parser)
	rt.turnSeq++
	seq, epoch, sctx := rt.turnSeq, rt.sess.Epoch, rt.ctx
	req := PlanRequest{
		SessionID:      rt.sess.ID.String(),
		InitialSymptom: rt.sess.InitialSymptom,
		PatientName:    rt.sess.PatientName,
		PatientContext: cloneMap(rt.sess.PatientContext),
		Slots:          rt.sess.Slots.Clone(),
	}
	rt.mu.Unlock()
	s.run(ctx, rt, effects)

	if !needPlan {
		span.SetAttributes(attribute.Bool("triage.escalated", true))
		return s.snapshot(rt), nil
	}

	var plan []AssessmentQuestion
	var err error
	if s.deps.Client == nil {
		err = &StepError{Code: CodeNetwork, Message: "remote triage disabled"}
	} else {
		callCtx, cancel := context.WithTimeout(sctx, s.settings.TurnTimeout)
		plan, err = s.deps.Client.Plan(callCtx, req)
		cancel()
	}

	rt.mu.Lock()
	if rt.stale(epoch, seq) {
		rt.mu.Unlock()
		return s.snapshot(rt), nil
	}
	switch se := AsStepError(err); {
	case se == nil:
		effects = m.planReady(rt.sess, plan)
	case se.Code == CodeNetwork:
		s.logger.Warn("planner unavailable, switching to offline mode", "session_id", rt.sess.ID, "error", err)
		effects = m.enterOffline(rt.sess)
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, "planner rejected client")
		effects = m.startFailed(rt.sess, se)
	}
	rt.mu.Unlock()
	s.run(ctx, rt, effects)
	return s.snapshot(rt), nil
}

func (s *service) Submit(ctx context.Context, id uuid.UUID, answer string) (*Session, error) {
	rt, err := s.runtime(ctx, id)
	if err != nil {
		return nil, err
	}
	ctx, span := s.tracer.Start(ctx, "triage.turn", trace.WithAttributes(attribute.String("session.id", id.String())))
	defer span.End()

	m := s.machine()
	rt.mu.Lock()
	effects, err := m.userTurn(rt.sess, rt.parser, answer)
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.count(ctx, "triage.turns")
	s.run(ctx, rt, effects)
	return s.snapshot(rt), nil
}

func (s *service) Retry(ctx context.Context, id uuid.UUID) (*Session, error) {
	rt, err := s.runtime(ctx, id)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	effects, err := s.machine().retry(rt.sess)
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.run(ctx, rt, effects)
	return s.snapshot(rt), nil
}

func (s *service) ResolveVerification(ctx context.Context, id uuid.UUID, outcome VerificationOutcome) (*Session, error) {
	rt, err := s.runtime(ctx, id)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	if rt.sess.Closed() {
		rt.mu.Unlock()
		return nil, ErrSessionClosed
	}
	effects, err := s.machine().resolveVerification(rt.sess, rt.parser, outcome)
	rt.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s.run(ctx, rt, effects)
	return s.snapshot(rt), nil
}

// Finalize builds and delivers the handoff exactly once. Concurrent or repeat
// calls return the existing handoff, or nil while one is still in progress.
func (s *service) Finalize(ctx context.Context, id uuid.UUID) (*Handoff, error) {
	rt, err := s.runtime(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.finalize(ctx, rt)
}

func (s *service) finalize(ctx context.Context, rt *runtime) (*Handoff, error) {
	rt.finalizeMu.Lock()
	if rt.handoff != nil || rt.finalizing {
		h := rt.handoff
		rt.finalizeMu.Unlock()
		return h, nil
	}
	rt.finalizing = true
	rt.finalizeMu.Unlock()

	h, err := s.buildHandoff(ctx, rt)

	rt.finalizeMu.Lock()
	rt.finalizing = false
	if err == nil {
		rt.handoff = h
	}
	rt.finalizeMu.Unlock()
	return h, err
}

func (s *service) buildHandoff(ctx context.Context, rt *runtime) (*Handoff, error) {
	ctx, span := s.tracer.Start(ctx, "triage.finalize")
	defer span.End()
	m := s.machine()

	rt.mu.Lock()
	if rt.sess.Abandoned {
		rt.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if rt.closing != nil {
		rt.closing.Stop()
	}
	snap := rt.sess.Clone()
	epoch, sctx := rt.sess.Epoch, rt.ctx
	req := m.stepRequest(rt.sess)
	rt.mu.Unlock()

	profile := snap.Profile
	if profile == nil && !snap.IsOfflineMode && snap.Escalation == nil && s.deps.Client != nil {
		callCtx, cancel := context.WithTimeout(sctx, s.settings.TurnTimeout)
		extracted, err := s.deps.Client.ExtractProfile(callCtx, req)
		cancel()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "profile extraction failed")
			s.logger.Error("profile extraction failed", "session_id", snap.ID, "error", err)
			rt.mu.Lock()
			effects := []effect{m.message(rt.sess, SenderAssistant, finalizeFailedText, MessageMeta{
				Kind:      KindError,
				ErrorCode: string(AsStepError(err).Code),
			})}
			rt.mu.Unlock()
			s.run(ctx, rt, effects)
			return nil, fmt.Errorf("%w: %v", ErrFinalizeFailed, err)
		}
		profile = extracted
	}

	rt.mu.Lock()
	if rt.sess.Epoch != epoch || rt.sess.Abandoned {
		rt.mu.Unlock()
		return nil, ErrSessionClosed
	}
	sess := rt.sess
	sess.Profile = m.reconcile(profile, sess)
	sblEscalated := sess.SBLEscalated
	h := &Handoff{
		SessionID:             sess.ID,
		Symptoms:              sess.InitialSymptom,
		Answers:               transcript(sess, s.deps.Flow),
		ExtractedProfile:      sess.Profile.clone(),
		IsRecentResolved:      sess.IsRecentResolved,
		ResolvedKeyword:       sess.ResolvedKeyword,
		OfflineRecommendation: sess.OfflineRecommendation,
		PrecomputedAssessment: append([]byte(nil), sess.Assessment...),
		Escalation:            sess.Escalation,
		GuestMode:             sess.GuestMode,
		CreatedAt:             time.Now(),
	}
	effects := m.setStage(sess, StageGenerating)
	sess.TurnInFlight = false
	rt.mu.Unlock()
	s.run(ctx, rt, effects)

	if s.settings.HandoffDelay > 0 {
		t := time.NewTimer(s.settings.HandoffDelay)
		select {
		case <-t.C:
		case <-sctx.Done():
			t.Stop()
			return nil, ErrSessionClosed
		}
	}

	rt.mu.Lock()
	if rt.sess.Epoch != epoch || rt.sess.Abandoned {
		rt.mu.Unlock()
		return nil, ErrSessionClosed
	}
	rt.sess.Handoff = h
	rt.mu.Unlock()

	if s.deps.Sink != nil {
		if err := s.deps.Sink.Deliver(ctx, *h); err != nil {
			span.RecordError(err)
			s.logger.Error("handoff delivery failed", "session_id", h.SessionID, "error", err)
		}
	}
	if s.deps.Repo != nil {
		if err := s.deps.Repo.SaveHandoff(ctx, h); err != nil {
			s.logger.Error("failed to persist handoff", "session_id", h.SessionID, "error", err)
		}
	}
	s.persist(ctx, rt)
	s.count(ctx, "triage.handoffs", attribute.String("triage.category", string(h.ExtractedProfile.Category)))
	if sblEscalated {
		s.count(ctx, "triage.sbl_escalations", attribute.String("triage.category", string(h.ExtractedProfile.Category)))
	}
	s.events.publish(Event{Type: EventHandoff, SessionID: h.SessionID, Handoff: h, Epoch: epoch, At: time.Now()})
	s.logger.Info("handoff delivered",
		"session_id", h.SessionID,
		"category", h.ExtractedProfile.Category,
		"score", h.ExtractedProfile.TriageReadinessScore,
		"escalated", h.Escalation != nil,
	)
	return h, nil
}

func (s *service) Abandon(ctx context.Context, id uuid.UUID) error {
	rt, err := s.runtime(ctx, id)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	rt.sess.Abandoned = true
	rt.sess.TurnInFlight = false
	rt.sess.Typing = false
	rt.sess.UpdatedAt = time.Now()
	rt.turnSeq++
	rt.cancel()
	if rt.closing != nil {
		rt.closing.Stop()
	}
	epoch := rt.sess.Epoch
	rt.mu.Unlock()

	s.persist(ctx, rt)
	s.events.publish(Event{Type: EventAbandoned, SessionID: id, Epoch: epoch, At: time.Now()})
	s.logger.Info("session abandoned", "session_id", id)
	return nil
}

// Restart discards the conversation and starts over with the same initial
// complaint. Work still in flight for the old epoch is dropped.
func (s *service) Restart(ctx context.Context, id uuid.UUID) (*Session, error) {
	rt, err := s.runtime(ctx, id)
	if err != nil {
		return nil, err
	}
	s.reset(rt)
	return s.begin(ctx, rt)
}

func (s *service) reset(rt *runtime) {
	rt.finalizeMu.Lock()
	defer rt.finalizeMu.Unlock()
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.cancel()
	if rt.closing != nil {
		rt.closing.Stop()
		rt.closing = nil
	}
	old := rt.sess
	fresh := newSession(StartRequest{
		InitialSymptom: old.InitialSymptom,
		PatientName:    old.PatientName,
		PatientContext: old.PatientContext,
		GuestMode:      old.GuestMode,
	})
	fresh.ID = old.ID
	fresh.Epoch = old.Epoch + 1
	fresh.CreatedAt = old.CreatedAt

	rt.sess = fresh
	rt.parser.Reset()
	rt.ctx, rt.cancel = context.WithCancel(context.Background())
	rt.turnSeq++
	rt.handoff = nil
	rt.finalizing = false

	s.events.publish(Event{Type: EventReset, SessionID: fresh.ID, Epoch: fresh.Epoch, At: time.Now()})
	s.logger.Info("session restarted", "session_id", fresh.ID, "epoch", fresh.Epoch)
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	rt, err := s.runtime(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.snapshot(rt), nil
}

func (s *service) Subscribe(ctx context.Context, id uuid.UUID) (<-chan Event, func(), error) {
	if _, err := s.runtime(ctx, id); err != nil {
		return nil, nil, err
	}
	ch, cancel := s.events.subscribe(id)
	return ch, cancel, nil
}

// runtime returns the live session, resuming it from the repository if this
// process has not seen it yet.
func (s *service) runtime(ctx context.Context, id uuid.UUID) (*runtime, error) {
	s.mu.RLock()
	rt, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return rt, nil
	}
	if s.deps.Repo == nil {
		return nil, ErrSessionNotFound
	}

	sess, err := s.deps.Repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	// A turn that was in flight when the previous process stopped can be
	// replayed.
	if sess.TurnInFlight && sess.PendingRetry == nil && !sess.IsVerifyingEmergency() {
		if q := sess.CurrentQuestion(); q != nil {
			if answer, ok := sess.Answers[q.ID]; ok {
				sess.PendingRetry = &PendingTurn{Answer: answer, QuestionID: q.ID}
			}
		}
	}
	sess.TurnInFlight = false
	sess.Typing = false

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[id]; ok {
		return existing, nil
	}
	rt = newRuntime(sess)
	s.sessions[id] = rt
	s.logger.Info("session resumed", "session_id", id, "stage", sess.Stage)
	return rt, nil
}

func (s *service) snapshot(rt *runtime) *Session {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sess.Clone()
}

// run performs the effects of a transition in order. It is called without
// rt.mu held; effects that produce further transitions take the lock again.
func (s *service) run(ctx context.Context, rt *runtime, effects []effect) {
	if len(effects) == 0 {
		return
	}
	rt.mu.Lock()
	id, epoch := rt.sess.ID, rt.sess.Epoch
	rt.mu.Unlock()

	for len(effects) > 0 {
		eff := effects[0]
		effects = effects[1:]

		switch eff.kind {
		case effectEmit:
			msg := eff.message
			typ := EventMessage
			if msg.Metadata.Kind == KindVerification && msg.Sender == SenderAssistant {
				typ = EventVerification
			}
			s.events.publish(Event{Type: typ, SessionID: id, Message: &msg, Epoch: epoch, At: msg.Timestamp})
		case effectTyping:
			s.events.publish(Event{Type: EventTyping, SessionID: id, Typing: eff.typing, Epoch: epoch, At: time.Now()})
		case effectStage:
			s.events.publish(Event{Type: EventStage, SessionID: id, Stage: eff.stage, Epoch: epoch, At: time.Now()})
		case effectAudit:
			s.record(ctx, id, eff.turn)
		case effectCallRemote:
			effects = append(effects, s.callRemote(ctx, rt, eff)...)
		case effectOfflineStep:
			effects = append(effects, s.offlineStep(rt, eff)...)
		case effectScheduleFinalize:
			s.scheduleFinalize(rt, eff.delay)
		case effectAlert:
			s.alert(ctx, rt, *eff.escalate)
		case effectFinalize:
			if _, err := s.finalize(ctx, rt); err != nil {
				s.logger.Error("finalize failed", "session_id", id, "error", err)
			}
		case effectRestart:
			s.logger.Info("remote requested a reset", "session_id", id)
			s.reset(rt)
			go func() {
				if _, err := s.begin(context.Background(), rt); err != nil {
					s.logger.Error("restart failed", "session_id", id, "error", err)
				}
			}()
			effects = nil
		}
	}
	s.persist(ctx, rt)
}

// callRemote runs one remote step under the turn watchdog. A result that
// arrives after the watchdog fired, or after a restart, is dropped.
func (s *service) callRemote(ctx context.Context, rt *runtime, eff effect) []effect {
	rt.mu.Lock()
	rt.turnSeq++
	seq, epoch, sctx := rt.turnSeq, rt.sess.Epoch, rt.ctx
	rt.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "triage.remote_step")
	defer span.End()

	callCtx, cancel := context.WithCancel(sctx)
	defer cancel()
	watchdog := time.AfterFunc(s.settings.TurnTimeout, func() {
		s.onWatchdog(ctx, rt, seq, epoch, eff.pending)
		cancel()
	})

	start := time.Now()
	var resp *StepResponse
	var err error
	if s.deps.Client == nil {
		err = &StepError{Code: CodeNetwork, Message: "remote triage disabled"}
	} else {
		resp, err = s.deps.Client.Step(callCtx, *eff.request)
	}
	fired := !watchdog.Stop()
	s.recordLatency(ctx, time.Since(start), err)

	m := s.machine()
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if fired || rt.stale(epoch, seq) {
		s.logger.Warn("dropping late remote step result", "session_id", rt.sess.ID, "epoch", epoch)
		return nil
	}
	if err != nil {
		se := AsStepError(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, string(se.Code))
		s.logger.Warn("remote step failed", "session_id", rt.sess.ID, "code", se.Code, "error", err)
		return m.stepFailed(rt.sess, se, eff.pending)
	}
	span.SetAttributes(attribute.String("triage.control_signal", string(resp.ControlSignal)))
	return m.stepSucceeded(rt.sess, rt.parser, resp, eff.pending)
}

func (s *service) onWatchdog(ctx context.Context, rt *runtime, seq uint64, epoch int, pending PendingTurn) {
	rt.mu.Lock()
	if rt.stale(epoch, seq) || !rt.sess.TurnInFlight {
		rt.mu.Unlock()
		return
	}
	rt.turnSeq++
	id := rt.sess.ID
	effects := s.machine().timedOut(rt.sess, pending)
	rt.mu.Unlock()

	s.logger.Warn("turn watchdog fired", "session_id", id, "timeout", s.settings.TurnTimeout)
	s.run(context.WithoutCancel(ctx), rt, effects)
}

// offlineStep waits the offline delay, then walks the tree.
func (s *service) offlineStep(rt *runtime, eff effect) []effect {
	rt.mu.Lock()
	rt.turnSeq++
	seq, epoch, sctx := rt.turnSeq, rt.sess.Epoch, rt.ctx
	rt.mu.Unlock()

	if s.settings.OfflineDelay > 0 {
		t := time.NewTimer(s.settings.OfflineDelay)
		select {
		case <-t.C:
		case <-sctx.Done():
			t.Stop()
			return nil
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.stale(epoch, seq) {
		return nil
	}
	return s.machine().offlineAnswer(rt.sess, eff.pending)
}

// scheduleFinalize arms the closing timer. When it fires it re-reads the
// session and only finalizes if nothing moved it on in the meantime.
func (s *service) scheduleFinalize(rt *runtime, delay time.Duration) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	epoch := rt.sess.Epoch
	if rt.closing != nil {
		rt.closing.Stop()
	}
	rt.closing = time.AfterFunc(delay, func() {
		rt.mu.Lock()
		ok := rt.sess.Epoch == epoch && !rt.sess.Abandoned && rt.sess.Stage == StageReview
		id, sctx := rt.sess.ID, rt.ctx
		rt.mu.Unlock()
		if !ok {
			return
		}
		if _, err := s.finalize(sctx, rt); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Error("scheduled finalize failed", "session_id", id, "error", err)
		}
	})
}

func (s *service) alert(ctx context.Context, rt *runtime, esc Escalation) {
	rt.mu.Lock()
	a := Alert{SessionID: rt.sess.ID, PatientName: rt.sess.PatientName, Escalation: esc, At: time.Now()}
	rt.mu.Unlock()

	kind := "emergency"
	if esc.Crisis {
		kind = "crisis"
	}
	s.count(ctx, "triage.escalations", attribute.String("triage.escalation", kind))
	if esc.Crisis {
		s.count(ctx, "triage.crises")
	}
	s.logger.Warn("high-risk escalation",
		"session_id", a.SessionID,
		"kind", kind,
		"keywords", esc.Keywords,
		"score", esc.Score,
	)
	if s.deps.Alerter == nil {
		return
	}
	if err := s.deps.Alerter.HighRisk(ctx, a); err != nil {
		s.logger.Error("failed to dispatch high-risk alert", "session_id", a.SessionID, "error", err)
	}
}

func (s *service) record(ctx context.Context, id uuid.UUID, turn TurnMeta) {
	level := slog.LevelInfo
	if turn.Intent == IntentEmergency {
		level = slog.LevelWarn
	}
	s.logger.Log(ctx, level, "turn",
		"session_id", id,
		"question_id", turn.QuestionID,
		"intent", turn.Intent,
		"outcome", turn.Outcome,
	)
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(ctx, id, turn); err != nil {
		s.logger.Warn("failed to record audit entry", "session_id", id, "error", err)
	}
}

func (s *service) persist(ctx context.Context, rt *runtime) {
	if s.deps.Repo == nil {
		return
	}
	snap := s.snapshot(rt)
	if err := s.deps.Repo.Save(context.WithoutCancel(ctx), snap); err != nil {
		s.logger.Error("failed to save session", "session_id", snap.ID, "error", err)
	}
}

func (s *service) count(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	counter, err := s.meter.Int64Counter(name)
	if err != nil {
		s.logger.Warn("failed to create counter", "name", name, "error", err)
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (s *service) recordLatency(ctx context.Context, d time.Duration, err error) {
	histogram, herr := s.meter.Float64Histogram(
		"triage.remote_step.duration",
		metric.WithDescription("Remote triage step duration in milliseconds"),
	)
	if herr != nil {
		return
	}
	histogram.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.Bool("error", err != nil)))
}
