package consultation

import (
	"encoding/json"
	"errors"
	"fmt"

	"symptom-triage/internal/slots"
)

// ControlSignal tells the orchestrator what to do after a remote step.
type ControlSignal string

const (
	SignalContinue  ControlSignal = "CONTINUE"
	SignalTerminate ControlSignal = "TERMINATE"
	SignalClarify   ControlSignal = "CLARIFY"
)

type HistoryRole string

const (
	RoleUser      HistoryRole = "user"
	RoleAssistant HistoryRole = "assistant"
	RoleSystem    HistoryRole = "system"
)

type HistoryEntry struct {
	Role HistoryRole `json:"role"`
	Text string      `json:"text"`
}

// StepRequest is sent to the remote triage step on every answered turn.
type StepRequest struct {
	SessionID             string               `json:"session_id"`
	History               []HistoryEntry       `json:"history"`
	Profile               *AssessmentProfile   `json:"profile,omitempty"`
	Slots                 slots.ClinicalSlots  `json:"slots"`
	CurrentTurn           int                  `json:"current_turn"`
	TotalPlannedQuestions int                  `json:"total_planned_questions"`
	RemainingQuestions    []AssessmentQuestion `json:"remaining_questions"`
	ClarificationAttempts int                  `json:"clarification_attempts"`
	PatientContext        map[string]string    `json:"patient_context,omitempty"`
	InitialSymptom        string               `json:"initial_symptom"`
	PatientName           string               `json:"patient_name,omitempty"`
	LastTurn              *TurnMeta            `json:"last_turn,omitempty"`
}

type AIResponse struct {
	Text       string              `json:"text"`
	Question   *AssessmentQuestion `json:"question,omitempty"`
	Assessment json.RawMessage     `json:"assessment,omitempty"`
}

type StepMetadata struct {
	Reason     string `json:"reason,omitempty"`
	NeedsReset bool   `json:"needs_reset,omitempty"`
}

// StepResponse is the remote triage step's answer.
type StepResponse struct {
	ControlSignal  ControlSignal      `json:"control_signal"`
	AIResponse     AIResponse         `json:"ai_response"`
	UpdatedProfile *AssessmentProfile `json:"updated_profile,omitempty"`
	Metadata       StepMetadata       `json:"metadata"`
}

// PlanRequest asks for the initial question plan.
type PlanRequest struct {
	SessionID      string              `json:"session_id"`
	InitialSymptom string              `json:"initial_symptom"`
	PatientName    string              `json:"patient_name,omitempty"`
	PatientContext map[string]string   `json:"patient_context,omitempty"`
	Slots          slots.ClinicalSlots `json:"slots"`
}

type ErrorCode string

const (
	CodeVersionMismatch ErrorCode = "VERSION_MISMATCH"
	CodeValidation      ErrorCode = "VALIDATION_ERROR"
	CodeServer          ErrorCode = "SERVER_ERROR"
	CodeNetwork         ErrorCode = "NETWORK_ERROR"
)

var userMessages = map[ErrorCode]string{
	CodeVersionMismatch: "This version of the app is no longer supported. Please update to continue your assessment.",
	CodeValidation:      "Something about that answer could not be processed. Please try sending it again.",
	CodeServer:          "Our assessment service had a problem. Your answer is saved, please try again.",
	CodeNetwork:         "We couldn't reach the assessment service. Check your connection and try again.",
}

// UserMessage is the user-facing text for code.
func UserMessage(code ErrorCode) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return userMessages[CodeServer]
}

// StepError is a classified remote step failure.
type StepError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *StepError) Unwrap() error { return e.Err }

// Retryable is false only for a contract version mismatch.
func (e *StepError) Retryable() bool {
	return e.Code != CodeVersionMismatch
}

// AsStepError classifies any error as a StepError. Unclassified errors are
// treated as network failures.
func AsStepError(err error) *StepError {
	if err == nil {
		return nil
	}
	var se *StepError
	if errors.As(err, &se) {
		return se
	}
	return &StepError{Code: CodeNetwork, Message: "remote step failed", Err: err}
}
