package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"symptom-triage/internal/consultation"
)

const defaultModel = "gpt-4o-mini"

// System prompts. Every reply is a single JSON object.
const (
	plannerPrompt = `You are the planner of a symptom triage assistant. Given the patient's initial symptom and any clinical slots already known, produce the follow-up questions a clinician would ask.
Reply with JSON: {"questions":[{"id":"...","text":"...","type":"text|number|single-select|multi-select","options":["..."] or [{"category":"...","items":["..."]}],"metadata":{"slots":["age","duration","severity","progression"],"red_flag":false}}]}.
Include exactly one question with metadata.red_flag=true that screens for danger signs. Do not diagnose.`

	communicatorPrompt = `You are the communicator of a symptom triage assistant. You see the conversation so far, the questions that remain and the current assessment profile.
Reply with JSON: {"control_signal":"CONTINUE|TERMINATE|CLARIFY","ai_response":{"text":"...","question":{...optional follow-up question...},"assessment":{...optional...}},"updated_profile":{...},"metadata":{"reason":"..."}}.
Use TERMINATE once enough information is collected. Use CLARIFY with a question when the last answer was ambiguous. Keep text short and calm. Do not diagnose.`

	analystPrompt = `You are the analyst of a symptom triage assistant. Extract a structured clinical profile from the conversation.
Reply with JSON: {"profile":{"category":"simple|complex|critical","age":number or null,"severity":"...","duration":"...","progression":"...","symptoms":["..."],"summary":"...","red_flags_resolved":bool,"ambiguity_detected":bool,"inconsistency_detected":bool}}.`
)

// openAIClient runs the triage steps against a chat completion model in JSON
// mode.
type openAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient returns a triage client backed by the OpenAI API. An empty
// baseURL uses the public endpoint.
func NewOpenAIClient(apiKey, model, baseURL string) consultation.TriageClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = defaultModel
	}
	return &openAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (c *openAIClient) Plan(ctx context.Context, req consultation.PlanRequest) ([]consultation.AssessmentQuestion, error) {
	var out planResponse
	if err := c.complete(ctx, plannerPrompt, req, &out); err != nil {
		return nil, err
	}
	return out.Questions, nil
}

func (c *openAIClient) Step(ctx context.Context, req consultation.StepRequest) (*consultation.StepResponse, error) {
	var out consultation.StepResponse
	if err := c.complete(ctx, communicatorPrompt, req, &out); err != nil {
		return nil, err
	}
	if err := normalizeSignal(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *openAIClient) ExtractProfile(ctx context.Context, req consultation.StepRequest) (*consultation.AssessmentProfile, error) {
	var out profileResponse
	if err := c.complete(ctx, analystPrompt, req, &out); err != nil {
		return nil, err
	}
	if out.Profile == nil {
		return nil, &consultation.StepError{Code: consultation.CodeServer, Message: "model returned no profile"}
	}
	return out.Profile, nil
}

func (c *openAIClient) complete(ctx context.Context, system string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &consultation.StepError{Code: consultation.CodeValidation, Message: "failed to encode request", Err: err}
	}

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		Temperature: 0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return &consultation.StepError{Code: consultation.CodeServer, Message: "model returned no choices"}
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return &consultation.StepError{Code: consultation.CodeServer, Message: "model returned malformed JSON", Err: err}
	}
	return nil
}

func classifyOpenAI(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &consultation.StepError{
			Code:    codeForStatus(apiErr.HTTPStatusCode),
			Message: fmt.Sprintf("openai API error: %s", apiErr.Message),
			Err:     err,
		}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &consultation.StepError{
			Code:    codeForStatus(reqErr.HTTPStatusCode),
			Message: "openai request failed",
			Err:     err,
		}
	}
	return &consultation.StepError{Code: consultation.CodeNetwork, Message: "openai request failed", Err: err}
}
