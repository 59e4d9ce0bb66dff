package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"symptom-triage/internal/consultation"
)

// fakeCompletions serves the chat completions endpoint with a fixed content.
func fakeCompletions(t *testing.T, content string, status int) (consultation.TriageClient, *openai.ChatCompletionRequest) {
	t.Helper()
	var got openai.ChatCompletionRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			return
		}
		json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			ID:     "cmpl-1",
			Object: "chat.completion",
			Model:  "gpt-4o-mini",
			Choices: []openai.ChatCompletionChoice{{
				Index:        0,
				Message:      openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
				FinishReason: openai.FinishReasonStop,
			}},
		})
	}))
	t.Cleanup(server.Close)
	return NewOpenAIClient("test-key", "", server.URL+"/v1"), &got
}

func TestOpenAIStepUsesJSONMode(t *testing.T) {
	c, got := fakeCompletions(t, `{"control_signal":"TERMINATE","ai_response":{"text":"That's all I need."}}`, http.StatusOK)

	resp, err := c.Step(context.Background(), consultation.StepRequest{SessionID: "s1", InitialSymptom: "cough"})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if resp.ControlSignal != consultation.SignalTerminate {
		t.Errorf("control signal = %q", resp.ControlSignal)
	}
	if got.Model != defaultModel {
		t.Errorf("model = %q, want %q", got.Model, defaultModel)
	}
	if got.ResponseFormat == nil || got.ResponseFormat.Type != openai.ChatCompletionResponseFormatTypeJSONObject {
		t.Error("request should ask for a JSON object")
	}
	if len(got.Messages) != 2 || got.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("unexpected messages %+v", got.Messages)
	}
}

func TestOpenAIPlan(t *testing.T) {
	c, _ := fakeCompletions(t, `{"questions":[{"id":"age","text":"How old are you?","type":"number","metadata":{"slots":["age"]}}]}`, http.StatusOK)

	plan, err := c.Plan(context.Background(), consultation.PlanRequest{InitialSymptom: "cough"})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan) != 1 || plan[0].ID != "age" || len(plan[0].Metadata.Slots) != 1 {
		t.Errorf("unexpected plan %+v", plan)
	}
}

func TestOpenAIMalformedContent(t *testing.T) {
	c, _ := fakeCompletions(t, `not json`, http.StatusOK)

	_, err := c.ExtractProfile(context.Background(), consultation.StepRequest{})
	if se := consultation.AsStepError(err); se == nil || se.Code != consultation.CodeServer {
		t.Fatalf("expected SERVER_ERROR, got %v", err)
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	c, _ := fakeCompletions(t, "", http.StatusBadRequest)

	_, err := c.Step(context.Background(), consultation.StepRequest{})
	if se := consultation.AsStepError(err); se == nil || se.Code != consultation.CodeValidation {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}
