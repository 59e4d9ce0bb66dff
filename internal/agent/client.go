package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"symptom-triage/internal/consultation"
)

// ClientVersionHeader carries the contract version the triage service checks.
const ClientVersionHeader = "X-Client-Version"

const maxResponseBytes = 1 << 20

// client talks to the remote triage service over JSON/HTTP.
type client struct {
	baseURL    string
	version    string
	httpClient *http.Client
}

// NewHTTPClient returns a triage client for the service at baseURL. The
// per-call deadline comes from the caller's context.
func NewHTTPClient(baseURL, version string) consultation.TriageClient {
	return &client{
		baseURL: strings.TrimRight(baseURL, "/"),
		version: version,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type planResponse struct {
	Questions []consultation.AssessmentQuestion `json:"questions"`
}

type profileResponse struct {
	Profile *consultation.AssessmentProfile `json:"profile"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *client) Plan(ctx context.Context, req consultation.PlanRequest) ([]consultation.AssessmentQuestion, error) {
	var out planResponse
	if err := c.post(ctx, "/v1/plan", req, &out); err != nil {
		return nil, err
	}
	return out.Questions, nil
}

func (c *client) Step(ctx context.Context, req consultation.StepRequest) (*consultation.StepResponse, error) {
	var out consultation.StepResponse
	if err := c.post(ctx, "/v1/step", req, &out); err != nil {
		return nil, err
	}
	if err := normalizeSignal(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// normalizeSignal defaults a missing control signal to CONTINUE.
func normalizeSignal(resp *consultation.StepResponse) error {
	switch resp.ControlSignal {
	case "":
		resp.ControlSignal = consultation.SignalContinue
	case consultation.SignalContinue, consultation.SignalTerminate, consultation.SignalClarify:
	default:
		return &consultation.StepError{
			Code:    consultation.CodeServer,
			Message: fmt.Sprintf("unknown control signal %q", resp.ControlSignal),
		}
	}
	return nil
}

func (c *client) ExtractProfile(ctx context.Context, req consultation.StepRequest) (*consultation.AssessmentProfile, error) {
	var out profileResponse
	if err := c.post(ctx, "/v1/profile", req, &out); err != nil {
		return nil, err
	}
	if out.Profile == nil {
		return nil, &consultation.StepError{Code: consultation.CodeServer, Message: "response has no profile"}
	}
	return out.Profile, nil
}

func (c *client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return &consultation.StepError{Code: consultation.CodeValidation, Message: "failed to encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return &consultation.StepError{Code: consultation.CodeNetwork, Message: "failed to create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.version != "" {
		req.Header.Set(ClientVersionHeader, c.version)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &consultation.StepError{Code: consultation.CodeNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &consultation.StepError{Code: consultation.CodeNetwork, Message: "failed to read response", Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return classify(resp.StatusCode, resp.Status, data)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &consultation.StepError{Code: consultation.CodeServer, Message: "malformed response", Err: err}
	}
	return nil
}

// classify maps a non-200 response to a StepError. An explicit code in the
// body wins over the status.
func classify(status int, statusText string, body []byte) *consultation.StepError {
	var eb errorBody
	_ = json.Unmarshal(body, &eb)
	msg := eb.Message
	if msg == "" {
		msg = eb.Error
	}
	if msg == "" {
		msg = fmt.Sprintf("triage API error: %s", statusText)
	}

	switch code := consultation.ErrorCode(eb.Code); code {
	case consultation.CodeVersionMismatch, consultation.CodeValidation, consultation.CodeServer, consultation.CodeNetwork:
		return &consultation.StepError{Code: code, Message: msg}
	}

	return &consultation.StepError{Code: codeForStatus(status), Message: msg}
}

func codeForStatus(status int) consultation.ErrorCode {
	switch status {
	case http.StatusUpgradeRequired:
		return consultation.CodeVersionMismatch
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return consultation.CodeValidation
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return consultation.CodeNetwork
	}
	return consultation.CodeServer
}
