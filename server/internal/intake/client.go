package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rural-triage/server/internal/model"
)

const (
	opStartCase    = "start_case"
	opNextQuestion = "next_question"
)

type StartCaseRequest struct {
	PatientInput string       `json:"patient_input"`
	Vitals       model.Vitals `json:"vitals"`
}

type StartCaseResponse struct {
	CaseID        string  `json:"case_id"`
	FirstQuestion *string `json:"first_follow_up_question"`
}

type NextQuestionRequest struct {
	CaseID  string        `json:"case_id"`
	Answers model.Answers `json:"answers"`
}

type NextQuestionResponse struct {
	Done         bool    `json:"done"`
	Warning      string  `json:"warning,omitempty"`
	NextQuestion *string `json:"next_question"`
}

// Service is the case service's turn-based intake API.
type Service interface {
	StartCase(ctx context.Context, req StartCaseRequest) (StartCaseResponse, error)
	NextQuestion(ctx context.Context, req NextQuestionRequest) (NextQuestionResponse, error)
}

// Client talks to the case service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a client with a per-call timeout. Requests are traced through otelhttp.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) StartCase(ctx context.Context, req StartCaseRequest) (StartCaseResponse, error) {
	var out StartCaseResponse
	if err := c.postJSON(ctx, opStartCase, "/api/start_case", req, &out); err != nil {
		return StartCaseResponse{}, err
	}
	if out.CaseID == "" {
		return StartCaseResponse{}, &ServiceError{Op: opStartCase, Status: http.StatusOK, Message: "case service returned no case id"}
	}
	return out, nil
}

func (c *Client) NextQuestion(ctx context.Context, req NextQuestionRequest) (NextQuestionResponse, error) {
	var out NextQuestionResponse
	if err := c.postJSON(ctx, opNextQuestion, "/api/next_question", req, &out); err != nil {
		return NextQuestionResponse{}, err
	}
	return out, nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: new request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		limited, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &ServiceError{Op: op, Status: resp.StatusCode, Message: errorDetail(limited, resp.Status)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServiceError{Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}

// errorDetail extracts {"detail": "..."} or {"message": "..."} from an error body.
func errorDetail(body []byte, fallback string) string {
	var payload struct {
		Detail  json.RawMessage `json:"detail"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		var detail string
		if len(payload.Detail) > 0 && json.Unmarshal(payload.Detail, &detail) == nil && detail != "" {
			return detail
		}
		if len(payload.Detail) > 0 && string(payload.Detail) != "null" {
			return string(payload.Detail)
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return fallback
}
