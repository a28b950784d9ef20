// Package records talks to the patient case record service.
package records

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rural-triage/server/internal/model"
)

// ErrPatientNotFound is returned when the record service does not know the patient.
var ErrPatientNotFound = errors.New("records: patient not found")

// StatusError is a non-success reply from the record service.
type StatusError struct {
	Op      string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("records %s: status %d: %s", e.Op, e.Status, e.Message)
}

// Store is the subset of the record service the coordinator needs.
type Store interface {
	SaveCase(ctx context.Context, payload model.PersistencePayload) error
	GetPatientVitals(ctx context.Context, patientRef string) (*model.Vitals, error)
}

// Client is the HTTP record service client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// SaveCase writes one finalized case.
func (c *Client) SaveCase(ctx context.Context, payload model.PersistencePayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal case: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/save_case", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("save case %s: %w", payload.CaseID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrPatientNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("save_case", resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// GetPatientVitals returns the last recorded vitals, or nil when the patient has none.
func (c *Client) GetPatientVitals(ctx context.Context, patientRef string) (*model.Vitals, error) {
	var out struct {
		Vitals *model.Vitals `json:"vitals"`
	}
	if err := c.getJSON(ctx, "get_patient", "/patients/"+url.PathEscape(patientRef), &out); err != nil {
		return nil, err
	}
	if out.Vitals.IsZero() {
		return nil, nil
	}
	return out.Vitals, nil
}

// ListCases returns the saved cases for a patient.
func (c *Client) ListCases(ctx context.Context, patientRef string) ([]model.PersistencePayload, error) {
	var out struct {
		Cases []model.PersistencePayload `json:"cases"`
	}
	if err := c.getJSON(ctx, "list_cases", "/cases/"+url.PathEscape(patientRef), &out); err != nil {
		return nil, err
	}
	return out.Cases, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("records %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrPatientNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("records %s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var payload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	msg := strings.TrimSpace(string(data))
	if json.Unmarshal(data, &payload) == nil {
		switch {
		case payload.Message != "":
			msg = payload.Message
		case payload.Detail != "":
			msg = payload.Detail
		}
	}
	if msg == "" {
		msg = resp.Status
	}
	return &StatusError{Op: op, Status: resp.StatusCode, Message: msg}
}
