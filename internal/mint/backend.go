package mint

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
)

const defaultBackendTimeout = 10 * time.Second

// JobState is the backend's view of a mint job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// JobStatus is the result of polling a job.
type JobStatus struct {
	State   JobState `json:"state"`
	Message string   `json:"message,omitempty"`
}

// Backend is the asynchronous minting service.
//
// Submit must treat requestID as an idempotency key: submitting the same
// requestID twice returns the same job id.
type Backend interface {
	Submit(ctx context.Context, requestID string, payload json.RawMessage) (string, error)
	Poll(ctx context.Context, jobID string) (JobStatus, error)
}

// ErrJobNotFound is returned when the backend does not know a job id.
var ErrJobNotFound = errors.New("mint job not found")

// BackendError is a non-success HTTP response from the mint backend.
type BackendError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("mint backend %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
}

// HTTPBackendConfig configures HTTPBackend.
type HTTPBackendConfig struct {
	// URL is the backend base URL (e.g., "http://localhost:8090").
	URL string
	// Token is sent as a bearer token when set.
	Token string
	// Timeout sets the per-request timeout. Default: 10s.
	Timeout time.Duration
}

// HTTPBackend talks to a mint service over JSON/HTTP:
//
//	POST {url}/jobs       {"request_id": "...", "payload": {...}} -> {"job_id": "..."}
//	GET  {url}/jobs/{id}  -> {"state": "pending|succeeded|failed", "message": "..."}
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBackend creates an HTTP mint backend client.
func NewHTTPBackend(cfg HTTPBackendConfig) *HTTPBackend {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultBackendTimeout
	}
	return &HTTPBackend{
		baseURL: strings.TrimSuffix(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	RequestID string          `json:"request_id"`
	Payload   json.RawMessage `json:"payload"`
}

type submitResponse struct {
	JobID string `json:"job_id"`
}

// Submit posts a job. The request id is also sent as Idempotency-Key.
func (b *HTTPBackend) Submit(ctx context.Context, requestID string, payload json.RawMessage) (string, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	body, err := json.Marshal(submitRequest{RequestID: requestID, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("mint submit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/jobs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("mint submit: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", requestID)

	var out submitResponse
	if err := b.do(req, "submit", &out); err != nil {
		return "", err
	}
	if out.JobID == "" {
		return "", errors.New("mint submit: response has no job_id")
	}
	return out.JobID, nil
}

// Poll fetches a job's state.
func (b *HTTPBackend) Poll(ctx context.Context, jobID string) (JobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return JobStatus{}, fmt.Errorf("mint poll: %w", err)
	}

	var out JobStatus
	if err := b.do(req, "poll", &out); err != nil {
		return JobStatus{}, err
	}
	switch out.State {
	case JobPending, JobSucceeded, JobFailed:
		return out, nil
	default:
		return JobStatus{}, fmt.Errorf("mint poll %s: unknown state %q", jobID, out.State)
	}
}

func (b *HTTPBackend) do(req *http.Request, op string, out any) error {
	req.Header.Set("Accept", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("mint %s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("mint %s: read response: %w", op, err)
	}
	if resp.StatusCode == http.StatusNotFound && op == "poll" {
		return ErrJobNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &BackendError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("mint %s: decode response: %w", op, err)
	}
	return nil
}
