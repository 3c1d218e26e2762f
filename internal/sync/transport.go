package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Record is one entity change on the wire
type Record struct {
	EntityID  string          `json:"entityId"`
	Data      json.RawMessage `json:"data"`
	Version   int64           `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Operation string          `json:"operation"`
}

// PushRequest carries one outbound batch
type PushRequest struct {
	StoreID       string   `json:"storeId"`
	EntityType    string   `json:"entityType"`
	Direction     string   `json:"direction"`
	CorrelationID string   `json:"correlationId"`
	Records       []Record `json:"records"`
}

// Ack is the receiver's response to a pushed batch. The sender only marks
// items Completed on a positive ack with a matching correlation id, which
// makes delivery at-least-once.
type Ack struct {
	CorrelationID string `json:"correlationId"`
	Success       bool   `json:"success"`
	ErrorMessage  string `json:"errorMessage,omitempty"`
}

// PullRequest asks HQ for changes after the given cursor
type PullRequest struct {
	StoreID    string `json:"storeId"`
	EntityType string `json:"entityType"`
	Since      string `json:"since"`
	Limit      int    `json:"limit"`
}

// PullResponse is one page of remote changes
type PullResponse struct {
	Records    []Record `json:"records"`
	HasMore    bool     `json:"hasMore"`
	NextCursor string   `json:"nextCursor"`
}

// Heartbeat is the lightweight periodic message on the push channel
type Heartbeat struct {
	StoreID       string    `json:"storeId"`
	PendingCount  int       `json:"pendingCount"`
	ClientVersion string    `json:"clientVersion"`
	Timestamp     time.Time `json:"timestamp"`
}

// Transport moves serialized batches between a store and HQ. Every call has
// a bounded timeout; a timeout is a failure, never an assumed success.
type Transport interface {
	PushBatch(ctx context.Context, req *PushRequest) (*Ack, error)
	PullBatch(ctx context.Context, req *PullRequest) (*PullResponse, error)
	Probe(ctx context.Context) error
}

// HTTPTransport is the request/response channel against HQ's sync endpoints
type HTTPTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport creates a transport for the given HQ base URL
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetToken sets the bearer token attached to every request
func (t *HTTPTransport) SetToken(token string) {
	t.token = token
}

// PushBatch sends one batch and waits for its acknowledgement
func (t *HTTPTransport) PushBatch(ctx context.Context, req *PushRequest) (*Ack, error) {
	var ack Ack
	if err := t.post(ctx, "/api/sync/push", req, &ack); err != nil {
		return nil, err
	}
	if ack.CorrelationID != req.CorrelationID {
		return nil, Transient(fmt.Errorf("ack correlation mismatch: sent %s, got %s",
			req.CorrelationID, ack.CorrelationID))
	}
	return &ack, nil
}

// PullBatch fetches one page of remote changes
func (t *HTTPTransport) PullBatch(ctx context.Context, req *PullRequest) (*PullResponse, error) {
	var resp PullResponse
	if err := t.post(ctx, "/api/sync/pull", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Probe checks whether HQ is reachable
func (t *HTTPTransport) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return Transient(err)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Transient(fmt.Errorf("health probe returned status %d", resp.StatusCode))
	}
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return Validation(fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+path, bytes.NewBuffer(data))
	if err != nil {
		return Transient(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return Transient(fmt.Errorf("request to %s failed: %w", path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("%s returned HTTP %d: %s", path, resp.StatusCode, string(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return Validation(err)
		}
		return Transient(err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return Transient(fmt.Errorf("failed to decode %s response: %w", path, err))
	}
	return nil
}
