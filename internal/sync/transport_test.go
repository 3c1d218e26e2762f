package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPTransport_PushBatchRoundTrip(t *testing.T) {
	var received PushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync/push", r.URL.Path)
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		json.NewEncoder(w).Encode(Ack{CorrelationID: received.CorrelationID, Success: true})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, 5*time.Second)
	tr.SetToken("token-123")

	ack, err := tr.PushBatch(context.Background(), &PushRequest{
		StoreID:       "store-001",
		EntityType:    "products",
		CorrelationID: "corr-1",
		Records: []Record{
			{EntityID: "p1", Data: []byte(`{"id":"p1"}`), Version: 1, Operation: "create"},
		},
	})
	require.NoError(t, err)

	assert.True(t, ack.Success)
	assert.Equal(t, "corr-1", ack.CorrelationID)
	assert.Equal(t, "store-001", received.StoreID)
	assert.Len(t, received.Records, 1)
}

func TestHTTPTransport_CorrelationMismatchIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Ack{CorrelationID: "someone-elses-batch", Success: true})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, 5*time.Second)
	_, err := tr.PushBatch(context.Background(), &PushRequest{CorrelationID: "corr-1"})
	require.Error(t, err)
	assert.Equal(t, ErrTransient, KindOf(err), "a mismatched ack is no ack at all")
}

func TestHTTPTransport_PullBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync/pull", r.URL.Path)
		var req PullRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "42", req.Since)

		json.NewEncoder(w).Encode(PullResponse{
			Records:    []Record{{EntityID: "p9", Data: []byte(`{"id":"p9"}`), Version: 3}},
			NextCursor: "43",
			HasMore:    false,
		})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, 5*time.Second)
	resp, err := tr.PullBatch(context.Background(), &PullRequest{StoreID: "store-001", EntityType: "products", Since: "42", Limit: 10})
	require.NoError(t, err)

	require.Len(t, resp.Records, 1)
	assert.Equal(t, "p9", resp.Records[0].EntityID)
	assert.Equal(t, "43", resp.NextCursor)
}

func TestHTTPTransport_ErrorClassification(t *testing.T) {
	status := http.StatusInternalServerError
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", status)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, 5*time.Second)

	_, err := tr.PushBatch(context.Background(), &PushRequest{CorrelationID: "c"})
	require.Error(t, err)
	assert.Equal(t, ErrTransient, KindOf(err), "5xx is retryable")

	status = http.StatusUnprocessableEntity
	_, err = tr.PushBatch(context.Background(), &PushRequest{CorrelationID: "c"})
	require.Error(t, err)
	assert.Equal(t, ErrValidation, KindOf(err), "4xx will not get better by retrying")
}

func TestHTTPTransport_TimeoutIsTransient(t *testing.T) {
	blocked := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer server.Close()
	defer close(blocked)

	tr := NewHTTPTransport(server.URL, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := tr.PushBatch(ctx, &PushRequest{CorrelationID: "c"})
	require.Error(t, err)
	assert.Equal(t, ErrTransient, KindOf(err), "a timeout is a failure, never an assumed success")
}

func TestHTTPTransport_Probe(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, 5*time.Second)
	assert.NoError(t, tr.Probe(context.Background()))

	server.Close()
	assert.Error(t, tr.Probe(context.Background()))
}
