package mint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/agentledger/internal/block"
	"github.com/roach88/agentledger/internal/ledger"
	"github.com/roach88/agentledger/internal/store"
	"github.com/roach88/agentledger/internal/testutil"
)

const testAgent = "16cf1bcd927088a3e42f7cfabf91c6fb709d021bda74d4dd98a28edd0cdc98d5"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestTracker opens a store, appends n blocks for testAgent and returns
// a tracker over them.
func newTestTracker(t *testing.T, n int) (*Tracker, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "mint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	led := ledger.New(s, ledger.WithLogger(discardLogger()))
	for i := 0; i < n; i++ {
		_, err := led.Append(context.Background(), testAgent, block.Core{
			Actor:  "system",
			Action: fmt.Sprintf("step-%d", i),
		})
		require.NoError(t, err)
	}

	tr := NewTracker(s, led,
		WithClock(testutil.NewDeterministicClock(1700000000000, 1000)),
		WithLogger(discardLogger()))
	return tr, s
}

// fakeMintService is an in-memory mint backend speaking the HTTPBackend protocol.
type fakeMintService struct {
	mu        sync.Mutex
	jobs      map[string]JobStatus // job id -> status
	byRequest map[string]string    // request id -> job id
	payloads  map[string]json.RawMessage
	submits   int
	failNext  int // submissions to reject with 503
	failPolls int // polls to reject with 503
	token     string
	server    *httptest.Server
}

func newFakeMintService(t *testing.T) *fakeMintService {
	t.Helper()
	f := &fakeMintService{
		jobs:      map[string]JobStatus{},
		byRequest: map[string]string{},
		payloads:  map[string]json.RawMessage{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", f.handleSubmit)
	mux.HandleFunc("GET /jobs/{id}", f.handlePoll)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeMintService) backend() *HTTPBackend {
	return NewHTTPBackend(HTTPBackendConfig{URL: f.server.URL, Token: f.token})
}

func (f *fakeMintService) authorized(r *http.Request) bool {
	return f.token == "" || r.Header.Get("Authorization") == "Bearer "+f.token
}

func (f *fakeMintService) handleSubmit(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	f.submits++
	if f.failNext > 0 {
		f.failNext--
		http.Error(w, "minter busy", http.StatusServiceUnavailable)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.RequestID != r.Header.Get("Idempotency-Key") {
		http.Error(w, "idempotency key mismatch", http.StatusBadRequest)
		return
	}

	jobID, ok := f.byRequest[req.RequestID]
	if !ok {
		jobID = fmt.Sprintf("job-%d", len(f.byRequest)+1)
		f.byRequest[req.RequestID] = jobID
		f.jobs[jobID] = JobStatus{State: JobPending}
		f.payloads[jobID] = req.Payload
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(submitResponse{JobID: jobID})
}

func (f *fakeMintService) handlePoll(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if f.failPolls > 0 {
		f.failPolls--
		http.Error(w, "minter busy", http.StatusServiceUnavailable)
		return
	}
	status, ok := f.jobs[r.PathValue("id")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (f *fakeMintService) finish(jobID string, status JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID] = status
}

// addJob registers a job submitted without going through POST /jobs.
func (f *fakeMintService) addJob(jobID string, status JobStatus) {
	f.finish(jobID, status)
}

// forget drops a job, as a backend that lost its state would.
func (f *fakeMintService) forget(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.jobs, jobID)
}

func (f *fakeMintService) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}
