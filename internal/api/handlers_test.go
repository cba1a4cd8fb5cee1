package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"safe-code-sandbox/internal/config"
	"safe-code-sandbox/internal/monitor"
	"safe-code-sandbox/internal/sandbox"
	"safe-code-sandbox/internal/storage"
)

const workerEnvVar = "API_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnvVar) == "1" {
		os.Exit(sandbox.WorkerMain())
	}
	os.Exit(m.Run())
}

// mockEngine implements sandbox.Engine for handler tests.
type mockEngine struct {
	mu      sync.Mutex
	result  sandbox.Result
	err     error
	source  string
	timeout time.Duration
}

func (m *mockEngine) Execute(_ context.Context, source string, timeout time.Duration) (sandbox.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.source = source
	m.timeout = timeout
	return m.result, m.err
}

func (m *mockEngine) ActiveCount() int64 { return 3 }
func (m *mockEngine) Close() error       { return nil }

type mockStore struct {
	execs   map[string]*storage.Execution
	filter  storage.ExecutionFilter
	healthy bool
	err     error
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*storage.Execution, error) {
	if m.err != nil {
		return nil, m.err
	}
	exec, ok := m.execs[id]
	if !ok {
		return nil, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	return exec, nil
}

func (m *mockStore) ListExecutions(_ context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error) {
	m.filter = filter
	if m.err != nil {
		return nil, m.err
	}
	var out []storage.Execution
	for _, e := range m.execs {
		out = append(out, *e)
	}
	return out, nil
}

func (m *mockStore) Healthy(context.Context) bool { return m.healthy }

type mockAudit struct {
	mu      sync.Mutex
	entries []*storage.Execution
}

func (m *mockAudit) Log(exec *storage.Execution) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, exec)
	return true
}

func newTestServer(t *testing.T, engine sandbox.Engine, deps Dependencies) http.Handler {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Security.RateLimitRPS = 0
	srv := NewServer(cfg, engine, deps)
	return srv.Handler()
}

func doRequest(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleExecute_NoCode(t *testing.T) {
	engine := &mockEngine{}
	h := newTestServer(t, engine, Dependencies{})

	rec := doRequest(h, http.MethodPost, "/execute", "")

	if rec.Code != http.StatusBadRequest {
		t.Errorf("got status %d, want 400", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"error":"No code provided"}` {
		t.Errorf("got body %s", got)
	}
	if engine.source != "" {
		t.Error("engine should not run for an empty body")
	}
}

func TestHandleExecute_PassesEngineStatusThrough(t *testing.T) {
	tests := []struct {
		name   string
		result sandbox.Result
	}{
		{"success", sandbox.Result{ID: "e1", Text: "2", Status: 200, Kind: sandbox.KindSuccess}},
		{"denied", sandbox.Result{ID: "e2", Text: sandbox.TextUnsafe, Status: 403, Kind: sandbox.KindDenied}},
		{"syntax", sandbox.Result{ID: "e3", Text: "Syntax error: x", Status: 400, Kind: sandbox.KindSyntaxInvalid}},
		{"timeout", sandbox.Result{ID: "e4", Text: sandbox.TextTimedOut, Status: 402, Kind: sandbox.KindTimedOut}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			audit := &mockAudit{}
			h := newTestServer(t, &mockEngine{result: tt.result}, Dependencies{Audit: audit})

			rec := doRequest(h, http.MethodPost, "/execute", "print(1+1)")

			if rec.Code != tt.result.Status {
				t.Errorf("got status %d, want %d", rec.Code, tt.result.Status)
			}
			if got := rec.Header().Get("X-Execution-ID"); got != tt.result.ID {
				t.Errorf("X-Execution-ID = %q, want %q", got, tt.result.ID)
			}

			var resp ExecutionResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Output != tt.result.Text {
				t.Errorf("output = %q, want %q", resp.Output, tt.result.Text)
			}
			if resp.Kind != string(tt.result.Kind) {
				t.Errorf("kind = %q, want %q", resp.Kind, tt.result.Kind)
			}

			if len(audit.entries) != 1 {
				t.Fatalf("got %d audit entries, want 1", len(audit.entries))
			}
			if audit.entries[0].StatusCode != tt.result.Status {
				t.Errorf("audited status = %d, want %d", audit.entries[0].StatusCode, tt.result.Status)
			}
		})
	}
}

func TestHandleExecute_Timeout(t *testing.T) {
	tests := []struct {
		query   string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"?timeout=500ms", 500 * time.Millisecond, false},
		{"?timeout=1.5", 1500 * time.Millisecond, false},
		{"?timeout=3", 3 * time.Second, false},
		{"?timeout=-1s", 0, true},
		{"?timeout=soon", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			engine := &mockEngine{result: sandbox.Result{Status: 200, Kind: sandbox.KindSuccess}}
			h := newTestServer(t, engine, Dependencies{})

			rec := doRequest(h, http.MethodPost, "/execute"+tt.query, "print(1)")

			if tt.wantErr {
				if rec.Code != http.StatusBadRequest {
					t.Errorf("got status %d, want 400", rec.Code)
				}
				return
			}
			if engine.timeout != tt.want {
				t.Errorf("engine got timeout %s, want %s", engine.timeout, tt.want)
			}
		})
	}
}

func TestHandleExecute_EngineErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid request", fmt.Errorf("%w: source too large", sandbox.ErrInvalidRequest), http.StatusBadRequest, "VALIDATION_ERROR"},
		{"worker start", &sandbox.ExecutionError{Op: "spawn", Err: sandbox.ErrWorkerStart}, http.StatusInternalServerError, "EXECUTION_FAILED"},
		{"closed", sandbox.ErrClosed, http.StatusServiceUnavailable, "ENGINE_UNAVAILABLE"},
		{"request deadline", context.DeadlineExceeded, http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"},
		{"wrapped request deadline", fmt.Errorf("waiting for slot: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "DEADLINE_EXCEEDED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &mockEngine{err: tt.err}, Dependencies{})

			rec := doRequest(h, http.MethodPost, "/execute", "print(1)")

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("got code %q, want %q", resp.Code, tt.wantCode)
			}
		})
	}
}

func TestHandleExecute_BodyTooLarge(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.MaxRequestBody = 16
	h := NewServer(cfg, &mockEngine{}, Dependencies{}).Handler()

	rec := doRequest(h, http.MethodPost, "/execute", strings.Repeat("x", 64))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("got status %d, want 413", rec.Code)
	}
}

func TestHandleExecutions_NoDatabase(t *testing.T) {
	h := newTestServer(t, &mockEngine{}, Dependencies{})

	for _, path := range []string{"/executions", "/executions/abc"} {
		rec := doRequest(h, http.MethodGet, path, "")
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("GET %s: got status %d, want 503", path, rec.Code)
		}
	}
}

func TestHandleGetExecution(t *testing.T) {
	store := &mockStore{execs: map[string]*storage.Execution{
		"abc": {ID: "abc", Kind: "success", StatusCode: 200},
	}}
	h := newTestServer(t, &mockEngine{}, Dependencies{Store: store})

	rec := doRequest(h, http.MethodGet, "/executions/abc", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	var exec storage.Execution
	if err := json.NewDecoder(rec.Body).Decode(&exec); err != nil {
		t.Fatal(err)
	}
	if exec.ID != "abc" {
		t.Errorf("got id %q, want abc", exec.ID)
	}

	rec = doRequest(h, http.MethodGet, "/executions/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rec.Code)
	}

	store.err = errors.New("connection refused")
	rec = doRequest(h, http.MethodGet, "/executions/abc", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("got status %d, want 500", rec.Code)
	}
}

func TestHandleListExecutions_Filter(t *testing.T) {
	store := &mockStore{execs: map[string]*storage.Execution{}}
	h := newTestServer(t, &mockEngine{}, Dependencies{Store: store})

	rec := doRequest(h, http.MethodGet, "/executions?kind=denied&limit=5&offset=10&since=2026-01-02T15:04:05Z", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Errorf("got body %s, want []", got)
	}
	if store.filter.Kind != "denied" || store.filter.Limit != 5 || store.filter.Offset != 10 {
		t.Errorf("unexpected filter %+v", store.filter)
	}
	if store.filter.Since == nil || store.filter.Since.Year() != 2026 {
		t.Errorf("since not parsed: %v", store.filter.Since)
	}

	for _, q := range []string{"?limit=0", "?offset=-1", "?until=yesterday"} {
		rec := doRequest(h, http.MethodGet, "/executions"+q, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("GET /executions%s: got status %d, want 400", q, rec.Code)
		}
	}
}

func TestHandleHealth(t *testing.T) {
	tests := []struct {
		name       string
		deps       Dependencies
		wantStatus int
		wantState  string
	}{
		{"no dependencies", Dependencies{}, http.StatusOK, "ok"},
		{"healthy store", Dependencies{Store: &mockStore{healthy: true}}, http.StatusOK, "ok"},
		{"unhealthy store", Dependencies{Store: &mockStore{healthy: false}}, http.StatusServiceUnavailable, "degraded"},
		{"unhealthy cache", Dependencies{Cache: &mockStore{healthy: false}}, http.StatusServiceUnavailable, "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestServer(t, &mockEngine{}, tt.deps)

			rec := doRequest(h, http.MethodGet, "/health", "")

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp HealthResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Status != tt.wantState {
				t.Errorf("got status %q, want %q", resp.Status, tt.wantState)
			}
			if resp.ActiveExecutions != 3 {
				t.Errorf("got active %d, want 3", resp.ActiveExecutions)
			}
		})
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	h := newTestServer(t, &mockEngine{}, Dependencies{Metrics: monitor.NewMetrics()})

	rec := doRequest(h, http.MethodGet, "/metrics", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sandbox_api_requests_in_flight") {
		t.Error("metrics output missing in-flight gauge")
	}
}

func TestServer_CORS(t *testing.T) {
	h := newTestServer(t, &mockEngine{}, Dependencies{})

	req := httptest.NewRequest(http.MethodOptions, "/execute", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

// TestServer_EndToEnd drives real worker processes through the HTTP layer.
func TestServer_EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("spawns worker processes")
	}

	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	sup, err := sandbox.NewSupervisor(sandbox.SupervisorConfig{
		WorkerPath: exe,
		WorkerArgs: []string{"-test.run=^$"},
		WorkerEnv:  append(os.Environ(), workerEnvVar+"=1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sup.Close() })

	h := newTestServer(t, sup, Dependencies{})

	tests := []struct {
		name       string
		query      string
		source     string
		wantStatus int
		wantOutput string
	}{
		{"success", "", "print(1+1)", 200, "2"},
		{"denied import", "", `load("os", "system")`, 403, "Unsafe code detected!"},
		{"syntax error", "", "def broken(:", 400, ""},
		{"runtime error", "", "print(1 // 0)", 400, ""},
		{"timeout", "?timeout=300ms", "while True:\n    pass", 402, "Execution timed out!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(h, http.MethodPost, "/execute"+tt.query, tt.source)

			if rec.Code != tt.wantStatus {
				t.Errorf("got status %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			var resp ExecutionResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if tt.wantOutput != "" && resp.Output != tt.wantOutput {
				t.Errorf("got output %q, want %q", resp.Output, tt.wantOutput)
			}
		})
	}
}
