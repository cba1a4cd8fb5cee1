package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"safe-code-sandbox/internal/sandbox"
	"safe-code-sandbox/internal/storage"
)

// ExecutionStore is the read side of the audit log.
type ExecutionStore interface {
	GetExecution(ctx context.Context, id string) (*storage.Execution, error)
	ListExecutions(ctx context.Context, filter storage.ExecutionFilter) ([]storage.Execution, error)
	Healthy(ctx context.Context) bool
}

// AuditLogger queues execution records for persistence.
type AuditLogger interface {
	Log(exec *storage.Execution) bool
}

type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

type Handlers struct {
	engine sandbox.Engine
	store  ExecutionStore
	audit  AuditLogger
	limits sandbox.Limits
}

func NewHandlers(engine sandbox.Engine, store ExecutionStore, audit AuditLogger, limits sandbox.Limits) *Handlers {
	return &Handlers{
		engine: engine,
		store:  store,
		audit:  audit,
		limits: limits,
	}
}

// HandleExecute runs the raw request body as a submission. The response
// status is the engine's status for the result.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, "request body too large", "BODY_TOO_LARGE", http.StatusRequestEntityTooLarge, r)
			return
		}
		writeError(w, "reading request body: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if len(body) == 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "No code provided"})
		return
	}

	timeout, err := parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, "invalid timeout: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.engine == nil {
		writeError(w, "sandbox engine unavailable", "ENGINE_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	res, err := h.engine.Execute(r.Context(), string(body), timeout)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}

	h.logAudit(res, h.limits.Timeout(timeout), r)

	resp := ExecutionResponse{
		Output:   res.Text,
		ID:       res.ID,
		Kind:     string(res.Kind),
		Duration: Duration{res.Duration},
		Cached:   res.Cached,
	}
	for _, d := range res.Detections {
		resp.Detections = append(resp.Detections, Detection{
			Pattern:  d.Pattern,
			Severity: d.Severity,
			Detail:   d.Detail,
			Line:     d.Line,
		})
	}

	w.Header().Set("X-Execution-ID", res.ID)
	writeJSON(w, res.Status, resp)
}

func (h *Handlers) writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	reqID := RequestIDFromContext(r.Context())

	switch {
	case sandbox.IsInvalidRequest(err):
		writeError(w, err.Error(), "VALIDATION_ERROR", http.StatusBadRequest, r)
	case errors.Is(err, context.Canceled):
		log.Info().Str("request_id", reqID).Msg("client went away during execution")
	case errors.Is(err, context.DeadlineExceeded):
		// The request's own deadline ran out before the sandbox budget did.
		log.Warn().Str("request_id", reqID).Msg("request deadline exceeded during execution")
		writeError(w, "request deadline exceeded", "DEADLINE_EXCEEDED", http.StatusGatewayTimeout, r)
	case errors.Is(err, sandbox.ErrClosed):
		writeError(w, "sandbox engine is shutting down", "ENGINE_UNAVAILABLE", http.StatusServiceUnavailable, r)
	default:
		log.Error().Err(err).Str("request_id", reqID).Msg("execution failed")
		writeError(w, "execution failed", "EXECUTION_FAILED", http.StatusInternalServerError, r)
	}
}

func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, "execution ID required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	exec, err := h.store.GetExecution(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, "execution not found", "NOT_FOUND", http.StatusNotFound, r)
		return
	}
	if err != nil {
		log.Error().Err(err).Str("exec_id", id).Msg("audit lookup failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, "database not configured", "DB_UNAVAILABLE", http.StatusServiceUnavailable, r)
		return
	}

	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	execs, err := h.store.ListExecutions(r.Context(), filter)
	if err != nil {
		log.Error().Err(err).Msg("audit listing failed")
		writeError(w, "query failed", "INTERNAL", http.StatusInternalServerError, r)
		return
	}
	if execs == nil {
		execs = []storage.Execution{}
	}

	writeJSON(w, http.StatusOK, execs)
}

func (h *Handlers) logAudit(res sandbox.Result, timeout time.Duration, r *http.Request) {
	if h.audit == nil {
		return
	}
	h.audit.Log(storage.NewExecution(res, timeout, clientIP(r), APIKeyHashFromContext(r.Context())))
}

// parseTimeout accepts a Go duration ("1500ms") or a number of seconds
// ("1.5"). An empty value selects the engine default.
func parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(raw); err == nil {
		if d < 0 {
			return 0, errors.New("must not be negative")
		}
		return d, nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.New("expected a duration like 2s or a number of seconds")
	}
	if secs < 0 {
		return 0, errors.New("must not be negative")
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func parseFilter(r *http.Request) (storage.ExecutionFilter, error) {
	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		Kind:  q.Get("kind"),
		Limit: 100,
	}

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, errors.New("offset must be a non-negative integer")
		}
		filter.Offset = n
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &filter.Since}, {"until", &filter.Until}} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filter, errors.New(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	resp := ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
