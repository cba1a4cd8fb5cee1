package storage

import (
	"time"

	"safe-code-sandbox/internal/sandbox"
)

// NewExecution converts an engine result into an audit record. The
// result's Duration is taken as the span between creation and completion.
func NewExecution(res sandbox.Result, timeout time.Duration, requestIP, apiKeyHash string) *Execution {
	completed := time.Now()
	exec := &Execution{
		ID:          res.ID,
		CodeHash:    res.CodeHash,
		Kind:        string(res.Kind),
		StatusCode:  res.Status,
		Output:      res.Text,
		DurationMS:  res.Duration.Milliseconds(),
		TimeoutMS:   timeout.Milliseconds(),
		Cached:      res.Cached,
		RequestIP:   requestIP,
		APIKeyHash:  apiKeyHash,
		CreatedAt:   completed.Add(-res.Duration),
		CompletedAt: &completed,
	}
	for _, d := range res.Detections {
		exec.Detections = append(exec.Detections, DetectionRecord{
			ExecutionID: res.ID,
			Pattern:     d.Pattern,
			Severity:    d.Severity,
			Detail:      d.Detail,
			Line:        d.Line,
		})
	}
	return exec
}
