package storage

import "time"

// Execution represents a stored execution record.
type Execution struct {
	ID          string     `json:"id" db:"id"`
	CodeHash    string     `json:"code_hash" db:"code_hash"`
	Kind        string     `json:"kind" db:"kind"` // success, runtime_failure, denied, syntax_invalid, timed_out, empty
	StatusCode  int        `json:"status_code" db:"status_code"`
	Output      string     `json:"output,omitempty" db:"output"`
	DurationMS  int64      `json:"duration_ms" db:"duration_ms"`
	TimeoutMS   int64      `json:"timeout_ms" db:"timeout_ms"`
	Cached      bool       `json:"cached" db:"cached"`
	RequestIP   string     `json:"request_ip" db:"request_ip"`
	APIKeyHash  string     `json:"api_key_hash,omitempty" db:"api_key_hash"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`

	Detections []DetectionRecord `json:"detections,omitempty" db:"-"`
}

// DetectionRecord stores a suspicious-pattern hit for audit.
type DetectionRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Pattern     string    `json:"pattern" db:"pattern"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Line        int       `json:"line,omitempty" db:"line"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// ExecutionFilter provides criteria for querying executions.
type ExecutionFilter struct {
	Kind   string
	Since  *time.Time
	Until  *time.Time
	Limit  int
	Offset int
}
