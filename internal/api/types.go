package api

import "time"

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ExecutionResponse is returned by POST /execute. The HTTP status code is
// the engine's status for the submission.
type ExecutionResponse struct {
	Output     string      `json:"output"`
	ID         string      `json:"id"`
	Kind       string      `json:"kind"`
	Duration   Duration    `json:"duration"`
	Cached     bool        `json:"cached,omitempty"`
	Detections []Detection `json:"detections,omitempty"`
}

// Detection is a suspicious pattern flagged in the source or output. It
// never changes the result.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status           string `json:"status"`
	Database         *bool  `json:"database,omitempty"`
	Cache            *bool  `json:"cache,omitempty"`
	ActiveExecutions int64  `json:"active_executions"`
	Uptime           string `json:"uptime"`
}
