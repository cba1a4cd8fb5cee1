package sandbox

import (
	"time"

	"safe-code-sandbox/internal/monitor"
)

// Kind classifies how a submission ended.
type Kind string

const (
	KindSuccess        Kind = "success"
	KindRuntimeFailure Kind = "runtime_failure"
	KindDenied         Kind = "denied"
	KindSyntaxInvalid  Kind = "syntax_invalid"
	KindTimedOut       Kind = "timed_out"
	KindEmpty          Kind = "empty"
)

// Status codes reported alongside the text of every result.
const (
	StatusOK           = 200
	StatusBadRequest   = 400
	StatusTimedOut     = 402
	StatusPolicyDenied = 403
)

// Fixed result texts.
const (
	TextUnsafe   = "Unsafe code detected!"
	TextTimedOut = "Execution timed out!"
)

// Outcome is what a worker posts on its result channel. Text is the
// captured stdout for KindSuccess and the error detail for
// KindRuntimeFailure.
type Outcome struct {
	Kind Kind   `cbor:"1,keyasint"`
	Text string `cbor:"2,keyasint"`
}

// Result is the normalized (text, status) pair handed back to callers.
type Result struct {
	ID       string        `json:"id"`
	Text     string        `json:"output"`
	Status   int           `json:"status"`
	Kind     Kind          `json:"kind"`
	Duration time.Duration `json:"duration"`
	CodeHash string        `json:"code_hash"`
	Cached   bool          `json:"cached,omitempty"`

	Detections []monitor.Detection `json:"detections,omitempty"`
}

// Cacheable reports whether the same source is guaranteed to produce the
// same result again. Timeouts depend on host load and empty channels on
// worker crashes, so neither qualifies.
func (r Result) Cacheable() bool {
	switch r.Kind {
	case KindSuccess, KindDenied, KindSyntaxInvalid, KindRuntimeFailure:
		return true
	default:
		return false
	}
}

func deniedResult() Result {
	return Result{Text: TextUnsafe, Status: StatusPolicyDenied, Kind: KindDenied}
}

func syntaxResult(detail string) Result {
	return Result{Text: "Syntax error: " + detail, Status: StatusBadRequest, Kind: KindSyntaxInvalid}
}

func timedOutResult() Result {
	return Result{Text: TextTimedOut, Status: StatusTimedOut, Kind: KindTimedOut}
}

func emptyResult() Result {
	return Result{Text: "", Status: StatusBadRequest, Kind: KindEmpty}
}

// resultFromOutcome maps what the worker posted onto the status taxonomy.
// A worker posts success or runtime_failure; anything else it could post
// is folded in for completeness.
func resultFromOutcome(o Outcome) Result {
	switch o.Kind {
	case KindSuccess:
		return Result{Text: o.Text, Status: StatusOK, Kind: KindSuccess}
	case KindRuntimeFailure:
		return Result{Text: "Error during execution: " + o.Text, Status: StatusBadRequest, Kind: KindRuntimeFailure}
	case KindDenied:
		return deniedResult()
	case KindSyntaxInvalid:
		return syntaxResult(o.Text)
	default:
		return emptyResult()
	}
}
