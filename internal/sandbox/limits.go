package sandbox

import (
	"fmt"
	"time"
	"unicode/utf8"
)

// Limits bound a single submission. Wall-clock time is the only resource
// the engine meters; the other limits bound what crosses process edges.
type Limits struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxSourceBytes int
	MaxOutputBytes int
}

func DefaultLimits() Limits {
	return Limits{
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     30 * time.Second,
		MaxSourceBytes: 1 << 20, // 1MB
		MaxOutputBytes: 1 << 20, // 1MB
	}
}

func (l Limits) Validate() error {
	if l.DefaultTimeout <= 0 {
		return fmt.Errorf("%w: default timeout must be positive, got %s", ErrInvalidRequest, l.DefaultTimeout)
	}
	if l.MaxTimeout < l.DefaultTimeout {
		return fmt.Errorf("%w: max timeout %s is below default timeout %s", ErrInvalidRequest, l.MaxTimeout, l.DefaultTimeout)
	}
	if l.MaxSourceBytes < 1 {
		return fmt.Errorf("%w: max source bytes must be positive, got %d", ErrInvalidRequest, l.MaxSourceBytes)
	}
	if l.MaxOutputBytes < 1 {
		return fmt.Errorf("%w: max output bytes must be positive, got %d", ErrInvalidRequest, l.MaxOutputBytes)
	}
	return nil
}

// Timeout resolves the budget for one submission: zero means the default,
// and anything above the cap is clamped to it.
func (l Limits) Timeout(requested time.Duration) time.Duration {
	switch {
	case requested <= 0:
		return l.DefaultTimeout
	case requested > l.MaxTimeout:
		return l.MaxTimeout
	default:
		return requested
	}
}

func (l Limits) checkSource(source string) error {
	if len(source) > l.MaxSourceBytes {
		return fmt.Errorf("%w: source exceeds %d byte limit", ErrInvalidRequest, l.MaxSourceBytes)
	}
	return nil
}

func truncateOutput(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	return s[:runeCut([]byte(s[:maxBytes+1]), maxBytes)] + "\n... [output truncated]"
}

// runeCut moves a cut at n back so it does not split a UTF-8 sequence.
// p must extend past n.
func runeCut(p []byte, n int) int {
	for i := 0; i < utf8.UTFMax && n > 0 && !utf8.RuneStart(p[n]); i++ {
		n--
	}
	return n
}
