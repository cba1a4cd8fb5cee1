package monitor

import (
	"regexp"
	"strings"
)

// EscapeDetector flags submissions that probe for ways out of the
// restricted environment. It only reports; the policy decision is made
// elsewhere and never changes because of a detection.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code for suspicious patterns before execution.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				detections = append(detections, Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				})
			}
		}
	}

	return detections
}

// AnalyzeOutput checks result text for host data that should never be
// reachable from guest code.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"root_access", "root:x:0:0", SeverityCritical},
		{"kernel_leak", "Linux version", SeverityHigh},
		{"env_leak", "PATH=/", SeverityHigh},
		{"private_key", "PRIVATE KEY-----", SeverityCritical},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "dunder_introspection",
			Description: "Reaching for interpreter internals through dunder attributes",
			Regex:       regexp.MustCompile(`__(class|bases|subclasses|globals|builtins|code|dict|mro|import)__`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "reflection_builtin",
			Description: "Calling a reflection builtin outside the capability surface",
			Regex:       regexp.MustCompile(`\b(getattr|setattr|hasattr|dir|vars|globals|locals|type)\s*\(`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "banned_call_alias",
			Description: "Binding a banned callee to another name",
			Regex:       regexp.MustCompile(`=\s*(eval|exec|compile|open|input)\s*($|[^(\w])`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "host_module_probe",
			Description: "Loading a host-access module",
			Regex:       regexp.MustCompile(`load\(\s*["'](os|sys|subprocess|socket|shutil|ctypes|importlib|builtins)["']`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "proc_self_access",
			Description: "Referencing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "sensitive_path",
			Description: "Referencing host credential files",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|sudoers)|\.ssh/|\.aws/credentials`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "Referencing the cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "unbounded_loop",
			Description: "Loop with a constant-true condition",
			Regex:       regexp.MustCompile(`^\s*while\s+(True|1)\s*:`),
			Severity:    SeverityLow,
		},
		{
			Name:        "huge_allocation",
			Description: "Very large exponent or repetition",
			Regex:       regexp.MustCompile(`\*\*\s*\d{3,}|\*\s*\(?\s*10\s*\*\*\s*\d{2,}|\b\d{9,}\b`),
			Severity:    SeverityMedium,
		},
	}
}
