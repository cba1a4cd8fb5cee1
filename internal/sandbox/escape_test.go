package sandbox

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"safe-code-sandbox/internal/monitor"
)

func TestEscapeAttempts(t *testing.T) {
	s := newTestSupervisor(t, func(c *SupervisorConfig) {
		c.Detector = monitor.NewEscapeDetector()
		c.Limits.DefaultTimeout = 2 * time.Second
	})

	tests := []struct {
		name        string
		code        string
		wantStatus  int
		wantPrefix  string
		wantPattern string
		description string
	}{
		{
			name:        "load os",
			code:        `load("os", "system")`,
			wantStatus:  StatusPolicyDenied,
			wantPrefix:  TextUnsafe,
			wantPattern: "host_module_probe",
			description: "Host modules are outside the capability set",
		},
		{
			name:        "load unlisted module",
			code:        `load("time", "now")`,
			wantStatus:  StatusPolicyDenied,
			wantPrefix:  TextUnsafe,
			description: "Known modules still need to be allowed",
		},
		{
			name:        "eval",
			code:        `eval("1+1")`,
			wantStatus:  StatusPolicyDenied,
			wantPrefix:  TextUnsafe,
			description: "Banned callee rejected before execution",
		},
		{
			name:        "open file",
			code:        `print(open("/etc/shadow"))`,
			wantStatus:  StatusPolicyDenied,
			wantPrefix:  TextUnsafe,
			wantPattern: "sensitive_path",
			description: "Banned callee rejected before execution",
		},
		{
			name:        "reflection builtin",
			code:        `print(dir(print))`,
			wantStatus:  StatusBadRequest,
			wantPrefix:  "Error during execution:",
			wantPattern: "reflection_builtin",
			description: "Builtins outside the surface are not defined",
		},
		{
			name:        "dunder introspection",
			code:        `print("".__class__)`,
			wantStatus:  StatusBadRequest,
			wantPrefix:  "Error during execution:",
			wantPattern: "dunder_introspection",
			description: "Guest values expose no interpreter internals",
		},
		{
			name:        "aliased banned call",
			code:        "f = open\nf(\"/etc/passwd\")",
			wantStatus:  StatusBadRequest,
			wantPrefix:  "Error during execution:",
			wantPattern: "banned_call_alias",
			description: "Aliasing passes the validator but open does not exist at runtime",
		},
		{
			name:        "string bomb",
			code:        "x = \"A\"\nwhile True:\n    x = x + \"A\"",
			wantStatus:  StatusTimedOut,
			wantPrefix:  TextTimedOut,
			description: "Wall-clock budget ends unbounded work",
		},
		{
			name:        "benign",
			code:        `print("hello world")`,
			wantStatus:  StatusOK,
			wantPrefix:  "hello world",
			description: "Benign code succeeds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			res, err := s.Execute(context.Background(), tt.code, 0)
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.description, err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("SECURITY: %s\ngot status %d, want %d\ntext: %s", tt.description, res.Status, tt.wantStatus, res.Text)
			}
			if !strings.HasPrefix(res.Text, tt.wantPrefix) {
				t.Errorf("text %q lacks prefix %q", res.Text, tt.wantPrefix)
			}
			if tt.wantPattern != "" && !hasPattern(res.Detections, tt.wantPattern) {
				t.Errorf("expected detection %q, got %+v", tt.wantPattern, res.Detections)
			}
		})
	}
}

func hasPattern(dets []monitor.Detection, pattern string) bool {
	for _, d := range dets {
		if d.Pattern == pattern {
			return true
		}
	}
	return false
}

func BenchmarkExecute(b *testing.B) {
	exe, err := os.Executable()
	if err != nil {
		b.Fatal(err)
	}
	s, err := NewSupervisor(SupervisorConfig{
		WorkerPath: exe,
		WorkerArgs: []string{"-test.run=^$"},
		WorkerEnv:  append(os.Environ(), workerEnvVar+"=1"),
	})
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()

	programs := []struct {
		name string
		code string
	}{
		{"print", `print("hello")`},
		{"loop", "t = 0\nfor i in range(10000):\n    t += i\nprint(t)"},
		{"denied", `load("os", "system")`},
	}

	for _, p := range programs {
		b.Run(p.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				if _, err := s.Execute(context.Background(), p.code, 0); err != nil {
					b.Fatalf("execution failed: %v", err)
				}
			}
		})
	}
}

func BenchmarkEscapeDetector(b *testing.B) {
	detector := monitor.NewEscapeDetector()

	codes := []struct {
		name string
		code string
	}{
		{"benign", `print("hello world")`},
		{"suspicious", `print("/proc/self/environ")`},
		{"complex", `
load("os", "system")
f = eval
print("".__class__.__bases__)
print(getattr(print, "x"))
url = "http://169.254.169.254/latest/meta-data/"
`},
	}

	for _, tc := range codes {
		b.Run(tc.name, func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				detector.AnalyzeCode(tc.code)
			}
		})
	}
}
