package sandbox

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"safe-code-sandbox/internal/policy"
	"safe-code-sandbox/internal/runtime"
)

// WorkerArg is the argument that switches a binary into worker mode.
const WorkerArg = "worker"

// resultFD is the descriptor a worker posts its outcome on. It is the
// first entry of exec.Cmd.ExtraFiles in the supervisor.
const resultFD = 3

// WorkerMain runs one submission using the process's stdin and result
// descriptor and returns the exit code. Binaries call it when started
// with WorkerArg.
func WorkerMain() int {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("component", "worker").Logger()

	results := os.NewFile(resultFD, "results")
	if results == nil {
		logger.Error().Msg("result descriptor not available")
		return 2
	}

	if err := ServeWorker(os.Stdin, results, runtime.NewRegistry()); err != nil {
		logger.Error().Err(err).Msg("worker failed")
		return 1
	}
	return 0
}

// ServeWorker reads one WorkRequest from r, runs it, and posts the outcome
// to results. It returns an error only when no outcome could be posted.
func ServeWorker(r io.Reader, results io.Writer, registry *runtime.Registry) error {
	req, err := readRequest(r)
	if err != nil {
		return fmt.Errorf("reading work request: %w", err)
	}

	caps := policy.NewCapabilitySet(req.AllowedModules)
	builder, err := runtime.NewBuilder(caps, registry)
	if err != nil {
		return fmt.Errorf("building environment: %w", err)
	}

	w := NewResultWriter(results)
	Run(req, policy.NewValidator(caps), builder, w)
	if !w.Posted() {
		return ErrChannelClosed
	}
	return nil
}

// Run validates and executes one submission and posts exactly one outcome
// to w. Validation is repeated here so a worker never executes source the
// policy rejects, whoever spawned it.
func Run(req WorkRequest, v *policy.Validator, b *runtime.Builder, w *ResultWriter) {
	defer func() {
		if r := recover(); r != nil {
			_ = w.Post(Outcome{Kind: KindRuntimeFailure, Text: fmt.Sprintf("internal error: %v", r)})
		}
	}()

	switch d := v.Validate(req.Source); d.Verdict {
	case policy.MalformedSyntax:
		_ = w.Post(Outcome{Kind: KindSyntaxInvalid, Text: d.Reason})
		return
	case policy.Denied:
		_ = w.Post(Outcome{Kind: KindDenied, Text: d.Reason})
		return
	}

	out := &cappedBuffer{max: req.MaxOutputBytes}
	ns := b.Build()
	if err := ns.Exec(ns.NewThread("guest", out), req.Source); err != nil {
		_ = w.Post(Outcome{Kind: KindRuntimeFailure, Text: err.Error()})
		return
	}
	_ = w.Post(Outcome{Kind: KindSuccess, Text: out.String()})
}

// cappedBuffer keeps at most max bytes and silently drops the rest. A
// zero max keeps everything. A cut never splits a UTF-8 sequence.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if c.max <= 0 {
		return c.buf.Write(p)
	}
	room := c.max - c.buf.Len()
	if room <= 0 {
		c.truncated = len(p) > 0 || c.truncated
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:runeCut(p, room)])
		c.truncated = true
		return len(p), nil
	}
	return c.buf.Write(p)
}

// String returns the trimmed output, marked when bytes were dropped.
func (c *cappedBuffer) String() string {
	s := strings.TrimSpace(c.buf.String())
	if c.truncated {
		s += "\n... [output truncated]"
	}
	return s
}
