package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecutionLogger persists one execution record.
type ExecutionLogger interface {
	LogExecution(ctx context.Context, exec *Execution) error
}

// AuditWriter persists execution records off the request path. Entries
// are dropped, not queued without bound, when the store falls behind.
type AuditWriter struct {
	store     ExecutionLogger
	ch        chan *Execution
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	baseDelay time.Duration
}

func NewAuditWriter(store ExecutionLogger, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:     store,
		ch:        make(chan *Execution, bufferSize),
		done:      make(chan struct{}),
		baseDelay: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Log queues exec and reports whether it was accepted.
func (w *AuditWriter) Log(exec *Execution) bool {
	select {
	case w.ch <- exec:
		return true
	default:
		log.Warn().Str("exec_id", exec.ID).Msg("audit buffer full, dropping log entry")
		return false
	}
}

// Flush stops the writer and waits up to timeout for queued entries.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case exec := <-w.ch:
			w.writeWithRetry(exec)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case exec := <-w.ch:
					w.writeWithRetry(exec)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(exec *Execution) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := w.store.LogExecution(ctx, exec)
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseDelay
			log.Warn().
				Err(err).
				Str("exec_id", exec.ID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", exec.ID).
				Msg("audit write failed permanently after retries")
		}
	}
}
