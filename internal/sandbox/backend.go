package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"safe-code-sandbox/internal/config"
	"safe-code-sandbox/internal/monitor"
)

// Engine runs submissions and returns normalized results.
type Engine interface {
	Execute(ctx context.Context, source string, timeout time.Duration) (Result, error)
	ActiveCount() int64
	Close() error
}

// ResultCache stores results of deterministic submissions.
type ResultCache interface {
	Get(ctx context.Context, key string) (Result, bool, error)
	Set(ctx context.Context, key string, res Result) error
}

// Observability bundles the optional monitoring hooks an engine reports to.
type Observability struct {
	Metrics  *monitor.Metrics
	Tracer   *monitor.Tracer
	Detector *monitor.EscapeDetector
}

// NewEngine builds the supervisor described by cfg and puts the result
// cache in front of it when one is given.
func NewEngine(cfg *config.Config, cache ResultCache, obs Observability) (Engine, error) {
	sc := cfg.Sandbox

	var detector *monitor.EscapeDetector
	if sc.DetectPatterns {
		detector = obs.Detector
		if detector == nil {
			detector = monitor.NewEscapeDetector()
		}
	}

	modules := sc.AllowedModules
	if modules == nil {
		modules = []string{}
	}

	sup, err := NewSupervisor(SupervisorConfig{
		WorkerPath:     sc.WorkerPath,
		WorkerArgs:     sc.WorkerArgs,
		AllowedModules: modules,
		MaxConcurrent:  sc.MaxConcurrent,
		Limits:         LimitsFromConfig(sc),
		Metrics:        obs.Metrics,
		Tracer:         obs.Tracer,
		Detector:       detector,
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Strs("allowed_modules", sup.Capabilities().Modules()).
		Dur("timeout", sup.Limits().DefaultTimeout).
		Int("max_concurrent", sc.MaxConcurrent).
		Msg("sandbox engine ready")

	if cache == nil {
		return sup, nil
	}
	return NewCachedEngine(sup, cache, obs.Metrics), nil
}

// LimitsFromConfig maps the sandbox config section onto Limits.
func LimitsFromConfig(sc config.SandboxConfig) Limits {
	return Limits{
		DefaultTimeout: sc.Timeout,
		MaxTimeout:     sc.MaxTimeout,
		MaxSourceBytes: sc.MaxSourceBytes,
		MaxOutputBytes: sc.MaxOutputBytes,
	}
}

// CachedEngine serves repeated deterministic submissions from a cache.
// Cache failures are logged and fall through to the supervisor.
type CachedEngine struct {
	sup     *Supervisor
	cache   ResultCache
	metrics *monitor.Metrics
}

func NewCachedEngine(sup *Supervisor, cache ResultCache, metrics *monitor.Metrics) *CachedEngine {
	return &CachedEngine{sup: sup, cache: cache, metrics: metrics}
}

func (c *CachedEngine) Execute(ctx context.Context, source string, timeout time.Duration) (Result, error) {
	timeout = c.sup.Limits().Timeout(timeout)
	key := CacheKey(source, timeout, c.sup.Capabilities().Modules())
	start := time.Now()

	res, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.metrics.RecordCacheLookup("error")
		log.Warn().Err(err).Msg("result cache lookup failed")
	case ok:
		c.metrics.RecordCacheLookup("hit")
		res.ID = uuid.New().String()
		res.Cached = true
		res.Duration = time.Since(start)
		c.metrics.RecordOutcome(string(res.Kind), res.Status, res.Duration.Seconds())
		log.Info().
			Str("exec_id", res.ID).
			Str("kind", string(res.Kind)).
			Int("status", res.Status).
			Msg("execution served from cache")
		return res, nil
	default:
		c.metrics.RecordCacheLookup("miss")
	}

	res, err = c.sup.Execute(ctx, source, timeout)
	if err != nil {
		return res, err
	}
	if res.Cacheable() {
		if err := c.cache.Set(ctx, key, res); err != nil {
			log.Warn().Err(err).Str("exec_id", res.ID).Msg("result cache store failed")
		}
	}
	return res, nil
}

func (c *CachedEngine) ActiveCount() int64 {
	return c.sup.ActiveCount()
}

func (c *CachedEngine) Close() error {
	return c.sup.Close()
}

// CacheKey identifies a submission by everything that can change its
// result: the source, the timeout, and the modules it may load.
func CacheKey(source string, timeout time.Duration, modules []string) string {
	h := sha256.New()
	h.Write([]byte(source))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(timeout.Milliseconds(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(modules, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
