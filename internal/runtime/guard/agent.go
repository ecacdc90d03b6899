// Package guard rejects concurrent duplicate requests for the same action
// and caller while the first one is still executing.
package guard

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/metrics"
	"github.com/arenahq/apicore/internal/runtime/cache"
	"github.com/arenahq/apicore/internal/runtime/pipeline"
)

// Config wires the guard agent.
type Config struct {
	// Enabled gates the guard; when false both phases are no-ops.
	Enabled bool
	// TTL bounds how long an in-flight marker survives a crashed request.
	TTL     time.Duration
	Cache   cache.Store
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

const defaultTTL = 10 * time.Second

// Agent marks a request as in flight on entry and clears the marker on exit.
type Agent struct {
	enabled bool
	ttl     time.Duration
	cache   cache.Store
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// New constructs the agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Agent{
		enabled: cfg.Enabled,
		ttl:     ttl,
		cache:   cfg.Cache,
		logger:  logger.With(slog.String("agent", "slam_guard")),
		metrics: cfg.Metrics,
	}
}

// Name identifies the agent for logging.
func (a *Agent) Name() string { return "slam_guard" }

// Pre rejects the request when another request for the same action and
// caller is already executing, otherwise records the in-flight marker.
func (a *Agent) Pre(ctx context.Context, _ *http.Request, act *pipeline.Action, state *pipeline.State) pipeline.Result {
	if !a.enabled {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}
	key := cache.GuardKey(act.Name, state.Caller.UserID)
	start := time.Now()
	_, inFlight, err := a.cache.Load(ctx, key)
	if err != nil {
		// Guard storage trouble must not take requests down with it.
		a.observe(metrics.CacheOperationLoad, metrics.CacheError, time.Since(start))
		a.logger.Warn("guard lookup failed", slog.Any("error", err))
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "guard lookup failed"}
	}
	if inFlight {
		a.observe(metrics.CacheOperationLoad, metrics.CacheHit, time.Since(start))
		state.Fail(apierr.New(apierr.KindBadRequest, "The request is already being processed."))
		return pipeline.Result{Name: a.Name(), Status: "rejected", Details: "duplicate in-flight request"}
	}
	a.observe(metrics.CacheOperationLoad, metrics.CacheMiss, time.Since(start))
	if err := a.cache.Save(ctx, key, []byte(state.ConnectionID), a.ttl); err != nil {
		a.logger.Warn("guard marker save failed", slog.Any("error", err))
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "guard marker save failed"}
	}
	return pipeline.Result{Name: a.Name(), Status: "admitted"}
}

// Post clears the in-flight marker once the request finished. Only the
// request that placed the marker may remove it, so a rejected duplicate
// never releases the original's slot.
func (a *Agent) Post(ctx context.Context, _ *http.Request, act *pipeline.Action, state *pipeline.State) pipeline.Result {
	if !a.enabled {
		return pipeline.Result{Name: a.Name(), Status: "disabled"}
	}
	key := cache.GuardKey(act.Name, state.Caller.UserID)
	owner, ok, err := a.cache.Load(ctx, key)
	if err != nil || !ok || string(owner) != state.ConnectionID {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "marker not owned by this request"}
	}
	start := time.Now()
	if err := a.cache.Destroy(ctx, key); err != nil {
		a.observe(metrics.CacheOperationDestroy, metrics.CacheError, time.Since(start))
		a.logger.Warn("guard marker destroy failed", slog.Any("error", err))
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "guard marker destroy failed"}
	}
	a.observe(metrics.CacheOperationDestroy, metrics.CacheOK, time.Since(start))
	return pipeline.Result{Name: a.Name(), Status: "released"}
}

func (a *Agent) observe(op metrics.CacheOperation, result metrics.CacheOutcome, d time.Duration) {
	if a.metrics != nil {
		a.metrics.ObserveCache("guard", op, result, d)
	}
}
