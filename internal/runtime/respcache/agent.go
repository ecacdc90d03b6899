// Package respcache implements the response cache wrapped around action
// execution: a pre-phase that may short-circuit the handler with a cached
// body and a post-phase that stores successful results.
package respcache

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"github.com/arenahq/apicore/internal/metrics"
	"github.com/arenahq/apicore/internal/runtime/cache"
	"github.com/arenahq/apicore/internal/runtime/pipeline"
)

// Response metadata keys that must never enter a cached payload.
const (
	serverInformationKey    = "serverInformation"
	requesterInformationKey = "requesterInformation"
)

// Config wires the response cache agent.
type Config struct {
	Cache cache.Store
	// DefaultTTL applies to actions without a lifetime override. Non-positive
	// disables response caching globally.
	DefaultTTL time.Duration
	// PrivateActions lists action names whose cached responses are
	// partitioned per caller.
	PrivateActions []string
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Agent owns both cache phases of the pipeline.
type Agent struct {
	cache      cache.Store
	defaultTTL time.Duration
	private    map[string]bool
	logger     *slog.Logger
	metrics    *metrics.Recorder
}

// New constructs the agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	private := make(map[string]bool, len(cfg.PrivateActions))
	for _, name := range cfg.PrivateActions {
		private[name] = true
	}
	return &Agent{
		cache:      cfg.Cache,
		defaultTTL: cfg.DefaultTTL,
		private:    private,
		logger:     logger.With(slog.String("agent", "response_cache")),
		metrics:    cfg.Metrics,
	}
}

// Name identifies the agent for logging.
func (a *Agent) Name() string { return "response_cache" }

func (a *Agent) effectiveTTL(act *pipeline.Action) time.Duration {
	if act.CacheLifetime > 0 {
		return act.CacheLifetime
	}
	return a.defaultTTL
}

func (a *Agent) deriveKey(act *pipeline.Action, state *pipeline.State) string {
	return cache.DeriveKey(act.Name, state.Request.Params, state.Caller.UserID, state.ConnectionID, a.private[act.Name])
}

// Pre checks the cache before the handler runs. On a hit the cached body is
// served verbatim and the handler is never invoked. A force-refresh request
// bypasses the lookup without invalidating the entry.
func (a *Agent) Pre(ctx context.Context, _ *http.Request, act *pipeline.Action, state *pipeline.State) pipeline.Result {
	if act.CacheDisabled {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "caching disabled for action"}
	}
	if a.effectiveTTL(act) <= 0 {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "no positive cache lifetime"}
	}
	state.Cache.Key = a.deriveKey(act, state)
	if state.Request.Refresh {
		state.Cache.Bypassed = true
		return pipeline.Result{Name: a.Name(), Status: "bypassed", Details: "force refresh requested"}
	}

	start := time.Now()
	payload, ok, err := a.cache.Load(ctx, state.Cache.Key)
	if err != nil {
		// A cache outage degrades to a miss; the handler still runs.
		a.observe(metrics.CacheOperationLoad, metrics.CacheError, time.Since(start))
		a.logger.Warn("response cache load failed", slog.Any("error", err), slog.String("cache_key", state.Cache.Key))
		return pipeline.Result{Name: a.Name(), Status: "miss", Details: "cache load failed"}
	}
	if !ok {
		a.observe(metrics.CacheOperationLoad, metrics.CacheMiss, time.Since(start))
		return pipeline.Result{Name: a.Name(), Status: "miss"}
	}
	a.observe(metrics.CacheOperationLoad, metrics.CacheHit, time.Since(start))
	state.Cache.Hit = true
	state.Response.Status = http.StatusOK
	state.Response.Payload = json.RawMessage(payload)
	a.logger.Debug("returning cached response", slog.String("action", act.Name))
	return pipeline.Result{Name: a.Name(), Status: "hit"}
}

// Post stores the response after the handler ran. Nothing is written when the
// action failed, when the result came from the cache, or when a live entry
// already exists for the key.
func (a *Agent) Post(ctx context.Context, _ *http.Request, act *pipeline.Action, state *pipeline.State) pipeline.Result {
	if act.CacheDisabled {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "caching disabled for action"}
	}
	ttl := a.effectiveTTL(act)
	if ttl <= 0 {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "no positive cache lifetime"}
	}
	if state.Cache.Hit {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "served from cache"}
	}
	if state.Failed() {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "errors are never cached"}
	}
	if state.Response.Payload == nil {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "no response to cache"}
	}

	key := state.Cache.Key
	if key == "" {
		key = a.deriveKey(act, state)
		state.Cache.Key = key
	}
	if _, ok, err := a.cache.Load(ctx, key); err == nil && ok {
		return pipeline.Result{Name: a.Name(), Status: "skipped", Details: "entry already present"}
	}

	payload, err := sanitize(state.Response.Payload)
	if err != nil {
		a.logger.Warn("response cache marshal failed", slog.Any("error", err), slog.String("action", act.Name))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "marshal failed"}
	}

	start := time.Now()
	if err := a.cache.Save(ctx, key, payload, ttl); err != nil {
		a.observe(metrics.CacheOperationSave, metrics.CacheError, time.Since(start))
		a.logger.Error("response cache save failed", slog.Any("error", err), slog.String("cache_key", key))
		return pipeline.Result{Name: a.Name(), Status: "error", Details: "save failed"}
	}
	a.observe(metrics.CacheOperationSave, metrics.CacheOK, time.Since(start))
	state.Cache.Stored = true
	state.Cache.ExpiresAt = time.Now().UTC().Add(ttl)
	return pipeline.Result{Name: a.Name(), Status: "stored"}
}

// sanitize serializes the payload for caching with per-request metadata
// stripped, so a cached body can be replayed to a different requester.
func sanitize(payload any) ([]byte, error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var asObject map[string]any
	if err := json.Unmarshal(serialized, &asObject); err != nil {
		// Non-object payloads carry no metadata to strip.
		return serialized, nil
	}
	if _, hasServer := asObject[serverInformationKey]; !hasServer {
		if _, hasRequester := asObject[requesterInformationKey]; !hasRequester {
			return serialized, nil
		}
	}
	delete(asObject, serverInformationKey)
	delete(asObject, requesterInformationKey)
	return json.Marshal(asObject)
}

func (a *Agent) observe(op metrics.CacheOperation, result metrics.CacheOutcome, d time.Duration) {
	if a.metrics != nil {
		a.metrics.ObserveCache("response", op, result, d)
	}
}
