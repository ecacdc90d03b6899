// Package runtime wires the request pre-processing agents around registered
// API actions and renders their responses.
package runtime

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/metrics"
	"github.com/arenahq/apicore/internal/query"
	"github.com/arenahq/apicore/internal/runtime/cache"
	"github.com/arenahq/apicore/internal/runtime/caller"
	"github.com/arenahq/apicore/internal/runtime/guard"
	"github.com/arenahq/apicore/internal/runtime/pipeline"
	"github.com/arenahq/apicore/internal/runtime/respcache"
)

const defaultCacheTTL = 10 * time.Minute

// refreshParam is reserved for force-refresh and never reaches handlers or
// cache keys.
const refreshParam = "refresh"

// PipelineOptions carries everything the pipeline needs to serve actions.
type PipelineOptions struct {
	Cache cache.Store
	Query query.Runner
	// DefaultCacheTTL applies to cacheable actions without their own lifetime.
	DefaultCacheTTL time.Duration
	// AuthSecret and AuthAudience verify incoming bearer tokens.
	AuthSecret   []byte
	AuthAudience string
	// CallerCacheTTL bounds how long resolved identities are reused.
	CallerCacheTTL time.Duration
	// PrivateActions lists action names whose cached responses are
	// partitioned per caller.
	PrivateActions []string
	GuardEnabled   bool
	GuardTTL       time.Duration
	Metrics        *metrics.Recorder
}

// Pipeline executes the agent chain for every registered action: caller
// resolution, the slam guard, the response cache, the handler itself, and
// finally rendering.
type Pipeline struct {
	logger     *slog.Logger
	cache      cache.Store
	query      query.Runner
	classifier *apierr.Classifier
	callers    *caller.Agent
	guard      *guard.Agent
	respCache  *respcache.Agent
	metrics    *metrics.Recorder

	mu      sync.RWMutex
	actions map[string]*pipeline.Action
}

// NewPipeline constructs the pipeline and its agents.
func NewPipeline(logger *slog.Logger, opts PipelineOptions) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := opts.DefaultCacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	store := opts.Cache
	if store == nil {
		store = cache.NewMemory()
	}

	p := &Pipeline{
		logger:     logger.With(slog.String("agent", "pipeline")),
		cache:      store,
		query:      opts.Query,
		classifier: apierr.NewClassifier(logger),
		metrics:    opts.Metrics,
		actions:    make(map[string]*pipeline.Action),
	}
	p.callers = caller.New(caller.Config{
		Secret:   opts.AuthSecret,
		Audience: opts.AuthAudience,
		TTL:      opts.CallerCacheTTL,
		Cache:    store,
		Query:    opts.Query,
		Logger:   logger,
		Metrics:  opts.Metrics,
	})
	p.guard = guard.New(guard.Config{
		Enabled: opts.GuardEnabled,
		TTL:     opts.GuardTTL,
		Cache:   store,
		Logger:  logger,
		Metrics: opts.Metrics,
	})
	p.respCache = respcache.New(respcache.Config{
		Cache:          store,
		DefaultTTL:     ttl,
		PrivateActions: opts.PrivateActions,
		Logger:         logger,
		Metrics:        opts.Metrics,
	})
	return p
}

// Register adds an action to the pipeline. Registering a duplicate name
// replaces the earlier definition.
func (p *Pipeline) Register(act *pipeline.Action) error {
	if act == nil || strings.TrimSpace(act.Name) == "" {
		return apierr.New(apierr.KindConfig, "action name required")
	}
	if act.Run == nil {
		return apierr.Newf(apierr.KindConfig, "action %s has no handler", act.Name)
	}
	p.mu.Lock()
	p.actions[act.Name] = act
	p.mu.Unlock()
	return nil
}

// ActionNames returns the registered action names sorted for stable output.
func (p *Pipeline) ActionNames() []string {
	p.mu.RLock()
	names := make([]string, 0, len(p.actions))
	for name := range p.actions {
		names = append(names, name)
	}
	p.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (p *Pipeline) lookupAction(name string) (*pipeline.Action, bool) {
	p.mu.RLock()
	act, ok := p.actions[strings.TrimSpace(name)]
	p.mu.RUnlock()
	return act, ok
}

// Close releases the shared cache store.
func (p *Pipeline) Close(ctx context.Context) error {
	if p.cache == nil {
		return nil
	}
	return p.cache.Close(ctx)
}

// ServeAction runs the full agent chain for one request against the named
// action and writes the JSON response.
func (p *Pipeline) ServeAction(w http.ResponseWriter, r *http.Request, name string) {
	start := time.Now()
	connectionID := requestConnectionID()
	reqLogger := p.logger.With(
		slog.String("action", name),
		slog.String("connection_id", connectionID),
	)

	act, ok := p.lookupAction(name)
	if !ok {
		state := pipeline.NewState(r, name, connectionID, nil, false)
		state.Fail(apierr.Newf(apierr.KindNotFound, "action %s is not found", name))
		p.render(w, act, state, reqLogger, start)
		return
	}

	params, refresh, err := collectParams(r, act.Inputs)
	state := pipeline.NewState(r, act.Name, connectionID, params, refresh)
	if err != nil {
		state.Fail(err)
		p.render(w, act, state, reqLogger, start)
		return
	}

	if res := p.callers.Execute(r.Context(), r, state); state.Failed() {
		reqLogger.Debug("caller resolution rejected request", slog.String("details", res.Details))
		p.render(w, act, state, reqLogger, start)
		return
	}

	p.guard.Pre(r.Context(), r, act, state)
	if !state.Failed() {
		p.respCache.Pre(r.Context(), r, act, state)
		if !state.Cache.Hit {
			p.runHandler(r, act, state)
		}
		p.respCache.Post(r.Context(), r, act, state)
	}
	p.guard.Post(r.Context(), r, act, state)

	p.render(w, act, state, reqLogger, start)
}

func (p *Pipeline) runHandler(r *http.Request, act *pipeline.Action, state *pipeline.State) {
	state.HandlerCalled = true
	deps := pipeline.Deps{
		Query:  p.query,
		Cache:  p.cache,
		Logger: p.logger.With(slog.String("action", act.Name)),
	}
	payload, err := act.Run(r.Context(), state, deps)
	if err != nil {
		state.Fail(err)
		return
	}
	state.Response.Payload = payload
	state.Response.Status = http.StatusOK
}

// collectParams gathers the action's declared inputs from the query string.
// Missing required inputs reject the request; the reserved refresh parameter
// is consumed here and excluded from the returned map.
func collectParams(r *http.Request, inputs pipeline.Inputs) (map[string]string, bool, error) {
	values := r.URL.Query()
	params := make(map[string]string, len(inputs.Required)+len(inputs.Optional))
	for _, name := range inputs.Required {
		if name == refreshParam {
			continue
		}
		if !values.Has(name) {
			return params, false, apierr.Newf(apierr.KindBadRequest, "%s is required", name)
		}
		params[name] = values.Get(name)
	}
	for _, name := range inputs.Optional {
		if name == refreshParam {
			continue
		}
		if values.Has(name) {
			params[name] = values.Get(name)
		}
	}
	refresh := false
	switch strings.ToLower(values.Get(refreshParam)) {
	case "t", "true", "1":
		refresh = true
	}
	return params, refresh, nil
}

func (p *Pipeline) render(w http.ResponseWriter, act *pipeline.Action, state *pipeline.State, logger *slog.Logger, start time.Time) {
	w.Header().Set("Content-Type", "application/json")

	var body []byte
	if state.Failed() {
		envelope := p.classifier.Classify(state.Err())
		state.Response.Status = envelope.Value
		encoded, err := json.Marshal(map[string]apierr.Envelope{"error": envelope})
		if err != nil {
			logger.Error("error response encode failed", slog.Any("error", err))
			encoded = []byte(`{"error":{"name":"Internal Server Error","value":500}}`)
		}
		body = encoded
	} else {
		if state.Response.Status == 0 {
			state.Response.Status = http.StatusOK
		}
		// Cached payloads are raw JSON already and are replayed verbatim so
		// repeated hits stay byte for byte identical.
		if raw, ok := state.Response.Payload.(json.RawMessage); ok {
			body = raw
		} else {
			encoded, err := json.Marshal(state.Response.Payload)
			if err != nil {
				envelope := p.classifier.Classify(apierr.Wrap(apierr.KindInternal, "response encode failed", err))
				state.Response.Status = envelope.Value
				encoded, _ = json.Marshal(map[string]apierr.Envelope{"error": envelope})
			}
			body = encoded
		}
	}

	w.WriteHeader(state.Response.Status)
	if _, err := w.Write(body); err != nil {
		logger.Error("response write failed", slog.Any("error", err))
	}

	duration := time.Since(start)
	logger.Info("pipeline completed",
		slog.Int("http_status", state.Response.Status),
		slog.String("access_level", string(state.Caller.AccessLevel)),
		slog.Bool("from_cache", state.Cache.Hit),
		slog.Bool("handler_called", state.HandlerCalled),
		slog.Float64("latency_ms", float64(duration)/float64(time.Millisecond)),
	)
	actionName := "unknown"
	if act != nil {
		actionName = act.Name
	}
	if p.metrics != nil {
		p.metrics.ObserveAction(actionName, state.Response.Status, state.Cache.Hit, duration)
	}
}

// ServeHealth reports the runtime health including cache statistics and the
// registered actions.
func (p *Pipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	cacheSize, err := p.cache.Size(r.Context())
	if err != nil {
		p.logger.Error("cache size query failed", slog.Any("error", err))
		cacheSize = 0
	}
	status := map[string]any{
		"status":       "ok",
		"cacheEntries": cacheSize,
		"observedAt":   time.Now().UTC(),
	}
	if names := p.ActionNames(); len(names) > 0 {
		status["actions"] = names
	}
	if counter, ok := p.query.(interface{ TemplateCount() int }); ok && counter != nil {
		status["queries"] = counter.TemplateCount()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		p.logger.Error("health encode failed", slog.Any("error", err))
	}
}

func requestConnectionID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
