// Package caller resolves the identity behind a request's bearer token: it
// verifies the JWT, maps the social identity to an internal user record, and
// determines the privilege level, caching the result per token subject.
package caller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/errgroup"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/metrics"
	"github.com/arenahq/apicore/internal/query"
	"github.com/arenahq/apicore/internal/runtime/cache"
	"github.com/arenahq/apicore/internal/runtime/pipeline"
)

// The scheme is case-insensitive; the token is everything after the space.
var bearerPattern = regexp.MustCompile(`(?is)^bearer (.+)$`)

// Named queries the resolver depends on.
const (
	queryUserBySocialLogin = "get_user_by_social_login"
	queryUserHandle        = "get_user_handle"
	queryCheckIsAdmin      = "check_is_admin"
)

// Config wires the caller resolver.
type Config struct {
	// Secret is the decoded HMAC signing secret for token verification.
	Secret []byte
	// Audience is the expected aud claim.
	Audience string
	// TTL bounds the cached identity's lifetime.
	TTL     time.Duration
	Cache   cache.Store
	Query   query.Runner
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Agent is the authentication pre-processor. It runs before every other
// pipeline phase; a failure here means the request never reaches the response
// cache or the handler.
type Agent struct {
	secret   []byte
	audience string
	ttl      time.Duration
	cache    cache.Store
	query    query.Runner
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// New constructs the resolver agent.
func New(cfg Config) *Agent {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		secret:   cfg.Secret,
		audience: cfg.Audience,
		ttl:      cfg.TTL,
		cache:    cfg.Cache,
		query:    cfg.Query,
		logger:   logger.With(slog.String("agent", "caller_resolver")),
		metrics:  cfg.Metrics,
	}
}

// Name identifies the agent for logging.
func (a *Agent) Name() string { return "caller_resolver" }

// Execute resolves the request's caller. A missing Authorization header is
// not an error: the caller stays anonymous.
func (a *Agent) Execute(ctx context.Context, r *http.Request, state *pipeline.State) pipeline.Result {
	header := r.Header.Get("Authorization")
	if header == "" {
		state.Caller = pipeline.Caller{AccessLevel: pipeline.AccessAnon}
		return pipeline.Result{Name: a.Name(), Status: "anonymous"}
	}

	identity, err := a.resolve(ctx, header)
	if err != nil {
		state.Fail(err)
		return pipeline.Result{Name: a.Name(), Status: "rejected", Details: err.Error()}
	}
	state.Caller = identity
	return pipeline.Result{Name: a.Name(), Status: "authenticated", Details: identity.Handle}
}

func (a *Agent) resolve(ctx context.Context, header string) (pipeline.Caller, error) {
	match := bearerPattern.FindStringSubmatch(header)
	if match == nil {
		return pipeline.Caller{}, apierr.New(apierr.KindBadRequest, "Malformed Auth header")
	}

	subject, err := a.verifyToken(match[1])
	if err != nil {
		return pipeline.Caller{}, err
	}

	externalID, providerName, err := splitSubject(subject)
	if err != nil {
		return pipeline.Caller{}, err
	}

	providerID, err := resolveProvider(providerName)
	if err != nil {
		return pipeline.Caller{}, err
	}

	key := cache.CallerKey(subject)
	if identity, ok := a.loadCached(ctx, key); ok {
		return identity, nil
	}

	identity, err := a.resolveUser(ctx, externalID, providerID)
	if err != nil {
		return pipeline.Caller{}, err
	}

	a.saveCached(ctx, key, identity)
	return identity, nil
}

// verifyToken checks the HMAC signature, the audience claim, and expiry, and
// returns the subject. Verification failures stay 400-class: the platform's
// convention deliberately does not distinguish auth failures with 401 here.
func (a *Agent) verifyToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithAudience(a.audience),
	)
	if err != nil {
		if strings.Contains(err.Error(), jwt.ErrTokenExpired.Error()) {
			return "", apierr.New(apierr.KindBadRequest, "JWT is expired")
		}
		return "", apierr.New(apierr.KindBadRequest, "Malformed Auth header")
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", apierr.New(apierr.KindBadRequest, "Malformed Auth header. No sub in token!")
	}
	return subject, nil
}

// splitSubject parses the pipe-delimited subject into its trailing external
// user id and the provider segment before it.
func splitSubject(subject string) (externalID, provider string, err error) {
	parts := strings.Split(subject, "|")
	externalID = strings.TrimSpace(parts[len(parts)-1])
	if len(parts) > 1 {
		provider = strings.TrimSpace(parts[len(parts)-2])
	}
	if externalID == "" {
		return "", "", apierr.New(apierr.KindBadRequest, "Malformed Auth header. No userId in token.sub!")
	}
	if provider == "" {
		return "", "", apierr.New(apierr.KindBadRequest, "Malformed Auth header. No provider in token.sub!")
	}
	return externalID, provider, nil
}

func (a *Agent) loadCached(ctx context.Context, key string) (pipeline.Caller, bool) {
	start := time.Now()
	payload, ok, err := a.cache.Load(ctx, key)
	if err != nil {
		a.observeCache(metrics.CacheOperationLoad, metrics.CacheError, time.Since(start))
		a.logger.Warn("caller cache load failed", slog.Any("error", err))
		return pipeline.Caller{}, false
	}
	if !ok {
		a.observeCache(metrics.CacheOperationLoad, metrics.CacheMiss, time.Since(start))
		return pipeline.Caller{}, false
	}
	a.observeCache(metrics.CacheOperationLoad, metrics.CacheHit, time.Since(start))
	var identity pipeline.Caller
	if err := json.Unmarshal(payload, &identity); err != nil {
		a.logger.Warn("caller cache entry corrupt", slog.Any("error", err))
		return pipeline.Caller{}, false
	}
	return identity, true
}

// saveCached writes the resolved identity; a cache failure only costs the
// next request a re-resolution, so it is logged rather than surfaced.
func (a *Agent) saveCached(ctx context.Context, key string, identity pipeline.Caller) {
	payload, err := json.Marshal(identity)
	if err != nil {
		a.logger.Warn("caller cache marshal failed", slog.Any("error", err))
		return
	}
	start := time.Now()
	if err := a.cache.Save(ctx, key, payload, a.ttl); err != nil {
		a.observeCache(metrics.CacheOperationSave, metrics.CacheError, time.Since(start))
		a.logger.Warn("caller cache save failed", slog.Any("error", err))
		return
	}
	a.observeCache(metrics.CacheOperationSave, metrics.CacheOK, time.Since(start))
}

// resolveUser maps the social identity to an internal user id and loads its
// handle and admin status concurrently.
func (a *Agent) resolveUser(ctx context.Context, externalID string, providerID int64) (pipeline.Caller, error) {
	var userID int64
	if providerID == ProviderAD {
		parsed, err := strconv.ParseInt(externalID, 10, 64)
		if err != nil || parsed <= 0 {
			return pipeline.Caller{}, apierr.New(apierr.KindBadRequest, "userId should be positive.")
		}
		userID = parsed
	} else {
		rows, err := a.query.Execute(ctx, queryUserBySocialLogin, map[string]any{
			"social_user_id": externalID,
			"provider_id":    providerID,
		})
		if err != nil {
			return pipeline.Caller{}, err
		}
		if len(rows) == 0 {
			return pipeline.Caller{}, apierr.New(apierr.KindInternal, "social login not found")
		}
		userID, err = rowInt64(rows[0], "user_id")
		if err != nil {
			return pipeline.Caller{}, err
		}
	}

	var handleRows, adminRows []query.Row
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		handleRows, err = a.query.Execute(groupCtx, queryUserHandle, map[string]any{"user_id": userID})
		return err
	})
	group.Go(func() error {
		var err error
		adminRows, err = a.query.Execute(groupCtx, queryCheckIsAdmin, map[string]any{"user_id": userID})
		return err
	})
	if err := group.Wait(); err != nil {
		return pipeline.Caller{}, err
	}

	if len(handleRows) == 0 {
		return pipeline.Caller{}, apierr.Newf(apierr.KindInternal, "user not found with id=%d", userID)
	}
	identity := pipeline.Caller{
		UserID:      userID,
		Handle:      fmt.Sprint(handleRows[0]["handle"]),
		AccessLevel: pipeline.AccessMember,
	}
	if len(adminRows) > 0 {
		if count, err := rowInt64(adminRows[0], "count"); err == nil && count > 0 {
			identity.AccessLevel = pipeline.AccessAdmin
		}
	}
	return identity, nil
}

func (a *Agent) observeCache(op metrics.CacheOperation, result metrics.CacheOutcome, d time.Duration) {
	if a.metrics != nil {
		a.metrics.ObserveCache("caller", op, result, d)
	}
}

// rowInt64 coerces the numeric column types drivers commonly return.
func rowInt64(row query.Row, column string) (int64, error) {
	switch v := row[column].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, apierr.Newf(apierr.KindInternal, "unexpected type for column %s", column)
	}
}
