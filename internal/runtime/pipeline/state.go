// Package pipeline holds the shared per-request state threaded through every
// processing phase, the action descriptor registered by business handlers,
// and the caller identity model.
package pipeline

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/query"
	"github.com/arenahq/apicore/internal/runtime/cache"
)

// AccessLevel is the caller's privilege tier.
type AccessLevel string

const (
	// AccessAnon is the default for requests without credentials.
	AccessAnon AccessLevel = "anon"
	// AccessMember is an authenticated platform member.
	AccessMember AccessLevel = "member"
	// AccessAdmin is a member with a positive admin-privilege count.
	AccessAdmin AccessLevel = "admin"
)

// Caller is the identity resolved for a request. Anonymous callers carry no
// user id or handle.
type Caller struct {
	UserID      int64       `json:"userId,omitempty"`
	Handle      string      `json:"handle,omitempty"`
	AccessLevel AccessLevel `json:"accessLevel"`
}

// IsAnon reports whether the caller presented no verified identity.
func (c Caller) IsAnon() bool { return c.AccessLevel == AccessAnon || c.AccessLevel == "" }

// CheckAdmin gates admin-only operations: anonymous callers get an
// unauthorized failure, authenticated non-admins a forbidden one.
func CheckAdmin(c Caller, unauthorizedMsg, forbiddenMsg string) error {
	if unauthorizedMsg == "" {
		unauthorizedMsg = "You need to be authorized first."
	}
	if forbiddenMsg == "" {
		forbiddenMsg = "You are forbidden for this API."
	}
	switch {
	case c.IsAnon():
		return apierr.New(apierr.KindUnauthorized, unauthorizedMsg)
	case c.AccessLevel != AccessAdmin:
		return apierr.New(apierr.KindForbidden, forbiddenMsg)
	default:
		return nil
	}
}

// Deps is the collaborator boundary handed to action handlers: named query
// execution and the shared cache store for ad-hoc caching.
type Deps struct {
	Query  query.Runner
	Cache  cache.Store
	Logger *slog.Logger
}

// Inputs declares the parameters an action accepts.
type Inputs struct {
	Required []string
	Optional []string
}

// Action is one registered endpoint's descriptor. Handlers receive the shared
// state and the collaborator deps; everything before and after Run is the
// pipeline's concern.
type Action struct {
	Name        string
	Description string
	Inputs      Inputs
	// CacheDisabled opts the action out of the response cache entirely.
	CacheDisabled bool
	// CacheLifetime overrides the global response cache TTL when positive.
	CacheLifetime time.Duration
	Run           func(ctx context.Context, state *State, deps Deps) (any, error)
}

// RequestState preserves the inbound request snapshot.
type RequestState struct {
	Method string
	Path   string
	// Params are the action inputs collected from the request, reserved flags
	// excluded.
	Params map[string]string
	// Refresh is the force-refresh signal: bypass the cache lookup, not the
	// cache write.
	Refresh bool
}

// CacheState captures response cache participation for the request.
type CacheState struct {
	Key       string
	Hit       bool
	Stored    bool
	Bypassed  bool
	ExpiresAt time.Time
}

// ResponseState is the body and status composed for the client.
type ResponseState struct {
	Status  int
	Payload any
}

// State is the shared context threaded through every pipeline phase of one
// request. The first recorded error wins and short-circuits later phases.
type State struct {
	Action        string
	ConnectionID  string
	Caller        Caller
	Request       RequestState
	Cache         CacheState
	Response      ResponseState
	HandlerCalled bool

	err error
}

// Result is the per-phase outcome snapshot used for logging.
type Result struct {
	Name    string
	Status  string
	Details string
}

// Agent is a pipeline phase observing and mutating the shared State.
type Agent interface {
	Name() string
	Execute(ctx context.Context, r *http.Request, state *State) Result
}

// NewState captures the inbound request metadata for one action invocation.
func NewState(r *http.Request, action, connectionID string, params map[string]string, refresh bool) *State {
	if params == nil {
		params = make(map[string]string)
	}
	return &State{
		Action:       action,
		ConnectionID: connectionID,
		Caller:       Caller{AccessLevel: AccessAnon},
		Request: RequestState{
			Method:  r.Method,
			Path:    r.URL.Path,
			Params:  params,
			Refresh: refresh,
		},
	}
}

// Fail records the request's first error; later failures are ignored so the
// original cause reaches the classifier.
func (s *State) Fail(err error) {
	if err == nil || s.err != nil {
		return
	}
	s.err = err
}

// Err returns the first recorded error, if any.
func (s *State) Err() error { return s.err }

// Failed reports whether any phase recorded an error.
func (s *State) Failed() bool { return s.err != nil }
