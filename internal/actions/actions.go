// Package actions registers the built-in API actions served by the runtime
// pipeline.
package actions

import (
	"context"
	"math/rand"
	"time"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/runtime"
	"github.com/arenahq/apicore/internal/runtime/pipeline"
)

// Register installs every built-in action on the pipeline.
func Register(p *runtime.Pipeline) error {
	for _, act := range builtins() {
		if err := p.Register(act); err != nil {
			return err
		}
	}
	return nil
}

func builtins() []*pipeline.Action {
	return []*pipeline.Action{
		countries(),
		cacheTest(),
		currentUser(),
		userHandle(),
	}
}

// countries lists the country reference table. The result changes rarely, so
// it gets a long cache lifetime.
func countries() *pipeline.Action {
	return &pipeline.Action{
		Name:          "countries",
		Description:   "List all countries",
		CacheLifetime: time.Hour,
		Run: func(ctx context.Context, state *pipeline.State, deps pipeline.Deps) (any, error) {
			rows, err := deps.Query.Execute(ctx, "get_countries", nil)
			if err != nil {
				return nil, err
			}
			return map[string]any{"countries": rows}, nil
		},
	}
}

// cacheTest returns a random value so operators can observe cache hits: the
// value only changes when the cached response expires or is refreshed.
func cacheTest() *pipeline.Action {
	return &pipeline.Action{
		Name:          "cacheTest",
		Description:   "Return a random value for cache verification",
		CacheLifetime: time.Minute,
		Run: func(ctx context.Context, state *pipeline.State, deps pipeline.Deps) (any, error) {
			return map[string]any{
				"value":       rand.Int63(),
				"generatedAt": time.Now().UTC(),
			}, nil
		},
	}
}

// currentUser echoes the resolved caller identity. Never cached since the
// payload is inherently per-request.
func currentUser() *pipeline.Action {
	return &pipeline.Action{
		Name:          "user",
		Description:   "Describe the authenticated caller",
		CacheDisabled: true,
		Run: func(ctx context.Context, state *pipeline.State, deps pipeline.Deps) (any, error) {
			if state.Caller.IsAnon() {
				return nil, apierr.New(apierr.KindUnauthorized, "You need to be authorized first.")
			}
			return map[string]any{"user": state.Caller}, nil
		},
	}
}

// userHandle looks up another member's handle by user id. Admin only.
func userHandle() *pipeline.Action {
	return &pipeline.Action{
		Name:        "userHandle",
		Description: "Resolve a member handle by user id (admin only)",
		Inputs:      pipeline.Inputs{Required: []string{"userId"}},
		Run: func(ctx context.Context, state *pipeline.State, deps pipeline.Deps) (any, error) {
			if err := pipeline.CheckAdmin(state.Caller, "", ""); err != nil {
				return nil, err
			}
			rows, err := deps.Query.Execute(ctx, "get_user_handle", map[string]any{
				"user_id": state.Request.Params["userId"],
			})
			if err != nil {
				return nil, err
			}
			if len(rows) == 0 {
				return nil, apierr.Newf(apierr.KindNotFound, "user with id %s is not found", state.Request.Params["userId"])
			}
			return map[string]any{"handle": rows[0]["handle"]}, nil
		},
	}
}
