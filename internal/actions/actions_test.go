package actions

import (
	"context"
	"testing"
	"time"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/query"
	"github.com/arenahq/apicore/internal/runtime"
	"github.com/arenahq/apicore/internal/runtime/pipeline"
)

type stubRunner struct {
	rows map[string][]query.Row
}

func (s *stubRunner) Execute(_ context.Context, name string, _ map[string]any) ([]query.Row, error) {
	return s.rows[name], nil
}

func (s *stubRunner) ExecuteSQL(context.Context, string, map[string]any, string) ([]query.Row, error) {
	return nil, nil
}

func findAction(t *testing.T, name string) *pipeline.Action {
	t.Helper()
	for _, act := range builtins() {
		if act.Name == name {
			return act
		}
	}
	t.Fatalf("builtin action %s not found", name)
	return nil
}

func newState(caller pipeline.Caller, params map[string]string) *pipeline.State {
	return &pipeline.State{
		Caller:  caller,
		Request: pipeline.RequestState{Params: params},
	}
}

func TestRegisterInstallsAllBuiltins(t *testing.T) {
	pipe := runtime.NewPipeline(nil, runtime.PipelineOptions{Query: &stubRunner{}})
	if err := Register(pipe); err != nil {
		t.Fatalf("register: %v", err)
	}
	names := pipe.ActionNames()
	want := map[string]bool{"cacheTest": true, "countries": true, "user": true, "userHandle": true}
	for _, name := range names {
		delete(want, name)
	}
	if len(want) != 0 {
		t.Fatalf("missing builtins: %v (registered %v)", want, names)
	}
}

func TestCurrentUserRequiresAuth(t *testing.T) {
	act := findAction(t, "user")
	deps := pipeline.Deps{Query: &stubRunner{}}

	_, err := act.Run(context.Background(), newState(pipeline.Caller{AccessLevel: pipeline.AccessAnon}, nil), deps)
	if apierr.KindOf(err) != apierr.KindUnauthorized {
		t.Fatalf("expected unauthorized for anonymous caller, got %v", err)
	}

	caller := pipeline.Caller{UserID: 7, Handle: "heffan", AccessLevel: pipeline.AccessMember}
	payload, err := act.Run(context.Background(), newState(caller, nil), deps)
	if err != nil {
		t.Fatalf("member lookup failed: %v", err)
	}
	body, ok := payload.(map[string]any)
	if !ok || body["user"] != caller {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestUserHandleAdminGateAndNotFound(t *testing.T) {
	act := findAction(t, "userHandle")
	runner := &stubRunner{rows: map[string][]query.Row{}}
	deps := pipeline.Deps{Query: runner}
	params := map[string]string{"userId": "7"}

	member := pipeline.Caller{UserID: 1, AccessLevel: pipeline.AccessMember}
	_, err := act.Run(context.Background(), newState(member, params), deps)
	if apierr.KindOf(err) != apierr.KindForbidden {
		t.Fatalf("expected forbidden for member, got %v", err)
	}

	admin := pipeline.Caller{UserID: 1, AccessLevel: pipeline.AccessAdmin}
	_, err = act.Run(context.Background(), newState(admin, params), deps)
	if apierr.KindOf(err) != apierr.KindNotFound {
		t.Fatalf("expected not found for missing user, got %v", err)
	}

	runner.rows["get_user_handle"] = []query.Row{{"handle": "heffan"}}
	payload, err := act.Run(context.Background(), newState(admin, params), deps)
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	body, ok := payload.(map[string]any)
	if !ok || body["handle"] != "heffan" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestCountriesCacheLifetime(t *testing.T) {
	act := findAction(t, "countries")
	if act.CacheLifetime != time.Hour {
		t.Fatalf("countries should keep its long lifetime, got %s", act.CacheLifetime)
	}
	if findAction(t, "user").CacheDisabled != true {
		t.Fatalf("user action must opt out of the response cache")
	}
}
