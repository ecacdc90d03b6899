package caller

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/arenahq/apicore/internal/apierr"
	"github.com/arenahq/apicore/internal/query"
	"github.com/arenahq/apicore/internal/runtime/cache"
	"github.com/arenahq/apicore/internal/runtime/pipeline"
)

var (
	testSecret   = []byte("unit-test-signing-secret")
	testAudience = "client-id-123"
)

type stubRunner struct {
	mu    sync.Mutex
	rows  map[string][]query.Row
	errs  map[string]error
	calls map[string]int
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		rows:  make(map[string][]query.Row),
		errs:  make(map[string]error),
		calls: make(map[string]int),
	}
}

func (s *stubRunner) Execute(_ context.Context, name string, _ map[string]any) ([]query.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	if err := s.errs[name]; err != nil {
		return nil, err
	}
	return s.rows[name], nil
}

func (s *stubRunner) ExecuteSQL(context.Context, string, map[string]any, string) ([]query.Row, error) {
	return nil, nil
}

func (s *stubRunner) callCount(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func memberClaims(sub string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub": sub,
		"aud": testAudience,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func newTestAgent(runner query.Runner) *Agent {
	return New(Config{
		Secret:   testSecret,
		Audience: testAudience,
		TTL:      time.Minute,
		Cache:    cache.NewMemory(),
		Query:    runner,
	})
}

func execute(t *testing.T, agent *Agent, authorization string) *pipeline.State {
	t.Helper()
	r := httptest.NewRequest("GET", "/v2/user", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	state := pipeline.NewState(r, "user", "conn", nil, false)
	agent.Execute(r.Context(), r, state)
	return state
}

func TestMissingHeaderResolvesAnonymous(t *testing.T) {
	state := execute(t, newTestAgent(newStubRunner()), "")
	if state.Failed() {
		t.Fatalf("missing header must not fail: %v", state.Err())
	}
	if !state.Caller.IsAnon() {
		t.Fatalf("expected anonymous caller, got %+v", state.Caller)
	}
}

func TestMalformedHeaderRejected(t *testing.T) {
	state := execute(t, newTestAgent(newStubRunner()), "Basic dXNlcjpwYXNz")
	if !state.Failed() {
		t.Fatalf("expected failure for non-bearer header")
	}
	if apierr.KindOf(state.Err()) != apierr.KindBadRequest {
		t.Fatalf("expected bad request, got %v", state.Err())
	}
	if state.Err().Error() != "Malformed Auth header" {
		t.Fatalf("unexpected message: %q", state.Err().Error())
	}
}

func TestBadSignatureRejectedAsBadRequest(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, memberClaims("ad|123")).SignedString([]byte("other-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	state := execute(t, newTestAgent(newStubRunner()), "Bearer "+token)
	if apierr.KindOf(state.Err()) != apierr.KindBadRequest {
		t.Fatalf("expected bad request for bad signature, got %v", state.Err())
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	claims := memberClaims("ad|123")
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	state := execute(t, newTestAgent(newStubRunner()), "Bearer "+signToken(t, claims))
	if !state.Failed() || state.Err().Error() != "JWT is expired" {
		t.Fatalf("expected expiry rejection, got %v", state.Err())
	}
	if apierr.KindOf(state.Err()) != apierr.KindBadRequest {
		t.Fatalf("expired tokens map to 400 by convention, got %v", apierr.KindOf(state.Err()))
	}
}

func TestMissingSubjectRejected(t *testing.T) {
	claims := jwt.MapClaims{"aud": testAudience, "exp": time.Now().Add(time.Hour).Unix()}
	state := execute(t, newTestAgent(newStubRunner()), "Bearer "+signToken(t, claims))
	if !state.Failed() || state.Err().Error() != "Malformed Auth header. No sub in token!" {
		t.Fatalf("expected missing sub rejection, got %v", state.Err())
	}
}

func TestSubjectWithoutProviderRejected(t *testing.T) {
	state := execute(t, newTestAgent(newStubRunner()), "Bearer "+signToken(t, memberClaims("12345")))
	if !state.Failed() || state.Err().Error() != "Malformed Auth header. No provider in token.sub!" {
		t.Fatalf("expected missing provider rejection, got %v", state.Err())
	}
}

func TestUnknownProviderIsServerError(t *testing.T) {
	state := execute(t, newTestAgent(newStubRunner()), "Bearer "+signToken(t, memberClaims("myspace|123")))
	if !state.Failed() {
		t.Fatalf("expected failure for unknown provider")
	}
	if apierr.KindOf(state.Err()) != apierr.KindInternal {
		t.Fatalf("unknown provider is a server defect, got %v", apierr.KindOf(state.Err()))
	}
}

func TestADProviderUsesExternalIDDirectly(t *testing.T) {
	runner := newStubRunner()
	runner.rows[queryUserHandle] = []query.Row{{"handle": "heffan"}}
	runner.rows[queryCheckIsAdmin] = []query.Row{{"count": int64(0)}}

	state := execute(t, newTestAgent(runner), "bearer "+signToken(t, memberClaims("ad|132456")))
	if state.Failed() {
		t.Fatalf("unexpected failure: %v", state.Err())
	}
	if state.Caller.UserID != 132456 || state.Caller.Handle != "heffan" {
		t.Fatalf("unexpected caller: %+v", state.Caller)
	}
	if state.Caller.AccessLevel != pipeline.AccessMember {
		t.Fatalf("expected member level, got %s", state.Caller.AccessLevel)
	}
	if runner.callCount(queryUserBySocialLogin) != 0 {
		t.Fatalf("ad provider must not run the social login query")
	}
}

func TestADProviderRejectsNonPositiveID(t *testing.T) {
	state := execute(t, newTestAgent(newStubRunner()), "Bearer "+signToken(t, memberClaims("ad|-5")))
	if !state.Failed() || state.Err().Error() != "userId should be positive." {
		t.Fatalf("expected positive-id rejection, got %v", state.Err())
	}
}

func TestSocialProviderResolvesThroughLookup(t *testing.T) {
	runner := newStubRunner()
	runner.rows[queryUserBySocialLogin] = []query.Row{{"user_id": int64(77)}}
	runner.rows[queryUserHandle] = []query.Row{{"handle": "socialite"}}
	runner.rows[queryCheckIsAdmin] = []query.Row{{"count": int64(2)}}

	state := execute(t, newTestAgent(runner), "Bearer "+signToken(t, memberClaims("google-oauth2|gid-1")))
	if state.Failed() {
		t.Fatalf("unexpected failure: %v", state.Err())
	}
	if state.Caller.UserID != 77 {
		t.Fatalf("expected resolved user id 77, got %d", state.Caller.UserID)
	}
	if state.Caller.AccessLevel != pipeline.AccessAdmin {
		t.Fatalf("positive admin count must grant admin, got %s", state.Caller.AccessLevel)
	}
}

func TestSocialLoginNotFound(t *testing.T) {
	runner := newStubRunner()
	state := execute(t, newTestAgent(runner), "Bearer "+signToken(t, memberClaims("github|nobody")))
	if !state.Failed() || state.Err().Error() != "social login not found" {
		t.Fatalf("expected social login failure, got %v", state.Err())
	}
}

func TestCachedIdentitySkipsResolution(t *testing.T) {
	runner := newStubRunner()
	runner.rows[queryUserHandle] = []query.Row{{"handle": "heffan"}}
	runner.rows[queryCheckIsAdmin] = []query.Row{{"count": int64(1)}}
	agent := newTestAgent(runner)
	token := "Bearer " + signToken(t, memberClaims("ad|132456"))

	first := execute(t, agent, token)
	if first.Failed() {
		t.Fatalf("first resolution failed: %v", first.Err())
	}
	handleCalls := runner.callCount(queryUserHandle)

	second := execute(t, agent, token)
	if second.Failed() {
		t.Fatalf("second resolution failed: %v", second.Err())
	}
	if runner.callCount(queryUserHandle) != handleCalls {
		t.Fatalf("cached identity must not re-run queries")
	}
	if second.Caller != first.Caller {
		t.Fatalf("cached identity mismatch: %+v vs %+v", second.Caller, first.Caller)
	}
}
