package probe_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blab-io/hkprobe/internal/config"
	"github.com/blab-io/hkprobe/internal/probe"
)

func makeConfig(t *testing.T, endpoint string, extras ...func(*config.Config)) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Endpoint = endpoint
	cfg.HealthRetries = 3
	cfg.HealthTimeout = 2 * time.Second
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.SelfCheckTimeout = 5 * time.Second
	for _, fn := range extras {
		fn(cfg)
	}
	return cfg
}

// fakeRuntime serves the two runtime endpoints with scripted behavior.
type fakeRuntime struct {
	srv        *httptest.Server
	healthHits int32
	selfHits   int32

	notReadyFor int32 // health attempts answered not-ready before ok flips
	selfStatus  int
	selfBody    string
}

func newFakeRuntime(t *testing.T, notReadyFor int32, selfStatus int, selfBody string) *fakeRuntime {
	t.Helper()
	f := &fakeRuntime{notReadyFor: notReadyFor, selfStatus: selfStatus, selfBody: selfBody}

	mux := http.NewServeMux()
	mux.HandleFunc("/housekeeper/health", func(w http.ResponseWriter, r *http.Request) {
		hit := atomic.AddInt32(&f.healthHits, 1)
		w.Header().Set("Content-Type", "application/json")
		if hit <= f.notReadyFor {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprint(w, `{"ok":false}`)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	})
	mux.HandleFunc("/housekeeper/self-check", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.selfHits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.selfStatus)
		fmt.Fprint(w, f.selfBody)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeRuntime) health() int32 { return atomic.LoadInt32(&f.healthHits) }
func (f *fakeRuntime) self() int32   { return atomic.LoadInt32(&f.selfHits) }

func TestEnsureReady_FirstAttempt(t *testing.T) {
	rt := newFakeRuntime(t, 0, http.StatusOK, `{"ok":true}`)
	p := probe.New(makeConfig(t, rt.srv.URL))

	if err := p.EnsureReady(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.health() != 1 {
		t.Errorf("expected exactly 1 health request, got %d", rt.health())
	}
}

func TestEnsureReady_SucceedsOnThirdAttempt(t *testing.T) {
	rt := newFakeRuntime(t, 2, http.StatusOK, `{"ok":true}`)
	delay := 50 * time.Millisecond
	cfg := makeConfig(t, rt.srv.URL, func(c *config.Config) {
		c.HealthRetries = 5
		c.RetryDelay = delay
	})
	p := probe.New(cfg)

	start := time.Now()
	if err := p.EnsureReady(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	elapsed := time.Since(start)

	// Exactly 3 requests: two failures, one success, then short-circuit.
	if rt.health() != 3 {
		t.Errorf("expected exactly 3 health requests, got %d", rt.health())
	}
	// Two inter-attempt delays must have elapsed.
	if elapsed < 2*delay {
		t.Errorf("expected at least %v between attempts, elapsed %v", 2*delay, elapsed)
	}
}

func TestEnsureReady_AllAttemptsFail(t *testing.T) {
	rt := newFakeRuntime(t, 1<<30, http.StatusOK, `{"ok":true}`)
	cfg := makeConfig(t, rt.srv.URL, func(c *config.Config) { c.HealthRetries = 4 })
	p := probe.New(cfg)

	err := p.EnsureReady(context.Background())
	if err != probe.ErrNotReady {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if rt.health() != 4 {
		t.Errorf("expected exactly 4 health requests, got %d", rt.health())
	}
}

func TestEnsureReady_NotReadySignals(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
	}{
		{"error status", http.StatusInternalServerError, `{"ok":true}`},
		{"not json", http.StatusOK, "nope"},
		{"json array", http.StatusOK, `[true]`},
		{"ok false", http.StatusOK, `{"ok":false}`},
		{"ok non-boolean", http.StatusOK, `{"ok":"true"}`},
		{"ok missing", http.StatusOK, `{}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				fmt.Fprint(w, tc.body)
			}))
			defer srv.Close()

			cfg := makeConfig(t, srv.URL, func(c *config.Config) { c.HealthRetries = 1 })
			if err := probe.New(cfg).EnsureReady(context.Background()); err != probe.ErrNotReady {
				t.Errorf("expected ErrNotReady, got %v", err)
			}
		})
	}
}

func TestEnsureReady_AttemptTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Block until the client gives up.
		<-r.Context().Done()
	}))
	defer srv.Close()

	cfg := makeConfig(t, srv.URL, func(c *config.Config) {
		c.HealthRetries = 1
		c.HealthTimeout = 50 * time.Millisecond
	})
	if err := probe.New(cfg).EnsureReady(context.Background()); err != probe.ErrNotReady {
		t.Errorf("expected ErrNotReady on timeout, got %v", err)
	}
}

func TestEnsureReady_BearerToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	cfg := makeConfig(t, srv.URL, func(c *config.Config) { c.Token = "mytoken" })
	if err := probe.New(cfg).EnsureReady(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gotAuth.Load(); got != "Bearer mytoken" {
		t.Errorf("expected Authorization 'Bearer mytoken', got %q", got)
	}
}

func TestEnsureReady_NoTokenNoHeader(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer srv.Close()

	cfg := makeConfig(t, srv.URL)
	if err := probe.New(cfg).EnsureReady(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := gotAuth.Load(); got != "" {
		t.Errorf("expected no Authorization header, got %q", got)
	}
}

func TestRun_NeverReady_SkipsSelfCheck(t *testing.T) {
	rt := newFakeRuntime(t, 1<<30, http.StatusOK, `{"ok":true}`)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.Run(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictReadinessTimeout {
		t.Errorf("expected readiness_timeout, got %q", res.Verdict)
	}
	if rt.self() != 0 {
		t.Errorf("self-check must not be called when the runtime never becomes ready, got %d calls", rt.self())
	}
	if stderr.String() != "health check failed: runtime not ready\n" {
		t.Errorf("unexpected stderr: %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("expected empty stdout, got %q", stdout.String())
	}
}

func TestRun_Passed(t *testing.T) {
	rt := newFakeRuntime(t, 0, http.StatusOK, `{"ok":true}`)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.Run(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictPassed {
		t.Fatalf("expected passed, got %q (stderr: %s)", res.Verdict, stderr.String())
	}
	if rt.health() != 1 || rt.self() != 1 {
		t.Errorf("expected 1 health and 1 self-check request, got %d and %d", rt.health(), rt.self())
	}
	if stdout.String() != "{\n  \"ok\": true\n}\n" {
		t.Errorf("unexpected stdout: %q", stdout.String())
	}
	if stderr.Len() != 0 {
		t.Errorf("expected empty stderr, got %q", stderr.String())
	}
}

func TestRun_ReadyAfterRetries_CallsSelfCheckOnce(t *testing.T) {
	rt := newFakeRuntime(t, 2, http.StatusOK, `{"ok":true}`)
	cfg := makeConfig(t, rt.srv.URL, func(c *config.Config) { c.HealthRetries = 4 })
	p := probe.New(cfg)

	var stdout, stderr bytes.Buffer
	res := p.Run(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictPassed {
		t.Fatalf("expected passed, got %q", res.Verdict)
	}
	if rt.health() != 3 {
		t.Errorf("expected 3 health requests, got %d", rt.health())
	}
	if rt.self() != 1 {
		t.Errorf("expected exactly 1 self-check request, got %d", rt.self())
	}
}

func TestRunSelfCheck_ChecksFailed(t *testing.T) {
	body := `{"ok":false,"checks":[{"name":"disk","passed":false,"detail":"low space"},{"name":"mem","passed":true}]}`
	rt := newFakeRuntime(t, 0, http.StatusOK, body)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictChecksFailed {
		t.Fatalf("expected checks_failed, got %q", res.Verdict)
	}
	if stderr.String() != "[FAILED] disk: low space\n" {
		t.Errorf("expected exactly one failure line, got %q", stderr.String())
	}
	if len(res.Failed) != 1 || res.Failed[0].Name != "disk" || res.Failed[0].Detail != "low space" {
		t.Errorf("unexpected failed checks: %+v", res.Failed)
	}

	// The full report lands on stdout as indented JSON and round-trips.
	out := stdout.String()
	for _, want := range []string{"\"disk\"", "\"mem\"", "\"low space\"", "  "} {
		if !strings.Contains(out, want) {
			t.Errorf("expected stdout to contain %q, got:\n%s", want, out)
		}
	}
	var roundTrip map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &roundTrip); err != nil {
		t.Errorf("stdout is not valid JSON: %v", err)
	}
}

func TestRunSelfCheck_StatusGateBeatsOkField(t *testing.T) {
	rt := newFakeRuntime(t, 0, http.StatusServiceUnavailable, `{"ok":true}`)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictEndpointError {
		t.Fatalf("expected endpoint_error despite ok:true, got %q", res.Verdict)
	}
	if res.HTTPStatus != http.StatusServiceUnavailable {
		t.Errorf("expected HTTP status 503 in result, got %d", res.HTTPStatus)
	}
	// The report is still printed before the status gate fires.
	if !strings.Contains(stdout.String(), "\"ok\": true") {
		t.Errorf("expected report on stdout, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "self-check endpoint returned HTTP 503") {
		t.Errorf("expected HTTP 503 diagnostic, got %q", stderr.String())
	}
}

func TestRunSelfCheck_InvalidResponse(t *testing.T) {
	rt := newFakeRuntime(t, 0, http.StatusOK, "not json")
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictInvalidResponse {
		t.Fatalf("expected invalid_response, got %q", res.Verdict)
	}
	if stdout.String() != "not json\n" {
		t.Errorf("expected raw body on stdout, got %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "self-check response is not valid JSON") {
		t.Errorf("expected not-valid-JSON diagnostic, got %q", stderr.String())
	}
}

func TestRunSelfCheck_NonObjectJSON(t *testing.T) {
	rt := newFakeRuntime(t, 0, http.StatusOK, `[{"ok":true}]`)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictInvalidResponse {
		t.Fatalf("expected invalid_response for non-object JSON, got %q", res.Verdict)
	}
	if stdout.String() != "[{\"ok\":true}]\n" {
		t.Errorf("expected raw body on stdout, got %q", stdout.String())
	}
}

func TestRunSelfCheck_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	p := probe.New(makeConfig(t, url))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictEndpointError {
		t.Fatalf("expected endpoint_error, got %q", res.Verdict)
	}
	if !strings.Contains(stderr.String(), "self-check request failed") {
		t.Errorf("expected transport diagnostic, got %q", stderr.String())
	}
	if stdout.Len() != 0 {
		t.Errorf("expected empty stdout, got %q", stdout.String())
	}
}

func TestRunSelfCheck_NoRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"ok":false}`)
	}))
	defer srv.Close()

	p := probe.New(makeConfig(t, srv.URL))

	var stdout, stderr bytes.Buffer
	p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("self-check must be issued exactly once, got %d requests", n)
	}
}

func TestRunSelfCheck_MissingChecksField(t *testing.T) {
	rt := newFakeRuntime(t, 0, http.StatusOK, `{"ok":false}`)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictChecksFailed {
		t.Fatalf("expected checks_failed, got %q", res.Verdict)
	}
	if len(res.Failed) != 0 {
		t.Errorf("expected no failed entries without a checks field, got %+v", res.Failed)
	}
	if stderr.Len() != 0 {
		t.Errorf("expected no failure lines, got %q", stderr.String())
	}
}

func TestRunSelfCheck_SkipsNonObjectCheckEntries(t *testing.T) {
	body := `{"ok":false,"checks":[42,"junk",{"name":"guard","passed":false,"detail":"drift"}]}`
	rt := newFakeRuntime(t, 0, http.StatusOK, body)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictChecksFailed {
		t.Fatalf("expected checks_failed, got %q", res.Verdict)
	}
	if stderr.String() != "[FAILED] guard: drift\n" {
		t.Errorf("expected only the object entry reported, got %q", stderr.String())
	}
}

func TestRunSelfCheck_NameAndDetailFallbacks(t *testing.T) {
	body := `{"ok":false,"checks":[{"passed":false},{"name":"","passed":"yes"}]}`
	rt := newFakeRuntime(t, 0, http.StatusOK, body)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var stdout, stderr bytes.Buffer
	res := p.RunSelfCheck(context.Background(), &stdout, &stderr)

	if res.Verdict != probe.VerdictChecksFailed {
		t.Fatalf("expected checks_failed, got %q", res.Verdict)
	}
	want := "[FAILED] unknown: \n[FAILED] unknown: \n"
	if stderr.String() != want {
		t.Errorf("expected fallback lines %q, got %q", want, stderr.String())
	}
}

func TestRun_Idempotent(t *testing.T) {
	rt := newFakeRuntime(t, 0, http.StatusOK, `{"ok":true}`)
	p := probe.New(makeConfig(t, rt.srv.URL))

	var out1, err1, out2, err2 bytes.Buffer
	first := p.Run(context.Background(), &out1, &err1)
	second := p.Run(context.Background(), &out2, &err2)

	if first.Verdict != second.Verdict {
		t.Errorf("verdicts differ across runs: %q vs %q", first.Verdict, second.Verdict)
	}
	if out1.String() != out2.String() {
		t.Errorf("stdout differs across runs: %q vs %q", out1.String(), out2.String())
	}
	if rt.health() != 2 || rt.self() != 2 {
		t.Errorf("expected 2 health and 2 self-check requests after two runs, got %d and %d", rt.health(), rt.self())
	}
}
