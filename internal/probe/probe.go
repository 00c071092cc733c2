// Package probe implements the readiness-and-self-check protocol against a
// single runtime instance: poll /housekeeper/health with bounded retries,
// then invoke /housekeeper/self-check exactly once and resolve the verdict.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/blab-io/hkprobe/internal/config"
)

const (
	healthPath    = "/housekeeper/health"
	selfCheckPath = "/housekeeper/self-check"
)

// ErrNotReady is returned by EnsureReady when every health attempt failed.
var ErrNotReady = errors.New("runtime not ready")

// Prober runs the two-phase probe. It holds no mutable state, so a single
// Prober may be reused for repeated runs.
type Prober struct {
	cfg    *config.Config
	health *http.Client
	self   *http.Client
}

// New creates a Prober for the given configuration.
func New(cfg *config.Config) *Prober {
	return &Prober{
		cfg:    cfg,
		health: &http.Client{Timeout: cfg.HealthTimeout},
		self:   &http.Client{Timeout: cfg.SelfCheckTimeout},
	}
}

// EnsureReady polls the health endpoint until one attempt reports ready. An
// attempt succeeds only on HTTP 200 with a JSON object whose ok field is
// literally true; any other status, body shape, or transport error fails it.
// Failed attempts with attempts remaining sleep the configured fixed delay,
// with no backoff growth. The self-check must not be invoked unless
// EnsureReady returns nil.
func (p *Prober) EnsureReady(ctx context.Context) error {
	url := p.cfg.Endpoint + healthPath
	for attempt := 1; attempt <= p.cfg.HealthRetries; attempt++ {
		status, raw, err := p.fetch(ctx, p.health, url)
		if err == nil && status == http.StatusOK {
			if obj, ok := parseObject(raw); ok && boolField(obj, "ok") {
				return nil
			}
		}
		if attempt < p.cfg.HealthRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.RetryDelay):
			}
		}
	}
	return ErrNotReady
}

// RunSelfCheck issues the single self-check request and resolves the
// verdict. The parsed report is written to stdout before any verdict
// branching; diagnostics go to stderr. The call is never retried.
func (p *Prober) RunSelfCheck(ctx context.Context, stdout, stderr io.Writer) Result {
	start := time.Now()
	res := Result{CheckedAt: start}

	status, raw, err := p.fetch(ctx, p.self, p.cfg.Endpoint+selfCheckPath)
	res.Duration = time.Since(start)
	res.HTTPStatus = status
	if err != nil {
		fmt.Fprintf(stderr, "self-check request failed: %v\n", err)
		res.Verdict = VerdictEndpointError
		return res
	}

	obj, ok := parseObject(raw)
	if !ok {
		fmt.Fprintln(stdout, string(raw))
		fmt.Fprintln(stderr, "self-check response is not valid JSON")
		res.Verdict = VerdictInvalidResponse
		return res
	}

	pretty, _ := json.MarshalIndent(obj, "", "  ")
	fmt.Fprintln(stdout, string(pretty))

	// The status gate runs after the report print and before the ok gate.
	if status >= 400 {
		fmt.Fprintf(stderr, "self-check endpoint returned HTTP %d\n", status)
		res.Verdict = VerdictEndpointError
		return res
	}

	if boolField(obj, "ok") {
		res.Verdict = VerdictPassed
		return res
	}

	res.Failed = failedChecks(obj)
	for _, c := range res.Failed {
		fmt.Fprintf(stderr, "[FAILED] %s: %s\n", c.Name, c.Detail)
	}
	res.Verdict = VerdictChecksFailed
	return res
}

// Run executes the full probe: readiness first, then the self-check if and
// only if readiness succeeded.
func (p *Prober) Run(ctx context.Context, stdout, stderr io.Writer) Result {
	start := time.Now()
	if err := p.EnsureReady(ctx); err != nil {
		if errors.Is(err, ErrNotReady) {
			fmt.Fprintln(stderr, "health check failed: runtime not ready")
		}
		return Result{
			Verdict:   VerdictReadinessTimeout,
			Duration:  time.Since(start),
			CheckedAt: start,
		}
	}

	res := p.RunSelfCheck(ctx, stdout, stderr)
	res.Duration = time.Since(start)
	res.CheckedAt = start
	return res
}

func (p *Prober) fetch(ctx context.Context, client *http.Client, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	for k, v := range p.cfg.Headers() {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, raw, nil
}

// parseObject decodes raw as JSON and reports whether it is an object.
func parseObject(raw []byte) (map[string]any, bool) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	obj, ok := v.(map[string]any)
	return obj, ok
}

// boolField reports whether obj[key] is literally boolean true.
func boolField(obj map[string]any, key string) bool {
	v, ok := obj[key].(bool)
	return ok && v
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// failedChecks extracts entries from the report's checks array that are
// objects whose passed field is not literally true. Missing or empty names
// fall back to "unknown", missing details to the empty string.
func failedChecks(obj map[string]any) []Check {
	items, ok := obj["checks"].([]any)
	if !ok {
		return nil
	}
	var failed []Check
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if boolField(entry, "passed") {
			continue
		}
		name := stringField(entry, "name")
		if name == "" {
			name = "unknown"
		}
		failed = append(failed, Check{Name: name, Detail: stringField(entry, "detail")})
	}
	return failed
}
