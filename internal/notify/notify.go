// Package notify posts verdict transitions to a webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/blab-io/hkprobe/internal/probe"
)

// Notifier sends webhook notifications when the probe verdict changes.
type Notifier struct {
	webhookURL string
	endpoint   string
	cooldown   time.Duration
	client     *http.Client
	lastSent   time.Time
	mu         sync.Mutex
	logger     *slog.Logger
}

// New creates a new Notifier. endpoint is the probed runtime base URL,
// included in the payload. Pass nil logger to use the default logger.
func New(webhookURL, endpoint string, cooldown time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		webhookURL: webhookURL,
		endpoint:   endpoint,
		cooldown:   cooldown,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

type webhookPayload struct {
	Endpoint        string        `json:"endpoint"`
	Verdict         string        `json:"verdict"`
	PreviousVerdict string        `json:"previous_verdict"`
	ExitCode        int           `json:"exit_code"`
	HTTPStatus      int           `json:"http_status,omitempty"`
	FailedChecks    []probe.Check `json:"failed_checks,omitempty"`
	DurationMs      int64         `json:"duration_ms"`
	CheckedAt       string        `json:"checked_at"`
	Source          string        `json:"source"`
}

// Notify sends a webhook if the verdict has changed and the cooldown has elapsed.
func (n *Notifier) Notify(result probe.Result, previous *probe.Verdict) {
	// No previous verdict means first probe — skip.
	if previous == nil {
		return
	}
	// No transition — skip.
	if result.Verdict == *previous {
		return
	}

	// Check cooldown.
	n.mu.Lock()
	if !n.lastSent.IsZero() && time.Since(n.lastSent) < n.cooldown {
		n.mu.Unlock()
		n.logger.Info("notification suppressed by cooldown", "verdict", result.Verdict)
		return
	}
	n.lastSent = time.Now()
	n.mu.Unlock()

	// Send asynchronously so Notify doesn't block the probe loop.
	go n.send(result, string(*previous))
}

func (n *Notifier) send(result probe.Result, prevVerdict string) {
	payload := webhookPayload{
		Endpoint:        n.endpoint,
		Verdict:         string(result.Verdict),
		PreviousVerdict: prevVerdict,
		ExitCode:        result.Verdict.ExitCode(),
		HTTPStatus:      result.HTTPStatus,
		FailedChecks:    result.Failed,
		DurationMs:      result.Duration.Milliseconds(),
		CheckedAt:       result.CheckedAt.UTC().Format(time.RFC3339),
		Source:          "hkprobe",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("marshaling webhook payload", "verdict", result.Verdict, "error", err)
		return
	}

	resp, err := n.client.Post(n.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		n.logger.Error("sending webhook", "url", n.webhookURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn("webhook returned non-2xx status",
			"url", n.webhookURL,
			"status", resp.StatusCode,
		)
	}
}
