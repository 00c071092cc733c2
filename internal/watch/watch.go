// Package watch re-probes the runtime on a fixed interval and reports
// verdict transitions through a callback.
package watch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/blab-io/hkprobe/internal/probe"
)

// Prober runs one full probe pass against the runtime.
type Prober interface {
	Run(ctx context.Context, stdout, stderr io.Writer) probe.Result
}

// Runner drives the periodic probe loop.
type Runner struct {
	prober   Prober
	interval time.Duration
	onResult func(probe.Result, *probe.Verdict)
	logger   *slog.Logger
	wg       sync.WaitGroup

	prev *probe.Verdict
}

// New creates a Runner probing on the given interval.
func New(p Prober, interval time.Duration, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		prober:   p,
		interval: interval,
		logger:   logger,
	}
}

// SetOnResult sets the callback invoked after each probe.
// result is the current outcome; prev is the previous verdict (nil on the
// first probe).
func (r *Runner) SetOnResult(fn func(probe.Result, *probe.Verdict)) {
	r.onResult = fn
}

// Start spawns the probe loop goroutine. It is non-blocking.
func (r *Runner) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.loop(ctx)
}

// Wait blocks until the probe loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) loop(ctx context.Context) {
	defer r.wg.Done()

	// Probe immediately.
	r.runProbe(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runProbe(ctx)
		}
	}
}

func (r *Runner) runProbe(ctx context.Context) {
	res := r.prober.Run(ctx, io.Discard, io.Discard)

	// A canceled context means shutdown, not a verdict.
	if ctx.Err() != nil {
		return
	}

	r.logger.Info("probe result",
		"verdict", res.Verdict,
		"exit_code", res.Verdict.ExitCode(),
		"http_status", res.HTTPStatus,
		"duration", res.Duration,
	)
	for _, c := range res.Failed {
		r.logger.Warn("check failed", "name", c.Name, "detail", c.Detail)
	}

	if r.onResult != nil {
		r.onResult(res, r.prev)
	}

	v := res.Verdict
	r.prev = &v
}
