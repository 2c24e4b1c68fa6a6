// Package health waits for a freshly provisioned resource group to become
// ready.
//
// Readiness is advisory: the poller never fails a run. Exhausting the attempt
// budget logs a warning and returns, and the pipeline proceeds optimistically.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/utsushi/internal/config"
)

// Logger receives the poller's user-visible progress messages.
type Logger interface {
	Info(message string, extra any)
	Warn(message string, extra any)
}

// Probe reports whether one named resource is ready. An error counts as
// not ready.
type Probe func(ctx context.Context, resource string) (bool, error)

// ContentCheck is the best-effort verification run once every resource is
// ready. Its error is logged as a warning.
type ContentCheck func(ctx context.Context) error

// Outcome summarizes a poll.
type Outcome struct {
	Ready    bool
	Attempts int
}

// Poller polls resources on a fixed interval.
type Poller struct {
	clock       clock.Clock
	maxAttempts int
	interval    time.Duration
	grace       time.Duration
}

// NewPoller creates a Poller from the readiness settings.
func NewPoller(clk clock.Clock, cfg config.ReadinessConfig) *Poller {
	return &Poller{
		clock:       clk,
		maxAttempts: cfg.MaxAttempts,
		interval:    cfg.Interval,
		grace:       cfg.Grace,
	}
}

// Wait polls every resource until all report ready or the attempt budget is
// spent. Once all are ready it sleeps the grace period, runs check (if any)
// and returns without using the remaining attempts. A cancelled context
// ends the wait early with Ready false.
func (p *Poller) Wait(ctx context.Context, resources []string, probe Probe, check ContentCheck, log Logger) Outcome {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		pending := p.pending(ctx, resources, probe)
		if len(pending) == 0 {
			log.Info("resources ready", map[string]any{"attempt": attempt})
			if !p.sleep(ctx, p.grace) {
				return Outcome{Ready: true, Attempts: attempt}
			}
			if check != nil {
				if err := check(ctx); err != nil {
					log.Warn(fmt.Sprintf("content check failed: %v", err), nil)
				}
			}
			return Outcome{Ready: true, Attempts: attempt}
		}

		if shouldLog(attempt) {
			log.Info(fmt.Sprintf("waiting for resources (attempt %d/%d)", attempt, p.maxAttempts),
				map[string]any{"pending": pending})
		}
		if attempt == p.maxAttempts {
			break
		}
		if !p.sleep(ctx, p.interval) {
			log.Warn("readiness wait interrupted; proceeding", nil)
			return Outcome{Attempts: attempt}
		}
	}

	log.Warn(fmt.Sprintf("resources not ready after %d attempts; proceeding anyway", p.maxAttempts), nil)
	return Outcome{Attempts: p.maxAttempts}
}

// pending probes every resource concurrently and returns those not ready,
// in input order.
func (p *Poller) pending(ctx context.Context, resources []string, probe Probe) []string {
	ready := make([]bool, len(resources))
	var g errgroup.Group
	for i, r := range resources {
		g.Go(func() error {
			ok, err := probe(ctx, r)
			ready[i] = ok && err == nil
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, r := range resources {
		if !ready[i] {
			out = append(out, r)
		}
	}
	return out
}

func (p *Poller) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-p.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// shouldLog keeps the log sparse: every attempt for the first three, then
// every tenth.
func shouldLog(attempt int) bool {
	return attempt <= 3 || attempt%10 == 0
}
