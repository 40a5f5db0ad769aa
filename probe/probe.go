package probe

import (
	"context"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Target is a peer to probe, addressed as host:port.
type Target struct {
	Name string
	Addr string
}

// Result represents a single probe result
type Result struct {
	Target    Target
	Success   bool
	LatencyMs float64
	Err       error
	ProbedAt  time.Time
}

// Prober measures TCP connect latency towards targets. A nil Limiter
// probes at full speed.
type Prober struct {
	Timeout time.Duration
	Limiter *rate.Limiter
}

// NewProber builds a prober with the given dial timeout, probing at
// most ratePerSec targets per second. A non-positive rate disables
// limiting.
func NewProber(timeout time.Duration, ratePerSec int) *Prober {
	p := &Prober{Timeout: timeout}
	if ratePerSec > 0 {
		p.Limiter = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return p
}

// ProbeTCP performs a TCP connection probe to measure delay.
// Returns the result with delay in milliseconds.
func (p *Prober) ProbeTCP(target Target) Result {
	startTime := time.Now()

	conn, err := net.DialTimeout("tcp", target.Addr, p.Timeout)
	if err != nil {
		log.Debugf("TCP probe failed for %s: %v", target.Addr, err)
		return Result{
			Target:   target,
			Err:      fmt.Errorf("connection failed: %w", err),
			ProbedAt: startTime,
		}
	}
	conn.Close()

	delay := float64(time.Since(startTime).Microseconds()) / 1000.0
	log.Debugf("TCP probe successful for %s: %.2fms", target.Addr, delay)

	return Result{
		Target:    target,
		Success:   true,
		LatencyMs: delay,
		ProbedAt:  startTime,
	}
}

// ProbeAll probes every target concurrently. Individual probe
// failures land in their Result; only rate-limiter interruption or
// context cancellation fails the whole round.
func (p *Prober) ProbeAll(ctx context.Context, targets []Target) ([]Result, error) {
	log.Infof("Starting probe round for %d targets...", len(targets))

	results := make([]Result, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if p.Limiter != nil {
				if err := p.Limiter.Wait(gctx); err != nil {
					return err
				}
			}
			results[i] = p.ProbeTCP(target)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	successCount := countSuccessful(results)
	log.Infof("Probe round completed: %d total, %d succeeded, %d failed",
		len(results), successCount, len(results)-successCount)

	return results, nil
}

// countSuccessful counts the number of successful probes
func countSuccessful(results []Result) int {
	count := 0
	for _, r := range results {
		if r.Success {
			count++
		}
	}
	return count
}
