package crawler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/masahif/telecrawl/internal/config"
)

// Outcome is the result of a remote call as seen by the Controller
type Outcome int

const (
	Success Outcome = iota
	ThrottledOutcome
	TransientFailure
)

// OutcomeOf maps an error to the Controller outcome it should be reported as
func OutcomeOf(err error) Outcome {
	if err == nil {
		return Success
	}
	if KindOf(err) == Throttled {
		return ThrottledOutcome
	}
	return TransientFailure
}

// Controller paces remote calls for one channel. The spacing between calls
// adapts to what the remote API reports.
type Controller struct {
	mu        sync.Mutex
	limiter   *rate.Limiter
	interval  time.Duration
	notBefore time.Time
	cfg       config.BackoffConfig
	now       func() time.Time
}

// NewController creates a Controller starting at cfg.Initial
func NewController(cfg config.BackoffConfig) *Controller {
	interval := clampDuration(cfg.Initial, cfg.Floor, cfg.Ceiling)
	return &Controller{
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		interval: interval,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Acquire blocks until the next call is permitted or ctx is done
func (c *Controller) Acquire(ctx context.Context) error {
	c.mu.Lock()
	wait := c.notBefore.Sub(c.now())
	limiter := c.limiter
	c.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return limiter.Wait(ctx)
}

// Report feeds the outcome of a call back into the Controller. retryAfter is
// the wait the remote API asked for, or zero.
func (c *Controller) Report(outcome Outcome, retryAfter time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch outcome {
	case Success:
		next := time.Duration(float64(c.interval) * c.cfg.SuccessShrink)
		if next > c.interval {
			next = c.interval
		}
		if next < c.cfg.Floor {
			next = c.cfg.Floor
		}
		c.setInterval(next)

	case ThrottledOutcome:
		next := time.Duration(float64(c.interval) * c.cfg.ThrottleGrowth)
		if next <= c.interval {
			next = c.interval + time.Millisecond
		}
		if retryAfter > next {
			next = retryAfter
		}
		if next > c.cfg.Ceiling {
			next = c.cfg.Ceiling
		}
		c.setInterval(next)

		hold := c.interval
		if retryAfter > hold {
			hold = retryAfter
		}
		c.notBefore = c.now().Add(hold)

	case TransientFailure:
		next := time.Duration(float64(c.interval) * c.cfg.FailureGrowth)
		if next > c.cfg.Ceiling {
			next = c.cfg.Ceiling
		}
		if next < c.interval {
			next = c.interval
		}
		c.setInterval(next)
	}
}

// Interval returns the current minimum spacing between calls
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

func (c *Controller) setInterval(d time.Duration) {
	if d == c.interval {
		return
	}
	c.interval = d
	c.limiter.SetLimit(rate.Every(d))
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if hi > 0 && d > hi {
		return hi
	}
	return d
}
