package hillclient

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

type PollerOptions struct {
	// Interval is the base refresh cadence. Defaults to 20s.
	Interval time.Duration
	// JitterRatio spreads refreshes so a fleet of agents does not poll in
	// lockstep. 0 disables jitter; values are clamped to [0, 1].
	JitterRatio float64
	// WakeGap is the elapsed time between cycles that is treated as a
	// suspend/resume. Defaults to 3x the interval.
	WakeGap time.Duration
	// Nudge triggers an immediate refresh when it receives, typically fed by
	// the workspace watch websocket.
	Nudge  <-chan struct{}
	Logger Logger
	// Now is injectable for tests.
	Now func() time.Time
}

// Poller refreshes the cache on a jittered fixed interval. A long gap between
// cycles means the host slept, so the stale snapshot is refreshed right away
// instead of waiting out the timer. Transient errors are logged and retried
// on the next cycle; an authentication failure stops the poller since no
// retry can succeed without a new session.
type Poller struct {
	cache       *Cache
	interval    time.Duration
	jitterRatio float64
	wakeGap     time.Duration
	nudge       <-chan struct{}
	logger      Logger
	now         func() time.Time
	rng         *rand.Rand
}

func NewPoller(cache *Cache, opts PollerOptions) (*Poller, error) {
	if cache == nil {
		return nil, errors.New("cache is required")
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	wakeGap := opts.WakeGap
	if wakeGap <= 0 {
		wakeGap = 3 * interval
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Poller{
		cache:       cache,
		interval:    interval,
		jitterRatio: clampJitterRatio(opts.JitterRatio),
		wakeGap:     wakeGap,
		nudge:       opts.Nudge,
		logger:      opts.Logger,
		now:         now,
		rng:         rand.New(rand.NewSource(now().UnixNano())),
	}, nil
}

// Run refreshes once immediately, then on each timer tick or nudge until the
// context is cancelled or the session is rejected.
func (p *Poller) Run(ctx context.Context) error {
	if err := p.refresh(ctx); err != nil {
		return err
	}
	lastCycle := p.now()
	timer := time.NewTimer(p.nextInterval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.nudge:
			if err := p.refresh(ctx); err != nil {
				return err
			}
			lastCycle = p.now()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.nextInterval())
		case <-timer.C:
			now := p.now()
			if wakeGapExceeded(lastCycle, now, p.wakeGap) {
				p.logf("wake detected after %s gap; refreshing immediately", now.Sub(lastCycle))
			}
			if err := p.refresh(ctx); err != nil {
				return err
			}
			lastCycle = p.now()
			timer.Reset(p.nextInterval())
		}
	}
}

func (p *Poller) refresh(ctx context.Context) error {
	err := p.cache.Refresh(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrUnauthorized):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		p.logf("refresh failed: %v", err)
		return nil
	}
}

func (p *Poller) nextInterval() time.Duration {
	return jitteredIntervalWithSample(p.interval, p.jitterRatio, p.rng.Float64())
}

func (p *Poller) logf(format string, args ...any) {
	if p.logger == nil {
		return
	}
	p.logger.Printf(format, args...)
}

// wakeGapExceeded reports whether the elapsed time since the last cycle is
// long enough to indicate the host was suspended.
func wakeGapExceeded(lastCycle, now time.Time, gap time.Duration) bool {
	if lastCycle.IsZero() || gap <= 0 {
		return false
	}
	return now.Sub(lastCycle) > gap
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
