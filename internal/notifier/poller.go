package notifier

import (
	"context"
	"log/slog"
	"time"
)

// Poller is the polling fallback for one system. It polls fast while the
// push channel is unhealthy and drops to a slow safety interval while it is
// connected, so a wedged push pipeline can never hide state forever.
type Poller struct {
	interval       time.Duration
	safetyInterval time.Duration
	state          func() State
	refresh        RefreshFunc
	log            *slog.Logger

	wake chan struct{}
}

// NewPoller creates a poller. state reports the push channel health.
func NewPoller(interval, safetyInterval time.Duration, state func() State, refresh RefreshFunc, log *slog.Logger) *Poller {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if safetyInterval <= 0 {
		safetyInterval = 5 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		interval:       interval,
		safetyInterval: safetyInterval,
		state:          state,
		refresh:        refresh,
		log:            log,
		wake:           make(chan struct{}, 1),
	}
}

// Wake cuts the current wait short so the interval is re-evaluated against
// the push channel state. Call it on push state transitions; otherwise a
// Connected -> Degraded flip would sit out the rest of a safety wait.
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	for {
		interval := p.interval
		reason := "poll"
		if p.state() == StateConnected {
			interval = p.safetyInterval
			reason = "safety_poll"
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.wake:
			timer.Stop()
			continue
		case <-timer.C:
		}

		// Re-check: the channel may have recovered during a fast-poll wait,
		// in which case this tick is skipped.
		if reason == "poll" && p.state() == StateConnected {
			continue
		}
		p.refresh(ctx, reason)
	}
}
