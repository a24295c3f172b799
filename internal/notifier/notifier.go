// Package notifier keeps one push subscription per system against the
// cloud notifier, with the polling fallback that takes over whenever the
// push channel is not healthy.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"quilt-bridge/internal/hds"
)

// State of the push channel for one system.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	}
	return "unknown"
}

// Stream is an open push subscription.
type Stream interface {
	Recv() ([]byte, error)
	Close() error
}

// Transport is the subset of the cloud client the notifier needs.
type Transport interface {
	Subscribe(ctx context.Context, topics []string) (Stream, error)
	PublishHeartbeat(ctx context.Context, systemID string) error
}

// Config holds the notifier timings.
type Config struct {
	// SilenceTimeout is how long a healthy stream may stay quiet before
	// the channel is considered degraded.
	SilenceTimeout time.Duration
	// InitialBackoff and MaxBackoff bound the reconnect backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// AbandonAfter is the consecutive reconnect failures after which the
	// channel is reported disconnected. Reconnects keep going regardless.
	AbandonAfter int
	// MinRefreshInterval throttles refreshes triggered by push events.
	MinRefreshInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 90 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 60 * time.Second
	}
	if c.AbandonAfter <= 0 {
		c.AbandonAfter = 5
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = time.Second
	}
	return c
}

var errSilence = errors.New("push channel silent past timeout")

// RefreshFunc pulls a fresh snapshot. reason is "push", "reconnect",
// "poll", or "safety_poll".
type RefreshFunc func(ctx context.Context, reason string)

// Notifier runs the push subscription for one system.
type Notifier struct {
	systemID  string
	transport Transport
	topics    func() []string
	refresh   RefreshFunc
	cfg       Config
	log       *slog.Logger

	mu          sync.Mutex
	state       State
	listeners   []func(systemID string, state State)
	lastRefresh time.Time
}

// New creates a notifier for one system. topics is re-evaluated before every
// subscribe so newly discovered objects get picked up on reconnect.
func New(systemID string, transport Transport, topics func() []string, refresh RefreshFunc, cfg Config, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		systemID:  systemID,
		transport: transport,
		topics:    topics,
		refresh:   refresh,
		cfg:       cfg.withDefaults(),
		log:       log.With("system", systemID),
	}
}

// State returns the current channel state.
func (n *Notifier) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// OnStateChange registers a listener for channel state transitions.
func (n *Notifier) OnStateChange(fn func(systemID string, state State)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

func (n *Notifier) setState(s State) {
	n.mu.Lock()
	if n.state == s {
		n.mu.Unlock()
		return
	}
	old := n.state
	n.state = s
	listeners := make([]func(string, State), len(n.listeners))
	copy(listeners, n.listeners)
	n.mu.Unlock()

	n.log.Info("push channel state", "from", old.String(), "to", s.String())
	for _, fn := range listeners {
		fn(n.systemID, s)
	}
}

// Run keeps the subscription alive until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	defer n.setState(StateDisconnected)

	backoff := n.cfg.InitialBackoff
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if n.State() == StateDisconnected {
			n.setState(StateConnecting)
		}

		stream, err := n.transport.Subscribe(ctx, n.topics())
		if err != nil {
			failures++
			if failures >= n.cfg.AbandonAfter {
				n.setState(StateDisconnected)
			}
			n.log.Warn("subscribe failed", "err", err, "failures", failures, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, n.cfg.MaxBackoff)
			continue
		}

		failures = 0
		backoff = n.cfg.InitialBackoff
		n.setState(StateConnected)
		n.maybeRefresh(ctx, "reconnect")

		err = n.consume(ctx, stream)
		stream.Close()
		if ctx.Err() != nil {
			return
		}
		n.setState(StateDegraded)
		n.log.Warn("push channel lost", "err", err)
	}
}

// consume reads events until the stream breaks or goes silent. A heartbeat
// goroutine keeps the server-side subscription alive for the duration.
func (n *Notifier) consume(ctx context.Context, stream Stream) error {
	hbCtx, cancelHB := context.WithCancel(ctx)
	defer cancelHB()
	go n.heartbeatLoop(hbCtx)

	payloads := make(chan []byte)
	recvErr := make(chan error, 1)
	go func() {
		for {
			p, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case payloads <- p:
			case <-hbCtx.Done():
				return
			}
		}
	}()

	silence := time.NewTimer(n.cfg.SilenceTimeout)
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-recvErr:
			return err
		case <-silence.C:
			return errSilence
		case p := <-payloads:
			if !silence.Stop() {
				<-silence.C
			}
			silence.Reset(n.cfg.SilenceTimeout)
			if hds.ShouldRefresh(p) {
				n.maybeRefresh(ctx, "push")
			}
		}
	}
}

// heartbeatLoop publishes client heartbeats: every second for the first ten
// sends while the server warms up the subscription, then every 30 seconds.
func (n *Notifier) heartbeatLoop(ctx context.Context) {
	const warmupSends = 10
	sent := 0
	for {
		if err := n.transport.PublishHeartbeat(ctx, n.systemID); err != nil {
			if ctx.Err() != nil {
				return
			}
			n.log.Debug("heartbeat failed", "err", err)
		}
		sent++

		interval := 30 * time.Second
		if sent < warmupSends {
			interval = time.Second
		}
		if !sleep(ctx, interval) {
			return
		}
	}
}

// maybeRefresh triggers a snapshot refresh unless one ran within the
// throttle window.
func (n *Notifier) maybeRefresh(ctx context.Context, reason string) {
	n.mu.Lock()
	now := time.Now()
	if now.Sub(n.lastRefresh) < n.cfg.MinRefreshInterval {
		n.mu.Unlock()
		return
	}
	n.lastRefresh = now
	n.mu.Unlock()

	n.refresh(ctx, reason)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
