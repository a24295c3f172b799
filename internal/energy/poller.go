// Package energy periodically fetches energy usage metrics and feeds them to
// the reconciler and, optionally, to InfluxDB.
package energy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"quilt-bridge/internal/hds"
	"quilt-bridge/internal/reconcile"
)

// Hourly buckets. Energy totals are recomputed locally, so finer
// resolutions only add payload size.
const resolutionHourly = 1

// Source fetches energy metrics from the cloud.
type Source interface {
	GetEnergyMetrics(ctx context.Context, systemID string, start, end time.Time, resolution int) ([]hds.SpaceEnergy, error)
}

// Sink receives raw energy buckets for long-term storage.
type Sink interface {
	WriteBuckets(ctx context.Context, systemID, spaceID string, buckets []hds.EnergyBucket) error
}

// Config controls the energy poll loop.
type Config struct {
	PollInterval time.Duration
	LookbackDays int
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Minute
	}
	if c.LookbackDays <= 0 {
		c.LookbackDays = 7
	}
	return c
}

// Poller periodically pulls energy metrics for one system.
type Poller struct {
	systemID string
	source   Source
	rec      *reconcile.Reconciler
	sink     Sink
	loc      *time.Location
	cfg      Config
	log      *slog.Logger

	now func() time.Time
}

// NewPoller builds an energy poller. sink may be nil. loc is the system's
// local timezone, used to align the lookback window and daily totals.
func NewPoller(systemID string, source Source, rec *reconcile.Reconciler, sink Sink, loc *time.Location, cfg Config, log *slog.Logger) *Poller {
	if loc == nil {
		loc = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &Poller{
		systemID: systemID,
		source:   source,
		rec:      rec,
		sink:     sink,
		loc:      loc,
		cfg:      cfg.withDefaults(),
		log:      log.With("component", "energy", "system", systemID),
		now:      time.Now,
	}
}

// Run polls once immediately and then on every tick until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	if err := p.Poll(ctx); err != nil {
		p.log.Warn("energy poll failed", "err", err)
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Poll(ctx); err != nil {
				p.log.Warn("energy poll failed", "err", err)
			}
		}
	}
}

// Poll fetches the lookback window of hourly buckets and applies them.
func (p *Poller) Poll(ctx context.Context) error {
	end := p.now().In(p.loc)
	start := midnight(end.AddDate(0, 0, -p.cfg.LookbackDays))

	spaces, err := p.source.GetEnergyMetrics(ctx, p.systemID, start, end, resolutionHourly)
	if err != nil {
		return fmt.Errorf("get energy metrics: %w", err)
	}

	for _, se := range spaces {
		p.rec.ApplyEnergy(p.systemID, se.SpaceID, se.Buckets, p.loc)
		if p.sink != nil {
			if err := p.sink.WriteBuckets(ctx, p.systemID, se.SpaceID, se.Buckets); err != nil {
				p.log.Warn("energy export failed", "space", se.SpaceID, "err", err)
			}
		}
	}
	p.log.Debug("energy poll complete", "spaces", len(spaces))
	return nil
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
