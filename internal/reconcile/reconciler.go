// Package reconcile maintains the canonical per-space state. Updates arrive
// from two sources, push events and polling, with no ordering guarantee
// between them; the reconciler orders them by device timestamp, drops
// duplicates, and emits only real changes on the event bus.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"quilt-bridge/internal/hds"
)

// Update sources.
const (
	SourcePush = "push"
	SourcePoll = "poll"
)

// Canonical field keys shared with the MQTT bridge and the store.
const (
	FieldName               = "name"
	FieldHVACMode           = "hvac_mode"
	FieldHVACAction         = "hvac_action"
	FieldTargetTemperature  = "target_temperature"
	FieldTargetTempHigh     = "target_temperature_high"
	FieldTargetTempLow      = "target_temperature_low"
	FieldCurrentTemperature = "current_temperature"
	FieldFanMode            = "fan_mode"
	FieldFanPercent         = "fan_percent"
	FieldLightBrightness    = "light_brightness"
	FieldLightEffect        = "light_effect"
	FieldLouverMode         = "louver_mode"
	FieldLouverPosition     = "louver_position"
	FieldComfortSetting     = "comfort_setting_id"
	FieldEnergyToday        = "energy_today_kwh"
	FieldEnergyWeek         = "energy_7d_kwh"
)

// SpaceUpdate is one observation of a space, from either source.
type SpaceUpdate struct {
	SpaceID   string
	SystemID  string
	Source    string
	Timestamp time.Time
	Fields    map[string]any
}

// Space is the reconciled record for one space.
type Space struct {
	SpaceID     string
	SystemID    string
	Fields      map[string]any
	Available   bool
	LastApplied time.Time
	LastSeen    time.Time

	energy map[int64]float64
}

// Name returns the space's display name, falling back to its id.
func (s *Space) Name() string {
	if name, ok := s.Fields[FieldName].(string); ok && name != "" {
		return name
	}
	return s.SpaceID
}

// Reconciler serializes updates from both sources into per-space records.
type Reconciler struct {
	bus   *EventBus
	log   *slog.Logger
	grace time.Duration

	mu     sync.RWMutex
	spaces map[string]*Space

	inbox chan SpaceUpdate
	now   func() time.Time
}

// New creates a reconciler. grace is how long a space stays available after
// its last observation.
func New(bus *EventBus, grace time.Duration, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		bus:    bus,
		log:    log,
		grace:  grace,
		spaces: make(map[string]*Space),
		inbox:  make(chan SpaceUpdate, 64),
		now:    time.Now,
	}
}

// Submit queues an update for the Run loop.
func (r *Reconciler) Submit(u SpaceUpdate) {
	r.inbox <- u
}

// Run consumes queued updates and expires stale spaces until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	tick := r.grace / 2
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	if tick > 30*time.Second {
		tick = 30 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.inbox:
			r.Apply(u)
		case <-ticker.C:
			r.expireStale()
		}
	}
}

// Apply merges one update into the space record and returns the fields that
// actually changed. Updates older than the last applied timestamp are
// dropped; replays and unchanged values produce an empty diff. Any update,
// stale or not, counts as a liveness signal.
func (r *Reconciler) Apply(u SpaceUpdate) map[string]any {
	r.mu.Lock()

	rec, ok := r.spaces[u.SpaceID]
	if !ok {
		rec = &Space{
			SpaceID:  u.SpaceID,
			SystemID: u.SystemID,
			Fields:   make(map[string]any),
			energy:   make(map[int64]float64),
		}
		r.spaces[u.SpaceID] = rec
	}

	now := r.now()
	rec.LastSeen = now
	wasAvailable := rec.Available
	rec.Available = true

	var diff map[string]any
	if rec.LastApplied.IsZero() || !u.Timestamp.Before(rec.LastApplied) {
		for k, v := range u.Fields {
			if cur, ok := rec.Fields[k]; !ok || cur != v {
				if diff == nil {
					diff = make(map[string]any)
				}
				diff[k] = v
				rec.Fields[k] = v
			}
		}
		if u.Timestamp.After(rec.LastApplied) {
			rec.LastApplied = u.Timestamp
		}
	} else {
		r.log.Debug("dropped stale update",
			"space", u.SpaceID, "source", u.Source,
			"ts", u.Timestamp, "last_applied", rec.LastApplied)
	}
	systemID := rec.SystemID
	r.mu.Unlock()

	if !wasAvailable {
		r.bus.Emit(Event{Type: EventSpaceAvailability, Data: AvailabilityEvent{
			SpaceID: u.SpaceID, SystemID: systemID, Available: true,
		}})
	}
	if len(diff) > 0 {
		r.bus.Emit(Event{Type: EventSpaceUpdate, Data: SpaceEvent{
			SpaceID: u.SpaceID, SystemID: systemID, Source: u.Source, Fields: diff,
		}})
	}
	return diff
}

// ApplyEnergy merges energy buckets for a space and recomputes the daily and
// weekly totals. Energy timestamps come from the metering pipeline, not the
// device clock, so they bypass the staleness check.
func (r *Reconciler) ApplyEnergy(systemID, spaceID string, buckets []hds.EnergyBucket, loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}

	r.mu.Lock()
	rec, ok := r.spaces[spaceID]
	if !ok {
		rec = &Space{
			SpaceID:  spaceID,
			SystemID: systemID,
			Fields:   make(map[string]any),
			energy:   make(map[int64]float64),
		}
		r.spaces[spaceID] = rec
	}
	for _, b := range buckets {
		rec.energy[b.Start.Seconds] = b.KWh
	}

	now := r.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	weekAgo := now.Add(-7 * 24 * time.Hour)

	var today, week float64
	for start, kwh := range rec.energy {
		t := time.Unix(start, 0)
		if t.Before(weekAgo.Add(-24 * time.Hour)) {
			delete(rec.energy, start)
			continue
		}
		if !t.Before(weekAgo) {
			week += kwh
		}
		if !t.Before(midnight) {
			today += kwh
		}
	}
	today = round3(today)
	week = round3(week)

	diff := make(map[string]any)
	if cur, ok := rec.Fields[FieldEnergyToday]; !ok || cur != today {
		rec.Fields[FieldEnergyToday] = today
		diff[FieldEnergyToday] = today
	}
	if cur, ok := rec.Fields[FieldEnergyWeek]; !ok || cur != week {
		rec.Fields[FieldEnergyWeek] = week
		diff[FieldEnergyWeek] = week
	}
	r.mu.Unlock()

	if len(diff) > 0 {
		r.bus.Emit(Event{Type: EventEnergyUpdate, Data: SpaceEvent{
			SpaceID: spaceID, SystemID: systemID, Fields: diff,
		}})
	}
}

// expireStale marks spaces unavailable once the grace period since their
// last observation has passed. Each transition is emitted exactly once.
func (r *Reconciler) expireStale() {
	now := r.now()

	r.mu.Lock()
	var expired []AvailabilityEvent
	for _, rec := range r.spaces {
		if rec.Available && now.Sub(rec.LastSeen) > r.grace {
			rec.Available = false
			expired = append(expired, AvailabilityEvent{
				SpaceID: rec.SpaceID, SystemID: rec.SystemID, Available: false,
			})
		}
	}
	r.mu.Unlock()

	for _, ev := range expired {
		r.log.Warn("space went stale", "space", ev.SpaceID)
		r.bus.Emit(Event{Type: EventSpaceAvailability, Data: ev})
	}
}

// Space returns a copy of one space record.
func (r *Reconciler) Space(spaceID string) (Space, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.spaces[spaceID]
	if !ok {
		return Space{}, false
	}
	return copySpace(rec), true
}

// Spaces returns copies of all space records, sorted by id.
func (r *Reconciler) Spaces() []Space {
	r.mu.RLock()
	out := make([]Space, 0, len(r.spaces))
	for _, rec := range r.spaces {
		out = append(out, copySpace(rec))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].SpaceID < out[j].SpaceID })
	return out
}

// Remove drops a space record entirely. Used for spaces deleted upstream,
// which are retracted rather than marked unavailable.
func (r *Reconciler) Remove(spaceID string) bool {
	r.mu.Lock()
	rec, ok := r.spaces[spaceID]
	if ok {
		delete(r.spaces, spaceID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.bus.Emit(Event{Type: EventSpaceRemoved, Data: RemovalEvent{
		SpaceID: spaceID, SystemID: rec.SystemID,
	}})
	return true
}

// Restore seeds a space record from persisted state. Only used at startup,
// before any live updates arrive.
func (r *Reconciler) Restore(sp Space) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.spaces[sp.SpaceID]; exists {
		return
	}
	rec := copySpace(&sp)
	if rec.Fields == nil {
		rec.Fields = make(map[string]any)
	}
	rec.energy = make(map[int64]float64)
	r.spaces[sp.SpaceID] = &rec
}

func copySpace(rec *Space) Space {
	cp := *rec
	cp.Fields = make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		cp.Fields[k] = v
	}
	cp.energy = nil
	return cp
}

func round3(v float64) float64 {
	return float64(int64(v*1000+0.5)) / 1000
}
