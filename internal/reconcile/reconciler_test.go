package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"quilt-bridge/internal/hds"
)

type recordedEvents struct {
	updates      []SpaceEvent
	availability []AvailabilityEvent
	energy       []SpaceEvent
}

func newTestReconciler(t *testing.T, grace time.Duration) (*Reconciler, *recordedEvents) {
	t.Helper()
	rec := &recordedEvents{}
	bus := NewEventBus(slog.Default())
	bus.On(EventSpaceUpdate, func(ev Event) {
		rec.updates = append(rec.updates, ev.Data.(SpaceEvent))
	})
	bus.On(EventSpaceAvailability, func(ev Event) {
		rec.availability = append(rec.availability, ev.Data.(AvailabilityEvent))
	})
	bus.On(EventEnergyUpdate, func(ev Event) {
		rec.energy = append(rec.energy, ev.Data.(SpaceEvent))
	})
	return New(bus, grace, slog.Default()), rec
}

func TestApplyOrdersByTimestamp(t *testing.T) {
	r, events := newTestReconciler(t, time.Minute)
	t1 := time.Unix(1000, 0)
	t2 := time.Unix(2000, 0)

	diff := r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Source: SourcePoll, Timestamp: t1,
		Fields: map[string]any{FieldHVACMode: "heat", FieldTargetTemperature: 21.0},
	})
	if len(diff) != 2 {
		t.Fatalf("first diff = %v", diff)
	}

	diff = r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Source: SourcePush, Timestamp: t2,
		Fields: map[string]any{FieldHVACMode: "cool"},
	})
	if len(diff) != 1 || diff[FieldHVACMode] != "cool" {
		t.Fatalf("second diff = %v", diff)
	}

	// A delayed poll snapshot replaying the older state must not win.
	diff = r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Source: SourcePoll, Timestamp: t1,
		Fields: map[string]any{FieldHVACMode: "heat"},
	})
	if diff != nil {
		t.Fatalf("stale diff = %v, want nil", diff)
	}

	sp, ok := r.Space("space-a")
	if !ok {
		t.Fatal("space missing")
	}
	if sp.Fields[FieldHVACMode] != "cool" {
		t.Errorf("hvac_mode = %v, want cool kept", sp.Fields[FieldHVACMode])
	}
	if len(events.updates) != 2 {
		t.Errorf("got %d update events, want 2", len(events.updates))
	}
}

func TestApplyDedupsReplays(t *testing.T) {
	r, events := newTestReconciler(t, time.Minute)
	ts := time.Unix(1000, 0)
	u := SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Source: SourcePush, Timestamp: ts,
		Fields: map[string]any{FieldHVACMode: "heat", FieldCurrentTemperature: 20.5},
	}

	if diff := r.Apply(u); len(diff) != 2 {
		t.Fatalf("first diff = %v", diff)
	}
	// The poll path re-delivering the same observation is a no-op.
	u.Source = SourcePoll
	if diff := r.Apply(u); len(diff) != 0 {
		t.Fatalf("replay diff = %v, want empty", diff)
	}
	if len(events.updates) != 1 {
		t.Errorf("got %d update events, want 1", len(events.updates))
	}
}

func TestEqualTimestampNewValuesApply(t *testing.T) {
	r, _ := newTestReconciler(t, time.Minute)
	ts := time.Unix(1000, 0)

	r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Timestamp: ts,
		Fields: map[string]any{FieldHVACMode: "heat"},
	})
	diff := r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Timestamp: ts,
		Fields: map[string]any{FieldHVACAction: "heating"},
	})
	if diff[FieldHVACAction] != "heating" {
		t.Errorf("diff = %v, want hvac_action applied at equal timestamp", diff)
	}
}

func TestGracePeriodAvailability(t *testing.T) {
	r, events := newTestReconciler(t, time.Minute)

	now := time.Unix(5000, 0)
	r.now = func() time.Time { return now }

	r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Timestamp: time.Unix(1000, 0),
		Fields: map[string]any{FieldHVACMode: "heat"},
	})
	if len(events.availability) != 1 || !events.availability[0].Available {
		t.Fatalf("availability events = %+v, want initial available", events.availability)
	}

	// Inside the grace period nothing changes.
	now = now.Add(30 * time.Second)
	r.expireStale()
	if len(events.availability) != 1 {
		t.Fatalf("expired inside grace period: %+v", events.availability)
	}

	// Past the grace period the space goes stale, exactly once.
	now = now.Add(45 * time.Second)
	r.expireStale()
	r.expireStale()
	if len(events.availability) != 2 || events.availability[1].Available {
		t.Fatalf("availability events = %+v, want single unavailable", events.availability)
	}

	// Even a stale-timestamped update counts as a liveness signal.
	r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Timestamp: time.Unix(500, 0),
		Fields: map[string]any{FieldHVACMode: "cool"},
	})
	if len(events.availability) != 3 || !events.availability[2].Available {
		t.Fatalf("availability events = %+v, want available again", events.availability)
	}
	sp, _ := r.Space("space-a")
	if sp.Fields[FieldHVACMode] != "heat" {
		t.Error("stale update must not change fields")
	}
}

func TestApplyEnergyTotals(t *testing.T) {
	r, events := newTestReconciler(t, time.Minute)

	loc := time.UTC
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, loc)
	r.now = func() time.Time { return now }

	buckets := []hds.EnergyBucket{
		{Start: hds.TimestampOf(now.Add(-2 * time.Hour)), KWh: 0.5},
		{Start: hds.TimestampOf(now.Add(-4 * time.Hour)), KWh: 0.25},
		{Start: hds.TimestampOf(now.Add(-3 * 24 * time.Hour)), KWh: 1.0},
	}
	r.ApplyEnergy("sys-1", "space-a", buckets, loc)

	sp, ok := r.Space("space-a")
	if !ok {
		t.Fatal("space missing")
	}
	if got := sp.Fields[FieldEnergyToday]; got != 0.75 {
		t.Errorf("energy_today_kwh = %v, want 0.75", got)
	}
	if got := sp.Fields[FieldEnergyWeek]; got != 1.75 {
		t.Errorf("energy_7d_kwh = %v, want 1.75", got)
	}
	if len(events.energy) != 1 {
		t.Fatalf("got %d energy events, want 1", len(events.energy))
	}

	// Re-delivering the same buckets changes nothing.
	r.ApplyEnergy("sys-1", "space-a", buckets, loc)
	if len(events.energy) != 1 {
		t.Errorf("got %d energy events after replay, want 1", len(events.energy))
	}

	// A corrected bucket value updates the totals.
	r.ApplyEnergy("sys-1", "space-a", []hds.EnergyBucket{
		{Start: hds.TimestampOf(now.Add(-2 * time.Hour)), KWh: 0.6},
	}, loc)
	sp, _ = r.Space("space-a")
	if got := sp.Fields[FieldEnergyToday]; got != 0.85 {
		t.Errorf("energy_today_kwh = %v, want 0.85", got)
	}
}

func TestEnergyDoesNotGateFieldUpdates(t *testing.T) {
	r, _ := newTestReconciler(t, time.Minute)

	// Energy arrives first with wall-clock-like timestamps far in the future
	// of the device clock.
	r.ApplyEnergy("sys-1", "space-a", []hds.EnergyBucket{
		{Start: hds.Timestamp{Seconds: time.Now().Unix()}, KWh: 1},
	}, time.UTC)

	diff := r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Timestamp: time.Unix(1000, 0),
		Fields: map[string]any{FieldHVACMode: "heat"},
	})
	if diff[FieldHVACMode] != "heat" {
		t.Errorf("diff = %v, want field update applied", diff)
	}
}

func TestRestoreSeedsWithoutOverwriting(t *testing.T) {
	r, _ := newTestReconciler(t, time.Minute)

	r.Restore(Space{
		SpaceID:  "space-a",
		SystemID: "sys-1",
		Fields:   map[string]any{FieldHVACMode: "heat", FieldName: "Living Room"},
	})
	sp, ok := r.Space("space-a")
	if !ok || sp.Fields[FieldName] != "Living Room" {
		t.Fatalf("restored space = %+v", sp)
	}

	// Restore after live data must not clobber it.
	r.Apply(SpaceUpdate{
		SpaceID: "space-b", SystemID: "sys-1", Timestamp: time.Unix(1000, 0),
		Fields: map[string]any{FieldHVACMode: "cool"},
	})
	r.Restore(Space{SpaceID: "space-b", Fields: map[string]any{FieldHVACMode: "off"}})
	sp, _ = r.Space("space-b")
	if sp.Fields[FieldHVACMode] != "cool" {
		t.Errorf("hvac_mode = %v, want live value kept", sp.Fields[FieldHVACMode])
	}
}

func TestRunAppliesSubmittedUpdates(t *testing.T) {
	bus := NewEventBus(slog.Default())
	updates := make(chan SpaceEvent, 8)
	bus.On(EventSpaceUpdate, func(ev Event) {
		updates <- ev.Data.(SpaceEvent)
	})
	r := New(bus, time.Minute, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.Submit(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Source: SourcePush,
		Timestamp: time.Unix(1000, 0),
		Fields:    map[string]any{FieldHVACMode: "heat"},
	})
	r.Submit(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Source: SourcePoll,
		Timestamp: time.Unix(2000, 0),
		Fields:    map[string]any{FieldHVACMode: "cool"},
	})

	for i := 0; i < 2; i++ {
		select {
		case <-updates:
		case <-time.After(2 * time.Second):
			t.Fatalf("update %d not consumed from the inbox", i+1)
		}
	}
	sp, ok := r.Space("space-a")
	if !ok || sp.Fields[FieldHVACMode] != "cool" {
		t.Fatalf("space = %+v, want cool applied", sp)
	}
}

func TestRemoveRetractsSpace(t *testing.T) {
	bus := NewEventBus(slog.Default())
	var removed []RemovalEvent
	bus.On(EventSpaceRemoved, func(ev Event) {
		removed = append(removed, ev.Data.(RemovalEvent))
	})
	r := New(bus, time.Minute, slog.Default())

	r.Apply(SpaceUpdate{
		SpaceID: "space-a", SystemID: "sys-1", Timestamp: time.Unix(1000, 0),
		Fields: map[string]any{FieldHVACMode: "heat"},
	})

	if !r.Remove("space-a") {
		t.Fatal("remove reported nothing dropped")
	}
	if _, ok := r.Space("space-a"); ok {
		t.Error("space still present after remove")
	}
	if len(removed) != 1 || removed[0].SystemID != "sys-1" {
		t.Fatalf("removal events = %+v", removed)
	}
	if r.Remove("space-a") {
		t.Error("second remove must be a no-op")
	}
}

func TestSpacesSorted(t *testing.T) {
	r, _ := newTestReconciler(t, time.Minute)
	for _, id := range []string{"space-c", "space-a", "space-b"} {
		r.Apply(SpaceUpdate{SpaceID: id, SystemID: "sys-1", Timestamp: time.Unix(1000, 0), Fields: map[string]any{}})
	}

	spaces := r.Spaces()
	if len(spaces) != 3 {
		t.Fatalf("got %d spaces", len(spaces))
	}
	for i, want := range []string{"space-a", "space-b", "space-c"} {
		if spaces[i].SpaceID != want {
			t.Errorf("spaces[%d] = %s, want %s", i, spaces[i].SpaceID, want)
		}
	}
}
