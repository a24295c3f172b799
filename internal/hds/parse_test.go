package hds

import (
	"testing"
	"time"

	"quilt-bridge/internal/protowire"
)

func encHeader(id, systemID string, updated *Timestamp) []byte {
	var msg []byte
	msg = protowire.AppendString(msg, 1, id)
	if updated != nil {
		var ts []byte
		ts = protowire.AppendVarint(ts, 1, uint64(updated.Seconds))
		ts = protowire.AppendVarint(ts, 2, uint64(updated.Nanos))
		msg = protowire.AppendBytes(msg, 3, ts)
	}
	msg = protowire.AppendString(msg, 4, systemID)
	return msg
}

// encSpace builds a wire-format Space object as the cloud sends it.
func encSpace(id, systemID, name string, hvacMode int, setpointC, ambientC float64, updated Timestamp) []byte {
	var settings []byte
	settings = protowire.AppendString(settings, 1, name)
	settings = protowire.AppendString(settings, 4, "America/Los_Angeles")

	var controls []byte
	controls = protowire.AppendVarint(controls, 1, uint64(hvacMode))
	controls = protowire.AppendFloat32(controls, 2, setpointC)
	var ts []byte
	ts = protowire.AppendVarint(ts, 1, uint64(updated.Seconds))
	controls = protowire.AppendBytes(controls, 3, ts)
	controls = protowire.AppendFloat32(controls, 4, setpointC+1)
	controls = protowire.AppendFloat32(controls, 5, setpointC-1)

	var state []byte
	state = protowire.AppendBytes(state, 1, ts)
	state = protowire.AppendFloat32(state, 3, ambientC)
	state = protowire.AppendVarint(state, 4, uint64(HVACStateHeat))

	var space []byte
	space = protowire.AppendBytes(space, 1, encHeader(id, systemID, &updated))
	space = protowire.AppendBytes(space, 3, settings)
	space = protowire.AppendBytes(space, 4, controls)
	space = protowire.AppendBytes(space, 5, state)
	return space
}

func encIndoorUnit(id, systemID, spaceID string, brightness float64, animation int) []byte {
	var rel []byte
	rel = protowire.AppendString(rel, 2, spaceID)

	var controls []byte
	controls = protowire.AppendVarint(controls, 3, 2)
	controls = protowire.AppendFloat32(controls, 4, brightness)
	controls = protowire.AppendVarint(controls, 5, uint64(FanSpeedModeAuto))
	controls = protowire.AppendVarint(controls, 10, uint64(LouverModeSweep))
	controls = protowire.AppendVarint(controls, 12, uint64(animation))

	var iu []byte
	iu = protowire.AppendBytes(iu, 1, encHeader(id, systemID, nil))
	iu = protowire.AppendBytes(iu, 2, rel)
	iu = protowire.AppendBytes(iu, 4, controls)
	return iu
}

func TestParseListSystemsResponse(t *testing.T) {
	var sys1 []byte
	sys1 = protowire.AppendString(sys1, 1, "sys-1")
	sys1 = protowire.AppendString(sys1, 2, "Home")
	sys1 = protowire.AppendString(sys1, 3, "America/Denver")

	var sys2 []byte
	sys2 = protowire.AppendString(sys2, 1, "sys-2")
	// No name: falls back to the id.

	var resp []byte
	resp = protowire.AppendBytes(resp, 1, sys1)
	resp = protowire.AppendBytes(resp, 1, sys2)

	systems, err := ParseListSystemsResponse(resp)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(systems) != 2 {
		t.Fatalf("got %d systems, want 2", len(systems))
	}
	if systems[0].SystemID != "sys-1" || systems[0].Name != "Home" || systems[0].Timezone != "America/Denver" {
		t.Errorf("system 1 = %+v", systems[0])
	}
	if systems[1].Name != "sys-2" {
		t.Errorf("system 2 name = %q, want id fallback", systems[1].Name)
	}
}

func TestParseSystemResponse(t *testing.T) {
	updated := Timestamp{Seconds: 1700000000}
	var resp []byte
	resp = protowire.AppendBytes(resp, 3, encSpace("space-a", "sys-1", "Living Room", HVACModeHeat, 21.5, 20, updated))
	resp = protowire.AppendBytes(resp, 3, encSpace("space-b", "sys-1", "Bedroom", HVACModeCool, 24, 25.5, updated))
	resp = protowire.AppendBytes(resp, 9, encIndoorUnit("iu-1", "sys-1", "space-a", 0.8, LightAnimationDance))

	sys, err := ParseSystemResponse(resp)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if sys.SystemID != "sys-1" {
		t.Errorf("system id = %q", sys.SystemID)
	}
	if len(sys.Spaces) != 2 {
		t.Fatalf("got %d spaces, want 2", len(sys.Spaces))
	}

	a := sys.Spaces["space-a"]
	if a == nil {
		t.Fatal("space-a missing")
	}
	if a.Settings.Name != "Living Room" {
		t.Errorf("name = %q", a.Settings.Name)
	}
	if a.Controls.HVACMode == nil || *a.Controls.HVACMode != HVACModeHeat {
		t.Errorf("hvac mode = %v", a.Controls.HVACMode)
	}
	if a.Controls.SetpointC == nil || *a.Controls.SetpointC != 21.5 {
		t.Errorf("setpoint = %v", a.Controls.SetpointC)
	}
	if a.State.AmbientC == nil || *a.State.AmbientC != 20 {
		t.Errorf("ambient = %v", a.State.AmbientC)
	}
	if a.State.HVACState == nil || *a.State.HVACState != HVACStateHeat {
		t.Errorf("hvac state = %v", a.State.HVACState)
	}
	if a.Controls.Updated == nil || a.Controls.Updated.Seconds != 1700000000 {
		t.Errorf("controls updated = %v", a.Controls.Updated)
	}

	iu := sys.IndoorUnits["iu-1"]
	if iu == nil {
		t.Fatal("iu-1 missing")
	}
	if iu.SpaceID != "space-a" {
		t.Errorf("iu space = %q", iu.SpaceID)
	}
	if iu.Controls.LightBrightness == nil || *iu.Controls.LightBrightness != 0.8 {
		t.Errorf("brightness = %v", iu.Controls.LightBrightness)
	}
	if iu.Controls.LightAnimation == nil || *iu.Controls.LightAnimation != LightAnimationDance {
		t.Errorf("animation = %v", iu.Controls.LightAnimation)
	}
	if got := sys.IndoorUnitsBySpace["space-a"]; len(got) != 1 {
		t.Errorf("indoor units for space-a = %d, want 1", len(got))
	}
}

func TestNotifierTopics(t *testing.T) {
	updated := Timestamp{Seconds: 1700000000}
	var resp []byte
	resp = protowire.AppendBytes(resp, 3, encSpace("space-a", "sys-1", "Living Room", HVACModeHeat, 21, 20, updated))
	resp = protowire.AppendBytes(resp, 9, encIndoorUnit("iu-1", "sys-1", "space-a", 0.5, LightAnimationNone))

	sys, err := ParseSystemResponse(resp)
	if err != nil {
		t.Fatal(err)
	}

	topics := make(map[string]bool)
	for _, topic := range sys.NotifierTopics() {
		topics[topic] = true
	}
	if !topics["hds/space/space-a"] {
		t.Error("space topic missing")
	}
	if !topics["hds/indoor_unit/iu-1"] {
		t.Error("indoor unit topic missing")
	}
}

func TestParseEnergyMetricsResponse(t *testing.T) {
	start := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)

	var ts []byte
	ts = protowire.AppendVarint(ts, 1, uint64(start.Unix()))

	var bucket []byte
	bucket = protowire.AppendBytes(bucket, 1, ts)
	bucket = protowire.AppendVarint(bucket, 2, 1)
	bucket = protowire.AppendFloat64(bucket, 3, 0.75)

	var se []byte
	se = protowire.AppendString(se, 1, "space-a")
	se = protowire.AppendVarint(se, 2, 1)
	se = protowire.AppendBytes(se, 3, bucket)

	var resp []byte
	resp = protowire.AppendBytes(resp, 1, se)

	metrics, err := ParseEnergyMetricsResponse(resp)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(metrics) != 1 {
		t.Fatalf("got %d space metrics, want 1", len(metrics))
	}
	m := metrics[0]
	if m.SpaceID != "space-a" || m.Resolution != 1 {
		t.Errorf("metrics = %+v", m)
	}
	if len(m.Buckets) != 1 {
		t.Fatalf("got %d buckets, want 1", len(m.Buckets))
	}
	b := m.Buckets[0]
	if b.KWh != 0.75 || b.Status != 1 {
		t.Errorf("bucket = %+v", b)
	}
	if !b.Start.Time().Equal(start) {
		t.Errorf("bucket start = %v, want %v", b.Start.Time(), start)
	}
}

func TestParseEnergyMetricsFixed32Fallback(t *testing.T) {
	var ts []byte
	ts = protowire.AppendVarint(ts, 1, 1700000000)

	var bucket []byte
	bucket = protowire.AppendBytes(bucket, 1, ts)
	bucket = protowire.AppendFloat32(bucket, 3, 1.5)

	var se []byte
	se = protowire.AppendString(se, 1, "space-a")
	se = protowire.AppendBytes(se, 3, bucket)

	var resp []byte
	resp = protowire.AppendBytes(resp, 1, se)

	metrics, err := ParseEnergyMetricsResponse(resp)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || len(metrics[0].Buckets) != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
	if metrics[0].Buckets[0].KWh != 1.5 {
		t.Errorf("kwh = %v, want 1.5", metrics[0].Buckets[0].KWh)
	}
}

func TestActiveComfortSetting(t *testing.T) {
	mode := HVACModeAutomatic
	sys := &System{
		Spaces: map[string]*Space{
			"space-a": {Controls: SpaceControls{ComfortSettingID: "cs-2"}},
			"space-b": {},
		},
		ComfortSettings: map[string]*ComfortSetting{
			"cs-1": {Header: Header{ID: "cs-1"}, SpaceID: "space-a", Attributes: ComfortSettingAttributes{HVACMode: &mode}},
			"cs-2": {Header: Header{ID: "cs-2"}, SpaceID: "space-a"},
		},
		ComfortSettingsBySpace: map[string][]*ComfortSetting{
			"space-a": {{Header: Header{ID: "cs-1"}}},
		},
	}

	if got := sys.ActiveComfortSetting("space-a"); got == nil || got.Header.ID != "cs-2" {
		t.Errorf("active = %+v, want cs-2 (selected by controls)", got)
	}
	if got := sys.ActiveComfortSetting("space-b"); got != nil {
		t.Errorf("active for space-b = %+v, want nil", got)
	}
	if got := sys.ActiveComfortSetting("missing"); got != nil {
		t.Errorf("active for missing space = %+v, want nil", got)
	}
}
